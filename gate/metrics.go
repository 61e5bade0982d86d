package gate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ecashlabs/nutgate/kv"
)

const (
	metricKeyPrefix     = "metrics:"
	tokenErrorKeyPrefix = "token_error:"

	metricTTLSeconds     = 90 * 24 * 60 * 60
	tokenErrorTTLSeconds = 24 * 60 * 60

	metricReadBatch = 50
)

// MetricRecord is one request's accounting row.
type MetricRecord struct {
	Timestamp  string `json:"timestamp"`
	Model      string `json:"model,omitempty"`
	Status     int    `json:"status"`
	EcashIn    uint64 `json:"ecash_in"`
	Price      uint64 `json:"price"`
	Change     uint64 `json:"change"`
	Refunded   bool   `json:"refunded,omitempty"`
	UpstreamMs int64  `json:"upstream_ms"`
	ErrorCode  string `json:"error_code,omitempty"`
	Mint       string `json:"mint,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

// TokenErrorRecord captures one failed token decode for the operator
// log.
type TokenErrorRecord struct {
	Timestamp        string `json:"timestamp"`
	TokenVersion     string `json:"token_version"`
	Error            string `json:"error"`
	RawPrefix        string `json:"raw_prefix"`
	RawToken         string `json:"raw_token"`
	DecodeTimeMs     int64  `json:"decode_time_ms"`
	RawCborStructure string `json:"raw_cbor_structure,omitempty"`
	IPHash           string `json:"ip_hash"`
	UserAgent        string `json:"user_agent,omitempty"`
}

// Metrics writes rows off the request hot path and answers the
// aggregation queries the stats endpoints serve.
type Metrics struct {
	kv     kv.Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewMetrics(store kv.Store, logger *slog.Logger) *Metrics {
	return &Metrics{kv: store, logger: logger}
}

func randSuffix() string {
	var randBytes [3]byte
	rand.Read(randBytes[:])
	return hex.EncodeToString(randBytes[:])
}

// RecordRequest writes the row asynchronously; the client response is
// never blocked on metric I/O.
func (m *Metrics) RecordRequest(record MetricRecord) {
	now := time.Now().UTC()
	if record.Timestamp == "" {
		record.Timestamp = now.Format(time.RFC3339)
	}
	key := fmt.Sprintf("%s%s:%d:%s", metricKeyPrefix, now.Format("2006-01-02"), now.UnixMilli(), randSuffix())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		value, err := json.Marshal(record)
		if err != nil {
			m.logger.Error("encoding metric record", "error", err.Error())
			return
		}
		if err := m.kv.Put(key, string(value), kv.PutOptions{ExpirationTTL: metricTTLSeconds}); err != nil {
			m.logger.Error("writing metric record", "error", err.Error())
		}
	}()
}

// RecordTokenError writes the decode failure asynchronously. The raw
// token is truncated so one oversized header cannot bloat the log.
func (m *Metrics) RecordTokenError(record TokenErrorRecord) {
	now := time.Now().UTC()
	if record.Timestamp == "" {
		record.Timestamp = now.Format(time.RFC3339)
	}
	if len(record.RawToken) > 2000 {
		record.RawToken = record.RawToken[:2000]
	}
	key := fmt.Sprintf("%s%s:%d:%s", tokenErrorKeyPrefix, now.Format("2006-01-02"), now.UnixMilli(), randSuffix())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		value, err := json.Marshal(record)
		if err != nil {
			m.logger.Error("encoding token error record", "error", err.Error())
			return
		}
		if err := m.kv.Put(key, string(value), kv.PutOptions{ExpirationTTL: tokenErrorTTLSeconds}); err != nil {
			m.logger.Error("writing token error record", "error", err.Error())
		}
	}()
}

// Flush waits for pending writes. Used by shutdown and tests.
func (m *Metrics) Flush() {
	m.wg.Wait()
}

// RecordsForDay loads the metric rows of one day (YYYY-MM-DD),
// batching KV reads in groups of 50.
func (m *Metrics) RecordsForDay(day string) ([]MetricRecord, error) {
	keys, err := m.listKeys(metricKeyPrefix + day + ":")
	if err != nil {
		return nil, err
	}

	var records []MetricRecord
	for start := 0; start < len(keys); start += metricReadBatch {
		end := start + metricReadBatch
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		values := make([]string, len(batch))
		found := make([]bool, len(batch))
		var wg sync.WaitGroup
		for i, key := range batch {
			wg.Add(1)
			go func(i int, key string) {
				defer wg.Done()
				value, ok, err := m.kv.Get(key)
				if err == nil && ok {
					values[i] = value
					found[i] = true
				}
			}(i, key)
		}
		wg.Wait()

		for i := range batch {
			if !found[i] {
				continue
			}
			var record MetricRecord
			if err := json.Unmarshal([]byte(values[i]), &record); err != nil {
				continue
			}
			records = append(records, record)
		}
	}
	return records, nil
}

// TokenErrorsForDay loads the raw decode-failure rows of one day
// (YYYY-MM-DD).
func (m *Metrics) TokenErrorsForDay(day string) ([]TokenErrorRecord, error) {
	keys, err := m.listKeys(tokenErrorKeyPrefix + day + ":")
	if err != nil {
		return nil, err
	}

	var records []TokenErrorRecord
	for _, key := range keys {
		value, found, err := m.kv.Get(key)
		if err != nil || !found {
			continue
		}
		var record TokenErrorRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (m *Metrics) listKeys(prefix string) ([]string, error) {
	var keys []string
	cursor := ""
	for {
		result, err := m.kv.List(kv.ListOptions{Prefix: prefix, Cursor: cursor, Limit: 1000})
		if err != nil {
			return nil, err
		}
		for _, key := range result.Keys {
			keys = append(keys, key.Name)
		}
		if result.ListComplete {
			return keys, nil
		}
		cursor = result.Cursor
	}
}

// Summary aggregates one set of metric rows.
type Summary struct {
	TotalRequests  int                      `json:"total_requests"`
	SuccessCount   int                      `json:"success_count"`
	ErrorCount     int                      `json:"error_count"`
	EcashReceived  uint64                   `json:"ecash_received"`
	EstimatedCost  uint64                   `json:"estimated_cost"`
	AvgLatencyMs   int64                    `json:"avg_latency_ms"`
	ErrorBreakdown map[string]int           `json:"error_breakdown"`
	ModelBreakdown map[string]*ModelSummary `json:"model_breakdown"`
}

type ModelSummary struct {
	Count   int    `json:"count"`
	EcashIn uint64 `json:"ecash_in"`
	Errors  int    `json:"errors"`
}

// SummarizeRecords is pure: success means no error code; estimated
// cost sums prices over successful rows only; ecash received sums over
// every row.
func SummarizeRecords(records []MetricRecord) Summary {
	summary := Summary{
		ErrorBreakdown: make(map[string]int),
		ModelBreakdown: make(map[string]*ModelSummary),
	}

	var latencySum int64
	for _, record := range records {
		summary.TotalRequests++
		summary.EcashReceived += record.EcashIn
		latencySum += record.UpstreamMs

		if record.ErrorCode == "" {
			summary.SuccessCount++
			summary.EstimatedCost += record.Price
		} else {
			summary.ErrorCount++
			summary.ErrorBreakdown[record.ErrorCode]++
		}

		if record.Model != "" {
			model := summary.ModelBreakdown[record.Model]
			if model == nil {
				model = &ModelSummary{}
				summary.ModelBreakdown[record.Model] = model
			}
			model.Count++
			model.EcashIn += record.EcashIn
			if record.ErrorCode != "" {
				model.Errors++
			}
		}
	}
	if summary.TotalRequests > 0 {
		summary.AvgLatencyMs = int64(math.Round(float64(latencySum) / float64(summary.TotalRequests)))
	}
	return summary
}

// SummarizeRange aggregates the inclusive day range, fetching each day
// in parallel.
func (m *Metrics) SummarizeRange(from, to time.Time) (Summary, error) {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)

	var days []string
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		days = append(days, day.Format("2006-01-02"))
	}

	perDay := make([][]MetricRecord, len(days))
	errs := make([]error, len(days))
	var wg sync.WaitGroup
	for i, day := range days {
		wg.Add(1)
		go func(i int, day string) {
			defer wg.Done()
			perDay[i], errs[i] = m.RecordsForDay(day)
		}(i, day)
	}
	wg.Wait()

	var all []MetricRecord
	for i := range days {
		if errs[i] != nil {
			return Summary{}, errs[i]
		}
		all = append(all, perDay[i]...)
	}
	return SummarizeRecords(all), nil
}

// TokenErrorSummary buckets recent decode failures by version and by a
// coarse error class.
type TokenErrorSummary struct {
	TotalErrors    int            `json:"totalErrors"`
	ByVersion      map[string]int `json:"byVersion"`
	ByError        map[string]int `json:"byError"`
	RecentCount24h int            `json:"recentCount24h"`
}

// SummarizeTokenErrors reads today's and yesterday's decode failures
// and buckets them.
func (m *Metrics) SummarizeTokenErrors() (TokenErrorSummary, error) {
	summary := TokenErrorSummary{
		ByVersion: make(map[string]int),
		ByError:   make(map[string]int),
	}

	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)
	for _, day := range []string{cutoff.Format("2006-01-02"), now.Format("2006-01-02")} {
		records, err := m.TokenErrorsForDay(day)
		if err != nil {
			return TokenErrorSummary{}, err
		}
		for _, record := range records {
			summary.TotalErrors++
			summary.ByVersion[record.TokenVersion]++
			summary.ByError[classifyTokenError(record.Error)]++
			if ts, err := time.Parse(time.RFC3339, record.Timestamp); err == nil && ts.After(cutoff) {
				summary.RecentCount24h++
			}
		}
	}
	return summary, nil
}

// classifyTokenError reduces a decode error to a coarse class for the
// dashboard.
func classifyTokenError(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "cbor"):
		return "CBOR decode"
	case strings.Contains(lower, "base64"):
		return "Base64 decode"
	case strings.Contains(lower, "empty"):
		return "Empty token"
	case strings.Contains(lower, "mint"):
		return "Missing mint"
	case strings.Contains(lower, "proof"):
		return "Missing proofs"
	case strings.Contains(lower, "malformed"), strings.Contains(lower, "invalid"), strings.Contains(lower, "unsupported"):
		return "Invalid format"
	default:
		return "Other"
	}
}
