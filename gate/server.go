package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/kv"
)

// Gate is the running service: config, treasury state, mint client and
// HTTP surface.
type Gate struct {
	config       Config
	logger       *slog.Logger
	kv           kv.Store
	proofs       *ProofStore
	metrics      *Metrics
	auth         *AdminAuth
	mint         *MintClient
	pricingRules []PricingRule
	pricingCache *PricingCache

	upstreamClient *http.Client
	ipSalt         string
	httpServer     *http.Server
}

func New(config Config, store kv.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}

	salt := config.IPHashSalt
	if salt == "" {
		salt = randomSalt()
		logger.Warn("no IP hash salt configured, using a process-random salt; hashes will not be stable across restarts")
	}

	g := &Gate{
		config:         config,
		logger:         logger,
		kv:             store,
		proofs:         NewProofStore(store, logger),
		metrics:        NewMetrics(store, logger),
		auth:           NewAdminAuth(config.AdminToken, clock.NewDefaultClock()),
		pricingRules:   config.PricingRules(logger),
		pricingCache:   NewPricingCache(logger),
		upstreamClient: &http.Client{},
		ipSalt:         salt,
	}
	g.mint = NewMintClient(config.MintTimeout, clock.NewDefaultClock(), logger,
		func(mintURL string, keep cashu.Proofs) (string, error) {
			return g.proofs.Store(mintURL, keep)
		})
	g.setupHttpServer()
	return g
}

func (g *Gate) setupHttpServer() {
	r := mux.NewRouter()

	r.HandleFunc("/", g.handleLanding).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/info", g.handleInfo).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/pricing", g.handlePricing).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/v1/chat/completions", g.requirePayment(http.HandlerFunc(g.handleChatCompletions))).
		Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/stats", g.requireAdmin(g.handleStats)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/balance", g.requireAdmin(g.handleGateBalance)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/melt", g.requireAdmin(g.handleMeltOnchain)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/gate/melt-ln", g.requireAdmin(g.handleMeltLightning)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/v1/gate/metrics", g.requireAdmin(g.handleMetricsDay)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/metrics/summary", g.requireAdmin(g.handleMetricsSummary)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/metrics/errors", g.requireAdmin(g.handleMetricsErrors)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/token-errors", g.requireAdmin(g.handleTokenErrorsDay)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/v1/gate/token-errors/summary", g.requireAdmin(g.handleTokenErrors)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/homo/balance", g.requireAdmin(g.handleBalance)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/homo/melt", g.requireAdmin(g.handleMeltLightning)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/withdraw", g.requireAdmin(g.handleWithdraw)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/cleanup", g.requireAdmin(g.handleCleanup)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/homo/metrics", g.requireAdmin(g.handleMetricsDay)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/homo/token-errors", g.requireAdmin(g.handleTokenErrors)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/homo/ui", g.requireDashboardAdmin(g.handleDashboard)).Methods(http.MethodGet, http.MethodOptions)

	r.Use(g.setupHeaders)

	g.httpServer = &http.Server{
		Addr:    ":" + g.config.Port,
		Handler: r,
	}
}

// Start serves until Shutdown.
func (g *Gate) Start() error {
	g.logger.Info("gate listening on: " + g.httpServer.Addr)
	err := g.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	if err == http.ErrServerClosed {
		g.logger.Info("shutdown complete")
	}
	return nil
}

func (g *Gate) Shutdown(ctx context.Context) error {
	g.logger.Info("starting shutdown")
	g.metrics.Flush()
	return g.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (g *Gate) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gate) setupHeaders(next http.Handler) http.Handler {
	origins := "*"
	if len(g.config.AllowedOrigins) > 0 {
		origins = strings.Join(g.config.AllowedOrigins, ", ")
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", origins)
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Authorization, X-Cashu, origin")
		rw.Header().Set("Access-Control-Expose-Headers", "X-Cashu-Receipt, X-Cashu-Change, X-Cashu-Refund, X-Cashu-Price, X-Gate-Version")
		rw.Header().Set("X-Gate-Version", Version)

		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(rw, req)
	})
}

func (g *Gate) requireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if errResp := g.auth.Require(req, false); errResp != nil {
			g.writeError(rw, req, errResp)
			return
		}
		handler(rw, req)
	}
}

// requireDashboardAdmin additionally accepts ?token= so the dashboard
// works from a plain browser tab.
func (g *Gate) requireDashboardAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if errResp := g.auth.Require(req, true); errResp != nil {
			g.writeError(rw, req, errResp)
			return
		}
		handler(rw, req)
	}
}

func (g *Gate) handleLanding(rw http.ResponseWriter, req *http.Request) {
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"name":        g.config.Name,
		"version":     Version,
		"description": g.config.Description,
		"payment":     "attach a Cashu token in the X-Cashu header",
		"endpoints": map[string]string{
			"pricing":     "/v1/pricing",
			"completions": "/v1/chat/completions",
			"health":      "/health",
		},
	})
}

func (g *Gate) handleHealth(rw http.ResponseWriter, req *http.Request) {
	upstreams := make([]string, len(g.config.Upstreams))
	for i, rule := range g.config.Upstreams {
		upstreams[i] = rule.Match
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"status":        "ok",
		"trusted_mints": g.config.TrustedMints,
		"upstreams":     upstreams,
	})
}

func (g *Gate) handleInfo(rw http.ResponseWriter, req *http.Request) {
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"name":        g.config.Name,
		"version":     Version,
		"description": g.config.Description,
	})
}

func (g *Gate) handlePricing(rw http.ResponseWriter, req *http.Request) {
	rules := g.pricingRules
	if g.hasOpenRouterUpstream() {
		configured := make(map[string]bool, len(rules))
		for _, rule := range rules {
			configured[rule.Model] = true
		}
		for _, rule := range g.pricingCache.Rules(req.Context()) {
			if !configured[rule.Model] {
				rules = append(rules, rule)
			}
		}
	}

	models := make([]map[string]any, 0, len(rules))
	for _, rule := range rules {
		entry := map[string]any{"model": rule.Model, "mode": string(rule.Mode)}
		switch rule.Mode {
		case PerRequest:
			entry["per_request"] = rule.PerRequest
		case PerToken:
			entry["input_per_million"] = rule.InputPerMillion
			entry["output_per_million"] = rule.OutputPerMillion
		}
		models = append(models, entry)
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"models":        models,
		"exchange_rate": map[string]uint64{"usd_to_units": UnitsPerUSD},
	})
}

// hasOpenRouterUpstream reports whether any route points at
// OpenRouter, in which case its public model prices are advertised too.
func (g *Gate) hasOpenRouterUpstream() bool {
	for _, rule := range g.config.Upstreams {
		if strings.Contains(rule.BaseURL, "openrouter.ai") {
			return true
		}
	}
	return false
}

func (g *Gate) handleStats(rw http.ResponseWriter, req *http.Request) {
	now := time.Now().UTC()
	todayRecords, err := g.metrics.RecordsForDay(now.Format("2006-01-02"))
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading metrics failed"))
		return
	}
	week, err := g.metrics.SummarizeRange(now.AddDate(0, 0, -6), now)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading metrics failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"today":       SummarizeRecords(todayRecords),
		"last_7_days": week,
	})
}

func (g *Gate) handleMetricsDay(rw http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	records, err := g.metrics.RecordsForDay(day)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading metrics failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"day":     day,
		"records": records,
		"summary": SummarizeRecords(records),
	})
}

// handleMetricsSummary aggregates one day's rows without shipping them.
func (g *Gate) handleMetricsSummary(rw http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	records, err := g.metrics.RecordsForDay(day)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading metrics failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"day":     day,
		"summary": SummarizeRecords(records),
	})
}

// handleMetricsErrors returns only the failed rows of one day.
func (g *Gate) handleMetricsErrors(rw http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	records, err := g.metrics.RecordsForDay(day)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading metrics failed"))
		return
	}
	failed := make([]MetricRecord, 0, len(records))
	for _, record := range records {
		if record.ErrorCode != "" {
			failed = append(failed, record)
		}
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"day":     day,
		"records": failed,
	})
}

// handleTokenErrorsDay returns the raw decode-failure rows of one day.
func (g *Gate) handleTokenErrorsDay(rw http.ResponseWriter, req *http.Request) {
	day := req.URL.Query().Get("day")
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}
	records, err := g.metrics.TokenErrorsForDay(day)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading token errors failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"day":     day,
		"records": records,
	})
}

func (g *Gate) handleTokenErrors(rw http.ResponseWriter, req *http.Request) {
	summary, err := g.metrics.SummarizeTokenErrors()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading token errors failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, summary)
}

func (g *Gate) writeJSON(rw http.ResponseWriter, req *http.Request, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "encoding response failed"))
		return
	}
	g.logRequest(req, status, "%s %s", req.Method, req.URL.Path)
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	rw.Write(payload)
}

// writeError writes the error envelope and logs it with the caller's
// source position.
func (g *Gate) writeError(rw http.ResponseWriter, req *http.Request, errResp *Error) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, errResp.Message, pcs[0])
	r.Add(slog.Group("request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String())),
		slog.Int("code", errResp.Status),
		slog.String("error_code", errResp.Code),
	)
	_ = g.logger.Handler().Handle(context.Background(), r)

	payload, _ := json.Marshal(errResp.body())
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(errResp.Status)
	rw.Write(payload)
}

// logRequest logs with the source position of the caller, not this
// helper.
func (g *Gate) logRequest(req *http.Request, statusCode int, format string, args ...any) {
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelInfo, fmt.Sprintf(format, args...), pcs[0])
	r.Add(slog.Group("request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String())),
	)
	if statusCode >= 100 {
		r.Add(slog.Int("code", statusCode))
	}
	_ = g.logger.Handler().Handle(context.Background(), r)
}
