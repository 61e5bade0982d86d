package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/kv"
)

const maxRequestBody = 8 << 20

type contextKey int

const paymentContextKey contextKey = 0

// PaymentContext is what a successful payment attaches to the request
// scope: the redeemed stamp, its pricing, the proofs the gate now
// holds, and the already-parsed body.
type PaymentContext struct {
	Stamp          *Stamp
	Rule           *PricingRule
	EstimatedPrice uint64
	Keep           cashu.Proofs
	Change         cashu.Proofs
	KVKey          string
	Body           []byte
	Chat           *ChatRequest
	Start          time.Time
}

// PaymentFromContext returns the payment scope a gated handler runs
// under.
func PaymentFromContext(ctx context.Context) *PaymentContext {
	payment, _ := ctx.Value(paymentContextKey).(*PaymentContext)
	return payment
}

// requirePayment is the gate's payment middleware: decode the X-Cashu
// stamp, check mint trust and pricing, redeem at the mint, and only
// then forward. Every early return records a metric row.
func (g *Gate) requirePayment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()

		if errResp := g.checkRateLimit(req); errResp != nil {
			g.failPayment(rw, req, nil, "", errResp, start)
			return
		}

		body, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBody))
		if err != nil {
			errResp := NewError(http.StatusBadRequest, CodeInvalidRequest, "unable to read request body")
			g.failPayment(rw, req, nil, "", errResp, start)
			return
		}
		// parsed at most once; handlers read the cached value
		chat, parseErr := ParseChatRequest(body)
		model := ""
		if parseErr == nil {
			model = chat.Model
		}

		raw := req.Header.Get("X-Cashu")
		if raw == "" {
			errResp := NewError(http.StatusPaymentRequired, CodePaymentRequired, "payment required: attach a Cashu token in the X-Cashu header").
				withExtra("pricing_url", g.pricingURL(req))
			g.setPriceHeader(rw, model)
			g.failPayment(rw, req, nil, model, errResp, start)
			return
		}

		stamp, diag := DecodeStampWithDiagnostics(raw, g.config.Debug)
		if stamp == nil {
			g.metrics.RecordTokenError(TokenErrorRecord{
				TokenVersion:     diag.TokenVersion,
				Error:            diag.Error,
				RawPrefix:        diag.RawPrefix,
				RawToken:         raw,
				DecodeTimeMs:     diag.DecodeTimeMs,
				RawCborStructure: diag.RawCborStructure,
				IPHash:           g.hashIP(clientIP(req)),
				UserAgent:        req.Header.Get("User-Agent"),
			})
			errResp := NewError(http.StatusBadRequest, CodeInvalidToken, "invalid Cashu token")
			g.failPayment(rw, req, nil, model, errResp, start)
			return
		}

		if !g.config.TrustsMint(stamp.Mint) {
			errResp := NewError(http.StatusBadRequest, CodeUntrustedMint, fmt.Sprintf("mint %s is not trusted", stamp.Mint))
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}

		if parseErr != nil || chat.Model == "" {
			errResp := NewError(http.StatusBadRequest, CodeInvalidRequest, "request body must be JSON with a model field")
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}

		rule := ResolveRule(chat.Model, g.pricingRules)
		if rule == nil {
			errResp := NewError(http.StatusBadRequest, CodeModelNotFound, fmt.Sprintf("no pricing for model %s", chat.Model))
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}

		check, err := ValidateAmount(stamp, rule, chat)
		if err != nil {
			g.logger.Error("pricing validation failed", "model", chat.Model, "error", err.Error())
			errResp := NewError(http.StatusInternalServerError, CodeRedeemFailed, "pricing configuration error")
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}
		if !check.OK {
			rw.Header().Set("X-Cashu-Price", PriceHeader(rule))
			errResp := NewError(http.StatusPaymentRequired, CodeInsufficientPayment, "token amount does not cover the price").
				withExtra("required", check.Required).
				withExtra("provided", check.Provided)
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}

		result := g.mint.Redeem(req.Context(), stamp, check.Required)
		switch result.Status {
		case RedeemSpent:
			errResp := NewError(http.StatusBadRequest, CodeTokenSpent, "Token already spent")
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		case RedeemTimeout:
			errResp := NewError(http.StatusGatewayTimeout, CodeGatewayTimeout, "mint did not respond in time")
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		case RedeemCircuitOpen, RedeemOther:
			errResp := NewError(http.StatusInternalServerError, CodeRedeemFailed, "Redeem failed")
			g.failPayment(rw, req, stamp, model, errResp, start)
			return
		}

		payment := &PaymentContext{
			Stamp:          stamp,
			Rule:           rule,
			EstimatedPrice: check.Required,
			Keep:           result.Keep,
			Change:         result.Change,
			KVKey:          result.KVKey,
			Body:           body,
			Chat:           chat,
			Start:          start,
		}
		next.ServeHTTP(rw, req.WithContext(context.WithValue(req.Context(), paymentContextKey, payment)))
	})
}

// failPayment writes the error response and records the metric row for
// an early exit from the payment pipeline.
func (g *Gate) failPayment(rw http.ResponseWriter, req *http.Request, stamp *Stamp, model string, errResp *Error, start time.Time) {
	record := MetricRecord{
		Model:      model,
		Status:     errResp.Status,
		UpstreamMs: time.Since(start).Milliseconds(),
		ErrorCode:  errResp.Code,
	}
	if stamp != nil {
		record.EcashIn = stamp.Amount
		record.Mint = stamp.Mint
	}
	g.metrics.RecordRequest(record)
	g.writeError(rw, req, errResp)
}

// setPriceHeader advertises the price of the requested model on the
// bare 402, best effort.
func (g *Gate) setPriceHeader(rw http.ResponseWriter, model string) {
	if model == "" {
		return
	}
	rule := ResolveRule(model, g.pricingRules)
	if rule == nil {
		return
	}
	rw.Header().Set("X-Cashu-Price", PriceHeader(rule))
}

func (g *Gate) pricingURL(req *http.Request) string {
	scheme := "https"
	if req.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + req.Host + "/v1/pricing"
}

// checkRateLimit counts requests per client IP per minute through KV
// rows that expire on their own.
func (g *Gate) checkRateLimit(req *http.Request) *Error {
	if g.config.RateLimitPerMinute <= 0 {
		return nil
	}

	key := fmt.Sprintf("ratelimit:%s:%d", clientIP(req), time.Now().Unix()/60)
	value, found, err := g.kv.Get(key)
	if err != nil {
		g.logger.Error("rate limit read failed", "error", err.Error())
		return nil
	}
	count := 0
	if found {
		count, _ = strconv.Atoi(value)
	}
	if count >= g.config.RateLimitPerMinute {
		return NewError(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	}
	if err := g.kv.Put(key, strconv.Itoa(count+1), kv.PutOptions{ExpirationTTL: 120}); err != nil {
		g.logger.Error("rate limit write failed", "error", err.Error())
	}
	return nil
}

// hashIP hashes a client IP with the configured salt so the token
// error log never stores raw addresses.
func (g *Gate) hashIP(ip string) string {
	return hashPrefix16(ip + g.ipSalt)
}

// randomSalt generates the fallback IP-hash salt when none is
// configured.
func randomSalt() string {
	var salt [16]byte
	rand.Read(salt[:])
	return hex.EncodeToString(salt[:])
}
