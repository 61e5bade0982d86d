package gate

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ecashlabs/nutgate/cashu"
)

// Receipt is the proof-of-payment returned in X-Cashu-Receipt.
type Receipt struct {
	Id        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Amount    uint64 `json:"amount"`
	Unit      string `json:"unit"`
	Model     string `json:"model"`
	TokenHash string `json:"token_hash"`
}

func newReceipt(payment *PaymentContext) Receipt {
	return Receipt{
		Id:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Amount:    payment.Keep.Amount(),
		Unit:      cashu.USD.String(),
		Model:     payment.Chat.Model,
		TokenHash: payment.Stamp.SecretsHash(),
	}
}

// handleChatCompletions proxies a paid request to the matching
// upstream. The payment has already been redeemed; from here a failure
// means refunding the client in full.
func (g *Gate) handleChatCompletions(rw http.ResponseWriter, req *http.Request) {
	payment := PaymentFromContext(req.Context())
	if payment == nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "missing payment scope"))
		return
	}

	rule := ResolveUpstream(payment.Chat.Model, g.config.Upstreams)
	if rule == nil {
		g.refundAndFail(rw, req, payment, http.StatusBadGateway, CodeNoUpstream,
			"no upstream configured for model "+payment.Chat.Model)
		return
	}

	upstream, err := CallUpstream(req.Context(), g.upstreamClient, rule, payment.Body, payment.Chat.Stream)
	if err != nil {
		g.logger.Error("upstream call failed", "model", payment.Chat.Model, "error", err.Error())
		g.refundAndFail(rw, req, payment, http.StatusBadGateway, CodeUpstreamError, "upstream request failed")
		return
	}

	if upstream.Streaming {
		g.streamCompletion(rw, req, payment, upstream)
		return
	}

	if upstream.Status != http.StatusOK {
		status := upstream.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		g.refundAndFail(rw, req, payment, status, CodeUpstreamError, "upstream returned an error")
		return
	}

	receipt, err := json.Marshal(newReceipt(payment))
	if err != nil {
		g.logger.Error("encoding receipt", "error", err.Error())
	} else {
		rw.Header().Set("X-Cashu-Receipt", string(receipt))
	}
	if len(payment.Change) > 0 {
		if change, err := g.encodeToken(payment.Stamp.Mint, payment.Change); err == nil {
			rw.Header().Set("X-Cashu-Change", change)
		} else {
			g.logger.Error("encoding change token", "error", err.Error())
		}
	}

	g.metrics.RecordRequest(MetricRecord{
		Model:      payment.Chat.Model,
		Status:     http.StatusOK,
		EcashIn:    payment.Stamp.Amount,
		Price:      payment.Keep.Amount(),
		Change:     payment.Change.Amount(),
		UpstreamMs: time.Since(payment.Start).Milliseconds(),
		Mint:       payment.Stamp.Mint,
	})

	contentType := upstream.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	rw.Header().Set("Content-Type", contentType)
	rw.WriteHeader(http.StatusOK)
	rw.Write(upstream.Body)
}

// streamCompletion pipes upstream SSE bytes through unchanged. Change
// cannot travel in a header once streaming starts, so it rides as one
// trailing SSE event after the upstream closes. A mid-stream upstream
// error aborts without refund: headers are already gone.
func (g *Gate) streamCompletion(rw http.ResponseWriter, req *http.Request, payment *PaymentContext, upstream *UpstreamResponse) {
	defer upstream.Stream.Close()

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	if receipt, err := json.Marshal(newReceipt(payment)); err == nil {
		rw.Header().Set("X-Cashu-Receipt", string(receipt))
	}
	rw.WriteHeader(http.StatusOK)

	flusher, _ := rw.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	flush()

	upstreamDone := false
	buf := make([]byte, 4096)
	for {
		if req.Context().Err() != nil {
			break
		}
		n, err := upstream.Stream.Read(buf)
		if n > 0 {
			if _, werr := rw.Write(buf[:n]); werr != nil {
				break
			}
			flush()
		}
		if err != nil {
			upstreamDone = errors.Is(err, io.EOF)
			break
		}
	}

	if upstreamDone && len(payment.Change) > 0 {
		if change, err := g.encodeToken(payment.Stamp.Mint, payment.Change); err == nil {
			rw.Write([]byte("event: cashu-change\ndata: " + change + "\n\n"))
			flush()
		}
	}

	g.metrics.RecordRequest(MetricRecord{
		Model:      payment.Chat.Model,
		Status:     http.StatusOK,
		EcashIn:    payment.Stamp.Amount,
		Price:      payment.Keep.Amount(),
		Change:     payment.Change.Amount(),
		UpstreamMs: time.Since(payment.Start).Milliseconds(),
		Mint:       payment.Stamp.Mint,
		Stream:     true,
	})
}

// refundAndFail hands every proof the gate holds for this request back
// to the client in X-Cashu-Refund, then removes the stored keep-entry
// so the treasury balance does not double-count refunded funds. The
// delete comes after emission: losing the refund delivery is worse
// than a transient phantom balance.
func (g *Gate) refundAndFail(rw http.ResponseWriter, req *http.Request, payment *PaymentContext, status int, code, message string) {
	refunded := false
	refundProofs := append(cashu.Proofs{}, payment.Keep...)
	refundProofs = append(refundProofs, payment.Change...)
	if len(refundProofs) > 0 {
		refund, err := g.encodeToken(payment.Stamp.Mint, refundProofs)
		if err != nil {
			g.logger.Error("encoding refund token", "error", err.Error())
		} else {
			rw.Header().Set("X-Cashu-Refund", refund)
			refunded = true
		}
	}

	g.metrics.RecordRequest(MetricRecord{
		Model:      payment.Chat.Model,
		Status:     status,
		EcashIn:    payment.Stamp.Amount,
		Price:      payment.Keep.Amount(),
		Refunded:   refunded,
		UpstreamMs: time.Since(payment.Start).Milliseconds(),
		ErrorCode:  code,
		Mint:       payment.Stamp.Mint,
	})
	g.writeError(rw, req, NewError(status, code, message))

	if refunded && payment.KVKey != "" {
		if err := g.proofs.Delete(payment.KVKey); err != nil {
			g.logger.Error("removing refunded proof entry", "key", payment.KVKey, "error", err.Error())
		}
	}
}

// encodeToken serializes proofs as a V4 token in the gate's unit.
func (g *Gate) encodeToken(mintURL string, proofs cashu.Proofs) (string, error) {
	token, err := cashu.NewTokenV4(proofs, mintURL, cashu.USD)
	if err != nil {
		return "", err
	}
	return token.Serialize()
}
