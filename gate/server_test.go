package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/kv"
	"github.com/ecashlabs/nutgate/wallet"
)

const testMintURL = "https://mint.example.com"

// stubWallet stands in for a mint: swaps succeed with fresh proofs
// unless an error is injected.
type stubWallet struct {
	swapErr    error
	receiveErr error
	meltState  string
	counter    int
}

func (s *stubWallet) fresh(amount uint64) cashu.Proofs {
	split := cashu.AmountSplit(amount)
	proofs := make(cashu.Proofs, len(split))
	for i, amt := range split {
		s.counter++
		proofs[i] = cashu.Proof{
			Amount: amt,
			Id:     testKeysetId,
			Secret: fmt.Sprintf("fresh-%d", s.counter),
			C:      "02bc9097997d81afb2cc7346b5e4345a9346bd2a506eb7958598a72f0cf85163ea",
		}
	}
	return proofs
}

func (s *stubWallet) Swap(ctx context.Context, amount uint64, inputs cashu.Proofs) (*wallet.SwapResult, error) {
	if s.swapErr != nil {
		return nil, s.swapErr
	}
	if amount > inputs.Amount() {
		return nil, fmt.Errorf("swap amount %d exceeds input amount %d", amount, inputs.Amount())
	}
	return &wallet.SwapResult{
		Send: s.fresh(amount),
		Keep: s.fresh(inputs.Amount() - amount),
	}, nil
}

func (s *stubWallet) Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error) {
	if s.receiveErr != nil {
		return nil, s.receiveErr
	}
	return s.fresh(token.Amount()), nil
}

func (s *stubWallet) CreateMeltQuote(ctx context.Context, invoice string) (*wallet.MeltQuote, error) {
	return &wallet.MeltQuote{Quote: "quote-1", Amount: 300, FeeReserve: 10, State: "UNPAID"}, nil
}

func (s *stubWallet) MeltProofs(ctx context.Context, quote *wallet.MeltQuote, proofs cashu.Proofs) (*wallet.MeltResult, error) {
	state := s.meltState
	if state == "" {
		state = "PAID"
	}
	return &wallet.MeltResult{State: state, Preimage: "preimage-1", Change: s.fresh(proofs.Amount() - quote.Amount - 5)}, nil
}

func (s *stubWallet) CreateOnchainMeltQuote(ctx context.Context, amount uint64, address, chain string) (*wallet.MeltQuote, error) {
	return &wallet.MeltQuote{Quote: "quote-2", Amount: amount, FeeReserve: 5, State: "UNPAID"}, nil
}

func (s *stubWallet) MeltOnchain(ctx context.Context, quote *wallet.MeltQuote, proofs cashu.Proofs) (*wallet.OnchainMeltResult, error) {
	state := s.meltState
	if state == "" {
		state = "PAID"
	}
	return &wallet.OnchainMeltResult{State: state, TxHash: "0xdeadbeef"}, nil
}

func newTestGate(t *testing.T, stub *stubWallet, upstreamURL string) *Gate {
	t.Helper()
	config := Config{
		Port:               "0",
		TrustedMints:       []string{testMintURL},
		MintURL:            testMintURL,
		WalletAddress:      "0x1234",
		OnchainChain:       "base",
		AdminToken:         "sekrit",
		IPHashSalt:         "salt",
		MintTimeout:        2 * time.Second,
		RateLimitPerMinute: 1000,
		Name:               "nutgate",
	}
	if upstreamURL != "" {
		config.Upstreams = []UpstreamRule{{Match: "*", BaseURL: upstreamURL, APIKey: "sk-test"}}
	}

	g := New(config, kv.NewMemoryStore(), slog.Default())
	g.pricingRules = []PricingRule{{Model: "*", Mode: PerRequest, PerRequest: 200}}
	g.mint.loadWallet = func(ctx context.Context, mintURL string) (MintWallet, error) {
		return stub, nil
	}
	return g
}

func chatBody(model string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hello"}},
		"stream":   stream,
	})
	return body
}

func gatedRequest(token string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Cashu", token)
	}
	return req
}

type priceHeaderFields struct {
	Mode       string `json:"mode"`
	Model      string `json:"model"`
	Unit       string `json:"unit"`
	PerRequest uint64 `json:"per_request"`
}

func decodePriceHeader(t *testing.T, value string) priceHeaderFields {
	t.Helper()
	var fields priceHeaderFields
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		t.Fatalf("price header not valid JSON: %q", value)
	}
	return fields
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("response is not an error envelope: %s", body)
	}
	return envelope.Error.Code
}

func jsonUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"content":"hi"}}]}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestMissingPaymentHeader(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest("", chatBody("gpt-4o", false)))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusPaymentRequired, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodePaymentRequired {
		t.Errorf("expected '%v' but got '%v' instead", CodePaymentRequired, code)
	}
	price := decodePriceHeader(t, rec.Header().Get("X-Cashu-Price"))
	if price.Mode != "per_request" || price.Model != "gpt-4o" || price.Unit != "usd" || price.PerRequest != 200 {
		t.Errorf("unexpected price header: %+v", price)
	}
	if rec.Header().Get("X-Gate-Version") != Version {
		t.Errorf("expected version header on every response")
	}
}

func TestInvalidToken(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest("cashuBgarbage!!", chatBody("gpt-4o", false)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeInvalidToken {
		t.Errorf("expected '%v' but got '%v' instead", CodeInvalidToken, code)
	}

	// decode failures land in the token error log
	g.metrics.Flush()
	summary, err := g.metrics.SummarizeTokenErrors()
	if err != nil {
		t.Fatal(err)
	}
	if summary.TotalErrors != 1 {
		t.Errorf("expected '%v' but got '%v' instead", 1, summary.TotalErrors)
	}
}

func TestUntrustedMint(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	token := testToken(t, "https://other-mint.example.com", 256)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeUntrustedMint {
		t.Errorf("expected '%v' but got '%v' instead", CodeUntrustedMint, code)
	}
}

func TestMissingModel(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	token := testToken(t, testMintURL, 256)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, []byte(`{"messages":[]}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeInvalidRequest {
		t.Errorf("expected '%v' but got '%v' instead", CodeInvalidRequest, code)
	}
}

func TestModelNotFound(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")
	g.pricingRules = []PricingRule{{Model: "gpt-4o", Mode: PerRequest, PerRequest: 200}}

	token := testToken(t, testMintURL, 256)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("unknown-model", false)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeModelNotFound {
		t.Errorf("expected '%v' but got '%v' instead", CodeModelNotFound, code)
	}
}

func TestInsufficientPayment(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	token := testToken(t, testMintURL, 32, 16, 2) // 50
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusPaymentRequired, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeInsufficientPayment {
		t.Errorf("expected '%v' but got '%v' instead", CodeInsufficientPayment, code)
	}

	var envelope struct {
		Error struct {
			Required uint64 `json:"required"`
			Provided uint64 `json:"provided"`
		} `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &envelope)
	if envelope.Error.Required != 200 || envelope.Error.Provided != 50 {
		t.Errorf("unexpected required/provided: %+v", envelope.Error)
	}
	price := decodePriceHeader(t, rec.Header().Get("X-Cashu-Price"))
	if price.Mode != "per_request" || price.Model != "gpt-4o" || price.Unit != "usd" || price.PerRequest != 200 {
		t.Errorf("unexpected price header: %+v", price)
	}
}

func TestTokenSpent(t *testing.T) {
	stub := &stubWallet{receiveErr: cashu.Error{Detail: "proofs already used", Code: cashu.ProofAlreadyUsedErrCode}}
	g := newTestGate(t, stub, "")

	token := testToken(t, testMintURL, 128, 64, 8) // 200 exact, receive path
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeTokenSpent {
		t.Errorf("expected '%v' but got '%v' instead", CodeTokenSpent, code)
	}

	// a spent token must not trip the breaker
	if g.mint.breakerFor(testMintURL).State() != BreakerClosed {
		t.Error("spent token tripped the circuit breaker")
	}
}

func TestRedeemFailure(t *testing.T) {
	stub := &stubWallet{receiveErr: fmt.Errorf("mint exploded")}
	g := newTestGate(t, stub, "")

	token := testToken(t, testMintURL, 128, 64, 8)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusInternalServerError, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeRedeemFailed {
		t.Errorf("expected '%v' but got '%v' instead", CodeRedeemFailed, code)
	}
}

func TestExactPaySuccess(t *testing.T) {
	upstream := jsonUpstream(t)
	g := newTestGate(t, &stubWallet{}, upstream.URL)

	token := testToken(t, testMintURL, 128, 64, 8) // exactly 200
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	var receipt Receipt
	if err := json.Unmarshal([]byte(rec.Header().Get("X-Cashu-Receipt")), &receipt); err != nil {
		t.Fatalf("receipt header not valid JSON: %v", err)
	}
	if receipt.Amount != 200 {
		t.Errorf("expected '%v' but got '%v' instead", 200, receipt.Amount)
	}
	if receipt.Unit != "usd" || receipt.Model != "gpt-4o" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
	if len(receipt.TokenHash) != 16 {
		t.Errorf("expected 16-char token hash, got %v", receipt.TokenHash)
	}

	if rec.Header().Get("X-Cashu-Change") != "" {
		t.Error("exact payment should not produce change")
	}

	// redeemed proofs were persisted
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 200 {
		t.Errorf("expected '%v' but got '%v' instead", 200, balance)
	}
}

func TestOverpayChange(t *testing.T) {
	upstream := jsonUpstream(t)
	g := newTestGate(t, &stubWallet{}, upstream.URL)

	token := testToken(t, testMintURL, 256, 64) // 320 for a 200 price
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	change := rec.Header().Get("X-Cashu-Change")
	if change == "" {
		t.Fatal("expected a change token")
	}
	stamp, decodeErr := DecodeStamp(change)
	if decodeErr != nil {
		t.Fatal(decodeErr)
	}
	if stamp.Amount != 120 {
		t.Errorf("expected '%v' but got '%v' instead", 120, stamp.Amount)
	}

	// only the charged part stays with the gate
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 200 {
		t.Errorf("expected '%v' but got '%v' instead", 200, balance)
	}
}

func TestUpstreamErrorRefunds(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(`{"error":"boom"}`))
	}))
	defer upstream.Close()
	g := newTestGate(t, &stubWallet{}, upstream.URL)

	token := testToken(t, testMintURL, 256, 64)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusInternalServerError, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeUpstreamError {
		t.Errorf("expected '%v' but got '%v' instead", CodeUpstreamError, code)
	}

	refund := rec.Header().Get("X-Cashu-Refund")
	if refund == "" {
		t.Fatal("expected a refund token")
	}
	stamp, decodeErr := DecodeStamp(refund)
	if decodeErr != nil {
		t.Fatal(decodeErr)
	}
	if stamp.Amount != 320 {
		t.Errorf("expected full refund of 320, got %v", stamp.Amount)
	}

	// refunded funds leave the treasury
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 {
		t.Errorf("expected '%v' but got '%v' instead", 0, balance)
	}
}

func TestNoUpstreamRefunds(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	token := testToken(t, testMintURL, 128, 64, 8)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", false)))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadGateway, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeNoUpstream {
		t.Errorf("expected '%v' but got '%v' instead", CodeNoUpstream, code)
	}
	if rec.Header().Get("X-Cashu-Refund") == "" {
		t.Error("expected a refund token")
	}
}

func TestStreamingChangeEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Write([]byte("data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n"))
	}))
	defer upstream.Close()
	g := newTestGate(t, &stubWallet{}, upstream.URL)

	token := testToken(t, testMintURL, 256, 64)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest(token, chatBody("gpt-4o", true)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected '%v' but got '%v' instead", "text/event-stream", ct)
	}
	if rec.Header().Get("X-Cashu-Change") != "" {
		t.Error("streaming responses must not carry a change header")
	}
	if rec.Header().Get("X-Cashu-Receipt") == "" {
		t.Error("expected a receipt header")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("upstream bytes were not piped through: %q", body)
	}
	idx := strings.Index(body, "event: cashu-change\ndata: ")
	if idx == -1 {
		t.Fatalf("missing change event: %q", body)
	}
	if idx < strings.Index(body, "data: [DONE]") {
		t.Error("change event must come after the upstream stream ends")
	}

	changeToken := strings.TrimSuffix(strings.TrimPrefix(body[idx:], "event: cashu-change\ndata: "), "\n\n")
	stamp, decodeErr := DecodeStamp(changeToken)
	if decodeErr != nil {
		t.Fatal(decodeErr)
	}
	if stamp.Amount != 120 {
		t.Errorf("expected '%v' but got '%v' instead", 120, stamp.Amount)
	}
}

func TestAdminEndpointsRequireAuth(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/homo/balance", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusUnauthorized, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/homo/balance", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	var balance balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &balance); err != nil {
		t.Fatal(err)
	}
	if balance.Mint != testMintURL {
		t.Errorf("expected '%v' but got '%v' instead", testMintURL, balance.Mint)
	}
}

func TestWithdraw(t *testing.T) {
	stub := &stubWallet{}
	g := newTestGate(t, stub, "")

	if _, err := g.proofs.Store(testMintURL, stub.fresh(256)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/homo/withdraw", strings.NewReader(`{"amount":64}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	var response withdrawResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	stamp, decodeErr := DecodeStamp(response.Token)
	if decodeErr != nil {
		t.Fatal(decodeErr)
	}
	if stamp.Amount != 64 {
		t.Errorf("expected '%v' but got '%v' instead", 64, stamp.Amount)
	}
	if response.AmountUnits != 64 || response.ChangeUnits != 192 || response.RemainingBalanceUnits != 192 {
		t.Errorf("unexpected withdraw response: %+v", response)
	}

	// the rest of the balance stays with the gate
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 192 {
		t.Errorf("expected '%v' but got '%v' instead", 192, balance)
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	req := httptest.NewRequest(http.MethodPost, "/homo/withdraw", strings.NewReader(`{"amount":1000}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
}

func TestMeltLightning(t *testing.T) {
	stub := &stubWallet{}
	g := newTestGate(t, stub, "")

	if _, err := g.proofs.Store(testMintURL, stub.fresh(512)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/homo/melt", strings.NewReader(`{"invoice":"lnbc1..."}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	var response meltResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if !response.Success || response.AmountUnits != 300 || response.PaymentPreimage != "preimage-1" {
		t.Errorf("unexpected melt response: %+v", response)
	}

	// change was stored, originals deleted
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 512-300-5 {
		t.Errorf("expected '%v' but got '%v' instead", 512-300-5, balance)
	}
}

func TestMeltOnchain(t *testing.T) {
	stub := &stubWallet{}
	g := newTestGate(t, stub, "")

	if _, err := g.proofs.Store(testMintURL, stub.fresh(256)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.proofs.Store(testMintURL, stub.fresh(64)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/gate/melt", strings.NewReader(`{"amount":100}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead: %s", http.StatusOK, rec.Code, rec.Body.Bytes())
	}

	var response meltResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if !response.Success || response.AmountUnits != 100 || response.FeeUnits != 5 || response.TxHash != "0xdeadbeef" {
		t.Errorf("unexpected melt response: %+v", response)
	}
	if response.InputUnits != 256 || response.ChangeUnits != 151 {
		t.Errorf("unexpected input/change: %+v", response)
	}

	// only amount plus fee reserve leaves the store; the untouched
	// entry and the split remainder stay
	balance, err := g.proofs.Balance()
	if err != nil {
		t.Fatal(err)
	}
	if balance != 320-100-5 {
		t.Errorf("expected '%v' but got '%v' instead", 320-100-5, balance)
	}
}

func TestMeltOnchainInsufficientBalance(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/gate/melt", strings.NewReader(`{"amount":1000}`))
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusBadRequest, rec.Code)
	}
	if code := decodeErrorCode(t, rec.Body.Bytes()); code != CodeInsufficientPayment {
		t.Errorf("expected '%v' but got '%v' instead", CodeInsufficientPayment, code)
	}
}

func TestBalanceEndpoints(t *testing.T) {
	stub := &stubWallet{}
	g := newTestGate(t, stub, "")

	if _, err := g.proofs.Store(testMintURL, stub.fresh(256)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.proofs.Store(testMintURL, stub.fresh(5)); err != nil {
		t.Fatal(err)
	}

	admin := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := admin("/homo/balance")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusOK, rec.Code)
	}
	var detail balanceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.BalanceUnits != 261 || detail.ProofCount != 3 || detail.EntryCount != 2 {
		t.Errorf("unexpected balance detail: %+v", detail)
	}

	rec = admin("/v1/gate/balance")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusOK, rec.Code)
	}
	var minimal struct {
		BalanceUnits uint64 `json:"balance_units"`
		Unit         string `json:"unit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &minimal); err != nil {
		t.Fatal(err)
	}
	if minimal.BalanceUnits != 261 || minimal.Unit != "usd" {
		t.Errorf("unexpected balance: %+v", minimal)
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	// one undecodable token populates both the metric and the
	// token-error logs
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, gatedRequest("cashuBgarbage!!", chatBody("gpt-4o", false)))
	g.metrics.Flush()

	admin := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec = admin("/v1/gate/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusOK, rec.Code)
	}
	var day struct {
		Records []MetricRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &day); err != nil {
		t.Fatal(err)
	}
	if len(day.Records) != 1 || day.Records[0].ErrorCode != CodeInvalidToken {
		t.Errorf("unexpected metric records: %+v", day.Records)
	}

	rec = admin("/v1/gate/metrics/summary")
	var summarized struct {
		Summary Summary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &summarized); err != nil {
		t.Fatal(err)
	}
	if summarized.Summary.ErrorCount != 1 {
		t.Errorf("expected '%v' but got '%v' instead", 1, summarized.Summary.ErrorCount)
	}

	rec = admin("/v1/gate/metrics/errors")
	var failed struct {
		Records []MetricRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &failed); err != nil {
		t.Fatal(err)
	}
	if len(failed.Records) != 1 || failed.Records[0].ErrorCode != CodeInvalidToken {
		t.Errorf("unexpected failed records: %+v", failed.Records)
	}

	rec = admin("/v1/gate/token-errors")
	var tokenErrors struct {
		Records []TokenErrorRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenErrors); err != nil {
		t.Fatal(err)
	}
	if len(tokenErrors.Records) != 1 || tokenErrors.Records[0].RawToken != "cashuBgarbage!!" {
		t.Errorf("unexpected token error records: %+v", tokenErrors.Records)
	}

	rec = admin("/v1/gate/token-errors/summary")
	var summary TokenErrorSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.TotalErrors != 1 {
		t.Errorf("expected '%v' but got '%v' instead", 1, summary.TotalErrors)
	}
}

func TestOpenEndpoints(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	for _, path := range []string{"/", "/health", "/v1/info", "/v1/pricing"} {
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%v: expected '%v' but got '%v' instead", path, http.StatusOK, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pricing", nil))
	var pricing struct {
		ExchangeRate map[string]uint64 `json:"exchange_rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pricing); err != nil {
		t.Fatal(err)
	}
	if pricing.ExchangeRate["usd_to_units"] != UnitsPerUSD {
		t.Errorf("expected '%v' but got '%v' instead", UnitsPerUSD, pricing.ExchangeRate["usd_to_units"])
	}
}

func TestOptionsPreflights(t *testing.T) {
	g := newTestGate(t, &stubWallet{}, "")

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected '%v' but got '%v' instead", http.StatusNoContent, rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected CORS headers on preflight")
	}
}
