// Package gate implements a payment-metered reverse proxy for LLM
// chat-completion APIs. Requests carry a Cashu token in the X-Cashu
// header; the gate redeems it at a trusted mint before proxying the
// request upstream, and refunds in full when the upstream fails.
package gate

// Version is stamped into the X-Gate-Version response header.
const Version = "0.4.2"

// UnitsPerUSD is the internal accounting scale: 1 USD = 100 000 units.
const UnitsPerUSD = 100_000

// Stable error codes. These are an API contract: clients branch on
// them, so they never change meaning.
const (
	CodePaymentRequired     = "payment_required"
	CodeInvalidToken        = "invalid_token"
	CodeUntrustedMint       = "untrusted_mint"
	CodeModelNotFound       = "model_not_found"
	CodeInvalidRequest      = "invalid_request"
	CodeInsufficientPayment = "insufficient_payment"
	CodeTokenSpent          = "token_spent"
	CodeRedeemFailed        = "redeem_failed"
	CodeGatewayTimeout      = "gateway_timeout"
	CodeUpstreamError       = "upstream_error"
	CodeNoUpstream          = "no_upstream"
	CodeUnauthorized        = "unauthorized"
	CodeRateLimited         = "rate_limited"
)

// Error is the error envelope returned to clients. Status is the HTTP
// status it maps to; Extra fields are merged into the JSON error
// object (e.g. required/provided on insufficient payment).
type Error struct {
	Status  int            `json:"-"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"-"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func (e *Error) withExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// body returns the JSON error object including extra fields.
func (e *Error) body() map[string]any {
	obj := map[string]any{"code": e.Code, "message": e.Message}
	for k, v := range e.Extra {
		obj[k] = v
	}
	return map[string]any{"error": obj}
}
