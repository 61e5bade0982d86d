package gate

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/wallet"
)

const (
	// MaxStampProofs bounds the proofs carried on one request.
	MaxStampProofs = 256
	// MaxStampAmount bounds the total units carried on one request.
	MaxStampAmount = uint64(1) << 31

	rawPrefixLen = 15
)

// Stamp is the decoded payment envelope carried on one request. It is
// immutable for the request lifetime.
type Stamp struct {
	Raw    string
	Mint   string
	Amount uint64
	Proofs cashu.Proofs

	// the decoded token, kept so redeem does not re-parse
	Token cashu.Token
}

// SecretsHash returns the first 16 hex chars of SHA-256 over the proof
// secrets joined by "|". Deterministic for identical secret sets,
// order-sensitive.
func (s *Stamp) SecretsHash() string {
	secrets := make([]string, len(s.Proofs))
	for i, proof := range s.Proofs {
		secrets[i] = proof.Secret
	}
	return hashPrefix16(strings.Join(secrets, "|"))
}

type DecodeErrorKind string

const (
	DecodeErrEmpty              DecodeErrorKind = "empty"
	DecodeErrMalformed          DecodeErrorKind = "malformed"
	DecodeErrUnsupportedVersion DecodeErrorKind = "unsupported-version"
	DecodeErrMissingMint        DecodeErrorKind = "missing-mint"
	DecodeErrNoProofs           DecodeErrorKind = "no-proofs"
	DecodeErrTooManyProofs      DecodeErrorKind = "too-many-proofs"
)

type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Diagnostics captures everything the operator log wants to know about
// one decode attempt, successful or not.
type Diagnostics struct {
	TokenVersion     string `json:"token_version"`
	RawPrefix        string `json:"raw_prefix"`
	DecodeTimeMs     int64  `json:"decode_time_ms"`
	ProofCount       int    `json:"proof_count"`
	Error            string `json:"error,omitempty"`
	RawCborStructure string `json:"raw_cbor_structure,omitempty"`
}

// DetectTokenVersion classifies a raw token by prefix.
func DetectTokenVersion(raw string) string {
	switch {
	case strings.HasPrefix(raw, "cashuB"):
		return "V4"
	case strings.HasPrefix(raw, "cashuA"):
		return "V3"
	default:
		return "unknown"
	}
}

// DecodeStamp decodes a raw X-Cashu header value into a Stamp. It is
// pure: no I/O, no mutation of shared state.
func DecodeStamp(raw string) (*Stamp, *DecodeError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &DecodeError{Kind: DecodeErrEmpty, Detail: "empty token"}
	}

	version := DetectTokenVersion(raw)
	if version == "unknown" {
		return nil, &DecodeError{Kind: DecodeErrUnsupportedVersion, Detail: "token is not cashuA or cashuB"}
	}

	var token cashu.Token
	var err error
	if version == "V4" {
		token, err = cashu.DecodeTokenV4(raw)
	} else {
		token, err = cashu.DecodeTokenV3(raw)
	}
	if err != nil {
		return nil, &DecodeError{Kind: DecodeErrMalformed, Detail: err.Error()}
	}

	proofs := token.Proofs()
	if len(proofs) == 0 {
		return nil, &DecodeError{Kind: DecodeErrNoProofs, Detail: "token carries no proofs"}
	}
	if len(proofs) > MaxStampProofs {
		return nil, &DecodeError{
			Kind:   DecodeErrTooManyProofs,
			Detail: fmt.Sprintf("%d proofs exceeds limit of %d", len(proofs), MaxStampProofs),
		}
	}

	mint := wallet.NormalizeMintURL(token.Mint())
	if mint == "" {
		return nil, &DecodeError{Kind: DecodeErrMissingMint, Detail: "token carries no mint url"}
	}

	amount := proofs.Amount()
	if amount > MaxStampAmount {
		return nil, &DecodeError{
			Kind:   DecodeErrMalformed,
			Detail: fmt.Sprintf("amount %d exceeds limit", amount),
		}
	}

	return &Stamp{
		Raw:    raw,
		Mint:   mint,
		Amount: amount,
		Proofs: proofs,
		Token:  token,
	}, nil
}

// DecodeStampWithDiagnostics decodes and additionally reports timing,
// version and (in debug mode, on V4 failures) a best-effort CBOR
// structure dump for the operator log. The dump never fails the call.
func DecodeStampWithDiagnostics(raw string, debug bool) (*Stamp, Diagnostics) {
	trimmed := strings.TrimSpace(raw)
	start := time.Now()
	stamp, decodeErr := DecodeStamp(trimmed)
	elapsed := time.Since(start).Milliseconds()

	diag := Diagnostics{
		TokenVersion: DetectTokenVersion(trimmed),
		RawPrefix:    prefixOf(trimmed, rawPrefixLen),
		DecodeTimeMs: elapsed,
	}
	if stamp != nil {
		diag.ProofCount = len(stamp.Proofs)
		return stamp, diag
	}

	diag.Error = decodeErr.Error()
	if debug && diag.TokenVersion == "V4" && decodeErr.Kind == DecodeErrMalformed {
		diag.RawCborStructure = cborStructure(trimmed)
	}
	return nil, diag
}

// cborStructure renders the CBOR payload of a V4 token in diagnostic
// notation, best effort.
func cborStructure(raw string) string {
	if len(raw) < 6 {
		return ""
	}
	payload := raw[6:]

	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawURLEncoding.DecodeString(payload)
		if err != nil {
			return ""
		}
	}

	structure, err := cbor.Diagnose(data)
	if err != nil {
		return ""
	}
	if len(structure) > 2000 {
		structure = structure[:2000]
	}
	return structure
}

func prefixOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
