package gate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/wallet"
)

type RedeemStatus int

const (
	RedeemOK RedeemStatus = iota
	RedeemSpent
	RedeemTimeout
	RedeemCircuitOpen
	RedeemOther
)

// RedeemResult is the outcome of one redeem. On RedeemOK, Keep holds
// the proofs charged to the gate, Change the client's overpay, and
// KVKey the stored keep-entry's key when persistence is wired.
type RedeemResult struct {
	Status RedeemStatus
	Keep   cashu.Proofs
	Change cashu.Proofs
	KVKey  string
	Err    error
}

// MintWallet is what the redeem and treasury paths need from a mint
// wallet. *wallet.Wallet satisfies it.
type MintWallet interface {
	Swap(ctx context.Context, amount uint64, inputs cashu.Proofs) (*wallet.SwapResult, error)
	Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error)
	CreateMeltQuote(ctx context.Context, invoice string) (*wallet.MeltQuote, error)
	MeltProofs(ctx context.Context, quote *wallet.MeltQuote, proofs cashu.Proofs) (*wallet.MeltResult, error)
	CreateOnchainMeltQuote(ctx context.Context, amount uint64, address, chain string) (*wallet.MeltQuote, error)
	MeltOnchain(ctx context.Context, quote *wallet.MeltQuote, proofs cashu.Proofs) (*wallet.OnchainMeltResult, error)
}

// MintClient caches one wallet and one circuit breaker per normalised
// mint URL and runs the redeem protocol against them.
type MintClient struct {
	mu       sync.Mutex
	wallets  map[string]MintWallet
	breakers map[string]*CircuitBreaker

	// loadWallet is swapped out by tests
	loadWallet func(ctx context.Context, mintURL string) (MintWallet, error)

	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	// onRedeem persists the keep proofs and returns the KV key used
	// later for refund cleanup. Errors are logged, never fatal.
	onRedeem func(mintURL string, keep cashu.Proofs) (string, error)
}

func NewMintClient(timeout time.Duration, c clock.Clock, logger *slog.Logger,
	onRedeem func(mintURL string, keep cashu.Proofs) (string, error)) *MintClient {

	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if c == nil {
		c = clock.NewDefaultClock()
	}
	return &MintClient{
		wallets:  make(map[string]MintWallet),
		breakers: make(map[string]*CircuitBreaker),
		loadWallet: func(ctx context.Context, mintURL string) (MintWallet, error) {
			return wallet.LoadMint(ctx, mintURL, cashu.USD)
		},
		timeout:  timeout,
		clock:    c,
		logger:   logger,
		onRedeem: onRedeem,
	}
}

func (m *MintClient) walletFor(ctx context.Context, mintURL string) (MintWallet, error) {
	m.mu.Lock()
	if w, ok := m.wallets[mintURL]; ok {
		m.mu.Unlock()
		return w, nil
	}
	m.mu.Unlock()

	w, err := m.loadWallet(ctx, mintURL)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.wallets[mintURL]; ok {
		return existing, nil
	}
	m.wallets[mintURL] = w
	return w, nil
}

func (m *MintClient) breakerFor(mintURL string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	breaker, ok := m.breakers[mintURL]
	if !ok {
		breaker = NewCircuitBreaker(m.clock)
		m.breakers[mintURL] = breaker
	}
	return breaker
}

// Redeem swaps or receives the stamp's proofs at its mint. When
// 0 < price < amount the mint swap splits the token into the charged
// part (keep) and the client's change; otherwise everything is received
// as keep. The call runs under the configured mint deadline.
func (m *MintClient) Redeem(ctx context.Context, stamp *Stamp, price uint64) RedeemResult {
	breaker := m.breakerFor(stamp.Mint)
	if !breaker.CanCall() {
		return RedeemResult{Status: RedeemCircuitOpen, Err: errors.New("circuit open")}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var keep, change cashu.Proofs
	err := func() error {
		w, err := m.walletFor(ctx, stamp.Mint)
		if err != nil {
			return err
		}

		if price > 0 && price < stamp.Amount {
			result, err := w.Swap(ctx, price, stamp.Proofs)
			if err != nil {
				return err
			}
			keep, change = result.Send, result.Keep
			return nil
		}

		proofs, err := w.Receive(ctx, stamp.Token)
		if err != nil {
			return err
		}
		keep = proofs
		return nil
	}()

	if err != nil {
		return m.classify(breaker, err)
	}

	breaker.OnSuccess()

	result := RedeemResult{Status: RedeemOK, Keep: keep, Change: change}
	if m.onRedeem != nil {
		key, err := m.onRedeem(stamp.Mint, keep)
		if err != nil {
			m.logger.Error("storing redeemed proofs failed", "mint", stamp.Mint, "error", err.Error())
		} else {
			result.KVKey = key
		}
	}
	return result
}

// classify maps a mint error to a redeem status. Spent tokens are a
// client problem and never trip the breaker; everything else except
// timeouts counts as a mint failure.
func (m *MintClient) classify(breaker *CircuitBreaker, err error) RedeemResult {
	if isSpentError(err) {
		return RedeemResult{Status: RedeemSpent, Err: errors.New("Token already spent")}
	}
	if isTimeoutError(err) {
		breaker.OnFailure()
		return RedeemResult{Status: RedeemTimeout, Err: errors.New("mint timeout")}
	}
	breaker.OnFailure()
	m.logger.Error("mint redeem failed", "error", err.Error())
	return RedeemResult{Status: RedeemOther, Err: errors.New("Redeem failed")}
}

var spentMarkers = []string{
	"already spent",
	"Token already spent",
	"PROOF_ALREADY_USED",
	"11001",
}

func isSpentError(err error) bool {
	var cashuErr cashu.Error
	if errors.As(err, &cashuErr) && cashuErr.Code == cashu.ProofAlreadyUsedErrCode {
		return true
	}
	msg := err.Error()
	for _, marker := range spentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "Timeout")
}

// TreasuryWallet returns the wallet for the configured treasury mint,
// loading it on first use.
func (m *MintClient) TreasuryWallet(ctx context.Context, mintURL string) (MintWallet, error) {
	return m.walletFor(ctx, mintURL)
}
