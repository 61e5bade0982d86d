package gate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ecashlabs/nutgate/cashu"
)

// Treasury operations move the gate's accumulated balance out: melt to
// Lightning, melt on-chain to the configured wallet address, withdraw a
// slice as a fresh token, or sweep spent proofs. The KV ordering rule
// throughout: write change before deleting consumed entries, so a
// crash leaves duplicated-but-valid state for cleanup to reconcile.

type meltRequest struct {
	Invoice string `json:"invoice"`
}

type meltResponse struct {
	Success         bool   `json:"success"`
	AmountUnits     uint64 `json:"amount_units"`
	FeeUnits        uint64 `json:"fee_units"`
	InputUnits      uint64 `json:"input_units"`
	ChangeUnits     uint64 `json:"change_units"`
	PaymentPreimage string `json:"payment_preimage,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
}

// handleMeltLightning pays a bolt11 invoice with the full stored
// balance.
func (g *Gate) handleMeltLightning(rw http.ResponseWriter, req *http.Request) {
	var melt meltRequest
	if err := json.NewDecoder(req.Body).Decode(&melt); err != nil || strings.TrimSpace(melt.Invoice) == "" {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInvalidRequest, "body must carry an invoice"))
		return
	}

	entries, err := g.proofs.ListAll()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}
	allProofs, keys, balance := flattenEntries(entries)

	w, err := g.mint.TreasuryWallet(req.Context(), g.config.MintURL)
	if err != nil {
		g.writeMintError(rw, req, "loading mint wallet failed", err)
		return
	}

	quote, err := w.CreateMeltQuote(req.Context(), melt.Invoice)
	if err != nil {
		g.writeMintError(rw, req, "melt quote failed", err)
		return
	}
	required := quote.Amount + quote.FeeReserve
	if balance < required {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInsufficientPayment, "balance does not cover invoice plus fee reserve").
			withExtra("balance", balance).
			withExtra("required", required))
		return
	}

	result, err := w.MeltProofs(req.Context(), quote, allProofs)
	if err != nil {
		g.writeMintError(rw, req, "melt failed", err)
		return
	}
	if result.State != "PAID" {
		g.writeError(rw, req, NewError(http.StatusBadGateway, CodeUpstreamError, "melt did not settle").
			withExtra("details", result.State))
		return
	}

	changeUnits := result.Change.Amount()
	if len(result.Change) > 0 {
		if _, err := g.proofs.Store(g.config.MintURL, result.Change); err != nil {
			g.logger.Error("storing melt change failed", "error", err.Error())
		}
	}
	if err := g.proofs.DeleteKeys(keys); err != nil {
		g.logger.Error("deleting melted entries failed", "error", err.Error())
	}

	g.writeJSON(rw, req, http.StatusOK, meltResponse{
		Success:         true,
		AmountUnits:     quote.Amount,
		FeeUnits:        balance - quote.Amount - changeUnits,
		InputUnits:      balance,
		ChangeUnits:     changeUnits,
		PaymentPreimage: result.Preimage,
	})
}

type meltOnchainRequest struct {
	Amount uint64 `json:"amount"`
}

// handleMeltOnchain pays out to the configured wallet address. The
// payout target is never taken from the request. Only the selected
// entries are touched: an overshooting selection is split at the mint
// first so everything above quote amount plus fee reserve stays in the
// store.
func (g *Gate) handleMeltOnchain(rw http.ResponseWriter, req *http.Request) {
	var melt meltOnchainRequest
	if err := json.NewDecoder(req.Body).Decode(&melt); err != nil || melt.Amount == 0 {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInvalidRequest, "body must carry a positive amount"))
		return
	}

	entries, err := g.proofs.ListAll()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}
	_, _, balance := flattenEntries(entries)

	w, err := g.mint.TreasuryWallet(req.Context(), g.config.MintURL)
	if err != nil {
		g.writeMintError(rw, req, "loading mint wallet failed", err)
		return
	}

	quote, err := w.CreateOnchainMeltQuote(req.Context(), melt.Amount, g.config.WalletAddress, g.config.OnchainChain)
	if err != nil {
		g.writeMintError(rw, req, "payout quote failed", err)
		return
	}
	required := quote.Amount + quote.FeeReserve
	if balance < required {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInsufficientPayment, "balance does not cover payout plus fee reserve").
			withExtra("balance", balance).
			withExtra("required", required))
		return
	}

	selection, err := g.proofs.SelectProofs(entries, required)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInsufficientPayment, err.Error()))
		return
	}

	// the quote has no change mechanism, so an overshooting selection
	// is split at the mint first and the remainder kept
	inputs := selection.Proofs
	var kept cashu.Proofs
	swapped := false
	if selection.Total > required {
		split, err := w.Swap(req.Context(), required, selection.Proofs)
		if err != nil {
			g.writeMintError(rw, req, "payout split failed", err)
			return
		}
		inputs = split.Send
		kept = split.Keep
		swapped = true
	}

	result, err := w.MeltOnchain(req.Context(), quote, inputs)
	if err != nil || result.State != "PAID" {
		// after a split the originals are consumed at the mint, so the
		// fresh proofs must be persisted even on failure
		if swapped {
			g.applySelection(selection, append(inputs, kept...))
		}
		if err != nil {
			g.writeMintError(rw, req, "payout failed", err)
			return
		}
		g.writeError(rw, req, NewError(http.StatusBadGateway, CodeUpstreamError, "payout did not settle").
			withExtra("details", result.State))
		return
	}

	g.applySelection(selection, kept)

	g.writeJSON(rw, req, http.StatusOK, meltResponse{
		Success:     true,
		AmountUnits: quote.Amount,
		FeeUnits:    quote.FeeReserve,
		InputUnits:  selection.Total,
		ChangeUnits: kept.Amount(),
		TxHash:      result.TxHash,
	})
}

// applySelection persists the aftermath of a spent selection: change
// first, then rewrites of partially consumed entries, then deletion of
// the emptied ones. A crash mid-way leaves duplicated-but-valid state
// for cleanup to reconcile, never lost funds.
func (g *Gate) applySelection(selection *Selection, change cashu.Proofs) {
	if len(change) > 0 {
		if _, err := g.proofs.Store(g.config.MintURL, change); err != nil {
			g.logger.Error("storing change proofs failed", "error", err.Error())
		}
	}
	for key, entry := range selection.Rewrites {
		if err := g.proofs.Put(key, entry); err != nil {
			g.logger.Error("rewriting proof entry failed", "key", key, "error", err.Error())
		}
	}
	if err := g.proofs.DeleteKeys(selection.Deletes); err != nil {
		g.logger.Error("deleting consumed entries failed", "error", err.Error())
	}
}

type withdrawRequest struct {
	Amount uint64 `json:"amount"`
}

type withdrawResponse struct {
	Success               bool   `json:"success"`
	Token                 string `json:"token"`
	AmountUnits           uint64 `json:"amount_units"`
	ChangeUnits           uint64 `json:"change_units"`
	RemainingBalanceUnits uint64 `json:"remaining_balance_units"`
}

// handleWithdraw swaps a slice of the balance into a fresh token for
// the caller. KV is only touched after the swap succeeds, so a mint
// failure loses nothing.
func (g *Gate) handleWithdraw(rw http.ResponseWriter, req *http.Request) {
	var withdraw withdrawRequest
	if err := json.NewDecoder(req.Body).Decode(&withdraw); err != nil || withdraw.Amount == 0 {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInvalidRequest, "body must carry a positive amount"))
		return
	}

	entries, err := g.proofs.ListAll()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}
	_, _, balance := flattenEntries(entries)

	selection, err := g.proofs.SelectProofs(entries, withdraw.Amount)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusBadRequest, CodeInsufficientPayment, err.Error()))
		return
	}

	w, err := g.mint.TreasuryWallet(req.Context(), g.config.MintURL)
	if err != nil {
		g.writeMintError(rw, req, "loading mint wallet failed", err)
		return
	}

	result, err := w.Swap(req.Context(), withdraw.Amount, selection.Proofs)
	if err != nil {
		g.writeMintError(rw, req, "withdraw swap failed", err)
		return
	}

	token, err := g.encodeToken(g.config.MintURL, result.Send)
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "encoding withdraw token failed"))
		return
	}

	g.applySelection(selection, result.Keep)

	g.writeJSON(rw, req, http.StatusOK, withdrawResponse{
		Success:               true,
		Token:                 token,
		AmountUnits:           withdraw.Amount,
		ChangeUnits:           result.Keep.Amount(),
		RemainingBalanceUnits: balance - withdraw.Amount,
	})
}

type cleanupResponse struct {
	EntriesProcessed int    `json:"entries_processed"`
	ProofsRemoved    int    `json:"proofs_removed"`
	UnitsRemoved     uint64 `json:"units_removed"`
	UnitsKept        uint64 `json:"units_kept"`
}

// handleCleanup sweeps the store: self-swap each entry to detect spent
// proofs. A full-entry swap failure falls back to probing proofs one
// by one, dropping the spent ones.
func (g *Gate) handleCleanup(rw http.ResponseWriter, req *http.Request) {
	entries, err := g.proofs.ListAll()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}

	w, err := g.mint.TreasuryWallet(req.Context(), g.config.MintURL)
	if err != nil {
		g.writeMintError(rw, req, "loading mint wallet failed", err)
		return
	}

	var report cleanupResponse
	for _, stored := range entries {
		report.EntriesProcessed++
		total := stored.Entry.Proofs.Amount()

		result, err := w.Swap(req.Context(), total, stored.Entry.Proofs)
		if err == nil {
			fresh := append(result.Send, result.Keep...)
			if _, err := g.proofs.Store(stored.Entry.MintURL, fresh); err != nil {
				g.logger.Error("storing swept proofs failed", "error", err.Error())
				continue
			}
			if err := g.proofs.Delete(stored.Key); err != nil {
				g.logger.Error("deleting swept entry failed", "key", stored.Key, "error", err.Error())
			}
			report.UnitsKept += total
			continue
		}

		// probe each proof individually, keep the live ones
		var live cashu.Proofs
		for _, proof := range stored.Entry.Proofs {
			single := cashu.Proofs{proof}
			result, err := w.Swap(req.Context(), proof.Amount, single)
			if err != nil {
				report.ProofsRemoved++
				report.UnitsRemoved += proof.Amount
				continue
			}
			live = append(live, result.Send...)
			live = append(live, result.Keep...)
		}
		if len(live) > 0 {
			if _, err := g.proofs.Store(stored.Entry.MintURL, live); err != nil {
				g.logger.Error("storing surviving proofs failed", "error", err.Error())
				continue
			}
			report.UnitsKept += live.Amount()
		}
		if err := g.proofs.Delete(stored.Key); err != nil {
			g.logger.Error("deleting swept entry failed", "key", stored.Key, "error", err.Error())
		}
	}

	g.writeJSON(rw, req, http.StatusOK, report)
}

type balanceResponse struct {
	BalanceUnits uint64  `json:"balance_units"`
	BalanceUSD   float64 `json:"balance_usd"`
	ProofCount   int     `json:"proof_count"`
	EntryCount   int     `json:"entry_count"`
	Mint         string  `json:"mint"`
}

func (g *Gate) handleBalance(rw http.ResponseWriter, req *http.Request) {
	entries, err := g.proofs.ListAll()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}
	allProofs, _, balance := flattenEntries(entries)
	g.writeJSON(rw, req, http.StatusOK, balanceResponse{
		BalanceUnits: balance,
		BalanceUSD:   float64(balance) / UnitsPerUSD,
		ProofCount:   len(allProofs),
		EntryCount:   len(entries),
		Mint:         g.config.MintURL,
	})
}

// handleGateBalance is the minimal machine-readable balance read.
func (g *Gate) handleGateBalance(rw http.ResponseWriter, req *http.Request) {
	balance, err := g.proofs.Balance()
	if err != nil {
		g.writeError(rw, req, NewError(http.StatusInternalServerError, CodeRedeemFailed, "reading stored proofs failed"))
		return
	}
	g.writeJSON(rw, req, http.StatusOK, map[string]any{
		"balance_units": balance,
		"unit":          cashu.USD.String(),
	})
}

// writeMintError reports a mint failure without leaking raw mint
// output beyond a single bounded details field.
func (g *Gate) writeMintError(rw http.ResponseWriter, req *http.Request, message string, err error) {
	details := err.Error()
	if len(details) > 200 {
		details = details[:200]
	}
	g.logger.Error(message, "error", err.Error())
	g.writeError(rw, req, NewError(http.StatusBadGateway, CodeUpstreamError, message).
		withExtra("details", details))
}

func flattenEntries(entries []StoredEntry) (cashu.Proofs, []string, uint64) {
	var proofs cashu.Proofs
	keys := make([]string, 0, len(entries))
	for _, stored := range entries {
		proofs = append(proofs, stored.Entry.Proofs...)
		keys = append(keys, stored.Key)
	}
	return proofs, keys, proofs.Amount()
}
