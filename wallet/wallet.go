// Package wallet implements a per-mint Cashu wallet holding no
// long-lived state beyond the mint's active keyset. The gate keeps one
// Wallet per trusted mint and uses it to swap, receive and melt proofs.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/crypto"
)

type Wallet struct {
	MintURL string

	// active keyset for the accounting unit, loaded on LoadMint
	keyset *crypto.WalletKeyset

	unit cashu.Unit
}

// NormalizeMintURL strips trailing slashes and lowercases the scheme
// and host so equivalent spellings of a mint collapse to one cache key.
func NormalizeMintURL(mintURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(mintURL), "/")
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// LoadMint fetches the mint's active keysets and returns a wallet bound
// to the keyset matching unit. If the mint does not advertise a keyset
// for unit, the first active keyset is used: several production mints
// label usd keysets as sat-denominated keysets with a usd peg.
func LoadMint(ctx context.Context, mintURL string, unit cashu.Unit) (*Wallet, error) {
	mintURL = NormalizeMintURL(mintURL)

	keysRes, err := GetMintKeys(ctx, mintURL)
	if err != nil {
		return nil, fmt.Errorf("error getting keys from mint: %v", err)
	}
	if len(keysRes.Keysets) == 0 {
		return nil, errors.New("mint returned no keysets")
	}

	selected := keysRes.Keysets[0]
	for _, ks := range keysRes.Keysets {
		if ks.Unit == unit.String() {
			selected = ks
			break
		}
	}

	keyset, err := crypto.KeysetFromHexKeys(mintURL, selected.Unit, selected.Keys)
	if err != nil {
		return nil, fmt.Errorf("invalid keyset from mint: %v", err)
	}
	if selected.Id != "" {
		keyset.Id = selected.Id
	}

	return &Wallet{MintURL: mintURL, keyset: keyset, unit: unit}, nil
}

func (w *Wallet) Keyset() *crypto.WalletKeyset {
	return w.keyset
}

// SwapResult splits the outputs of a swap: Send holds proofs worth the
// requested amount, Keep holds the remainder.
type SwapResult struct {
	Send cashu.Proofs
	Keep cashu.Proofs
}

// Swap sends inputs to the mint and receives fresh proofs split into
// an amount-worth Send bundle and a Keep bundle for the rest. The
// inputs are consumed by the mint whether or not the caller keeps the
// result.
func (w *Wallet) Swap(ctx context.Context, amount uint64, inputs cashu.Proofs) (*SwapResult, error) {
	inputAmount := inputs.Amount()
	if amount > inputAmount {
		return nil, errors.New("swap amount greater than input proofs amount")
	}

	send, sendSecrets, sendRs, err := w.CreateBlindedMessages(amount)
	if err != nil {
		return nil, fmt.Errorf("CreateBlindedMessages: %v", err)
	}

	keep, keepSecrets, keepRs, err := w.CreateBlindedMessages(inputAmount - amount)
	if err != nil {
		return nil, fmt.Errorf("CreateBlindedMessages: %v", err)
	}

	blindedMessages := make(cashu.BlindedMessages, len(send))
	copy(blindedMessages, send)
	blindedMessages = append(blindedMessages, keep...)
	secrets := append(sendSecrets, keepSecrets...)
	rs := append(sendRs, keepRs...)
	sortBlindedMessages(blindedMessages, secrets, rs)

	swapResponse, err := PostSwap(ctx, w.MintURL, PostSwapRequest{Inputs: inputs, Outputs: blindedMessages})
	if err != nil {
		return nil, err
	}

	proofs, err := w.ConstructProofs(swapResponse.Signatures, blindedMessages, secrets, rs)
	if err != nil {
		return nil, fmt.Errorf("ConstructProofs: %v", err)
	}

	// peel amount-worth proofs off for the send bundle; the rest is keep
	result := &SwapResult{Send: make(cashu.Proofs, 0, len(send))}
	remaining := slices.Clone(proofs)
	for _, sendMsg := range send {
		for i, proof := range remaining {
			if proof.Amount == sendMsg.Amount {
				result.Send = append(result.Send, proof)
				remaining = slices.Delete(remaining, i, i+1)
				break
			}
		}
	}
	result.Keep = remaining

	if result.Send.Amount() != amount {
		return nil, errors.New("mint returned signatures not matching requested split")
	}
	return result, nil
}

// Receive swaps all proofs in the token for fresh ones owned by this
// wallet. The whole amount comes back as one bundle.
func (w *Wallet) Receive(ctx context.Context, token cashu.Token) (cashu.Proofs, error) {
	result, err := w.Swap(ctx, token.Amount(), token.Proofs())
	if err != nil {
		return nil, err
	}
	return append(result.Send, result.Keep...), nil
}

type MeltQuote struct {
	Quote      string
	Amount     uint64
	FeeReserve uint64
	State      string
	Expiry     int64
}

// CreateMeltQuote requests a bolt11 melt quote for invoice.
func (w *Wallet) CreateMeltQuote(ctx context.Context, invoice string) (*MeltQuote, error) {
	quoteRes, err := PostMeltQuoteBolt11(ctx, w.MintURL, PostMeltQuoteBolt11Request{
		Request: invoice,
		Unit:    w.unit.String(),
	})
	if err != nil {
		return nil, err
	}

	return &MeltQuote{
		Quote:      quoteRes.Quote,
		Amount:     quoteRes.Amount,
		FeeReserve: quoteRes.FeeReserve,
		State:      quoteRes.State,
		Expiry:     quoteRes.Expiry,
	}, nil
}

type MeltResult struct {
	State    string
	Preimage string
	Change   cashu.Proofs
}

// MeltProofs pays the quoted invoice with proofs. Blank outputs are
// attached for fee-reserve change (NUT-08); any returned change
// signatures are unblinded into proofs the caller must store.
func (w *Wallet) MeltProofs(ctx context.Context, quote *MeltQuote, proofs cashu.Proofs) (*MeltResult, error) {
	outputs, secrets, rs, err := w.createBlankOutputs(quote.FeeReserve)
	if err != nil {
		return nil, fmt.Errorf("createBlankOutputs: %v", err)
	}

	meltRes, err := PostMeltBolt11(ctx, w.MintURL, PostMeltBolt11Request{
		Quote:   quote.Quote,
		Inputs:  proofs,
		Outputs: outputs,
	})
	if err != nil {
		return nil, err
	}

	result := &MeltResult{State: meltRes.State, Preimage: meltRes.Preimage}
	if len(meltRes.Change) > 0 {
		// blank outputs carry no fixed amount: the mint assigns them,
		// so unblind by index
		change, err := w.constructProofsByIndex(meltRes.Change, secrets, rs)
		if err != nil {
			return nil, fmt.Errorf("error constructing change proofs: %v", err)
		}
		result.Change = change
	}
	return result, nil
}

type OnchainMeltResult struct {
	State  string
	TxHash string
}

// CreateOnchainMeltQuote requests an on-chain payout quote. The chain
// tag is configurable; "base" is what the target mints expect today.
func (w *Wallet) CreateOnchainMeltQuote(ctx context.Context, amount uint64, address, chain string) (*MeltQuote, error) {
	quoteRes, err := PostMeltQuoteOnchain(ctx, w.MintURL, PostMeltQuoteOnchainRequest{
		Amount:  amount,
		Address: address,
		Chain:   chain,
	})
	if err != nil {
		return nil, err
	}

	return &MeltQuote{
		Quote:      quoteRes.Quote,
		Amount:     quoteRes.Amount,
		FeeReserve: quoteRes.FeeReserve,
		State:      quoteRes.State,
		Expiry:     quoteRes.Expiry,
	}, nil
}

func (w *Wallet) MeltOnchain(ctx context.Context, quote *MeltQuote, proofs cashu.Proofs) (*OnchainMeltResult, error) {
	meltRes, err := PostMeltOnchain(ctx, w.MintURL, PostMeltOnchainRequest{
		Quote:  quote.Quote,
		Inputs: proofs,
	})
	if err != nil {
		return nil, err
	}
	return &OnchainMeltResult{State: meltRes.State, TxHash: meltRes.TxHash}, nil
}

// CreateBlindedMessages returns blinded messages for the power-of-two
// split of amount, with their secrets and blinding factors.
func (w *Wallet) CreateBlindedMessages(amount uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	splitAmounts := cashu.AmountSplit(amount)
	splitLen := len(splitAmounts)

	blindedMessages := make(cashu.BlindedMessages, splitLen)
	secrets := make([]string, splitLen)
	rs := make([]*secp256k1.PrivateKey, splitLen)

	for i, amt := range splitAmounts {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r := crypto.BlindMessage(secret, r)
		blindedMessages[i] = cashu.BlindedMessage{
			Amount: amt,
			B_:     hex.EncodeToString(B_.SerializeCompressed()),
			Id:     w.keyset.Id,
		}
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// createBlankOutputs builds NUT-08 blank outputs for fee return. The
// count is ceil(log2(feeReserve)), at least one when a reserve exists.
func (w *Wallet) createBlankOutputs(feeReserve uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	if feeReserve == 0 {
		return nil, nil, nil, nil
	}

	count := 1
	for amount := feeReserve; amount > 1; amount >>= 1 {
		count++
	}

	blindedMessages := make(cashu.BlindedMessages, count)
	secrets := make([]string, count)
	rs := make([]*secp256k1.PrivateKey, count)

	for i := 0; i < count; i++ {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, nil, nil, err
		}
		secret := hex.EncodeToString(secretBytes)

		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, nil, err
		}

		B_, r := crypto.BlindMessage(secret, r)
		blindedMessages[i] = cashu.BlindedMessage{
			Amount: 1,
			B_:     hex.EncodeToString(B_.SerializeCompressed()),
			Id:     w.keyset.Id,
		}
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// ConstructProofs unblinds signatures returned for the given blinded
// messages. Signatures are matched to messages positionally, as the
// mint signs outputs in request order.
func (w *Wallet) ConstructProofs(signatures cashu.BlindedSignatures, messages cashu.BlindedMessages,
	secrets []string, rs []*secp256k1.PrivateKey) (cashu.Proofs, error) {

	if len(signatures) != len(messages) {
		return nil, errors.New("mint returned wrong number of signatures")
	}
	return w.constructProofsByIndex(signatures, secrets, rs)
}

func (w *Wallet) constructProofsByIndex(signatures cashu.BlindedSignatures,
	secrets []string, rs []*secp256k1.PrivateKey) (cashu.Proofs, error) {

	if len(signatures) > len(secrets) || len(signatures) > len(rs) {
		return nil, errors.New("not enough secrets for returned signatures")
	}

	proofs := make(cashu.Proofs, len(signatures))
	for i, signature := range signatures {
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return nil, err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return nil, err
		}

		K, ok := w.keyset.Keys[signature.Amount]
		if !ok {
			return nil, fmt.Errorf("mint signed for amount %d outside keyset", signature.Amount)
		}
		C := crypto.UnblindSignature(C_, rs[i], K)

		proofs[i] = cashu.Proof{
			Amount: signature.Amount,
			Id:     signature.Id,
			Secret: secrets[i],
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}

	return proofs, nil
}

func sortBlindedMessages(blindedMessages cashu.BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) {
	for i := 0; i < len(blindedMessages)-1; i++ {
		for j := i + 1; j < len(blindedMessages); j++ {
			if blindedMessages[i].Amount > blindedMessages[j].Amount {
				blindedMessages[i], blindedMessages[j] = blindedMessages[j], blindedMessages[i]
				secrets[i], secrets[j] = secrets[j], secrets[i]
				rs[i], rs[j] = rs[j], rs[i]
			}
		}
	}
}
