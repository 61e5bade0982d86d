package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// WalletKeyset holds the public keys of one mint keyset as seen from
// the wallet side. Keys maps amount to the mint public key for that
// amount.
type WalletKeyset struct {
	Id      string
	MintURL string
	Unit    string
	Active  bool
	Keys    map[uint64]*secp256k1.PublicKey
}

// DeriveKeysetId computes the keyset id from the public keys, sorted
// by amount. See https://github.com/cashubtc/nuts/blob/main/02.md
func DeriveKeysetId(keys map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keys))
	for amount := range keys {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool {
		return amounts[i] < amounts[j]
	})

	pubkeys := make([]byte, 0)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keys[amount].SerializeCompressed()...)
	}
	hash := sha256.New()
	hash.Write(pubkeys)

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

// KeysetFromHexKeys parses a map of amount to compressed hex public
// key as returned by a mint on /v1/keys.
func KeysetFromHexKeys(mintURL, unit string, hexKeys map[uint64]string) (*WalletKeyset, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(hexKeys))
	for amount, key := range hexKeys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		keys[amount] = pubkey
	}

	keyset := &WalletKeyset{
		MintURL: mintURL,
		Unit:    unit,
		Active:  true,
		Keys:    keys,
	}
	keyset.Id = DeriveKeysetId(keys)
	return keyset, nil
}
