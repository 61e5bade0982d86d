package gate

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ecashlabs/nutgate/cashu"
	"github.com/ecashlabs/nutgate/kv"
)

const proofKeyPrefix = "proofs:"

// ProofEntry is one stored batch of proofs belonging to one mint.
type ProofEntry struct {
	MintURL string       `json:"mintUrl"`
	Proofs  cashu.Proofs `json:"proofs"`
}

// StoredEntry pairs an entry with the KV key it lives under.
type StoredEntry struct {
	Key   string
	Entry ProofEntry
}

// ProofStore is the gate's treasury ledger: an append-only multiset of
// proof entries in KV. Entries are never merged; partial consumption
// rewrites an entry in place.
type ProofStore struct {
	kv     kv.Store
	logger *slog.Logger
}

func NewProofStore(store kv.Store, logger *slog.Logger) *ProofStore {
	return &ProofStore{kv: store, logger: logger}
}

func proofKey() string {
	var randBytes [3]byte
	rand.Read(randBytes[:])
	return fmt.Sprintf("%s%d:%s", proofKeyPrefix, time.Now().UnixMilli(), hex.EncodeToString(randBytes[:]))
}

// Store appends a new entry and returns its key.
func (s *ProofStore) Store(mintURL string, proofs cashu.Proofs) (string, error) {
	if len(proofs) == 0 {
		return "", nil
	}
	value, err := json.Marshal(ProofEntry{MintURL: mintURL, Proofs: proofs})
	if err != nil {
		return "", err
	}
	key := proofKey()
	if err := s.kv.Put(key, string(value), kv.PutOptions{}); err != nil {
		return "", err
	}
	return key, nil
}

// Put writes an entry under a specific key, used when rewriting a
// partially consumed entry in place.
func (s *ProofStore) Put(key string, entry ProofEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.kv.Put(key, string(value), kv.PutOptions{})
}

// ListAll walks the full proofs: prefix, following cursors, decoding
// each entry. Malformed values are skipped, not fatal.
func (s *ProofStore) ListAll() ([]StoredEntry, error) {
	var entries []StoredEntry
	cursor := ""
	for {
		result, err := s.kv.List(kv.ListOptions{Prefix: proofKeyPrefix, Cursor: cursor, Limit: 1000})
		if err != nil {
			return nil, err
		}
		for _, key := range result.Keys {
			value, found, err := s.kv.Get(key.Name)
			if err != nil {
				return nil, err
			}
			if !found {
				continue
			}
			var entry ProofEntry
			if err := json.Unmarshal([]byte(value), &entry); err != nil {
				s.logger.Warn("skipping malformed proof entry", "key", key.Name)
				continue
			}
			entries = append(entries, StoredEntry{Key: key.Name, Entry: entry})
		}
		if result.ListComplete {
			return entries, nil
		}
		cursor = result.Cursor
	}
}

// Balance sums the amounts across all stored entries.
func (s *ProofStore) Balance() (uint64, error) {
	entries, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	total := uint64(0)
	for _, stored := range entries {
		total += stored.Entry.Proofs.Amount()
	}
	return total, nil
}

// DeleteKeys removes entries in parallel. The first error wins but all
// deletes are attempted.
func (s *ProofStore) DeleteKeys(keys []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			errs[i] = s.kv.Delete(key)
		}(i, key)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes one entry, tolerating a missing key.
func (s *ProofStore) Delete(key string) error {
	if key == "" {
		return nil
	}
	return s.kv.Delete(key)
}

// Selection is the outcome of greedy coin selection: the chosen proofs,
// entries to rewrite with their residual proofs, and entries fully
// consumed.
type Selection struct {
	Proofs   cashu.Proofs
	Rewrites map[string]ProofEntry
	Deletes  []string
	Total    uint64
}

// SelectProofs picks proofs covering target, largest first, tracking
// which entries must be rewritten or deleted once the selection is
// spent. Fails when the stored balance cannot cover the target.
func (s *ProofStore) SelectProofs(entries []StoredEntry, target uint64) (*Selection, error) {
	type flatProof struct {
		proof    cashu.Proof
		entryKey string
	}
	var flat []flatProof
	mints := make(map[string]string)
	for _, stored := range entries {
		mints[stored.Key] = stored.Entry.MintURL
		for _, proof := range stored.Entry.Proofs {
			flat = append(flat, flatProof{proof: proof, entryKey: stored.Key})
		}
	}
	sort.SliceStable(flat, func(i, j int) bool {
		return flat[i].proof.Amount > flat[j].proof.Amount
	})

	selection := &Selection{Rewrites: make(map[string]ProofEntry)}
	selected := make(map[string]map[string]bool)
	for _, fp := range flat {
		if selection.Total >= target {
			break
		}
		selection.Proofs = append(selection.Proofs, fp.proof)
		selection.Total += fp.proof.Amount
		if selected[fp.entryKey] == nil {
			selected[fp.entryKey] = make(map[string]bool)
		}
		selected[fp.entryKey][fp.proof.Secret] = true
	}
	if selection.Total < target {
		return nil, fmt.Errorf("insufficient balance: have %d, need %d", selection.Total, target)
	}

	for _, stored := range entries {
		taken := selected[stored.Key]
		if len(taken) == 0 {
			continue
		}
		var residual cashu.Proofs
		for _, proof := range stored.Entry.Proofs {
			if !taken[proof.Secret] {
				residual = append(residual, proof)
			}
		}
		if len(residual) > 0 {
			selection.Rewrites[stored.Key] = ProofEntry{MintURL: mints[stored.Key], Proofs: residual}
		} else {
			selection.Deletes = append(selection.Deletes, stored.Key)
		}
	}
	return selection, nil
}
