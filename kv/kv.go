// Package kv defines the key-value contract the gate persists through:
// string values, optional TTL on write, and paginated prefix listing.
package kv

// ListOptions selects a page of keys.
type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

type Key struct {
	Name string `json:"name"`
}

// ListResult is one page of keys. When ListComplete is false, Cursor
// can be passed back to continue the scan.
type ListResult struct {
	Keys         []Key  `json:"keys"`
	ListComplete bool   `json:"list_complete"`
	Cursor       string `json:"cursor,omitempty"`
}

// PutOptions carries the optional TTL in seconds. Zero means no expiry.
type PutOptions struct {
	ExpirationTTL int64
}

// Store is the persistence primitive used by the gate. Get returns
// ("", false, nil) for a missing or expired key.
type Store interface {
	Get(key string) (string, bool, error)
	Put(key, value string, opts PutOptions) error
	Delete(key string) error
	List(opts ListOptions) (ListResult, error)
}
