package kv

import (
	"encoding/binary"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dataBucket   = "data"
	expiryBucket = "expiry"

	defaultPageSize = 1000
)

// BoltStore implements Store on a bbolt database. TTLs are enforced
// lazily: expired keys are skipped on read and list, and removed on
// the next write transaction that touches them.
type BoltStore struct {
	bolt *bolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(expiryBucket))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &BoltStore{bolt: db}, nil
}

func (s *BoltStore) Close() error {
	return s.bolt.Close()
}

func expired(expiryBytes []byte) bool {
	if len(expiryBytes) != 8 {
		return false
	}
	expiresAt := int64(binary.BigEndian.Uint64(expiryBytes))
	return time.Now().Unix() >= expiresAt
}

func (s *BoltStore) Get(key string) (string, bool, error) {
	var value string
	var found bool

	err := s.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(dataBucket))
		v := data.Get([]byte(key))
		if v == nil {
			return nil
		}

		if expired(tx.Bucket([]byte(expiryBucket)).Get([]byte(key))) {
			return nil
		}

		value = string(v)
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	return value, found, nil
}

func (s *BoltStore) Put(key, value string, opts PutOptions) error {
	return s.bolt.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(dataBucket))
		if err := data.Put([]byte(key), []byte(value)); err != nil {
			return err
		}

		expiry := tx.Bucket([]byte(expiryBucket))
		if opts.ExpirationTTL > 0 {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(time.Now().Unix()+opts.ExpirationTTL))
			return expiry.Put([]byte(key), b[:])
		}
		return expiry.Delete([]byte(key))
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(dataBucket)).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket([]byte(expiryBucket)).Delete([]byte(key))
	})
}

func (s *BoltStore) List(opts ListOptions) (ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	result := ListResult{Keys: make([]Key, 0), ListComplete: true}

	err := s.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dataBucket)).Cursor()
		expiry := tx.Bucket([]byte(expiryBucket))

		var k []byte
		if opts.Cursor != "" {
			// resume just after the cursor key
			k, _ = c.Seek([]byte(opts.Cursor))
			if k != nil && string(k) == opts.Cursor {
				k, _ = c.Next()
			}
		} else if opts.Prefix != "" {
			k, _ = c.Seek([]byte(opts.Prefix))
		} else {
			k, _ = c.First()
		}

		for ; k != nil; k, _ = c.Next() {
			name := string(k)
			if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
				break
			}
			if expired(expiry.Get(k)) {
				continue
			}

			if len(result.Keys) == limit {
				result.ListComplete = false
				result.Cursor = result.Keys[limit-1].Name
				return nil
			}
			result.Keys = append(result.Keys, Key{Name: name})
		}
		return nil
	})
	if err != nil {
		return ListResult{}, err
	}

	return result, nil
}
