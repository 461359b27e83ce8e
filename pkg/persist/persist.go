// Package persist implements the persistent state layout (spec §6): a
// family of opaque record-stores, each addressed by a stable name, holding
// key→JSON-serialisable values with atomic overwrite. Grounded on the
// teacher's pkg/storage.BoltStore (one bucket per entity, JSON marshal,
// db.Update/View), generalised to a name-addressed bucket-per-family store
// instead of one method pair per entity type.
package persist

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// Family names for the record-stores named in spec §6.
const (
	FamilyCrafters       = "crafters"
	FamilyQueue          = "queue"
	FamilyJobHistory     = "job-history"
	FamilyRequests       = "requests"
	FamilyAisles         = "aisles"
	FamilyStockCache     = "stock-cache"
	FamilyDetailCache    = "detail-cache"
	FamilyProducts       = "products"
	FamilySales          = "sales"
	FamilyHistory        = "history"
	FamilyPendingRefunds = "pending-refunds"
)

var allFamilies = []string{
	FamilyCrafters,
	FamilyQueue,
	FamilyJobHistory,
	FamilyRequests,
	FamilyAisles,
	FamilyStockCache,
	FamilyDetailCache,
	FamilyProducts,
	FamilySales,
	FamilyHistory,
	FamilyPendingRefunds,
}

// Store is a bolt-backed, name-addressed family of key→JSON record stores.
// Each persist(name) in spec §6 corresponds to one bucket here; writes are
// serialised per-file by bbolt's single-writer transaction model.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the fabric database under dataDir, creating every
// known family's bucket.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "fabric.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allFamilies {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("persist: create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put atomically overwrites one key in a family with the JSON encoding of
// value (spec §6 "atomic overwrite").
func (s *Store) Put(family, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal %s/%s: %w", family, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("persist: unknown family %s", family)
		}
		return b.Put([]byte(key), data)
	})
}

// Get decodes one key's value into out. ok is false if the key is absent.
func (s *Store) Get(family, key string, out any) (ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("persist: unknown family %s", family)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, out)
	})
	return ok, err
}

// Delete removes one key from a family.
func (s *Store) Delete(family, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("persist: unknown family %s", family)
		}
		return b.Delete([]byte(key))
	})
}

// ForEach decodes every key/value in a family, invoking fn with the raw
// JSON; the caller unmarshals into its own concrete type. Stops and
// returns fn's error if it returns non-nil.
func (s *Store) ForEach(family string, fn func(key string, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("persist: unknown family %s", family)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Batch runs fn inside a single bolt write transaction via a BatchWriter,
// coalescing a multi-field write into one disk write (spec §5 "multi-field
// writes wrap beginBatch/endBatch to coalesce one disk write").
func (s *Store) Batch(fn func(w *BatchWriter) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&BatchWriter{tx: tx})
	})
}

// BatchWriter batches several Put/Delete calls into the one bolt
// transaction opened by Store.Batch.
type BatchWriter struct {
	tx *bolt.Tx
}

// Put writes one key within the enclosing batch transaction.
func (w *BatchWriter) Put(family, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("persist: marshal %s/%s: %w", family, key, err)
	}
	b := w.tx.Bucket([]byte(family))
	if b == nil {
		return fmt.Errorf("persist: unknown family %s", family)
	}
	return b.Put([]byte(key), data)
}

// Delete removes one key within the enclosing batch transaction.
func (w *BatchWriter) Delete(family, key string) error {
	b := w.tx.Bucket([]byte(family))
	if b == nil {
		return fmt.Errorf("persist: unknown family %s", family)
	}
	return b.Delete([]byte(key))
}
