package cache

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	bolt "go.etcd.io/bbolt"
)

var entryBuckets = []EntryKind{EntryOrder, EntryPosition, EntryAccount, EntryInstrument}

// BoltStore persists cache entries to a local bbolt file, one bucket per
// entry kind.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	s := &BoltStore{db: db}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, kind := range entryBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll reads every entry from every bucket.
func (s *BoltStore) LoadAll(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, kind := range entryBuckets {
			b := tx.Bucket([]byte(kind))
			if b == nil {
				continue
			}
			if err := b.ForEach(func(k, v []byte) error {
				out = append(out, Entry{
					Kind:    kind,
					Key:     string(k),
					Payload: append([]byte(nil), v...),
				})
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Flush upserts the batch in a single transaction.
func (s *BoltStore) Flush(_ context.Context, batch []Entry) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range batch {
			b := tx.Bucket([]byte(e.Kind))
			if b == nil {
				return errors.Errorf("missing bucket %q", e.Kind)
			}
			if err := b.Put([]byte(e.Key), e.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
