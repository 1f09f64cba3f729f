package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

const resultPrefix = "result/"

// Badger is a Cache persisted under a directory, so undelivered results
// survive a runner restart.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the cache in dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open result cache: %w", err)
	}
	return &Badger{db: db}, nil
}

func resultKey(jobID string) []byte {
	return []byte(resultPrefix + jobID)
}

func (b *Badger) Put(ctx context.Context, r types.JobResult, at time.Time) error {
	value, err := json.Marshal(Entry{Result: r, InsertedAt: at.UTC()})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(resultKey(r.JobID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(resultKey(r.JobID), value)
	})
}

func (b *Badger) Older(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	out := make([]Entry, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resultPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if e.InsertedAt.Before(cutoff) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return oldestFirst(out, limit), nil
}

func (b *Badger) Delete(ctx context.Context, jobIDs ...string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, id := range jobIDs {
			if err := txn.Delete(resultKey(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Len(ctx context.Context) (int, error) {
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(resultPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *Badger) Close() error {
	return b.db.Close()
}
