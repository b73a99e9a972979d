// Package store wraps the badger handle shared by the identity
// registry, integrity chain, and gateway durable state.
package store

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Store is a thin wrapper over *badger.DB giving each component a
// logger-aware Open/Close pair instead of reaching for badger directly.
type Store struct {
	DB     *badger.DB
	logger *zap.Logger
}

// Open opens (creating if absent) a badger database rooted at dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerZapAdapter{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger at %q: %w", dir, err)
	}
	return &Store{DB: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Get reads a single key, returning (nil, false, nil) on ErrKeyNotFound.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			value = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Set writes a single key/value pair.
func (s *Store) Set(key, value []byte) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a single key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// IteratePrefix calls fn for every key under prefix, in key order.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.Key()...)
			if err := item.Value(func(v []byte) error {
				return fn(key, v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type badgerZapAdapter struct{ l *zap.Logger }

func (a badgerZapAdapter) Errorf(f string, args ...interface{})   { a.l.Sugar().Errorf(f, args...) }
func (a badgerZapAdapter) Warningf(f string, args ...interface{}) { a.l.Sugar().Warnf(f, args...) }
func (a badgerZapAdapter) Infof(f string, args ...interface{})    { a.l.Sugar().Infof(f, args...) }
func (a badgerZapAdapter) Debugf(f string, args ...interface{})   { a.l.Sugar().Debugf(f, args...) }
