// Package store is the durable key-value layer behind the in-memory
// caches: pipeline definitions, schema versions and dead-letter records
// all live here, under distinct key prefixes.
package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key prefixes.
const (
	PrefixPipeline   = "pipeline/"
	PrefixSchema     = "schema/"
	PrefixDeadLetter = "dlq/"
)

// Store wraps a badger database with JSON-encoded values.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// Options configures Open.
type Options struct {
	Path     string
	InMemory bool
	Logger   *zap.Logger
}

// Open opens (or creates) the database. With InMemory set nothing is
// written to disk, which is what tests use.
func Open(opts Options) (*Store, error) {
	logger := logging.OrNop(opts.Logger).Named("store")

	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	} else if opts.Path == "" {
		return nil, fmt.Errorf("store: path is required unless in-memory")
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	logger.Info("store opened", zap.String("path", opts.Path), zap.Bool("in_memory", opts.InMemory))
	return &Store{db: db, logger: logger}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores v under key.
func (s *Store) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Get decodes the value stored under key into v.
func (s *Store) Get(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan calls fn for every key with the given prefix, in key order.
// The value slice is only valid during the call.
func (s *Store) Scan(prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(v []byte) error {
				return fn(key, v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Decode unmarshals a value produced by Scan.
func Decode(value []byte, v any) error {
	return json.Unmarshal(value, v)
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct{ s *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, a ...any)   { l.s.Errorf(f, a...) }
func (l badgerLogger) Warningf(f string, a ...any) { l.s.Warnf(f, a...) }
func (l badgerLogger) Infof(f string, a ...any)    { l.s.Infof(f, a...) }
func (l badgerLogger) Debugf(f string, a ...any)   { l.s.Debugf(f, a...) }
