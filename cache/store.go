// Package cache is the persistent key/value tier between the network and the
// in-memory column buffers.
//
// Values are msgpack-encoded and stored in an embedded BadgerDB. Keys for one
// circuit are namespaced as prefix:path:sub. The base key prefix:path holds
// a sentinel that is written only after every other key of the circuit, so
// its presence means the circuit is fully cached.
//
// The whole store is versioned: EnsureVersion wipes everything when the
// stamped application version differs from the running one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// DefaultPrefix namespaces circuit keys
	DefaultPrefix = "circuit"

	// VersionKey holds the application version that wrote the store
	VersionKey = "appVersion"
)

// Key addresses one cached value of a circuit
type Key struct {
	Prefix string
	Path   string
	Sub    string
}

// NewKey returns the key for sub under the circuit at path
func NewKey(path, sub string) Key {
	return Key{Prefix: DefaultPrefix, Path: path, Sub: sub}
}

// Base returns the circuit's sentinel key
func (k Key) Base() Key {
	return Key{Prefix: k.Prefix, Path: k.Path}
}

// With returns a sibling key with a different sub
func (k Key) With(sub string) Key {
	return Key{Prefix: k.Prefix, Path: k.Path, Sub: sub}
}

func (k Key) String() string {
	prefix := k.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if k.Sub == "" {
		return prefix + ":" + k.Path
	}
	return prefix + ":" + k.Path + ":" + k.Sub
}

// Store is a msgpack-over-badger key/value store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db       *badger.DB
	gc       *gcRunner
	logger   *slog.Logger
	inMemory bool
	path     string
}

// Open opens the store described by cfg and starts value log GC when
// configured for a persistent store.
func Open(cfg Config) (*Store, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:       db,
		logger:   logger.With(slog.String("component", "cache")),
		inMemory: cfg.InMemory,
		path:     cfg.Path,
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		runner, err := newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create GC runner: %w", err)
		}
		s.gc = runner
		runner.start()
	}
	return s, nil
}

// OpenInMemory opens a store that lives only as long as the process
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes the database
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// Path returns the on-disk location, empty for in-memory stores
func (s *Store) Path() string {
	return s.path
}

// Get decodes the value at key into dst. It reports false when the key does
// not exist.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, dst)
		})
	})
	if err != nil {
		cacheErrorsTotal.WithLabelValues("get").Inc()
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}

	if found {
		cacheHitsTotal.Inc()
	} else {
		cacheMissesTotal.Inc()
	}
	return found, nil
}

// Has reports whether key exists without decoding it
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, fmt.Errorf("cache has %s: %w", key, err)
	}
	return found, nil
}

// Set encodes v and stores it at key
func (s *Store) Set(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		cacheErrorsTotal.WithLabelValues("set").Inc()
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	cacheWriteBytes.Add(float64(len(data)))
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Clear drops every key in the store
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	s.logger.Info("cache cleared")
	return nil
}

// Keys lists the keys starting with prefix, in lexical order
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Stats summarises the store contents
type Stats struct {
	Keys     int
	Circuits []string
	Version  string
	LSMBytes int64
	VlogSize int64
}

// Stat walks the store and returns a summary
func (s *Store) Stat(ctx context.Context) (Stats, error) {
	keys, err := s.Keys(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Keys: len(keys)}
	for _, k := range keys {
		// base keys are prefix:path, the path itself may contain no colon
		parts := strings.SplitN(k, ":", 3)
		if len(parts) == 2 && parts[0] == DefaultPrefix {
			st.Circuits = append(st.Circuits, parts[1])
		}
	}
	if _, err := s.Get(ctx, VersionKey, &st.Version); err != nil {
		return Stats{}, err
	}
	st.LSMBytes, st.VlogSize = s.db.Size()
	return st, nil
}

// EnsureVersion clears the store when it was written by another application
// version, then stamps the current one. It reports whether a clear happened.
// It must run before any other read.
func (s *Store) EnsureVersion(ctx context.Context, version string) (bool, error) {
	var stored string
	found, err := s.Get(ctx, VersionKey, &stored)
	if err != nil {
		s.logger.Warn("unreadable version stamp, clearing", slog.String("error", err.Error()))
		found = false
	}
	if found && stored == version {
		return false, nil
	}

	// a missing stamp counts as a mismatch; keys without one are untrusted
	s.logger.Info("application version changed, clearing cache",
		slog.String("stored", stored),
		slog.String("current", version),
	)
	if err := s.Clear(ctx); err != nil {
		return false, err
	}
	if err := s.Set(ctx, VersionKey, version); err != nil {
		return true, err
	}
	return true, nil
}

// IsComplete reports whether the sentinel for the circuit of key is present
func (s *Store) IsComplete(ctx context.Context, key Key) (bool, error) {
	return s.Has(ctx, key.Base().String())
}

// MarkComplete writes the sentinel for the circuit of key. Callers write it
// last, after every other key of the circuit.
func (s *Store) MarkComplete(ctx context.Context, key Key) error {
	return s.Set(ctx, key.Base().String(), true)
}
