// Package bolt provides a kv.Store backed by a boltdb file. Each environment
// namespace is one file.
package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opentracing/opentracing-go"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate/kv"
)

// DefaultFilename is the default boltdb filename of a user store.
const DefaultFilename = "users.bolt"

var _ kv.Store = (*KVStore)(nil)

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path    string
	db      *bolt.DB
	log     *zap.Logger
	timeout time.Duration
	noSync  bool
}

// KVOption is an option for the boltdb kv store.
type KVOption func(*KVStore)

// WithNoSync WARNING: this is useful for tests only
// this skips fsyncing on every commit to improve
// write performance in exchange for no guarantees
// that the db will persist.
func WithNoSync(s *KVStore) {
	s.noSync = true
}

// WithOpenTimeout sets how long Open waits for the file lock held by another process.
func WithOpenTimeout(d time.Duration) KVOption {
	return func(s *KVStore) {
		s.timeout = d
	}
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path.
func NewKVStore(log *zap.Logger, path string, opts ...KVOption) *KVStore {
	s := &KVStore{
		path:    path,
		log:     log,
		timeout: time.Second,
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Open creates boltDB file it doesn't exists and opens it otherwise.
func (s *KVStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "KVStore.Open")
	defer span.Finish()

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	// Open database file.
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return kv.Unavailable("bolt.Open", fmt.Errorf("database %s is locked by another process: %w", s.path, err))
		}
		return kv.Unavailable("bolt.Open", fmt.Errorf("unable to open boltdb file %v", err))
	}
	db.NoSync = s.noSync
	s.db = db

	s.log.Info("Resources opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the path of the boltdb file.
func (s *KVStore) Path() string {
	return s.path
}

func (s *KVStore) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	span, _ := opentracing.StartSpanFromContext(ctx, op)
	defer span.Finish()

	if s.db == nil {
		return kv.Unavailable(op, bolt.ErrDatabaseNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *KVStore) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	span, _ := opentracing.StartSpanFromContext(ctx, op)
	defer span.Finish()

	if s.db == nil {
		return kv.Unavailable(op, bolt.ErrDatabaseNotOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// Get retrieves the value at the provided key.
func (s *KVStore) Get(ctx context.Context, bucket, key []byte) ([]byte, error) {
	var val []byte
	err := s.view(ctx, "bolt.Get", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return kv.NotFound("bolt.Get", bucket, key)
		}
		v := b.Get(key)
		if v == nil {
			return kv.NotFound("bolt.Get", bucket, key)
		}
		// values are only valid for the life of the transaction
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	return val, err
}

// PutIfAbsent sets the value at the provided key unless it is already set.
func (s *KVStore) PutIfAbsent(ctx context.Context, bucket, key, value []byte) error {
	return s.update(ctx, "bolt.PutIfAbsent", func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if b.Get(key) != nil {
			return kv.AlreadyExists("bolt.PutIfAbsent", bucket, key)
		}
		return b.Put(key, value)
	})
}

// Put sets the value at the provided key.
func (s *KVStore) Put(ctx context.Context, bucket, key, value []byte) error {
	return s.update(ctx, "bolt.Put", func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

// Delete removes the provided key.
func (s *KVStore) Delete(ctx context.Context, bucket, key []byte) error {
	return s.update(ctx, "bolt.Delete", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil || b.Get(key) == nil {
			return kv.NotFound("bolt.Delete", bucket, key)
		}
		return b.Delete(key)
	})
}

// ScanPage returns up to limit pairs with keys after cursor.
func (s *KVStore) ScanPage(ctx context.Context, bucket, cursor []byte, limit int) ([]kv.Pair, []byte, error) {
	var (
		pairs []kv.Pair
		next  []byte
	)
	err := s.view(ctx, "bolt.ScanPage", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil || limit <= 0 {
			return nil
		}

		c := b.Cursor()
		k, v := c.First()
		if cursor != nil {
			k, v = c.Seek(cursor)
			if k != nil && bytes.Equal(k, cursor) {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			if len(pairs) == limit {
				next = copyBytes(pairs[len(pairs)-1].Key)
				return nil
			}
			pairs = append(pairs, kv.Pair{Key: copyBytes(k), Value: copyBytes(v)})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pairs, next, nil
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
