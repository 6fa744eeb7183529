package mock

import (
	"context"

	"github.com/honesteats/usermigrate/kv"
)

var _ kv.Store = (*Store)(nil)

// Store is a mock kv.Store. Unset functions fall through to Next when it is
// set, so a test can fault a single operation of an otherwise real store.
type Store struct {
	Next kv.Store

	GetFn         func(ctx context.Context, bucket, key []byte) ([]byte, error)
	PutIfAbsentFn func(ctx context.Context, bucket, key, value []byte) error
	PutFn         func(ctx context.Context, bucket, key, value []byte) error
	DeleteFn      func(ctx context.Context, bucket, key []byte) error
	ScanPageFn    func(ctx context.Context, bucket, cursor []byte, limit int) ([]kv.Pair, []byte, error)
}

// NewStore returns a Store passing every call through to next.
func NewStore(next kv.Store) *Store {
	return &Store{Next: next}
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, bucket, key []byte) ([]byte, error) {
	if s.GetFn != nil {
		return s.GetFn(ctx, bucket, key)
	}
	return s.Next.Get(ctx, bucket, key)
}

// PutIfAbsent creates key when it does not exist.
func (s *Store) PutIfAbsent(ctx context.Context, bucket, key, value []byte) error {
	if s.PutIfAbsentFn != nil {
		return s.PutIfAbsentFn(ctx, bucket, key, value)
	}
	return s.Next.PutIfAbsent(ctx, bucket, key, value)
}

// Put sets key.
func (s *Store) Put(ctx context.Context, bucket, key, value []byte) error {
	if s.PutFn != nil {
		return s.PutFn(ctx, bucket, key, value)
	}
	return s.Next.Put(ctx, bucket, key, value)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, bucket, key []byte) error {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, bucket, key)
	}
	return s.Next.Delete(ctx, bucket, key)
}

// ScanPage returns a page of pairs after cursor.
func (s *Store) ScanPage(ctx context.Context, bucket, cursor []byte, limit int) ([]kv.Pair, []byte, error) {
	if s.ScanPageFn != nil {
		return s.ScanPageFn(ctx, bucket, cursor, limit)
	}
	return s.Next.ScanPage(ctx, bucket, cursor, limit)
}
