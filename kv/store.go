// Package kv defines the key value store contract the migration is written
// against, and the retrying wrapper every backend is used through.
package kv

import (
	"context"
)

// Store is the typed access the migration has to the user store. Buckets
// are keyspaces inside one environment namespace; keys sort bytewise.
//
// Implementations return coded errors from kit/platform/errors:
// ENotFound, EAlreadyExists, EThrottled (safe to retry) and EUnavailable
// (surfaced to the caller).
type Store interface {
	// Get returns the value stored at key or an ENotFound error.
	Get(ctx context.Context, bucket, key []byte) ([]byte, error)
	// PutIfAbsent stores value at key only when the key does not exist yet.
	// It returns an EAlreadyExists error otherwise.
	PutIfAbsent(ctx context.Context, bucket, key, value []byte) error
	// Put stores value at key, replacing any existing value.
	Put(ctx context.Context, bucket, key, value []byte) error
	// Delete removes key. It returns an ENotFound error when key is absent.
	Delete(ctx context.Context, bucket, key []byte) error
	// ScanPage returns up to limit pairs with keys strictly after cursor, in
	// key order. A nil cursor scans from the first key. The returned cursor
	// is nil once the end of the bucket has been reached.
	ScanPage(ctx context.Context, bucket, cursor []byte, limit int) ([]Pair, []byte, error)
}

// Pair is a key value pair read from a bucket.
type Pair struct {
	Key   []byte
	Value []byte
}
