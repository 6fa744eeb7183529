// Package inmem provides an in memory kv.Store for tests and dry runs.
package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/honesteats/usermigrate/kv"
)

var _ kv.Store = (*KVStore)(nil)

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// KVStore is an in memory btree backed kv.Store.
type KVStore struct {
	mu      sync.RWMutex
	buckets map[string]*btree.BTreeG[item]
}

// NewKVStore creates an instance of a KVStore.
func NewKVStore() *KVStore {
	return &KVStore{
		buckets: map[string]*btree.BTreeG[item]{},
	}
}

// bucket returns the btree for b, creating it when create is set.
func (s *KVStore) bucket(b []byte, create bool) *btree.BTreeG[item] {
	bkt, ok := s.buckets[string(b)]
	if !ok && create {
		bkt = btree.NewG[item](2, less)
		s.buckets[string(b)] = bkt
	}
	return bkt
}

// Get retrieves the value at the provided key.
func (s *KVStore) Get(_ context.Context, bucket, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bkt := s.bucket(bucket, false)
	if bkt == nil {
		return nil, kv.NotFound("inmem.Get", bucket, key)
	}
	i, ok := bkt.Get(item{key: key})
	if !ok {
		return nil, kv.NotFound("inmem.Get", bucket, key)
	}
	return clone(i.value), nil
}

// PutIfAbsent sets the key value pair provided unless key is already set.
func (s *KVStore) PutIfAbsent(_ context.Context, bucket, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bkt := s.bucket(bucket, true)
	if bkt.Has(item{key: key}) {
		return kv.AlreadyExists("inmem.PutIfAbsent", bucket, key)
	}
	bkt.ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	return nil
}

// Put sets the key value pair provided.
func (s *KVStore) Put(_ context.Context, bucket, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucket(bucket, true).ReplaceOrInsert(item{key: clone(key), value: clone(value)})
	return nil
}

// Delete removes the key provided.
func (s *KVStore) Delete(_ context.Context, bucket, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bkt := s.bucket(bucket, false)
	if bkt == nil {
		return kv.NotFound("inmem.Delete", bucket, key)
	}
	if _, ok := bkt.Delete(item{key: key}); !ok {
		return kv.NotFound("inmem.Delete", bucket, key)
	}
	return nil
}

// ScanPage returns up to limit pairs after cursor.
func (s *KVStore) ScanPage(_ context.Context, bucket, cursor []byte, limit int) ([]kv.Pair, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bkt := s.bucket(bucket, false)
	if bkt == nil || limit <= 0 {
		return nil, nil, nil
	}

	var (
		pairs []kv.Pair
		more  bool
	)
	bkt.AscendGreaterOrEqual(item{key: cursor}, func(i item) bool {
		if cursor != nil && bytes.Equal(i.key, cursor) {
			return true
		}
		if len(pairs) == limit {
			more = true
			return false
		}
		pairs = append(pairs, kv.Pair{Key: clone(i.key), Value: clone(i.value)})
		return true
	})

	if !more {
		return pairs, nil, nil
	}
	return pairs, clone(pairs[len(pairs)-1].Key), nil
}

// Len returns the number of keys in bucket.
func (s *KVStore) Len(bucket []byte) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bkt := s.bucket(bucket, false); bkt != nil {
		return bkt.Len()
	}
	return 0
}

// Dump returns a copy of every bucket, keyed by bucket name then key.
func (s *KVStore) Dump() map[string]map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]string, len(s.buckets))
	for name, bkt := range s.buckets {
		m := make(map[string]string, bkt.Len())
		bkt.Ascend(func(i item) bool {
			m[string(i.key)] = string(i.value)
			return true
		})
		out[name] = m
	}
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
