package bolt_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/bolt"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	usertesting "github.com/honesteats/usermigrate/testing"
)

func newTestKVStore(t *testing.T) (*bolt.KVStore, func(), error) {
	f, err := os.CreateTemp("", "usermigrate-bolt-")
	if err != nil {
		return nil, nil, err
	}
	f.Close()

	path := f.Name()
	s := bolt.NewKVStore(zaptest.NewLogger(t), path, bolt.WithNoSync)
	if err := s.Open(context.Background()); err != nil {
		return nil, nil, err
	}

	close := func() {
		s.Close()
		os.Remove(path)
	}

	return s, close, nil
}

func initKVStore(f usertesting.KVStoreFields, t *testing.T) (kv.Store, func()) {
	s, closeFn, err := newTestKVStore(t)
	if err != nil {
		t.Fatalf("failed to create new kv store: %v", err)
	}
	return s, closeFn
}

func TestKVStore(t *testing.T) {
	usertesting.KVStore(initKVStore, t)
}

func TestKVStore_OpenLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), bolt.DefaultFilename)

	first := bolt.NewKVStore(zaptest.NewLogger(t), path)
	require.NoError(t, first.Open(context.Background()))
	defer first.Close()

	second := bolt.NewKVStore(zaptest.NewLogger(t), path, bolt.WithOpenTimeout(50*time.Millisecond))
	err := second.Open(context.Background())
	require.Error(t, err)
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
}

func TestKVStore_NotOpen(t *testing.T) {
	s := bolt.NewKVStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), bolt.DefaultFilename))
	_, err := s.Get(context.Background(), usermigrate.LegacyUsersBucket, []byte("+919876543210"))
	require.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
}

func TestKVStore_Collect(t *testing.T) {
	s, closeFn, err := newTestKVStore(t)
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, usermigrate.LegacyUsersBucket, []byte("+919876543210"), []byte(`{}`)))
	require.NoError(t, s.Put(ctx, usermigrate.LegacyUsersBucket, []byte("+919876543211"), []byte(`{}`)))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(s))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	var legacyKeys float64 = -1
	for _, mf := range mfs {
		if mf.GetName() != "usermigrate_boltdb_keys" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "bucket" && l.GetValue() == "usersv1" {
					legacyKeys = m.GetGauge().GetValue()
				}
			}
		}
	}
	require.Equal(t, float64(2), legacyKeys)
}
