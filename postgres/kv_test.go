package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	perrors "github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	usertesting "github.com/honesteats/usermigrate/testing"
)

const dsnEnv = "USERMIGRATE_TEST_POSTGRES_DSN"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			name: "too many connections",
			err:  &pgconn.PgError{Code: "53300"},
			code: perrors.EThrottled,
		},
		{
			name: "serialization failure",
			err:  fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40001"}),
			code: perrors.EThrottled,
		},
		{
			name: "connection exception",
			err:  &pgconn.PgError{Code: "08006"},
			code: perrors.EUnavailable,
		},
		{
			name: "constraint violation",
			err:  &pgconn.PgError{Code: "23502"},
			code: perrors.EInternal,
		},
		{
			name: "network failure",
			err:  errors.New("dial tcp: connection refused"),
			code: perrors.EUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, perrors.ErrorCode(classify("postgres.Test", tt.err)))
		})
	}

	require.ErrorIs(t, classify("postgres.Test", context.Canceled), context.Canceled)
}

func initKVStore(f usertesting.KVStoreFields, t *testing.T) (kv.Store, func()) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	s := NewKVStore(zaptest.NewLogger(t), dsn)
	require.NoError(t, s.Migrate())
	require.NoError(t, s.Open(context.Background()))

	_, err := s.pool.Exec(context.Background(), `TRUNCATE kv_entries`)
	require.NoError(t, err)

	return s, func() { s.Close() }
}

func TestKVStore(t *testing.T) {
	if os.Getenv(dsnEnv) == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	usertesting.KVStore(initKVStore, t)
}
