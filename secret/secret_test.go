package secret_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/secret"
)

func TestStoreCredentials_Validate(t *testing.T) {
	tests := []struct {
		name  string
		creds secret.StoreCredentials
		valid bool
	}{
		{name: "bolt", creds: secret.StoreCredentials{Backend: "bolt", Path: "/var/lib/users.bolt"}, valid: true},
		{name: "bolt without path", creds: secret.StoreCredentials{Backend: "bolt"}},
		{name: "postgres", creds: secret.StoreCredentials{Backend: "postgres", DSN: "postgres://localhost/users"}, valid: true},
		{name: "postgres without dsn", creds: secret.StoreCredentials{Backend: "postgres", Path: "x"}},
		{name: "inmem", creds: secret.StoreCredentials{Backend: "inmem"}, valid: true},
		{name: "empty", creds: secret.StoreCredentials{}},
		{name: "unknown", creds: secret.StoreCredentials{Backend: "dynamodb"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
		})
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("USERS_STORE_BACKEND", "bolt")
	t.Setenv("USERS_STORE_PATH", "/data/users.bolt")
	t.Setenv("USERS_STORE_BACKEND_PROD_EU", "postgres")
	t.Setenv("USERS_STORE_DSN_PROD_EU", "postgres://db.prod/users")
	t.Setenv("RAZORPAY_KEY_SECRET", "never read")

	p := secret.NewEnvProvider()
	ctx := context.Background()

	creds, err := p.StoreCredentials(ctx, "staging")
	require.NoError(t, err)
	assert.Equal(t, secret.StoreCredentials{Backend: "bolt", Path: "/data/users.bolt"}, creds)

	creds, err = p.StoreCredentials(ctx, "prod-eu")
	require.NoError(t, err)
	assert.Equal(t, "postgres", creds.Backend)
	assert.Equal(t, "postgres://db.prod/users", creds.DSN)
}

func TestEnvProvider_Invalid(t *testing.T) {
	t.Setenv("USERS_STORE_BACKEND", "")
	t.Setenv("USERS_STORE_PATH", "")

	// The default backend is bolt, which needs a path.
	_, err := secret.NewEnvProvider().StoreCredentials(context.Background(), "dev")
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func vaultServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/rork-honesteats/staging" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[]}`)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"errors":["permission denied"]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider(t *testing.T) {
	srv := vaultServer(t, http.StatusOK, `{
		"request_id": "5c1b1ad0",
		"lease_id": "",
		"renewable": false,
		"lease_duration": 0,
		"data": {
			"data": {
				"users_store_backend": "postgres",
				"users_store_dsn": "postgres://db.staging/users",
				"razorpay_key_secret": "never read"
			},
			"metadata": {"version": 3}
		}
	}`)

	p, err := secret.NewVaultProvider(secret.VaultConfig{Address: srv.URL, Token: "test"})
	require.NoError(t, err)
	assert.Equal(t, "secret/data/rork-honesteats/staging", p.Path("staging"))

	creds, err := p.StoreCredentials(context.Background(), "staging")
	require.NoError(t, err)
	assert.Equal(t, secret.StoreCredentials{Backend: "postgres", DSN: "postgres://db.staging/users"}, creds)

	_, err = p.StoreCredentials(context.Background(), "prod")
	assert.Equal(t, errors.ENotFound, errors.ErrorCode(err))
}

func TestVaultProvider_Errors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := vaultServer(t, http.StatusInternalServerError, `{"errors":["sealed"]}`)
		p, err := secret.NewVaultProvider(secret.VaultConfig{Address: srv.URL, Token: "test", MaxRetries: 1})
		require.NoError(t, err)

		_, err = p.StoreCredentials(context.Background(), "staging")
		assert.Equal(t, errors.EUnavailable, errors.ErrorCode(err))
	})

	t.Run("missing store entries", func(t *testing.T) {
		srv := vaultServer(t, http.StatusOK, `{"data":{"data":{"twilio_auth_token":"x"},"metadata":{"version":1}}}`)
		p, err := secret.NewVaultProvider(secret.VaultConfig{Address: srv.URL, Token: "test"})
		require.NoError(t, err)

		_, err = p.StoreCredentials(context.Background(), "staging")
		assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
	})

	t.Run("custom path", func(t *testing.T) {
		p, err := secret.NewVaultProvider(secret.VaultConfig{Address: "http://127.0.0.1:8200", Path: "kv/data/{env}/users"})
		require.NoError(t, err)
		assert.Equal(t, "kv/data/prod/users", p.Path("prod"))
	})
}
