package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/bolt"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kit/prom/promtest"
	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/mock"
	"github.com/honesteats/usermigrate/rollback"
	"github.com/honesteats/usermigrate/secret"
)

func phone(i int) string {
	return fmt.Sprintf("+9198765432%02d", i)
}

type harness struct {
	t        *testing.T
	dir      string
	path     string
	provider *mock.MockProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:        t,
		dir:      dir,
		path:     filepath.Join(dir, bolt.DefaultFilename),
		provider: mock.NewMockProvider(gomock.NewController(t)),
	}
	h.provider.EXPECT().
		StoreCredentials(gomock.Any(), "staging").
		Return(secret.StoreCredentials{Backend: secret.BackendBolt, Path: h.path}, nil).
		AnyTimes()
	return h
}

// withStore opens the bolt file of the harness for the duration of fn.
func (h *harness) withStore(fn func(s kv.Store)) {
	h.t.Helper()
	s := bolt.NewKVStore(zaptest.NewLogger(h.t), h.path, bolt.WithNoSync)
	require.NoError(h.t, s.Open(context.Background()))
	defer s.Close()
	fn(s)
}

func (h *harness) put(bucket []byte, key, value string) {
	h.t.Helper()
	h.withStore(func(s kv.Store) {
		require.NoError(h.t, s.Put(context.Background(), bucket, []byte(key), []byte(value)))
	})
}

func (h *harness) exists(bucket []byte, key string) bool {
	h.t.Helper()
	var found bool
	h.withStore(func(s kv.Store) {
		_, err := s.Get(context.Background(), bucket, []byte(key))
		if !kv.IsNotFound(err) {
			require.NoError(h.t, err)
			found = true
		}
	})
	return found
}

// seed stores three customers, the last one also a rider.
func (h *harness) seed() {
	h.t.Helper()
	h.put(usermigrate.LegacyUsersBucket, phone(0), `{"phone":"+919876543200","role":"CUSTOMER","name":"Asha"}`)
	h.put(usermigrate.LegacyUsersBucket, phone(1), `{"phone":"+919876543201","role":"CUSTOMER","name":"Ravi"}`)
	h.put(usermigrate.LegacyUsersBucket, phone(2), `{"phone":"+919876543202","role":"CUSTOMER,RIDER","name":"Meera"}`)
}

func (h *harness) run(ctx context.Context, args ...string) (int, *bytes.Buffer, *bytes.Buffer) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.newProvider = func(globalOptions) (secret.Provider, error) {
		return h.provider, nil
	}
	code := a.execute(ctx, args)
	return code, &stdout, &stderr
}

func (h *harness) migrate(args ...string) (int, *usermigrate.Report) {
	h.t.Helper()
	args = append([]string{"migrate", "staging", "--backup-dir", filepath.Join(h.dir, "backups"), "--page-size", "2"}, args...)
	code, stdout, stderr := h.run(context.Background(), args...)

	var report usermigrate.Report
	require.NoError(h.t, json.Unmarshal(stdout.Bytes(), &report), stderr.String())
	return code, &report
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)
	h.seed()
	metricsFile := filepath.Join(h.dir, "usermigrate.prom")

	code, report := h.migrate("--metrics-file", metricsFile)
	assert.Equal(t, exitCompleted, code)
	assert.Equal(t, usermigrate.RunCompleted, report.Status)
	assert.Equal(t, "staging", report.Environment)
	assert.Equal(t, usermigrate.Counts{Scanned: 3, Migrated: 4}, report.Counts)
	assert.Equal(t, 2, report.Pages)
	assert.Empty(t, report.Errors)

	for _, key := range []string{
		phone(0) + "#CUSTOMER",
		phone(1) + "#CUSTOMER",
		phone(2) + "#CUSTOMER",
		phone(2) + "#RIDER",
	} {
		assert.True(t, h.exists(usermigrate.ScopedUsersBucket, key), key)
	}
	assert.True(t, h.exists(usermigrate.LegacyUsersBucket, phone(0)))
	assert.False(t, h.exists(usermigrate.LocksBucket, usermigrate.MigrationName))
	assert.False(t, h.exists(usermigrate.CheckpointsBucket, usermigrate.MigrationName))

	mfs, err := promtest.FromTextFile(metricsFile)
	require.NoError(t, err)
	m := promtest.MustFindMetric(t, mfs, "usermigrate_records_total", map[string]string{"outcome": "migrated"})
	assert.Equal(t, 4.0, m.GetCounter().GetValue())
	m = promtest.MustFindMetric(t, mfs, "usermigrate_store_operations_total", map[string]string{"op": "put_if_absent", "result": "ok"})
	assert.Equal(t, 5.0, m.GetCounter().GetValue(), "four records and the lock")

	// A second run finds every key in place.
	code, report = h.migrate()
	assert.Equal(t, exitCompleted, code)
	assert.Equal(t, usermigrate.Counts{Scanned: 3, Skipped: 4}, report.Counts)
}

func TestMigrate_Tolerance(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.put(usermigrate.LegacyUsersBucket, phone(3), `{"phone":"+919876543203","role":"ADMIN"}`)

	code, report := h.migrate()
	assert.Equal(t, exitFailed, code)
	assert.Equal(t, usermigrate.RunFailed, report.Status)
	assert.Equal(t, []string{phone(3)}, report.Errors[errors.EMalformedRecord])
	assert.NotEmpty(t, report.Fatal)

	runID := report.RunID

	code, report = h.migrate("--tolerance", "1")
	assert.Equal(t, exitTolerated, code)
	assert.Equal(t, usermigrate.RunCompleted, report.Status)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, usermigrate.Counts{Scanned: 4, Migrated: 4, Malformed: 1}, report.Counts)
}

func TestMigrate_RepairedRecordAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.seed()
	h.put(usermigrate.LegacyUsersBucket, phone(3), `{"phone":"+919876543203","role":"ADMIN"}`)

	code, report := h.migrate()
	require.Equal(t, exitFailed, code)
	runID := report.RunID

	h.put(usermigrate.LegacyUsersBucket, phone(3), `{"phone":"+919876543203","role":"RIDER"}`)

	code, report = h.migrate()
	assert.Equal(t, exitCompleted, code)
	assert.Equal(t, runID, report.RunID)
	assert.Equal(t, usermigrate.Counts{Scanned: 4, Migrated: 5}, report.Counts)
	assert.True(t, h.exists(usermigrate.ScopedUsersBucket, phone(3)+"#RIDER"))
}

func TestMigrate_DryRunFromEnvironment(t *testing.T) {
	t.Setenv("USERMIGRATE_DRY_RUN", "true")
	h := newHarness(t)
	h.seed()

	code, report := h.migrate()
	assert.Equal(t, exitCompleted, code)
	assert.True(t, report.DryRun)
	assert.Equal(t, 4, report.Counts.Migrated)
	assert.False(t, h.exists(usermigrate.ScopedUsersBucket, phone(0)+"#CUSTOMER"))
}

func TestMigrate_LockContention(t *testing.T) {
	h := newHarness(t)
	h.seed()

	held, err := json.Marshal(usermigrate.Lock{
		Migration:  usermigrate.MigrationName,
		RunID:      "2f1c6b9e",
		Owner:      "worker-2/41",
		AcquiredAt: time.Date(2026, 10, 14, 22, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	h.put(usermigrate.LocksBucket, usermigrate.MigrationName, string(held))

	code, report := h.migrate()
	assert.Equal(t, exitFailed, code)
	assert.Equal(t, usermigrate.RunFailed, report.Status)
	assert.Contains(t, report.Fatal, "worker-2/41")
	assert.False(t, h.exists(usermigrate.ScopedUsersBucket, phone(0)+"#CUSTOMER"))

	code, stdout, _ := h.run(context.Background(), "status", "staging")
	assert.Equal(t, exitCompleted, code)
	var s status
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &s))
	require.NotNil(t, s.Lock)
	assert.Equal(t, "worker-2/41", s.Lock.Owner)
	assert.Nil(t, s.Checkpoint)

	code, _, _ = h.run(context.Background(), "unlock", "staging")
	assert.Equal(t, exitCompleted, code)
	assert.False(t, h.exists(usermigrate.LocksBucket, usermigrate.MigrationName))

	// Unlocking twice is harmless.
	code, _, _ = h.run(context.Background(), "unlock", "staging")
	assert.Equal(t, exitCompleted, code)

	code, _ = h.migrate()
	assert.Equal(t, exitCompleted, code)
}

func TestMigrate_Cancelled(t *testing.T) {
	h := newHarness(t)
	h.seed()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, stdout, _ := h.run(ctx, "migrate", "staging", "--backup-dir", filepath.Join(h.dir, "backups"))
	assert.Equal(t, exitCancelled, code)

	var report usermigrate.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, usermigrate.RunCancelled, report.Status)
	assert.False(t, h.exists(usermigrate.ScopedUsersBucket, phone(0)+"#CUSTOMER"))
}

func TestMigrate_InvalidConfig(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run(context.Background(), "migrate", "staging", "--page-size", "0")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "page size must be positive")

	code, _, _ = h.run(context.Background(), "migrate")
	assert.Equal(t, exitFailed, code)
}

func TestMigrate_CredentialsUnavailable(t *testing.T) {
	provider := mock.NewMockProvider(gomock.NewController(t))
	provider.EXPECT().
		StoreCredentials(gomock.Any(), "prod").
		Return(secret.StoreCredentials{}, &errors.Error{Code: errors.EUnavailable, Msg: "vault sealed"})

	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.newProvider = func(globalOptions) (secret.Provider, error) { return provider, nil }

	code := a.execute(context.Background(), []string{"migrate", "prod"})
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "vault sealed")
	assert.Empty(t, stdout.String())
}

func TestNewProvider(t *testing.T) {
	p, err := newProvider(globalOptions{secretSource: sourceEnv})
	require.NoError(t, err)
	assert.IsType(t, &secret.EnvProvider{}, p)

	p, err = newProvider(globalOptions{secretSource: sourceVault, vaultAddress: "http://127.0.0.1:8200", vaultPath: secret.DefaultVaultPath})
	require.NoError(t, err)
	assert.IsType(t, &secret.VaultProvider{}, p)

	_, err = newProvider(globalOptions{secretSource: "aws"})
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}

func TestRollback(t *testing.T) {
	h := newHarness(t)
	h.seed()

	code, report := h.migrate()
	require.Equal(t, exitCompleted, code)
	require.NotEmpty(t, report.BackupDir)

	// The operator edited a legacy record after the run.
	h.put(usermigrate.LegacyUsersBucket, phone(1), `{"phone":"+919876543201","role":"RIDER"}`)

	code, stdout, stderr := h.run(context.Background(), "rollback", "staging", "--run-dir", report.BackupDir)
	require.Equal(t, exitCompleted, code, stderr.String())

	var restored rollback.RestoreReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &restored))
	assert.Equal(t, report.RunID, restored.RunID)
	assert.Equal(t, 3, restored.Restored)
	assert.Equal(t, 4, restored.Deleted)
	assert.Zero(t, restored.Failed)

	assert.False(t, h.exists(usermigrate.ScopedUsersBucket, phone(2)+"#RIDER"))
	h.withStore(func(s kv.Store) {
		v, err := s.Get(context.Background(), usermigrate.LegacyUsersBucket, []byte(phone(1)))
		require.NoError(t, err)
		assert.Equal(t, `{"phone":"+919876543201","role":"CUSTOMER","name":"Ravi"}`, string(v))
	})
}

func TestRollback_Refused(t *testing.T) {
	h := newHarness(t)
	h.seed()

	code, report := h.migrate()
	require.Equal(t, exitCompleted, code)

	code, _, stderr := h.run(context.Background(), "rollback", "staging")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "--run-dir is required")

	code, _, stderr = h.run(context.Background(), "rollback", "prod", "--run-dir", report.BackupDir)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "not prod")

	h.put(usermigrate.LocksBucket, usermigrate.MigrationName, `{"migration":"add-role-sort-key","runID":"r2","owner":"worker-1/7"}`)
	code, _, stderr = h.run(context.Background(), "rollback", "staging", "--run-dir", report.BackupDir)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stderr.String(), "worker-1/7")
	assert.True(t, h.exists(usermigrate.ScopedUsersBucket, phone(0)+"#CUSTOMER"))
}
