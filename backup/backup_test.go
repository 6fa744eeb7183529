package backup_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

const runID = "6f1c1d7e-3f5b-4d53-9a57-51e0c3b0a001"

func newWriter(t *testing.T) (*backup.Writer, *clock.Mock, string) {
	t.Helper()
	dir := t.TempDir()
	c := clock.NewMock()
	c.Set(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	return backup.NewWriter(zaptest.NewLogger(t), dir, backup.WithClock(c), backup.WithEnvironment("staging")), c, dir
}

func pairs(kvs ...string) []kv.Pair {
	var out []kv.Pair
	for i := 0; i < len(kvs); i += 2 {
		out = append(out, kv.Pair{Key: []byte(kvs[i]), Value: []byte(kvs[i+1])})
	}
	return out
}

func TestWriter_Snapshot(t *testing.T) {
	w, _, dir := newWriter(t)
	ctx := context.Background()

	page1 := pairs(
		"+919876543210", `{"phone":"+919876543210", "role":"CUSTOMER","name":"Asha <a&b>"}`,
		"+919876543211", "not json",
	)
	ps, err := w.Snapshot(ctx, runID, 1, page1)
	require.NoError(t, err)
	assert.Equal(t, 2, ps.Records)
	assert.Equal(t, filepath.Join(dir, runID, "page-000001.jsonl"), ps.Path)

	_, err = w.Snapshot(ctx, runID, 2, pairs("+919876543212", string([]byte{0xff, 0xfe})))
	require.NoError(t, err)

	s, err := backup.Open(w.RunDir(runID))
	require.NoError(t, err)
	assert.Equal(t, runID, s.Manifest.RunID)
	assert.Equal(t, usermigrate.MigrationName, s.Manifest.Migration)
	assert.Equal(t, "staging", s.Manifest.Environment)
	require.Len(t, s.Pages, 2)

	records := s.Records()
	require.Len(t, records, 3)
	for i, want := range append(page1, pairs("+919876543212", string([]byte{0xff, 0xfe}))...) {
		got, err := records[i].Bytes()
		require.NoError(t, err)
		assert.Equal(t, want.Value, got, "value of %s must round trip byte for byte", want.Key)
		key, err := records[i].KeyBytes()
		require.NoError(t, err)
		assert.Equal(t, want.Key, key)
		assert.Equal(t, string(want.Key), records[i].Key)
		assert.Empty(t, records[i].KeyEncoding)
		assert.Equal(t, "usersv1", records[i].Bucket)
	}
	assert.Equal(t, backup.EncodingBase64, records[2].Encoding)
}

func TestWriter_SnapshotNonUTF8Key(t *testing.T) {
	w, _, _ := newWriter(t)
	ctx := context.Background()

	key := []byte("+91\xff98765")
	_, err := w.Snapshot(ctx, runID, 1, []kv.Pair{{Key: key, Value: []byte(`{}`)}})
	require.NoError(t, err)

	s, err := backup.Open(w.RunDir(runID))
	require.NoError(t, err)
	records := s.Records()
	require.Len(t, records, 1)
	assert.Equal(t, backup.EncodingBase64, records[0].KeyEncoding)
	assert.Equal(t, backup.EncodingText, records[0].Encoding)

	got, err := records[0].KeyBytes()
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestRecord_UnknownEncoding(t *testing.T) {
	_, err := backup.Record{Key: "a", KeyEncoding: "rot13"}.KeyBytes()
	assert.Error(t, err)
	_, err = backup.Record{Key: "a", Encoding: "rot13"}.Bytes()
	assert.Error(t, err)
}

func TestWriter_SnapshotOverwritesPage(t *testing.T) {
	w, _, _ := newWriter(t)
	ctx := context.Background()

	_, err := w.Snapshot(ctx, runID, 1, pairs("a", `{}`, "b", `{}`))
	require.NoError(t, err)
	_, err = w.Snapshot(ctx, runID, 1, pairs("a", `{}`, "b", `{}`))
	require.NoError(t, err)

	s, err := backup.Open(w.RunDir(runID))
	require.NoError(t, err)
	require.Len(t, s.Pages, 1)
	assert.Len(t, s.Records(), 2)

	entries, err := os.ReadDir(w.RunDir(runID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".pending"), e.Name())
	}
}

func TestWriter_ResumesManifest(t *testing.T) {
	w, c, dir := newWriter(t)
	ctx := context.Background()

	_, err := w.Snapshot(ctx, runID, 1, pairs("a", `{}`))
	require.NoError(t, err)

	// A second process continuing the same run keeps earlier pages.
	w2 := backup.NewWriter(zaptest.NewLogger(t), dir, backup.WithClock(c))
	_, err = w2.Snapshot(ctx, runID, 2, pairs("b", `{}`))
	require.NoError(t, err)

	s, err := backup.Open(w2.RunDir(runID))
	require.NoError(t, err)
	require.Len(t, s.Pages, 2)
	assert.Equal(t, 1, s.Pages[0].Index)
	assert.Equal(t, 2, s.Pages[1].Index)
}

func TestWriter_Ledger(t *testing.T) {
	w, _, _ := newWriter(t)
	ctx := context.Background()

	_, err := w.Snapshot(ctx, runID, 1, pairs("+919876543210", `{}`))
	require.NoError(t, err)

	got, err := w.ReadLedger(runID, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, w.WriteLedger(runID, 1, []backup.LedgerEntry{
		{Key: "+919876543210#RIDER", Outcome: backup.OutcomePending},
		{Key: "+919876543210#CUSTOMER", Outcome: backup.OutcomeCreated},
	}))

	got, err = w.ReadLedger(runID, 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "+919876543210#CUSTOMER", got[0].Key)
	assert.Equal(t, backup.OutcomeCreated, got[0].Outcome)
	assert.Equal(t, "usersv2", got[0].Bucket)
	assert.Equal(t, runID, got[1].RunID)

	s, err := backup.Open(w.RunDir(runID))
	require.NoError(t, err)
	assert.Len(t, s.Ledger(), 2)
	assert.Equal(t, "page-000001.created.jsonl", s.Manifest.Pages[0].Ledger)
}

func TestWriter_Failure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	// The backup root is a regular file, so no run directory can be made.
	w := backup.NewWriter(zaptest.NewLogger(t), blocker)
	_, err := w.Snapshot(context.Background(), runID, 1, pairs("a", `{}`))
	require.Error(t, err)
	assert.Equal(t, errors.EBackupFailure, errors.ErrorCode(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w, _, _ = newWriter(t)
	_, err = w.Snapshot(ctx, runID, 1, pairs("a", `{}`))
	assert.Equal(t, errors.EBackupFailure, errors.ErrorCode(err))
}

func TestWriter_WriteReport(t *testing.T) {
	w, _, _ := newWriter(t)
	r := &usermigrate.Report{RunID: runID, Status: usermigrate.RunCompleted}
	require.NoError(t, w.WriteReport(r))

	b, err := os.ReadFile(filepath.Join(w.RunDir(runID), backup.ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"status": "completed"`)
}

func TestOpen_Invalid(t *testing.T) {
	_, err := backup.Open(t.TempDir())
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))

	w, _, _ := newWriter(t)
	_, err = w.Snapshot(context.Background(), runID, 1, pairs("a", `{}`, "b", `{}`))
	require.NoError(t, err)

	path := filepath.Join(w.RunDir(runID), backup.PageFile(1))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(b), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]), 0600))

	_, err = backup.Open(w.RunDir(runID))
	assert.Equal(t, errors.EInvalid, errors.ErrorCode(err))
}
