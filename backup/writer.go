package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/pkg/fs"
)

// PageSnapshot describes a page written by Snapshot.
type PageSnapshot struct {
	RunID   string
	Page    int
	Path    string
	Records int
}

// Writer writes run snapshots below a backup directory.
type Writer struct {
	dir         string
	environment string
	clock       clock.Clock
	log         *zap.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock sets the clock used to timestamp records.
func WithClock(c clock.Clock) WriterOption {
	return func(w *Writer) {
		w.clock = c
	}
}

// WithEnvironment records the environment name in manifests.
func WithEnvironment(env string) WriterOption {
	return func(w *Writer) {
		w.environment = env
	}
}

// NewWriter returns a Writer rooted at dir.
func NewWriter(log *zap.Logger, dir string, opts ...WriterOption) *Writer {
	w := &Writer{
		dir:       dir,
		clock:     clock.New(),
		log:       log.With(zap.String("service", "backup")),
		manifests: map[string]*Manifest{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunDir returns the directory holding the snapshot of runID.
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.dir, runID)
}

// Snapshot writes the legacy records of page to the run directory of runID
// and records the page in the manifest. Writing a page again replaces it.
// Any failure is returned as an EBackupFailure error.
func (w *Writer) Snapshot(ctx context.Context, runID string, page int, pairs []kv.Pair) (*PageSnapshot, error) {
	const op = "backup.Snapshot"

	if err := ctx.Err(); err != nil {
		return nil, failure(op, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	m, err := w.manifest(runID)
	if err != nil {
		return nil, failure(op, err)
	}

	now := w.clock.Now().UTC()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, p := range pairs {
		if err := enc.Encode(newRecord(runID, page, now, usermigrate.LegacyUsersBucket, p.Key, p.Value)); err != nil {
			return nil, failure(op, fmt.Errorf("encode %q: %w", p.Key, err))
		}
	}

	path := filepath.Join(w.RunDir(runID), PageFile(page))
	if err := fs.WriteFileAtomic(path, buf.Bytes(), 0600); err != nil {
		return nil, failure(op, err)
	}

	entry := m.page(page)
	entry.File = PageFile(page)
	entry.Records = len(pairs)
	entry.CapturedAt = now
	if err := w.saveManifest(m); err != nil {
		return nil, failure(op, err)
	}

	w.log.Debug("Page backed up",
		zap.String("run_id", runID),
		zap.Int("page", page),
		zap.Int("records", len(pairs)),
		zap.String("path", path))

	return &PageSnapshot{
		RunID:   runID,
		Page:    page,
		Path:    path,
		Records: len(pairs),
	}, nil
}

// WriteLedger replaces the ledger of page with entries. RunID, Page,
// RecordedAt and Bucket are filled in.
func (w *Writer) WriteLedger(runID string, page int, entries []LedgerEntry) error {
	const op = "backup.WriteLedger"

	w.mu.Lock()
	defer w.mu.Unlock()

	m, err := w.manifest(runID)
	if err != nil {
		return failure(op, err)
	}

	sorted := make([]LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	now := w.clock.Now().UTC()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range sorted {
		e.RunID = runID
		e.Page = page
		e.RecordedAt = now
		e.Bucket = string(usermigrate.ScopedUsersBucket)
		if err := enc.Encode(e); err != nil {
			return failure(op, err)
		}
	}

	if err := fs.WriteFileAtomic(filepath.Join(w.RunDir(runID), LedgerFile(page)), buf.Bytes(), 0600); err != nil {
		return failure(op, err)
	}

	entry := m.page(page)
	entry.Ledger = LedgerFile(page)
	if err := w.saveManifest(m); err != nil {
		return failure(op, err)
	}
	return nil
}

// ReadLedger returns the ledger of page, or nothing when the page has none.
func (w *Writer) ReadLedger(runID string, page int) ([]LedgerEntry, error) {
	entries, err := readLedger(filepath.Join(w.RunDir(runID), LedgerFile(page)))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}

// WriteReport writes the report of a run next to its snapshot.
func (w *Writer) WriteReport(r *usermigrate.Report) error {
	if err := os.MkdirAll(w.RunDir(r.RunID), 0700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return fs.WriteFileAtomic(filepath.Join(w.RunDir(r.RunID), ReportFile), append(b, '\n'), 0600)
}

// manifest returns the manifest of runID, loading it from disk when a
// previous process started the run.
func (w *Writer) manifest(runID string) (*Manifest, error) {
	if m, ok := w.manifests[runID]; ok {
		return m, nil
	}

	dir := w.RunDir(runID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create directory %s: %w", dir, err)
	}

	m, err := readManifest(filepath.Join(dir, ManifestFile))
	switch {
	case os.IsNotExist(err):
		now := w.clock.Now().UTC()
		m = &Manifest{
			Version:     FormatVersion,
			RunID:       runID,
			Migration:   usermigrate.MigrationName,
			Environment: w.environment,
			CreatedAt:   now,
		}
	case err != nil:
		return nil, err
	case m.RunID != runID:
		return nil, fmt.Errorf("manifest in %s belongs to run %q", dir, m.RunID)
	}

	w.manifests[runID] = m
	return m, nil
}

func (w *Writer) saveManifest(m *Manifest) error {
	m.UpdatedAt = w.clock.Now().UTC()
	sort.Slice(m.Pages, func(i, j int) bool { return m.Pages[i].Page < m.Pages[j].Page })

	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	return fs.WriteFileAtomic(filepath.Join(w.RunDir(m.RunID), ManifestFile), append(b, '\n'), 0600)
}

// page returns the entry of page, adding it when missing.
func (m *Manifest) page(page int) *PageEntry {
	for i := range m.Pages {
		if m.Pages[i].Page == page {
			return &m.Pages[i]
		}
	}
	m.Pages = append(m.Pages, PageEntry{Page: page})
	return &m.Pages[len(m.Pages)-1]
}

func failure(op string, err error) error {
	return &errors.Error{
		Code: errors.EBackupFailure,
		Op:   op,
		Err:  err,
	}
}
