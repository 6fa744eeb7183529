package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

// Snapshot is a run directory loaded for restore.
type Snapshot struct {
	Dir      string
	Manifest Manifest
	Pages    []Page
}

// Page is one page of a snapshot.
type Page struct {
	Index   int
	Records []Record
	Ledger  []LedgerEntry
}

// Open loads the snapshot in dir. Pages are returned in page order.
func Open(dir string) (*Snapshot, error) {
	const op = "backup.Open"

	m, err := readManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   op,
			Msg:  fmt.Sprintf("%s is not a backup run directory", dir),
			Err:  err,
		}
	}
	if m.Version > FormatVersion {
		return nil, &errors.Error{
			Code: errors.EInvalid,
			Op:   op,
			Msg:  fmt.Sprintf("unsupported backup format version %d", m.Version),
		}
	}

	s := &Snapshot{Dir: dir, Manifest: *m}
	for _, entry := range m.Pages {
		p := Page{Index: entry.Page}

		if entry.File != "" {
			p.Records, err = readRecords(filepath.Join(dir, entry.File))
			if err != nil {
				return nil, &errors.Error{Code: errors.EInvalid, Op: op, Err: err}
			}
			if len(p.Records) != entry.Records {
				return nil, &errors.Error{
					Code: errors.EInvalid,
					Op:   op,
					Msg:  fmt.Sprintf("%s holds %d records, manifest lists %d", entry.File, len(p.Records), entry.Records),
				}
			}
			for _, r := range p.Records {
				if r.RunID != m.RunID {
					return nil, &errors.Error{
						Code: errors.EInvalid,
						Op:   op,
						Msg:  fmt.Sprintf("%s holds a record of run %q", entry.File, r.RunID),
					}
				}
			}
		}

		if entry.Ledger != "" {
			p.Ledger, err = readLedger(filepath.Join(dir, entry.Ledger))
			if err != nil {
				return nil, &errors.Error{Code: errors.EInvalid, Op: op, Err: err}
			}
		}

		s.Pages = append(s.Pages, p)
	}
	return s, nil
}

// Records returns every backed up record in page order.
func (s *Snapshot) Records() []Record {
	var out []Record
	for _, p := range s.Pages {
		out = append(out, p.Records...)
	}
	return out
}

// Ledger returns every ledger entry in page order.
func (s *Snapshot) Ledger() []LedgerEntry {
	var out []LedgerEntry
	for _, p := range s.Pages {
		out = append(out, p.Ledger...)
	}
	return out
}

func readManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return &m, nil
}

func readRecords(path string) ([]Record, error) {
	return readLines[Record](path)
}

func readLedger(path string) ([]LedgerEntry, error) {
	return readLines[LedgerEntry](path)
}

// readLines decodes a file of newline separated JSON objects.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	dec := json.NewDecoder(f)
	for {
		var v T
		err := dec.Decode(&v)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, v)
	}
}
