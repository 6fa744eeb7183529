// Package backup writes and reads the snapshots a migration run takes of
// legacy user records before it writes role-scoped records for them.
//
// A snapshot is a directory named after the run ID:
//
//	<backup-dir>/<run-id>/
//	    manifest.json
//	    page-000001.jsonl
//	    page-000001.created.jsonl
//	    page-000002.jsonl
//	    ...
//	    report.json
//
// manifest.json lists the pages of the run in order:
//
//	{"version":1,"run_id":"...","migration":"add-role-sort-key",
//	 "environment":"prod","created_at":"...","updated_at":"...",
//	 "pages":[{"page":1,"file":"page-000001.jsonl",
//	           "ledger":"page-000001.created.jsonl",
//	           "records":100,"captured_at":"..."}]}
//
// A page file holds one JSON object per line, one line per legacy record:
//
//	{"run_id":"...","page":1,"captured_at":"2026-10-15T09:00:00Z",
//	 "bucket":"usersv1","key":"+919876543210",
//	 "value":"{\"phone\":\"+919876543210\",\"role\":\"CUSTOMER\"}"}
//
// value is the stored record as a string, byte for byte. Values that are not
// valid UTF-8 are base64 encoded and carry "encoding":"base64". Keys follow
// the same rule with "key_encoding":"base64". Restoring a record is a put of
// the decoded value under the decoded key in bucket.
//
// A ledger file lists the role-scoped keys the run wrote for the page, one
// JSON object per line:
//
//	{"run_id":"...","page":1,"recorded_at":"...","bucket":"usersv2",
//	 "key":"+919876543210#CUSTOMER","outcome":"created"}
//
// outcome is "created" for keys the run created and "pending" for keys whose
// write was started but not confirmed. Rolling a run back deletes the created
// keys; pending keys need an operator decision.
//
// Every file is written to a ".pending" file, fsynced and renamed, so a page
// written twice for the same run replaces the earlier file.
package backup

import (
	"encoding/base64"
	"fmt"
	"time"
	"unicode/utf8"
)

// FormatVersion is the version of the snapshot layout written to manifests.
const FormatVersion = 1

// File names inside a run directory.
const (
	ManifestFile = "manifest.json"
	ReportFile   = "report.json"
)

// PageFile returns the name of the page file of page.
func PageFile(page int) string {
	return fmt.Sprintf("page-%06d.jsonl", page)
}

// LedgerFile returns the name of the ledger file of page.
func LedgerFile(page int) string {
	return fmt.Sprintf("page-%06d.created.jsonl", page)
}

// Manifest describes the pages of a run directory.
type Manifest struct {
	Version     int         `json:"version"`
	RunID       string      `json:"run_id"`
	Migration   string      `json:"migration"`
	Environment string      `json:"environment,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Pages       []PageEntry `json:"pages"`
}

// PageEntry is the manifest entry of one page.
type PageEntry struct {
	Page       int       `json:"page"`
	File       string    `json:"file"`
	Ledger     string    `json:"ledger,omitempty"`
	Records    int       `json:"records"`
	CapturedAt time.Time `json:"captured_at"`
}

// Encoding of a record key or value in a page file.
const (
	EncodingText   = ""
	EncodingBase64 = "base64"
)

// Record is one backed up legacy record.
type Record struct {
	RunID      string    `json:"run_id"`
	Page       int       `json:"page"`
	CapturedAt time.Time `json:"captured_at"`
	Bucket     string    `json:"bucket"`
	Key         string    `json:"key"`
	KeyEncoding string    `json:"key_encoding,omitempty"`
	Value       string    `json:"value"`
	Encoding    string    `json:"encoding,omitempty"`
}

func newRecord(runID string, page int, at time.Time, bucket, key, value []byte) Record {
	r := Record{
		RunID:      runID,
		Page:       page,
		CapturedAt: at,
		Bucket:     string(bucket),
	}
	r.Key, r.KeyEncoding = encode(key)
	r.Value, r.Encoding = encode(value)
	return r
}

// KeyBytes returns the stored key of the record.
func (r Record) KeyBytes() ([]byte, error) {
	b, err := decode(r.Key, r.KeyEncoding)
	if err != nil {
		return nil, fmt.Errorf("record key %q: %w", r.Key, err)
	}
	return b, nil
}

// Bytes returns the stored value of the record.
func (r Record) Bytes() ([]byte, error) {
	b, err := decode(r.Value, r.Encoding)
	if err != nil {
		return nil, fmt.Errorf("record %q value: %w", r.Key, err)
	}
	return b, nil
}

func encode(b []byte) (string, string) {
	if utf8.Valid(b) {
		return string(b), EncodingText
	}
	return base64.StdEncoding.EncodeToString(b), EncodingBase64
}

func decode(s, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingText:
		return []byte(s), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(s)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Outcome is the state of a ledger key.
type Outcome string

const (
	// OutcomePending marks a key whose write was started but not confirmed.
	OutcomePending Outcome = "pending"
	// OutcomeCreated marks a key the run created.
	OutcomeCreated Outcome = "created"
)

// LedgerEntry is one role-scoped key written by a run.
type LedgerEntry struct {
	RunID      string    `json:"run_id"`
	Page       int       `json:"page"`
	RecordedAt time.Time `json:"recorded_at"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Outcome    Outcome   `json:"outcome"`
}
