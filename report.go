package usermigrate

import (
	"sort"
	"time"
)

// Report is the structured outcome of a migration run.
type Report struct {
	Migration   string    `json:"migration"`
	Environment string    `json:"environment"`
	RunID       string    `json:"runID"`
	Status      RunStatus `json:"status"`
	DryRun      bool      `json:"dryRun,omitempty"`
	Pages       int       `json:"pages"`
	Counts      Counts    `json:"counts"`
	// Errors maps an error code to the keys that hit it.
	Errors    map[string][]string `json:"errors,omitempty"`
	Fatal     string              `json:"fatal,omitempty"`
	BackupDir string              `json:"backupDir,omitempty"`
	StartedAt time.Time           `json:"startedAt"`
	EndedAt   time.Time           `json:"endedAt"`
}

// RecordError lists key under code.
func (r *Report) RecordError(code, key string) {
	if r.Errors == nil {
		r.Errors = map[string][]string{}
	}
	r.Errors[code] = append(r.Errors[code], key)
}

// Sort orders the offending keys of every code.
func (r *Report) Sort() {
	for _, keys := range r.Errors {
		sort.Strings(keys)
	}
}
