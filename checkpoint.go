package usermigrate

import (
	"time"
)

// RunStatus is the terminal or current status of a migration run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Counts tallies per-record outcomes of a run.
type Counts struct {
	// Scanned is the number of legacy records read.
	Scanned int `json:"scanned"`
	// Migrated is the number of role-scoped records created.
	Migrated int `json:"migrated"`
	// Skipped is the number of role-scoped records that already existed.
	Skipped            int `json:"skipped"`
	Failed             int `json:"failed"`
	Malformed          int `json:"malformed"`
	VerificationFailed int `json:"verificationFailed"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.Scanned += o.Scanned
	c.Migrated += o.Migrated
	c.Skipped += o.Skipped
	c.Failed += o.Failed
	c.Malformed += o.Malformed
	c.VerificationFailed += o.VerificationFailed
}

// Failures is the number of outcomes counted against the failure tolerance.
func (c Counts) Failures() int {
	return c.Failed + c.Malformed + c.VerificationFailed
}

// Checkpoint is the persisted progress of a migration run. Cursor is the
// scan cursor after the last fully written and verified page. Exhausted is
// set once the scan has reached the end of the legacy bucket.
type Checkpoint struct {
	Migration string    `json:"migration"`
	RunID     string    `json:"runID"`
	Status    RunStatus `json:"status"`
	Cursor    []byte    `json:"cursor,omitempty"`
	Page      int       `json:"page"`
	Exhausted bool      `json:"exhausted,omitempty"`
	Counts    Counts    `json:"counts"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Lock is the record that keeps a second run off the same namespace.
type Lock struct {
	Migration  string    `json:"migration"`
	RunID      string    `json:"runID"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquiredAt"`
}
