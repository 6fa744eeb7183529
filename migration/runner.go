// Package migration runs the role sort key migration. Every legacy user
// record is copied into one role-scoped record per role it holds, page by
// page, behind a run lock and a durable checkpoint. Legacy records are only
// read.
package migration

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

// Backup stores page snapshots and the ledger of written keys.
type Backup interface {
	Snapshot(ctx context.Context, runID string, page int, pairs []kv.Pair) (*backup.PageSnapshot, error)
	WriteLedger(runID string, page int, entries []backup.LedgerEntry) error
	ReadLedger(runID string, page int) ([]backup.LedgerEntry, error)
	WriteReport(r *usermigrate.Report) error
	RunDir(runID string) string
}

var _ Backup = (*backup.Writer)(nil)

// Config configures a Runner.
type Config struct {
	// Environment names the store namespace in logs and reports.
	Environment string
	// PageSize is the number of legacy records scanned per page.
	PageSize int
	// Workers bounds the records of a page processed concurrently.
	Workers int
	// Tolerance is the number of failed, malformed and unverified records a
	// run may end with and still complete.
	Tolerance int
	// DryRun transforms and reports without taking the lock or writing.
	DryRun bool
	// Resume continues the run recorded in the checkpoint, if any.
	Resume bool
	// Owner identifies this process in the lock record.
	Owner string
}

// DefaultConfig returns the configuration used by the command line.
func DefaultConfig() Config {
	return Config{
		PageSize: 100,
		Workers:  8,
		Resume:   true,
	}
}

// Validate returns an EInvalid error for unusable settings.
func (c Config) Validate() error {
	var msg string
	switch {
	case c.PageSize < 1:
		msg = "page size must be positive"
	case c.Workers < 1:
		msg = "workers must be positive"
	case c.Tolerance < 0:
		msg = "tolerance must not be negative"
	default:
		return nil
	}
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "migration.Config",
		Msg:  msg,
	}
}

// Runner drives the migration state machine.
type Runner struct {
	store   kv.Store
	backup  Backup
	config  Config
	clock   clock.Clock
	metrics *Metrics
	newID   func() string
	log     *zap.Logger

	state atomic.Int32
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithMetrics records run metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRunIDs sets the generator of run IDs.
func WithRunIDs(fn func() string) Option {
	return func(r *Runner) {
		r.newID = fn
	}
}

// NewRunner returns a Runner migrating store. store is expected to retry
// throttled operations itself, see kv.RetryStore.
func NewRunner(log *zap.Logger, store kv.Store, b Backup, config Config, opts ...Option) *Runner {
	if config.Owner == "" {
		config.Owner = DefaultOwner()
	}
	r := &Runner{
		store:  store,
		backup: b,
		config: config,
		clock:  clock.New(),
		newID:  func() string { return uuid.New().String() },
		log:    log.With(zap.String("service", "migration")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state of the runner.
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.log.Debug("Runner state changed", zap.Stringer("state", s))
}

// Run migrates every legacy record after the checkpoint. The returned report
// carries the terminal status: completed, failed or cancelled. The error is
// set when the run failed on a fatal condition, such as lock contention, a
// backup failure or an unavailable store.
//
// Cancelling ctx stops the run at the next page boundary. A page that has
// started is always written and verified to the end.
func (r *Runner) Run(ctx context.Context) (*usermigrate.Report, error) {
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	report := &usermigrate.Report{
		Migration:   usermigrate.MigrationName,
		Environment: r.config.Environment,
		DryRun:      r.config.DryRun,
		Status:      usermigrate.RunRunning,
		StartedAt:   r.clock.Now().UTC(),
	}
	r.setState(StateInit)

	var err error
	if r.config.DryRun {
		_, err = r.dryRun(ctx, report)
	} else {
		_, err = r.run(ctx, report)
	}
	return report, err
}

func (r *Runner) run(ctx context.Context, report *usermigrate.Report) (State, error) {
	if ctx.Err() != nil {
		return r.finish(report, StateCancelled, nil)
	}
	// In-flight store calls are bounded by per-operation timeouts and must
	// not be cut short by cancellation.
	bg := context.WithoutCancel(ctx)

	lock := &usermigrate.Lock{
		Migration:  usermigrate.MigrationName,
		RunID:      r.newID(),
		Owner:      r.config.Owner,
		AcquiredAt: r.clock.Now().UTC(),
	}
	if err := acquireLock(bg, r.store, lock); err != nil {
		return r.finish(report, StateFailed, err)
	}
	r.log.Info("Migration lock acquired", zap.String("owner", lock.Owner))

	state, err := r.migrate(ctx, bg, lock, report)
	if rerr := r.releaseLock(bg, lock); rerr != nil {
		r.log.Error("Failed to release migration lock", zap.Error(rerr))
	}
	state, err = r.finish(report, state, err)

	if report.RunID != "" {
		if werr := r.backup.WriteReport(report); werr != nil {
			r.log.Error("Failed to write run report", zap.Error(werr))
		}
	}
	return state, err
}

// migrate runs the page loop with the lock held.
func (r *Runner) migrate(ctx, bg context.Context, lock *usermigrate.Lock, report *usermigrate.Report) (State, error) {
	cp, err := r.initCheckpoint(bg, lock)
	if err != nil {
		return StateFailed, err
	}
	report.RunID = cp.RunID
	report.BackupDir = r.backup.RunDir(cp.RunID)
	report.Counts = cp.Counts
	report.Pages = cp.Page
	log := r.log.With(zap.String("run_id", cp.RunID))

	// stop records the terminal status in the checkpoint.
	stop := func(state State, status usermigrate.RunStatus, err error) (State, error) {
		cp.Status = status
		cp.UpdatedAt = r.clock.Now().UTC()
		if serr := saveCheckpoint(bg, r.store, cp); serr != nil {
			err = multierr.Append(err, serr)
			if state == StateCancelled {
				state = StateFailed
			}
		}
		return state, err
	}

	for {
		if ctx.Err() != nil {
			log.Info("Run cancelled at page boundary", zap.Int("page", cp.Page))
			return stop(StateCancelled, usermigrate.RunCancelled, nil)
		}
		if err := checkLock(bg, r.store, lock); err != nil {
			// The checkpoint belongs to whoever holds the lock now.
			return StateFailed, err
		}

		r.setState(StateScanning)
		pairs, next, err := r.store.ScanPage(bg, usermigrate.LegacyUsersBucket, cp.Cursor, r.config.PageSize)
		if err != nil {
			return stop(StateFailed, usermigrate.RunFailed, err)
		}
		if len(pairs) == 0 {
			break
		}

		page := cp.Page + 1
		start := r.clock.Now()
		counts, err := r.processPage(bg, log, cp.RunID, page, pairs, report)
		if err != nil {
			return stop(StateFailed, usermigrate.RunFailed, err)
		}

		cp.Cursor = pairs[len(pairs)-1].Key
		cp.Page = page
		cp.Counts.Add(counts)
		cp.UpdatedAt = r.clock.Now().UTC()
		if err := saveCheckpoint(bg, r.store, cp); err != nil {
			return StateFailed, err
		}
		report.Counts = cp.Counts
		report.Pages = cp.Page

		r.metrics.observePage(page, r.clock.Now().Sub(start).Seconds(), counts)
		log.Info("Page completed", append([]zap.Field{zap.Int("page", page)}, countFields(counts)...)...)

		if next == nil {
			break
		}
	}

	cp.Exhausted = true
	if failures := cp.Counts.Failures(); failures > r.config.Tolerance {
		report.Fatal = fmt.Sprintf("%d failures exceed tolerance of %d", failures, r.config.Tolerance)
		return stop(StateFailed, usermigrate.RunFailed, nil)
	}
	if err := deleteCheckpoint(bg, r.store); err != nil {
		log.Warn("Failed to delete checkpoint of completed run", zap.Error(err))
	}
	return StateCompleted, nil
}

// initCheckpoint loads the checkpoint to resume from, or starts a new run.
func (r *Runner) initCheckpoint(ctx context.Context, lock *usermigrate.Lock) (*usermigrate.Checkpoint, error) {
	now := r.clock.Now().UTC()

	cp, err := ReadCheckpoint(ctx, r.store)
	if err != nil {
		return nil, err
	}

	switch {
	case cp != nil && r.config.Resume:
		if err := validateCheckpoint(cp); err != nil {
			return nil, err
		}
		r.log.Info("Resuming run from checkpoint",
			zap.String("run_id", cp.RunID),
			zap.Int("page", cp.Page),
			zap.String("previous_status", string(cp.Status)))
		lock.RunID = cp.RunID
		if err := updateLock(ctx, r.store, lock); err != nil {
			return nil, err
		}
		if cp.Status == usermigrate.RunFailed && cp.Exhausted {
			// Nothing is left past the cursor. Records fixed since the failed
			// run are only picked up by scanning again from the start.
			r.log.Info("Rescanning failed run from the start", zap.String("run_id", cp.RunID))
			cp.Cursor = nil
			cp.Page = 0
			cp.Exhausted = false
			cp.Counts = usermigrate.Counts{}
		}
	default:
		if cp != nil {
			r.log.Info("Starting over, discarding checkpoint", zap.String("previous_run_id", cp.RunID))
		}
		cp = &usermigrate.Checkpoint{
			Migration: usermigrate.MigrationName,
			RunID:     lock.RunID,
			StartedAt: now,
		}
	}

	cp.Status = usermigrate.RunRunning
	cp.UpdatedAt = now
	if err := saveCheckpoint(ctx, r.store, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func validateCheckpoint(cp *usermigrate.Checkpoint) error {
	var msg string
	switch {
	case cp.Migration != usermigrate.MigrationName:
		msg = fmt.Sprintf("checkpoint belongs to migration %q", cp.Migration)
	case cp.RunID == "":
		msg = "checkpoint has no run ID"
	case cp.Page < 0:
		msg = "checkpoint page is negative"
	case cp.Page > 0 && len(cp.Cursor) == 0:
		msg = "checkpoint has pages but no cursor"
	default:
		return nil
	}
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "migration.validateCheckpoint",
		Msg:  msg,
	}
}

// releaseLock removes the lock record when this process still holds it.
func (r *Runner) releaseLock(ctx context.Context, lock *usermigrate.Lock) error {
	held, err := ReadLock(ctx, r.store)
	if err != nil {
		return err
	}
	if held == nil || held.RunID != lock.RunID || held.Owner != lock.Owner {
		r.log.Warn("Migration lock no longer held by this run")
		return nil
	}
	err = Unlock(ctx, r.store)
	if kv.IsNotFound(err) {
		return nil
	}
	return err
}

// finish records the terminal state in the report.
func (r *Runner) finish(report *usermigrate.Report, state State, err error) (State, error) {
	switch state {
	case StateCompleted:
		report.Status = usermigrate.RunCompleted
	case StateCancelled:
		report.Status = usermigrate.RunCancelled
	default:
		state = StateFailed
		report.Status = usermigrate.RunFailed
	}
	if err != nil {
		report.Fatal = err.Error()
	}
	report.EndedAt = r.clock.Now().UTC()
	report.Sort()
	r.setState(state)

	fields := append([]zap.Field{
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.Bool("dry_run", report.DryRun),
		zap.Int("pages", report.Pages),
	}, countFields(report.Counts)...)
	if err != nil {
		r.log.Error("Migration failed", append(fields, zap.Error(err))...)
	} else {
		r.log.Info("Migration finished", fields...)
	}
	return state, err
}

func countFields(c usermigrate.Counts) []zap.Field {
	return []zap.Field{
		zap.Int("scanned", c.Scanned),
		zap.Int("migrated", c.Migrated),
		zap.Int("skipped", c.Skipped),
		zap.Int("failed", c.Failed),
		zap.Int("malformed", c.Malformed),
		zap.Int("verification_failed", c.VerificationFailed),
	}
}
