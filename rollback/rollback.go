// Package rollback undoes a migration run from its backup snapshot.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

// Config configures a Tool.
type Config struct {
	// IncludePending deletes ledger keys whose creation was never confirmed.
	// Such a key may predate the run, so by default it is only reported.
	IncludePending bool
	// Workers bounds the store operations in flight.
	Workers int
}

// RestoreReport is the outcome of a restore.
type RestoreReport struct {
	RunID      string `json:"runID"`
	Restored   int    `json:"restored"`
	Deleted    int    `json:"deleted"`
	Missing    int    `json:"missing"`
	Unresolved int    `json:"unresolved"`
	Failed     int    `json:"failed"`
	// Retryable counts the failures caused by a throttled or unavailable
	// store. Running the restore again may clear them.
	Retryable int `json:"retryable"`
	// MissingKeys were created by the run but no longer exist.
	MissingKeys []string `json:"missingKeys,omitempty"`
	// UnresolvedKeys were left pending by the run and not deleted.
	UnresolvedKeys []string `json:"unresolvedKeys,omitempty"`
	// Failures maps a key to the error that kept it from being restored or
	// deleted.
	Failures  map[string]string `json:"failures,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   time.Time         `json:"endedAt"`
}

// Tool restores snapshots.
type Tool struct {
	store  kv.Store
	config Config
	clock  clock.Clock
	log    *zap.Logger
}

// Option configures a Tool.
type Option func(*Tool)

// WithClock sets the clock used for report timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Tool) {
		t.clock = c
	}
}

// NewTool returns a Tool writing to store.
func NewTool(log *zap.Logger, store kv.Store, config Config, opts ...Option) *Tool {
	if config.Workers < 1 {
		config.Workers = 1
	}
	t := &Tool{
		store:  store,
		config: config,
		clock:  clock.New(),
		log:    log.With(zap.String("service", "rollback")),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type outcome int

const (
	outcomeRestored outcome = iota + 1
	outcomeDeleted
	outcomeMissing
	outcomeUnresolved
	outcomeFailed
)

type result struct {
	key     string
	outcome outcome
	err     error
}

// Restore puts every backed up legacy record back verbatim and deletes
// every role-scoped key the run created. Every failure is listed in the
// report and returned combined.
func (t *Tool) Restore(ctx context.Context, snap *backup.Snapshot) (*RestoreReport, error) {
	report := &RestoreReport{
		RunID:     snap.Manifest.RunID,
		StartedAt: t.clock.Now().UTC(),
	}
	log := t.log.With(zap.String("run_id", report.RunID))

	var (
		mu      sync.Mutex
		results []result
	)
	record := func(r result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.Workers)

	for _, rec := range snap.Records() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			key, err := rec.KeyBytes()
			var value []byte
			if err == nil {
				value, err = rec.Bytes()
			}
			if err == nil {
				err = t.store.Put(gctx, bucketOr(rec.Bucket, usermigrate.LegacyUsersBucket), key, value)
			}
			if err != nil {
				record(result{key: rec.Key, outcome: outcomeFailed, err: err})
				return nil
			}
			record(result{key: rec.Key, outcome: outcomeRestored})
			return nil
		})
	}

	for _, e := range latest(snap.Ledger()) {
		if e.Outcome == backup.OutcomePending && !t.config.IncludePending {
			record(result{key: e.Key, outcome: outcomeUnresolved})
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := t.store.Delete(gctx, bucketOr(e.Bucket, usermigrate.ScopedUsersBucket), []byte(e.Key))
			switch {
			case err == nil:
				record(result{key: e.Key, outcome: outcomeDeleted})
			case kv.IsNotFound(err):
				record(result{key: e.Key, outcome: outcomeMissing})
			default:
				record(result{key: e.Key, outcome: outcomeFailed, err: err})
			}
			return nil
		})
	}

	var errs error
	if err := g.Wait(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("restore interrupted: %w", err))
	}

	sort.Slice(results, func(i, j int) bool { return results[i].key < results[j].key })
	for _, r := range results {
		switch r.outcome {
		case outcomeRestored:
			report.Restored++
		case outcomeDeleted:
			report.Deleted++
		case outcomeMissing:
			report.Missing++
			report.MissingKeys = append(report.MissingKeys, r.key)
		case outcomeUnresolved:
			report.Unresolved++
			report.UnresolvedKeys = append(report.UnresolvedKeys, r.key)
			log.Warn("Key creation was never confirmed, leaving it in place", zap.String("key", r.key))
		case outcomeFailed:
			report.Failed++
			if report.Failures == nil {
				report.Failures = map[string]string{}
			}
			transient := errors.IsTransient(r.err)
			if transient {
				report.Retryable++
			}
			report.Failures[r.key] = describe(r.err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.key, r.err))
			log.Error("Failed to roll back key",
				zap.String("key", r.key),
				zap.String("op", errors.ErrorOp(r.err)),
				zap.Bool("transient", transient),
				zap.Error(r.err))
		}
	}
	report.EndedAt = t.clock.Now().UTC()

	log.Info("Rollback finished",
		zap.Int("restored", report.Restored),
		zap.Int("deleted", report.Deleted),
		zap.Int("missing", report.Missing),
		zap.Int("unresolved", report.Unresolved),
		zap.Int("failed", report.Failed),
		zap.Int("retryable", report.Retryable))
	return report, errs
}

// latest keeps the last ledger entry of every key.
func latest(entries []backup.LedgerEntry) []backup.LedgerEntry {
	index := map[string]int{}
	var out []backup.LedgerEntry
	for _, e := range entries {
		if i, ok := index[e.Key]; ok {
			out[i] = e
			continue
		}
		index[e.Key] = len(out)
		out = append(out, e)
	}
	return out
}

// describe prefixes the error text with the store operation that failed.
func describe(err error) string {
	if op := errors.ErrorOp(err); op != "" {
		return op + ": " + err.Error()
	}
	return err.Error()
}

func bucketOr(name string, fallback []byte) []byte {
	if name == "" {
		return fallback
	}
	return []byte(name)
}
