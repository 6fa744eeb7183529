package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

// dryRun scans and transforms every legacy record without taking the lock,
// touching the checkpoint, backing up or writing. Migrated counts the keys a
// real run would create and Skipped the keys that already exist.
func (r *Runner) dryRun(ctx context.Context, report *usermigrate.Report) (State, error) {
	report.RunID = r.newID()
	log := r.log.With(zap.String("run_id", report.RunID), zap.Bool("dry_run", true))
	bg := context.WithoutCancel(ctx)

	var cursor []byte
	for {
		if ctx.Err() != nil {
			log.Info("Dry run cancelled at page boundary", zap.Int("page", report.Pages))
			return r.finish(report, StateCancelled, nil)
		}

		r.setState(StateScanning)
		pairs, next, err := r.store.ScanPage(bg, usermigrate.LegacyUsersBucket, cursor, r.config.PageSize)
		if err != nil {
			return r.finish(report, StateFailed, err)
		}
		if len(pairs) == 0 {
			break
		}

		page := report.Pages + 1
		start := r.clock.Now()
		counts := r.planPage(bg, log.With(zap.Int("page", page)), pairs, report)
		report.Counts.Add(counts)
		report.Pages = page
		r.metrics.observePage(page, r.clock.Now().Sub(start).Seconds(), counts)

		cursor = pairs[len(pairs)-1].Key
		if next == nil {
			break
		}
	}

	if failures := report.Counts.Failures(); failures > r.config.Tolerance {
		report.Fatal = fmt.Sprintf("%d failures exceed tolerance of %d", failures, r.config.Tolerance)
		return r.finish(report, StateFailed, nil)
	}
	return r.finish(report, StateCompleted, nil)
}

// planPage transforms a page and looks up which keys already exist.
func (r *Runner) planPage(ctx context.Context, log *zap.Logger, pairs []kv.Pair, report *usermigrate.Report) usermigrate.Counts {
	counts := usermigrate.Counts{Scanned: len(pairs)}

	plans := make([]plan, len(pairs))
	for i, p := range pairs {
		plans[i] = planRecord(p)
	}

	results := make([][]keyResult, len(plans))
	g := &errgroup.Group{}
	g.SetLimit(r.config.Workers)
	for i := range plans {
		if plans[i].err != nil {
			continue
		}
		g.Go(func() error {
			rs := make([]keyResult, len(plans[i].users))
			for j, u := range plans[i].users {
				rs[j] = keyResult{key: u.Key, value: plans[i].values[j], status: statusCreated}
				_, err := r.store.Get(ctx, usermigrate.ScopedUsersBucket, u.Key.Bytes())
				switch {
				case err == nil:
					rs[j].status = statusSkipped
				case !kv.IsNotFound(err):
					rs[j].status = statusFailed
					rs[j].err = err
				}
			}
			results[i] = rs
			return nil
		})
	}
	_ = g.Wait()

	for i, pl := range plans {
		if pl.err != nil {
			counts.Malformed++
			report.RecordError(errors.ErrorCode(pl.err), pl.phone)
			log.Warn("Legacy record is malformed", zap.String("phone", pl.phone), zap.Error(pl.err))
			continue
		}
		for _, kr := range results[i] {
			switch kr.status {
			case statusCreated:
				counts.Migrated++
				log.Info("Would create role-scoped record",
					zap.Stringer("key", kr.key),
					zap.ByteString("value", kr.value))
			case statusSkipped:
				counts.Skipped++
				log.Info("Role-scoped record already exists", zap.Stringer("key", kr.key))
			case statusFailed:
				counts.Failed++
				report.RecordError(errors.ErrorCode(kr.err), kr.key.String())
				log.Warn("Failed to look up role-scoped record", zap.Stringer("key", kr.key), zap.Error(kr.err))
			}
		}
	}
	return counts
}
