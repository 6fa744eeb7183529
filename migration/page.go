package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/backup"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/transform"
)

// plan is the transformation of one legacy record.
type plan struct {
	phone  string
	users  []usermigrate.ScopedUser
	values [][]byte
	err    error
}

func planRecord(p kv.Pair) plan {
	pl := plan{phone: string(p.Key)}

	u, err := usermigrate.DecodeLegacyUser(p.Key, p.Value)
	if err != nil {
		pl.err = err
		return pl
	}
	users, err := transform.Expand(u)
	if err != nil {
		pl.err = err
		return pl
	}
	for _, su := range users {
		v, err := su.Encode()
		if err != nil {
			return plan{
				phone: pl.phone,
				err:   &errors.Error{Code: errors.EMalformedRecord, Op: "migration.planRecord", Err: err},
			}
		}
		pl.values = append(pl.values, v)
	}
	pl.users = users
	return pl
}

type writeStatus int

const (
	statusCreated writeStatus = iota + 1
	statusSkipped
	statusFailed
)

// keyResult is the outcome of one role-scoped key.
type keyResult struct {
	key       usermigrate.Key
	value     []byte
	status    writeStatus
	err       error
	verifyErr error
}

// processPage backs up, writes and verifies one page. Record level problems
// are counted and listed in the report; the error is set only when the page
// could not be backed up.
func (r *Runner) processPage(ctx context.Context, log *zap.Logger, runID string, page int, pairs []kv.Pair, report *usermigrate.Report) (usermigrate.Counts, error) {
	counts := usermigrate.Counts{Scanned: len(pairs)}
	log = log.With(zap.Int("page", page))

	r.setState(StateBackingUp)
	if _, err := r.backup.Snapshot(ctx, runID, page, pairs); err != nil {
		return counts, backupFailure(err)
	}

	plans := make([]plan, len(pairs))
	for i, p := range pairs {
		plans[i] = planRecord(p)
	}

	previous, err := r.backup.ReadLedger(runID, page)
	if err != nil {
		return counts, backupFailure(err)
	}
	prior := make(map[string]backup.Outcome, len(previous))
	for _, e := range previous {
		prior[e.Key] = e.Outcome
	}

	// Every key about to be written is on the ledger before the first write.
	pending := carried(previous, plans)
	for _, pl := range plans {
		for _, u := range pl.users {
			outcome := backup.OutcomePending
			if prior[u.Key.String()] == backup.OutcomeCreated {
				outcome = backup.OutcomeCreated
			}
			pending = append(pending, backup.LedgerEntry{Key: u.Key.String(), Outcome: outcome})
		}
	}
	if err := r.backup.WriteLedger(runID, page, pending); err != nil {
		return counts, backupFailure(err)
	}

	r.setState(StateWriting)
	results := make([][]keyResult, len(plans))
	g := &errgroup.Group{}
	g.SetLimit(r.config.Workers)
	for i := range plans {
		if plans[i].err != nil {
			continue
		}
		g.Go(func() error {
			results[i] = r.writeRecord(ctx, log, plans[i], prior)
			return nil
		})
	}
	_ = g.Wait()

	final := carried(previous, plans)
	for _, rs := range results {
		for _, kr := range rs {
			switch kr.status {
			case statusCreated:
				final = append(final, backup.LedgerEntry{Key: kr.key.String(), Outcome: backup.OutcomeCreated})
			case statusFailed:
				// The write may have landed before the error surfaced.
				final = append(final, backup.LedgerEntry{Key: kr.key.String(), Outcome: backup.OutcomePending})
			}
		}
	}
	if err := r.backup.WriteLedger(runID, page, final); err != nil {
		return counts, backupFailure(err)
	}

	r.setState(StateVerifying)
	g = &errgroup.Group{}
	g.SetLimit(r.config.Workers)
	for i := range results {
		for j := range results[i] {
			if results[i][j].status == statusFailed {
				continue
			}
			g.Go(func() error {
				results[i][j].verifyErr = r.verifyKey(ctx, results[i][j])
				return nil
			})
		}
	}
	_ = g.Wait()

	for i, pl := range plans {
		if pl.err != nil {
			counts.Malformed++
			report.RecordError(errors.ErrorCode(pl.err), pl.phone)
			log.Warn("Skipping malformed legacy record", zap.String("phone", pl.phone), zap.Error(pl.err))
			continue
		}
		for _, kr := range results[i] {
			switch kr.status {
			case statusCreated:
				counts.Migrated++
			case statusSkipped:
				counts.Skipped++
			case statusFailed:
				counts.Failed++
				report.RecordError(errors.ErrorCode(kr.err), kr.key.String())
				log.Warn("Failed to write role-scoped record", zap.Stringer("key", kr.key), zap.Error(kr.err))
			}
			if kr.verifyErr != nil {
				counts.VerificationFailed++
				report.RecordError(errors.EVerificationFailed, kr.key.String())
				log.Warn("Role-scoped record failed verification", zap.Stringer("key", kr.key), zap.Error(kr.verifyErr))
			}
		}
	}
	return counts, nil
}

// carried returns the earlier ledger entries of keys the current plans no
// longer produce, so they stay attributed to the run.
func carried(previous []backup.LedgerEntry, plans []plan) []backup.LedgerEntry {
	planned := map[string]bool{}
	for _, pl := range plans {
		for _, u := range pl.users {
			planned[u.Key.String()] = true
		}
	}
	var out []backup.LedgerEntry
	for _, e := range previous {
		if !planned[e.Key] {
			out = append(out, backup.LedgerEntry{Key: e.Key, Outcome: e.Outcome})
		}
	}
	return out
}

// writeRecord creates the role-scoped keys of one legacy record.
func (r *Runner) writeRecord(ctx context.Context, log *zap.Logger, pl plan, prior map[string]backup.Outcome) []keyResult {
	out := make([]keyResult, len(pl.users))
	for i, u := range pl.users {
		kr := keyResult{key: u.Key, value: pl.values[i]}

		err := r.store.PutIfAbsent(ctx, usermigrate.ScopedUsersBucket, u.Key.Bytes(), kr.value)
		switch {
		case err == nil:
			kr.status = statusCreated
		case kv.IsAlreadyExists(err):
			kr.status = statusSkipped
			switch prior[u.Key.String()] {
			case backup.OutcomeCreated:
				kr.status = statusCreated
			case backup.OutcomePending:
				// An earlier attempt of this run may have written the key
				// and died before recording it.
				if got, gerr := r.store.Get(ctx, usermigrate.ScopedUsersBucket, u.Key.Bytes()); gerr == nil && jsonDiff(kr.value, got) == "" {
					log.Debug("Attributing key written by an earlier attempt", zap.Stringer("key", u.Key))
					kr.status = statusCreated
				}
			}
		default:
			kr.status = statusFailed
			kr.err = err
		}
		out[i] = kr
	}
	return out
}

// verifyKey reads back a key. A key this run created must equal the
// transformed value. A key that already existed may have been updated since,
// so only its identity is checked.
func (r *Runner) verifyKey(ctx context.Context, kr keyResult) error {
	const op = "migration.verifyKey"

	got, err := r.store.Get(ctx, usermigrate.ScopedUsersBucket, kr.key.Bytes())
	if err != nil {
		return &errors.Error{
			Code: errors.EVerificationFailed,
			Op:   op,
			Msg:  fmt.Sprintf("unable to read back %s", kr.key),
			Err:  err,
		}
	}

	if kr.status == statusCreated {
		if diff := jsonDiff(kr.value, got); diff != "" {
			return &errors.Error{
				Code: errors.EVerificationFailed,
				Op:   op,
				Msg:  fmt.Sprintf("%s differs from its transformed value -want/+got\n%s", kr.key, diff),
			}
		}
		return nil
	}

	if err := checkIdentity(kr.key, got); err != nil {
		return &errors.Error{
			Code: errors.EVerificationFailed,
			Op:   op,
			Msg:  fmt.Sprintf("existing record %s", kr.key),
			Err:  err,
		}
	}
	return nil
}

// jsonDiff compares two JSON documents by value. It returns an empty string
// when they are equivalent.
func jsonDiff(want, got []byte) string {
	if bytes.Equal(want, got) {
		return ""
	}
	var w, g any
	if err := json.Unmarshal(want, &w); err != nil {
		return fmt.Sprintf("want is not JSON: %v", err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		return fmt.Sprintf("got is not JSON: %v", err)
	}
	return cmp.Diff(w, g)
}

// checkIdentity confirms a stored role-scoped record carries the phone, role
// and schema version of its key.
func checkIdentity(key usermigrate.Key, value []byte) error {
	var identity struct {
		Phone         string           `json:"phone"`
		Role          usermigrate.Role `json:"role"`
		SchemaVersion int              `json:"schemaVersion"`
	}
	if err := json.Unmarshal(value, &identity); err != nil {
		return fmt.Errorf("identity attributes: %w", err)
	}

	switch {
	case identity.Phone != key.Phone:
		return fmt.Errorf("phone is %q", identity.Phone)
	case identity.Role != key.Role:
		return fmt.Errorf("role is %q", identity.Role)
	case identity.SchemaVersion != usermigrate.ScopedSchemaVersion:
		return fmt.Errorf("schemaVersion is %d", identity.SchemaVersion)
	}
	return nil
}

func backupFailure(err error) error {
	if errors.ErrorCode(err) == errors.EBackupFailure {
		return err
	}
	return &errors.Error{
		Code: errors.EBackupFailure,
		Op:   "migration.backup",
		Err:  err,
	}
}
