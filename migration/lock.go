package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

var lockKey = []byte(usermigrate.MigrationName)

// DefaultOwner identifies this process in a lock record.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s/%d", host, os.Getpid())
}

// acquireLock creates the lock record of the migration. An existing lock
// returns an ELockContention error and nothing is written.
func acquireLock(ctx context.Context, store kv.Store, lock *usermigrate.Lock) error {
	const op = "migration.acquireLock"

	b, err := json.Marshal(lock)
	if err != nil {
		return err
	}

	err = store.PutIfAbsent(ctx, usermigrate.LocksBucket, lockKey, b)
	if kv.IsAlreadyExists(err) {
		msg := "another run holds the migration lock"
		if held, rerr := ReadLock(ctx, store); rerr == nil && held != nil {
			msg = fmt.Sprintf("run %s held by %s since %s holds the migration lock",
				held.RunID, held.Owner, held.AcquiredAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return &errors.Error{
			Code: errors.ELockContention,
			Op:   op,
			Msg:  msg,
		}
	}
	if err != nil {
		return &errors.Error{Op: op, Err: err}
	}
	return nil
}

// checkLock confirms the lock record still names lock's run and owner.
func checkLock(ctx context.Context, store kv.Store, lock *usermigrate.Lock) error {
	held, err := ReadLock(ctx, store)
	if err != nil {
		return err
	}
	if held == nil || held.RunID != lock.RunID || held.Owner != lock.Owner {
		return &errors.Error{
			Code: errors.ELockContention,
			Op:   "migration.checkLock",
			Msg:  "migration lock was lost",
		}
	}
	return nil
}

// updateLock rewrites the lock record held by this process.
func updateLock(ctx context.Context, store kv.Store, lock *usermigrate.Lock) error {
	b, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return store.Put(ctx, usermigrate.LocksBucket, lockKey, b)
}

// ReadLock returns the current lock record, or nil when the migration is not
// locked.
func ReadLock(ctx context.Context, store kv.Store) (*usermigrate.Lock, error) {
	b, err := store.Get(ctx, usermigrate.LocksBucket, lockKey)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lock usermigrate.Lock
	if err := json.Unmarshal(b, &lock); err != nil {
		return nil, &errors.Error{
			Code: errors.EInternal,
			Op:   "migration.ReadLock",
			Msg:  "lock record is not valid JSON",
			Err:  err,
		}
	}
	return &lock, nil
}

// Unlock removes the lock record regardless of its holder. It is meant for
// operators clearing the lock of a run that died. An absent lock returns an
// ENotFound error.
func Unlock(ctx context.Context, store kv.Store) error {
	return store.Delete(ctx, usermigrate.LocksBucket, lockKey)
}
