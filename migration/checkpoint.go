package migration

import (
	"context"
	"encoding/json"

	"github.com/honesteats/usermigrate"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
)

var checkpointKey = []byte(usermigrate.MigrationName)

// ReadCheckpoint returns the stored checkpoint, or nil when there is none.
func ReadCheckpoint(ctx context.Context, store kv.Store) (*usermigrate.Checkpoint, error) {
	b, err := store.Get(ctx, usermigrate.CheckpointsBucket, checkpointKey)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cp usermigrate.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, &errors.Error{
			Code: errors.EInternal,
			Op:   "migration.ReadCheckpoint",
			Msg:  "checkpoint record is not valid JSON",
			Err:  err,
		}
	}
	return &cp, nil
}

func saveCheckpoint(ctx context.Context, store kv.Store, cp *usermigrate.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return store.Put(ctx, usermigrate.CheckpointsBucket, checkpointKey, b)
}

func deleteCheckpoint(ctx context.Context, store kv.Store) error {
	err := store.Delete(ctx, usermigrate.CheckpointsBucket, checkpointKey)
	if kv.IsNotFound(err) {
		return nil
	}
	return err
}
