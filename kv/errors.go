package kv

import (
	"fmt"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

// NotFound returns the error for a missing key.
func NotFound(op string, bucket, key []byte) error {
	return &errors.Error{
		Code: errors.ENotFound,
		Op:   op,
		Msg:  fmt.Sprintf("key %q not found in bucket %q", key, bucket),
	}
}

// AlreadyExists returns the error for a conditional put on an existing key.
func AlreadyExists(op string, bucket, key []byte) error {
	return &errors.Error{
		Code: errors.EAlreadyExists,
		Op:   op,
		Msg:  fmt.Sprintf("key %q already exists in bucket %q", key, bucket),
	}
}

// Unavailable wraps a backend failure the caller must see.
func Unavailable(op string, err error) error {
	return &errors.Error{
		Code: errors.EUnavailable,
		Op:   op,
		Err:  err,
	}
}

// Throttled wraps a backend failure that is safe to retry.
func Throttled(op string, err error) error {
	return &errors.Error{
		Code: errors.EThrottled,
		Op:   op,
		Err:  err,
	}
}

// IsNotFound returns a boolean indicating whether the error is known to report that a key was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, errors.ENotFound)
}

// IsAlreadyExists returns a boolean indicating whether a conditional put hit an existing key.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, errors.EAlreadyExists)
}
