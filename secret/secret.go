// Package secret resolves the store credentials of an environment from an
// external secret provider. Only the store entries are read.
package secret

import (
	"context"
	"fmt"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

// Store backends.
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendInmem    = "inmem"
)

// StoreCredentials locate the user store of an environment.
type StoreCredentials struct {
	// Backend is one of bolt, postgres or inmem.
	Backend string
	// Path is the boltdb file of the bolt backend.
	Path string
	// DSN is the connection string of the postgres backend.
	DSN string
}

// Validate returns an EInvalid error when the credentials cannot open a store.
func (c StoreCredentials) Validate() error {
	var msg string
	switch c.Backend {
	case BackendBolt:
		if c.Path == "" {
			msg = "bolt backend requires a path"
		}
	case BackendPostgres:
		if c.DSN == "" {
			msg = "postgres backend requires a dsn"
		}
	case BackendInmem:
	case "":
		msg = "store backend is not set"
	default:
		msg = fmt.Sprintf("unknown store backend %q", c.Backend)
	}
	if msg == "" {
		return nil
	}
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   "secret.Validate",
		Msg:  msg,
	}
}

//go:generate go run github.com/golang/mock/mockgen -package mock -destination ../mock/secret_provider.go github.com/honesteats/usermigrate/secret Provider

// Provider returns the store credentials of an environment.
type Provider interface {
	StoreCredentials(ctx context.Context, environment string) (StoreCredentials, error)
}
