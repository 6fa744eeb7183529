package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/honesteats/usermigrate/bolt"
	"github.com/honesteats/usermigrate/inmem"
	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kv"
	"github.com/honesteats/usermigrate/postgres"
	"github.com/honesteats/usermigrate/secret"
)

// openStore resolves the credentials of environment and opens its user
// store. Every operation on the returned store is bounded and retried.
func (a *app) openStore(ctx context.Context, environment string) (kv.Store, func(), error) {
	provider, err := a.newProvider(a.global)
	if err != nil {
		return nil, nil, err
	}
	creds, err := provider.StoreCredentials(ctx, environment)
	if err != nil {
		return nil, nil, fmt.Errorf("reading store credentials of %s: %w", environment, err)
	}

	log := a.log.With(zap.String("environment", environment), zap.String("backend", creds.Backend))

	var (
		store      kv.Store
		closeStore func() error
	)
	switch creds.Backend {
	case secret.BackendBolt:
		s := bolt.NewKVStore(log, creds.Path)
		if err := s.Open(ctx); err != nil {
			return nil, nil, err
		}
		a.registry.MustRegister(s)
		store, closeStore = s, s.Close
	case secret.BackendPostgres:
		s := postgres.NewKVStore(log, creds.DSN)
		if err := s.Migrate(); err != nil {
			return nil, nil, err
		}
		if err := s.Open(ctx); err != nil {
			return nil, nil, err
		}
		store, closeStore = s, s.Close
	case secret.BackendInmem:
		store, closeStore = inmem.NewKVStore(), func() error { return nil }
	default:
		return nil, nil, &errors.Error{
			Code: errors.EInvalid,
			Msg:  fmt.Sprintf("unknown store backend %q", creds.Backend),
		}
	}

	metrics := kv.NewMetrics()
	a.registry.MustRegister(metrics.PrometheusCollectors()...)
	retry := kv.NewRetryStore(log, store, a.retryConfig())
	retry.WithMetrics(metrics)

	return retry, func() {
		if err := closeStore(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}, nil
}
