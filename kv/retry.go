package kv

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/honesteats/usermigrate/kit/platform/errors"
	"github.com/honesteats/usermigrate/kit/tracing"
)

// RetryConfig bounds the work a RetryStore spends on one operation.
type RetryConfig struct {
	// MaxAttempts is the number of tries for a throttled operation.
	MaxAttempts int
	// InitialInterval is the first backoff delay; it doubles per attempt.
	InitialInterval time.Duration
	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration
	// Jitter is the randomization factor applied to each delay (0.0 to 1.0).
	Jitter float64
	// OpTimeout bounds every single attempt.
	OpTimeout time.Duration
	// WriteRate limits mutations per second. Zero means unlimited.
	WriteRate float64
}

// DefaultRetryConfig returns the configuration used by the command line.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Jitter:          0.5,
		OpTimeout:       10 * time.Second,
	}
}

var _ Store = (*RetryStore)(nil)

// RetryStore decorates a Store. Throttled operations are retried with
// exponential backoff and jitter up to MaxAttempts; every other failure,
// Unavailable included, is returned on the first attempt.
type RetryStore struct {
	store   Store
	config  RetryConfig
	limiter *rate.Limiter
	metrics *Metrics
	log     *zap.Logger
}

// NewRetryStore wraps store.
func NewRetryStore(log *zap.Logger, store Store, config RetryConfig) *RetryStore {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	s := &RetryStore{
		store:  store,
		config: config,
		log:    log,
	}
	if config.WriteRate > 0 {
		burst := int(config.WriteRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.WriteRate), burst)
	}
	return s
}

// WithMetrics records operation outcomes in m.
func (s *RetryStore) WithMetrics(m *Metrics) {
	s.metrics = m
}

// Get implements Store.
func (s *RetryStore) Get(ctx context.Context, bucket, key []byte) ([]byte, error) {
	return retry(ctx, s, "get", false, func(ctx context.Context) ([]byte, error) {
		return s.store.Get(ctx, bucket, key)
	})
}

// PutIfAbsent implements Store.
func (s *RetryStore) PutIfAbsent(ctx context.Context, bucket, key, value []byte) error {
	_, err := retry(ctx, s, "put_if_absent", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.PutIfAbsent(ctx, bucket, key, value)
	})
	return err
}

// Put implements Store.
func (s *RetryStore) Put(ctx context.Context, bucket, key, value []byte) error {
	_, err := retry(ctx, s, "put", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Put(ctx, bucket, key, value)
	})
	return err
}

// Delete implements Store.
func (s *RetryStore) Delete(ctx context.Context, bucket, key []byte) error {
	_, err := retry(ctx, s, "delete", true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Delete(ctx, bucket, key)
	})
	return err
}

type page struct {
	pairs  []Pair
	cursor []byte
}

// ScanPage implements Store.
func (s *RetryStore) ScanPage(ctx context.Context, bucket, cursor []byte, limit int) ([]Pair, []byte, error) {
	p, err := retry(ctx, s, "scan", false, func(ctx context.Context) (page, error) {
		pairs, next, err := s.store.ScanPage(ctx, bucket, cursor, limit)
		return page{pairs: pairs, cursor: next}, err
	})
	return p.pairs, p.cursor, err
}

func retry[T any](ctx context.Context, s *RetryStore, op string, write bool, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if s.config.InitialInterval > 0 {
		b.InitialInterval = s.config.InitialInterval
	}
	if s.config.MaxInterval > 0 {
		b.MaxInterval = s.config.MaxInterval
	}
	b.RandomizationFactor = s.config.Jitter

	span, ctx := tracing.StartSpanFromContext(ctx, "kv", op)
	defer span.Finish()

	attempts := 0
	attempt := func() (T, error) {
		var zero T
		attempts++
		if write && s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return zero, backoff.Permanent(err)
			}
		}

		opCtx, cancel := s.opContext(ctx)
		defer cancel()

		v, err := fn(opCtx)
		if err == nil {
			return v, nil
		}
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = Unavailable(op, fmt.Errorf("timed out after %s: %w", s.config.OpTimeout, err))
		}
		if errors.ErrorCode(err) == errors.EThrottled {
			return zero, err
		}
		return zero, backoff.Permanent(err)
	}

	v, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.config.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.metrics.retried(op)
			s.log.Debug("Retrying throttled store operation",
				zap.String("op", op),
				zap.Duration("backoff", d),
				zap.Error(err))
		}),
	)
	span.SetTag("attempts", attempts)
	if err != nil && !IsNotFound(err) && !IsAlreadyExists(err) {
		tracing.LogError(span, err)
	}
	s.metrics.observe(op, err)
	return v, err
}

func (s *RetryStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}
