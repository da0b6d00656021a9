package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// RetryPolicy retries storage writes that failed with StorageUnavailable.
// Every other error kind aborts on the first attempt.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves retries unset
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, Interval: 100 * time.Millisecond}

// RetryPolicyFrom reads the storage section
func RetryPolicyFrom(cfg domain.StorageConfig) RetryPolicy {
	p := RetryPolicy{Attempts: cfg.RetryAttempts, Interval: cfg.RetryInterval}
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultRetryPolicy.Interval
	}
	return p
}

// Do runs fn until it succeeds, fails permanently or runs out of attempts
func (p RetryPolicy) Do(ctx context.Context, op string, logger *logrus.Logger, fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Interval
	exp.MaxInterval = 20 * p.Interval
	exp.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !domain.IsKind(err, domain.KindStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"wait":    wait,
		}).Warn("Storage unavailable, retrying")
	})
}

// RetryingScoreStore retries a score store's calls under a RetryPolicy
type RetryingScoreStore struct {
	store  domain.ScoreStore
	policy RetryPolicy
	log    *logrus.Logger
}

// NewRetryingScoreStore wraps store
func NewRetryingScoreStore(store domain.ScoreStore, policy RetryPolicy, logger *logrus.Logger) *RetryingScoreStore {
	return &RetryingScoreStore{store: store, policy: policy, log: logger}
}

// Append implements domain.ScoreStore
func (r *RetryingScoreStore) Append(ctx context.Context, score *domain.TargetScore) error {
	return r.policy.Do(ctx, "scores.Append", r.log, func() error {
		return r.store.Append(ctx, score)
	})
}

// Latest implements domain.ScoreStore
func (r *RetryingScoreStore) Latest(ctx context.Context, gene, cancerType string) (*domain.TargetScore, error) {
	var out *domain.TargetScore
	err := r.policy.Do(ctx, "scores.Latest", r.log, func() error {
		var err error
		out, err = r.store.Latest(ctx, gene, cancerType)
		return err
	})
	return out, err
}

// ByCancerBand implements domain.ScoreStore
func (r *RetryingScoreStore) ByCancerBand(ctx context.Context, cancerType string, band domain.Band) ([]*domain.TargetScore, error) {
	var out []*domain.TargetScore
	err := r.policy.Do(ctx, "scores.ByCancerBand", r.log, func() error {
		var err error
		out, err = r.store.ByCancerBand(ctx, cancerType, band)
		return err
	})
	return out, err
}

// ByGene implements domain.ScoreStore
func (r *RetryingScoreStore) ByGene(ctx context.Context, gene string) ([]*domain.TargetScore, error) {
	var out []*domain.TargetScore
	err := r.policy.Do(ctx, "scores.ByGene", r.log, func() error {
		var err error
		out, err = r.store.ByGene(ctx, gene)
		return err
	})
	return out, err
}
