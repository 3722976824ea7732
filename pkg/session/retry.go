package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

const (
	// DefaultMaxElapsed bounds how long a start keeps retrying a refused lock
	DefaultMaxElapsed = 10 * time.Second

	// DefaultInitialInterval is the first retry delay
	DefaultInitialInterval = 100 * time.Millisecond

	// DefaultMaxInterval caps the retry delay
	DefaultMaxInterval = 2 * time.Second

	// DefaultRate is the number of lock attempts per second across all machines
	DefaultRate = 20.0
)

// RetryPolicy controls how refused locks are retried. The locking core
// never retries on its own; this policy belongs to the session layer.
// A zero MaxElapsed means DefaultMaxElapsed, a negative one disables retries.
type RetryPolicy struct {
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Rate and Burst limit lock attempts across all machines
	Rate  float64
	Burst int
}

// DefaultRetryPolicy returns the package defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxElapsed:      DefaultMaxElapsed,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Rate:            DefaultRate,
		Burst:           int(DefaultRate) * 2,
	}
}

// NoRetry returns a policy that makes exactly one attempt
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxElapsed: -1}
}

func (p RetryPolicy) newLimiter() *rate.Limiter {
	if p.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := p.Burst
	if burst <= 0 {
		burst = int(p.Rate) * 2
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(p.Rate), burst)
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	if p.MaxElapsed < 0 {
		return &backoff.StopBackOff{}
	}
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.MaxElapsedTime = p.MaxElapsed
	if bo.MaxElapsedTime == 0 {
		bo.MaxElapsedTime = DefaultMaxElapsed
	}
	bo.Reset()
	return bo
}

// retrier runs lock attempts under a rate limiter and a backoff policy
type retrier struct {
	policy  RetryPolicy
	limiter *rate.Limiter
	metrics *observability.Metrics
}

func newRetrier(policy RetryPolicy, metrics *observability.Metrics) *retrier {
	return &retrier{
		policy:  policy,
		limiter: policy.newLimiter(),
		metrics: metrics,
	}
}

// do calls attempt until it succeeds, fails with a non-retryable error, the
// backoff gives up or ctx is done. attempt must leave nothing locked when it
// fails.
func (r *retrier) do(ctx context.Context, what string, attempt func() error) error {
	bo := r.policy.newBackOff()
	tries := 0

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait failed for %s: %w", what, err)
		}

		tries++
		err := attempt()
		if err == nil {
			if tries > 1 {
				klog.V(2).Infof("%s succeeded after %d attempts", what, tries)
			}
			return nil
		}

		if !utils.IsRetryableError(err) {
			return err
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			if tries > 1 {
				return fmt.Errorf("%s: giving up after %d attempts: %w", what, tries, err)
			}
			return err
		}

		if r.metrics != nil {
			r.metrics.RecordLockRetry()
		}
		klog.V(4).Infof("%s attempt %d failed: %v; retrying in %s", what, tries, err, next)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		case <-time.After(next):
		}
	}
}
