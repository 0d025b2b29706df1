package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Sternrassler/ghscrape/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ghscrape_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ghscrape_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	rateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ghscrape_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a credential's rate limit window to reset",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
	})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the backoff after the first transient failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// RateLimitBuffer is added to every wait for a quota reset.
	RateLimitBuffer time.Duration

	// RequestDelay paces consecutive attempts (0 disables pacing).
	RequestDelay time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		RateLimitBuffer:   5 * time.Second,
		RequestDelay:      500 * time.Millisecond,
	}
}

// backoff returns the pre-jitter wait after k prior transient failures:
// min(MaxBackoff, InitialBackoff * Multiplier^k).
func (c RetryConfig) backoff(k int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < k; i++ {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	if time.Duration(d) > c.MaxBackoff {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// Orchestrator wraps the executor with credential selection, rate limit
// waits and bounded retries.
type Orchestrator struct {
	exec    *executor
	pool    *ratelimit.Pool
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  zerolog.Logger

	// Replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
	now    func() time.Time
}

func newOrchestrator(exec *executor, pool *ratelimit.Pool, cfg RetryConfig, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		exec:   exec,
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
		jitter: jitter,
		now:    time.Now,
	}
	if cfg.RequestDelay > 0 {
		o.limiter = rate.NewLimiter(rate.Every(cfg.RequestDelay), 1)
	}
	return o
}

// Execute runs req until it succeeds, hits a non-transient error, or
// MaxRetries retries are used up.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	var lastClass ErrorClass
	transient := 0

	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}

		if attempt > 0 {
			retriesTotal.WithLabelValues(string(lastClass)).Inc()
		}

		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
			}
		}

		cred, err := o.acquire(ctx, req)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			lastClass = ErrorClassNoCredential
			lastErr = &APIError{Class: ErrorClassNoCredential, Message: "no eligible credential", URL: req.URL, Err: ErrNoCredential}
			if attempt < o.cfg.MaxRetries {
				if err := o.backoffWait(ctx, req, attempt, transient, lastClass); err != nil {
					return nil, err
				}
			}
			transient++
			continue
		}

		resp, err := o.exec.execute(ctx, req, cred)
		if err == nil {
			o.pool.RecordSuccess(cred)
			if attempt > 0 {
				o.logger.Info().
					Str("url", req.URL).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctxErr)
		}

		lastErr = err
		lastClass = ClassOf(err)

		switch lastClass {
		case ErrorClassUnauthorized:
			o.pool.RecordUnauthorized(cred)

		case ErrorClassRateLimit:
			retryAfter, hasRetryAfter := time.Duration(0), false
			if resp != nil {
				retryAfter, hasRetryAfter = ratelimit.ParseRetryAfter(resp.Header)
			}
			if !hasRetryAfter {
				// step 2 of the next attempt waits for the reset
				o.pool.MarkRateLimited(cred)
				break
			}
			if attempt < o.cfg.MaxRetries {
				o.logger.Warn().
					Str("url", req.URL).
					Str("credential", cred.Suffix()).
					Dur("wait", retryAfter).
					Msg("Rate limited, honouring Retry-After")
				rateLimitWaitSeconds.Observe(retryAfter.Seconds())
				if err := o.sleep(ctx, retryAfter); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
				}
			}

		case ErrorClassServer, ErrorClassNetwork:
			o.pool.RecordFailure(cred)
			if attempt < o.cfg.MaxRetries {
				if err := o.backoffWait(ctx, req, attempt, transient, lastClass); err != nil {
					return nil, err
				}
			}
			transient++

		default:
			// decode, unexpected status: not transient
			o.logger.Error().
				Err(err).
				Str("url", req.URL).
				Str("error_class", string(lastClass)).
				Msg("Request failed with non-retryable error")
			return resp, err
		}
	}

	retryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	o.logger.Error().
		Err(lastErr).
		Str("url", req.URL).
		Str("error_class", string(lastClass)).
		Int("max_retries", o.cfg.MaxRetries).
		Msg("Retry attempts exhausted")

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, o.cfg.MaxRetries+1, lastErr)
}

// acquire selects a credential, first sleeping until the earliest reset when
// every credential is exhausted or circuit-open. nil means none is eligible.
func (o *Orchestrator) acquire(ctx context.Context, req Request) (*ratelimit.Credential, error) {
	if cred := o.pool.Select(); cred != nil {
		return cred, nil
	}

	at, ok := o.pool.NextAvailable()
	if !ok {
		return nil, nil
	}

	wait := at.Sub(o.now())
	if wait < 0 {
		wait = 0
	}
	wait += o.cfg.RateLimitBuffer

	o.logger.Warn().
		Str("url", req.URL).
		Time("available_at", at).
		Dur("wait", wait).
		Msg("All credentials exhausted, waiting for rate limit reset")
	rateLimitWaitSeconds.Observe(wait.Seconds())

	if err := o.sleep(ctx, wait); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	return o.pool.Select(), nil
}

func (o *Orchestrator) backoffWait(ctx context.Context, req Request, attempt, k int, class ErrorClass) error {
	wait := o.jitter(o.cfg.backoff(k))
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(wait.Seconds())

	o.logger.Warn().
		Str("url", req.URL).
		Str("error_class", string(class)).
		Int("attempt", attempt+1).
		Dur("backoff", wait).
		Msg("Retrying request after backoff")

	if err := o.sleep(ctx, wait); err != nil {
		o.logger.Warn().
			Str("error_class", string(class)).
			Int("attempt", attempt+1).
			Msg("Context cancelled during retry backoff")
		return fmt.Errorf("%w: %v", ErrContextCancelled, err)
	}
	return nil
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCancelled reports whether err came from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrContextCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
