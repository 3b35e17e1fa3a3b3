package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type BackoffConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NextDelay computes the wait before the given attempt using exponential
// backoff with full jitter. attempt is 1-based (1 => [0, BaseDelay]).
func NextDelay(attempt int, cfg BackoffConfig, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	delay := cfg.BaseDelay
	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if rng == nil {
		jitterMu.Lock()
		defer jitterMu.Unlock()
		rng = jitterRng
	}
	return time.Duration(rng.Int63n(int64(delay) + 1))
}

// Retry runs fn until it succeeds, returns an error for which retryable
// reports false, the attempts are exhausted or ctx is done. The last error
// from fn is returned.
func Retry(ctx context.Context, cfg BackoffConfig, retryable func(error) bool, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(NextDelay(attempt, cfg, nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
