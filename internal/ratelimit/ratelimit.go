// Package ratelimit implements the rate-limited external call wrapper every
// outbound LLM/embedding provider call goes through: sliding-window
// per-minute budgeting plus bounded exponential-backoff retry that honors
// provider-supplied retry hints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"regdocqa/internal/observability"
)

// RateLimitError should be returned (wrapped is fine) by a callable when the
// provider signaled a rate-limit condition (HTTP 429-equivalent). Message is
// inspected for a "Please try again in <float>s" style hint.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string { return e.Message }

// IsRateLimit reports whether err (or any error it wraps) is a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

var retryHintPattern = regexp.MustCompile(`(?i)please try again in ([0-9]+(?:\.[0-9]+)?)s`)

// Config controls the limiter's budget and retry envelope.
type Config struct {
	RPMLimit    int           // default 450
	MaxAttempts int           // default 5
	MinBackoff  time.Duration // default 1s
	MaxBackoff  time.Duration // default 60s
}

func (c Config) withDefaults() Config {
	if c.RPMLimit <= 0 {
		c.RPMLimit = 450
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Limiter is a thread-safe, shared, per-minute sliding-window call budgeter
// with retry. A single instance is meant to be constructor-injected into
// every component that makes outbound provider calls, never held as a
// package-level global.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	callTimes []time.Time // sliding window of call start timestamps, oldest first
}

// New constructs a Limiter with the given config (zero-value fields take
// their documented defaults).
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg.withDefaults()}
}

// Execute runs fn, blocking first until the sliding window has budget, then
// retrying on transient/rate-limit errors with exponential backoff honoring
// provider-supplied retry hints. It returns the callable's result or the
// last error after MaxAttempts.
func Execute[T any](ctx context.Context, l *Limiter, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	log := observability.LoggerWithTrace(ctx)

	op := func() (T, error) {
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		if err := l.waitForBudget(ctx); err != nil {
			return zero, backoff.Permanent(err)
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if wait, ok := rateLimitWait(err); ok {
			logRetry(log, name, err, wait)
			sleep(ctx, wait)
			return zero, err // retryable
		}
		if isTransient(err) {
			logRetry(log, name, err, 0)
			return zero, err // retryable, let backoff compute the delay
		}
		return zero, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.MinBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.Multiplier = 2.0

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.cfg.MaxAttempts)),
	)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

func logRetry(log *zerolog.Logger, name string, err error, wait time.Duration) {
	log.Warn().Err(err).Str("call", name).Dur("wait", wait).Msg("ratelimit_retry")
}

// waitForBudget blocks until fewer than RPMLimit calls were started in the
// trailing 60s window, recording this call's timestamp before returning.
func (l *Limiter) waitForBudget(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-60 * time.Second)
		i := 0
		for i < len(l.callTimes) && l.callTimes[i].Before(cutoff) {
			i++
		}
		l.callTimes = l.callTimes[i:]

		if len(l.callTimes) < l.cfg.RPMLimit {
			l.callTimes = append(l.callTimes, now)
			l.mu.Unlock()
			return nil
		}
		oldest := l.callTimes[0]
		l.mu.Unlock()

		wait := 60*time.Second - now.Sub(oldest) + jitter()
		if wait < 0 {
			wait = jitter()
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func jitter() time.Duration {
	return time.Duration(rand.Intn(250)) * time.Millisecond
}

// rateLimitWait inspects err for a RateLimitError and returns the wait
// duration the provider suggested (+0.5s margin), or a uniform-random
// [2,5]s wait if no hint was present. ok is false if err is not a rate-limit
// signal at all.
func rateLimitWait(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		return 0, false
	}
	if m := retryHintPattern.FindStringSubmatch(rle.Message); m != nil {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil {
			return time.Duration(secs*float64(time.Second)) + 500*time.Millisecond, true
		}
	}
	lo, hi := 2000, 5000
	return time.Duration(lo+rand.Intn(hi-lo)) * time.Millisecond, true
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || isTransientText(err.Error())
}

func isTransientText(s string) bool {
	for _, needle := range []string{"timeout", "temporarily unavailable", "connection reset", "EOF", "i/o timeout"} {
		if containsFold(s, needle) {
			return true
		}
	}
	return false
}

func containsFold(haystack, needle string) bool {
	hl, nl := []rune(haystack), []rune(needle)
	if len(nl) == 0 || len(nl) > len(hl) {
		return false
	}
	lower := func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if lower(hl[i+j]) != lower(nl[j]) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) { _ = sleepCtx(ctx, d) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
