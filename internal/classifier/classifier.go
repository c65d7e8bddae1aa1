// Package classifier maps an upstream HTTP failure (status + body text) to
// a fallback decision and a cooldown duration. It is a pure, stateless,
// never-panicking function — the Account Arbiter and Dispatch Loop are the
// only callers that carry state (backoff level, cooldown persistence).
package classifier

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the tunable cooldown constants. All durations are
// milliseconds, matching the rest of the core's time unit.
type Config struct {
	NotFoundMs          int64
	RequestNotAllowedMs int64
	UnauthorizedMs      int64
	PaymentRequiredMs   int64
	TransientMs         int64

	BackoffBaseMs int64
	BackoffMaxMs  int64
	MaxLevel      int
}

// DefaultConfig mirrors the constants a production deployment would tune;
// values are conservative defaults, not protocol requirements.
func DefaultConfig() Config {
	return Config{
		NotFoundMs:          30_000,
		RequestNotAllowedMs: 60_000,
		UnauthorizedMs:      60_000,
		PaymentRequiredMs:   5 * 60_000,
		TransientMs:         10_000,

		BackoffBaseMs: 1_000,
		BackoffMaxMs:  5 * 60_000,
		MaxLevel:      10,
	}
}

// Verdict is the classifier's decision for a single failure observation.
type Verdict struct {
	ShouldFallback  bool
	CooldownMs      int64
	NewBackoffLevel int
}

var rateLimitPhrases = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"capacity",
	"overloaded",
}

// Classify implements the decision table from spec.md §4.1. The first
// matching rule wins; message-text patterns are checked before status code.
func Classify(cfg Config, status int, bodyText string, backoffLevel int) Verdict {
	lower := strings.ToLower(bodyText)

	switch {
	case strings.Contains(lower, "no credentials"):
		return Verdict{ShouldFallback: true, CooldownMs: cfg.NotFoundMs, NewBackoffLevel: backoffLevel}

	case strings.Contains(lower, "request not allowed"):
		return Verdict{ShouldFallback: true, CooldownMs: cfg.RequestNotAllowedMs, NewBackoffLevel: backoffLevel}

	case containsAny(lower, rateLimitPhrases):
		return backoffVerdict(cfg, backoffLevel)

	case status == 401:
		return Verdict{ShouldFallback: true, CooldownMs: cfg.UnauthorizedMs, NewBackoffLevel: backoffLevel}

	case status == 402 || status == 403:
		return Verdict{ShouldFallback: true, CooldownMs: cfg.PaymentRequiredMs, NewBackoffLevel: backoffLevel}

	case status == 404:
		return Verdict{ShouldFallback: true, CooldownMs: cfg.NotFoundMs, NewBackoffLevel: backoffLevel}

	case status == 429:
		return backoffVerdict(cfg, backoffLevel)

	case isTransientStatus(status):
		return Verdict{ShouldFallback: true, CooldownMs: cfg.TransientMs, NewBackoffLevel: backoffLevel}

	default:
		// Conservative default: anything unrecognised is treated as transient
		// rather than permanent, so a flaky upstream never wedges the pool.
		return Verdict{ShouldFallback: true, CooldownMs: cfg.TransientMs, NewBackoffLevel: backoffLevel}
	}
}

// backoffVerdict implements cooldown(n) = min(base·2^n, max), rule (3)/(7),
// using backoff.ExponentialBackOff as the doubling-curve generator instead
// of hand-rolled bit shifting. The curve is deterministic: jitter is
// disabled so the same backoffLevel always yields the same cooldown,
// which the Account Arbiter and its tests depend on.
func backoffVerdict(cfg Config, backoffLevel int) Verdict {
	level := backoffLevel
	if level < 0 {
		level = 0
	}

	curve := backoff.NewExponentialBackOff()
	curve.InitialInterval = time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	curve.MaxInterval = time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	curve.Multiplier = 2
	curve.RandomizationFactor = 0
	curve.MaxElapsedTime = 0 // never expire the curve itself; capping is via MaxInterval
	curve.Reset()

	// NextBackOff()'s n-th call returns base·multiplier^(n-1), so the
	// loop's last call (call number level+1) yields base·2^level.
	var cooldown time.Duration
	for i := 0; i <= level; i++ {
		next := curve.NextBackOff()
		if next == backoff.Stop {
			cooldown = curve.MaxInterval
			break
		}
		cooldown = next
	}

	cooldownMs := cooldown.Milliseconds()
	if cooldownMs <= 0 || cooldownMs > cfg.BackoffMaxMs {
		cooldownMs = cfg.BackoffMaxMs
	}

	return Verdict{
		ShouldFallback:  true,
		CooldownMs:      cooldownMs,
		NewBackoffLevel: min(backoffLevel+1, cfg.MaxLevel),
	}
}

func isTransientStatus(status int) bool {
	switch status {
	case 406, 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
