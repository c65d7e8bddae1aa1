// Package arbiter implements the Account Arbiter: mutex-serialised
// connection selection across a provider's credential pool, with
// fill-first or sticky-round-robin strategy, rate-limit cooldown
// bookkeeping, and error-state clearing on success.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/aigateway/internal/classifier"
	"github.com/rakunlabs/aigateway/internal/model"
	"github.com/rakunlabs/aigateway/internal/store"
)

// AllRateLimited is the sentinel returned by Select when a provider has
// connections but every one of them is currently in cooldown.
type AllRateLimited struct {
	RetryAfterMs    int64
	RetryAfterHuman string
	LastError       string
	LastErrorCode   int
}

// Error satisfies the error interface so callers that just want to check
// "did selection fail" can do so with a plain type switch or errors.As.
func (a *AllRateLimited) Error() string {
	return fmt.Sprintf("all connections rate limited, retry after %s", a.RetryAfterHuman)
}

// Verdict is returned by MarkAccountUnavailable — the classifier's
// judgement plus whether the caller should try another connection.
type Verdict struct {
	ShouldFallback bool
	CooldownMs     int64
}

// Arbiter holds the process-wide selection mutex and depends only on the
// Store and the classifier's pure decision function.
type Arbiter struct {
	mu           chan struct{} // 1-buffered channel used as a FIFO mutex
	store        store.Store
	classifierCfg classifier.Config
	now          func() time.Time
}

// New constructs an Arbiter. clock defaults to time.Now when nil — tests
// inject a fixed clock to make round-robin and backoff assertions exact.
func New(s store.Store, classifierCfg classifier.Config, clock func() time.Time) *Arbiter {
	if clock == nil {
		clock = time.Now
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Arbiter{mu: mu, store: s, classifierCfg: classifierCfg, now: clock}
}

func (a *Arbiter) lock(ctx context.Context) error {
	select {
	case <-a.mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Arbiter) unlock() {
	a.mu <- struct{}{}
}

// Select runs the full pipeline from spec §4.4: acquire the selection
// mutex, fetch active connections for provider, filter excludeID and
// anything currently rate-limited, apply the configured strategy, persist
// the strategy's side effects, then release the mutex. The mutex is held
// across the persistence write, so no concurrent Select can read the
// usage counters between this selection and its update.
//
// Returns (conn, nil, nil) on success, (nil, rateLimited, nil) when every
// candidate is in cooldown, or (nil, nil, nil) when the provider has no
// connections at all.
func (a *Arbiter) Select(ctx context.Context, provider string, excludeID string) (*model.Connection, *AllRateLimited, error) {
	if err := a.lock(ctx); err != nil {
		return nil, nil, err
	}
	defer a.unlock()

	isActive := true
	active, err := a.store.GetConnections(ctx, provider, &isActive)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch active connections: %w", err)
	}

	if len(active) == 0 {
		all, err := a.store.GetConnections(ctx, provider, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch all connections: %w", err)
		}
		if len(all) == 0 {
			return nil, nil, nil
		}
		return nil, allRateLimitedFrom(all, a.now()), nil
	}

	now := a.now()
	candidates := make([]model.Connection, 0, len(active))
	for _, c := range active {
		if c.ID == excludeID {
			continue
		}
		if c.IsRateLimited(now) {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return nil, allRateLimitedFrom(active, now), nil
	}

	settings, err := a.store.GetSettings(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch settings: %w", err)
	}

	var selected model.Connection
	var patch model.ConnectionPatch

	switch settings.FallbackStrategy {
	case model.StrategyRoundRobin:
		selected, patch = selectStickyRoundRobin(candidates, settings.StickyRoundRobinLimit, now)
	default:
		selected = selectFillFirst(candidates)
		patch = model.ConnectionPatch{} // fill-first does not touch usage bookkeeping
	}

	if patch != (model.ConnectionPatch{}) {
		updated, err := a.store.UpdateConnection(ctx, selected.ID, patch)
		if err != nil {
			return nil, nil, fmt.Errorf("persist selection: %w", err)
		}
		selected = *updated
	}

	return &selected, nil, nil
}

// selectFillFirst returns the first candidate; the Store already returns
// connections sorted by Priority ascending.
func selectFillFirst(candidates []model.Connection) model.Connection {
	return candidates[0]
}

// selectStickyRoundRobin re-uses the most-recently-used connection while it
// has budget left under stickyLimit, otherwise advances to the
// least-recently-used candidate (nulls — never used — sort first, ties
// broken by candidates' input order, which is Priority order).
func selectStickyRoundRobin(candidates []model.Connection, stickyLimit int, now time.Time) (model.Connection, model.ConnectionPatch) {
	mostRecentIdx := -1
	for i, c := range candidates {
		if !c.LastUsedAt.Valid {
			continue
		}
		if mostRecentIdx == -1 || c.LastUsedAt.V.Time.After(candidates[mostRecentIdx].LastUsedAt.V.Time) {
			mostRecentIdx = i
		}
	}

	if mostRecentIdx != -1 {
		mostRecent := candidates[mostRecentIdx]
		if mostRecent.ConsecutiveUseCount < stickyLimit {
			return applyUsageBump(mostRecent, now, mostRecent.ConsecutiveUseCount+1)
		}
	}

	leastRecentIdx := 0
	for i, c := range candidates {
		if !c.LastUsedAt.Valid {
			leastRecentIdx = i
			break // first null in priority order wins — nulls sort first
		}
		if !candidates[leastRecentIdx].LastUsedAt.Valid {
			continue
		}
		if c.LastUsedAt.V.Time.Before(candidates[leastRecentIdx].LastUsedAt.V.Time) {
			leastRecentIdx = i
		}
	}

	return applyUsageBump(candidates[leastRecentIdx], now, 1)
}

func applyUsageBump(conn model.Connection, now time.Time, count int) (model.Connection, model.ConnectionPatch) {
	nowCopy := now
	countCopy := count
	patch := model.ConnectionPatch{
		LastUsedAt:          &nowCopy,
		ConsecutiveUseCount: &countCopy,
	}
	conn.LastUsedAt = types.NewTimeNull(now)
	conn.ConsecutiveUseCount = count
	return conn, patch
}

// allRateLimitedFrom derives the AllRateLimited sentinel from the earliest
// future rateLimitedUntil among conns, carrying that connection's last
// error for the caller to surface.
func allRateLimitedFrom(conns []model.Connection, now time.Time) *AllRateLimited {
	var earliest *model.Connection
	for i := range conns {
		c := &conns[i]
		if !c.IsRateLimited(now) {
			continue
		}
		if earliest == nil || c.RateLimitedUntil.V.Time.Before(earliest.RateLimitedUntil.V.Time) {
			earliest = c
		}
	}

	if earliest == nil {
		// No future cooldown recorded (e.g. every connection is merely
		// inactive) — surface a generic immediate-retry sentinel.
		return &AllRateLimited{RetryAfterMs: 0, RetryAfterHuman: "now"}
	}

	retryAfter := earliest.RateLimitedUntil.V.Time.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	return &AllRateLimited{
		RetryAfterMs:    retryAfter.Milliseconds(),
		RetryAfterHuman: retryAfter.Round(time.Second).String(),
		LastError:       earliest.LastError,
		LastErrorCode:   earliest.ErrorCode,
	}
}

// MarkAccountUnavailable runs the Error Classifier against the observed
// failure and, if it calls for a fallback, persists the cooldown window
// and error bookkeeping on the connection.
func (a *Arbiter) MarkAccountUnavailable(ctx context.Context, id string, status int, errorText, provider string) (Verdict, error) {
	conn, err := a.store.GetConnection(ctx, id)
	if err != nil {
		return Verdict{}, fmt.Errorf("fetch connection: %w", err)
	}
	if conn == nil {
		return Verdict{}, fmt.Errorf("connection %q not found", id)
	}

	verdict := classifier.Classify(a.classifierCfg, status, errorText, conn.BackoffLevel)
	if !verdict.ShouldFallback {
		return Verdict{ShouldFallback: false}, nil
	}

	truncated := errorText
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}

	now := a.now()
	rateLimitedUntil := now.Add(time.Duration(verdict.CooldownMs) * time.Millisecond)
	statusVal := model.StatusUnavailable
	codeVal := status
	newLevel := verdict.NewBackoffLevel

	_, err = a.store.UpdateConnection(ctx, id, model.ConnectionPatch{
		RateLimitedUntil: &rateLimitedUntil,
		TestStatus:       &statusVal,
		LastError:        &truncated,
		ErrorCode:        &codeVal,
		LastErrorAt:      &now,
		BackoffLevel:     &newLevel,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("persist unavailable state: %w", err)
	}

	return Verdict{ShouldFallback: true, CooldownMs: verdict.CooldownMs}, nil
}

// ClearAccountError is a no-op if snapshot already shows a clean state;
// otherwise it atomically resets the error/backoff fields.
func (a *Arbiter) ClearAccountError(ctx context.Context, snapshot model.Connection) error {
	if snapshot.TestStatus == model.StatusActive && snapshot.LastError == "" && !snapshot.RateLimitedUntil.Valid {
		return nil
	}

	_, err := a.store.UpdateConnection(ctx, snapshot.ID, model.ConnectionPatch{ClearCooldown: true})
	if err != nil {
		return fmt.Errorf("clear account error: %w", err)
	}
	return nil
}
