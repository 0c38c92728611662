package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/store"
)

// failingStore reports transport failure on every operation.
type failingStore struct{}

func (failingStore) Admit(context.Context, string, time.Time, time.Duration, int) (store.AdmitResult, error) {
	return store.AdmitResult{}, store.ErrTransport
}
func (failingStore) WindowCount(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, store.ErrTransport
}
func (failingStore) SetFlag(context.Context, string, string, time.Duration) error {
	return store.ErrTransport
}
func (failingStore) GetFlag(context.Context, string) (string, bool, error) {
	return "", false, store.ErrTransport
}
func (failingStore) DeleteFlag(context.Context, string) (bool, error) {
	return false, store.ErrTransport
}
func (failingStore) HasFlag(context.Context, string) (bool, error) {
	return false, store.ErrTransport
}
func (failingStore) ObserveActive(context.Context, string, time.Time, time.Duration) error {
	return store.ErrTransport
}
func (failingStore) ActiveIPCount(context.Context, time.Time, time.Duration) (int, error) {
	return 0, store.ErrTransport
}
func (failingStore) Close() error { return nil }

func testLimiter(st store.Store, cfg Config) *Limiter {
	return New(st, store.Keys{}, cfg, zerolog.Nop())
}

func TestCheckPathUsesMatchingRule(t *testing.T) {
	l := testLimiter(store.NewMemory(), Config{
		MaxRequestsPerSecond: 100,
		MaxRequestsPerMinute: 1000,
		DefaultWindowSeconds: 60,
		DefaultMaxRequests:   100,
		PathRules: []PathRule{
			{Pattern: "/ai/**", WindowSeconds: 15, MaxRequests: 1, Enabled: true},
			{Pattern: "/api/**", WindowSeconds: 60, MaxRequests: 100, Enabled: true},
		},
	})
	ctx := context.Background()

	d := l.CheckPath(ctx, "1.2.3.4", "/ai/x")
	require.True(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount)
	assert.Equal(t, 1, d.Threshold)
	assert.Equal(t, 15, d.WindowSeconds)

	d = l.CheckPath(ctx, "1.2.3.4", "/ai/x")
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.CurrentCount, "rejected decisions carry the pre-count")

	// Another path family keeps its own budget.
	for i := 0; i < 99; i++ {
		d = l.CheckPath(ctx, "1.2.3.4", "/api/y")
		require.True(t, d.Allowed, "request %d", i)
	}
}

func TestCheckPathSecondWindowLabel(t *testing.T) {
	l := testLimiter(store.NewMemory(), Config{
		DefaultWindowSeconds: 1,
		DefaultMaxRequests:   2,
	})
	ctx := context.Background()

	var d Decision
	for i := 0; i < 3; i++ {
		d = l.CheckPath(ctx, "1.2.3.4", "/a")
	}
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitTypeSecond, d.LimitType)
	assert.Equal(t, 2, d.CurrentCount)
	assert.Equal(t, 2, d.Threshold)
}

func TestCheckPathFailOpen(t *testing.T) {
	l := testLimiter(failingStore{}, Config{DefaultWindowSeconds: 1, DefaultMaxRequests: 1})
	d := l.CheckPath(context.Background(), "1.2.3.4", "/a")
	assert.True(t, d.Allowed)
	assert.Equal(t, LimitTypeError, d.LimitType)
}

func TestCheckIPMinuteThenSecond(t *testing.T) {
	l := testLimiter(store.NewMemory(), Config{
		MaxRequestsPerSecond: 2,
		MaxRequestsPerMinute: 100,
		DefaultWindowSeconds: 1,
		DefaultMaxRequests:   10,
	})
	ctx := context.Background()

	d := l.CheckIP(ctx, "5.5.5.5")
	require.True(t, d.Allowed)
	assert.Equal(t, LimitTypeNone, d.LimitType)

	l.CheckIP(ctx, "5.5.5.5")
	d = l.CheckIP(ctx, "5.5.5.5")
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitTypeSecond, d.LimitType)
	assert.Equal(t, 2, d.CurrentCount)
}

func TestCheckIPMinuteLimit(t *testing.T) {
	l := testLimiter(store.NewMemory(), Config{
		MaxRequestsPerSecond: 1000,
		MaxRequestsPerMinute: 3,
	})
	ctx := context.Background()

	var d Decision
	for i := 0; i < 4; i++ {
		d = l.CheckIP(ctx, "6.6.6.6")
	}
	assert.False(t, d.Allowed)
	assert.Equal(t, LimitTypeMinute, d.LimitType)
	assert.Equal(t, 60, d.WindowSeconds)
}

func TestCheckIPFailOpen(t *testing.T) {
	l := testLimiter(failingStore{}, Config{MaxRequestsPerSecond: 1, MaxRequestsPerMinute: 1})
	d := l.CheckIP(context.Background(), "1.2.3.4")
	assert.True(t, d.Allowed)
	assert.Equal(t, LimitTypeError, d.LimitType)
}

func TestRulesFirstEnabledMatchWins(t *testing.T) {
	r := NewRules([]PathRule{
		{Pattern: "/api/**", WindowSeconds: 10, MaxRequests: 5, Enabled: false},
		{Pattern: "/api/**", WindowSeconds: 20, MaxRequests: 7, Enabled: true},
		{Pattern: "/**", WindowSeconds: 30, MaxRequests: 9, Enabled: true},
	}, 60, 100)

	rule := r.Resolve("/api/users")
	assert.Equal(t, 20, rule.WindowSeconds)
	assert.Equal(t, 7, rule.MaxRequests)

	rule = r.Resolve("/other")
	assert.Equal(t, 30, rule.WindowSeconds)
}

func TestRulesDefaultFallback(t *testing.T) {
	r := NewRules(nil, 60, 100)
	rule := r.Resolve("/anything")
	assert.Equal(t, 60, rule.WindowSeconds)
	assert.Equal(t, 100, rule.MaxRequests)
	assert.True(t, rule.Enabled)
}

func TestRulesReplaceIsAtomicSnapshot(t *testing.T) {
	r := NewRules([]PathRule{{Pattern: "/a", WindowSeconds: 1, MaxRequests: 1, Enabled: true}}, 60, 100)
	r.Replace([]PathRule{{Pattern: "/a", WindowSeconds: 5, MaxRequests: 9, Enabled: true}})
	rule := r.Resolve("/a")
	assert.Equal(t, 5, rule.WindowSeconds)
	assert.Equal(t, 9, rule.MaxRequests)
}

func TestGuardThrottles(t *testing.T) {
	g := NewGuard(1, 2)
	assert.True(t, g.Allow("ip"))
	assert.True(t, g.Allow("ip"))
	assert.False(t, g.Allow("ip"))
	// Independent keys have independent buckets.
	assert.True(t, g.Allow("other"))
}
