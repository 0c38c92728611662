package defense

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateguard/internal/ratelimit"
	"gateguard/internal/store"
)

type recordingLogger struct {
	entries []LimitLog
}

func (r *recordingLogger) Record(l LimitLog) {
	r.entries = append(r.entries, l)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DdosThresholdIPCount = 5
	cfg.DdosReleaseIPCount = 2
	cfg.APIPathPrefixes = []string{"/api/"}
	return cfg
}

func newTestMachine(t *testing.T, st store.Store, cfg Config) (*Machine, *recordingLogger) {
	t.Helper()
	limiter := ratelimit.New(st, store.Keys{}, ratelimit.Config{
		MaxRequestsPerSecond: 100,
		MaxRequestsPerMinute: 1000,
		DefaultWindowSeconds: 60,
		DefaultMaxRequests:   100,
	}, zerolog.Nop())
	rec := &recordingLogger{}
	return NewMachine(st, store.Keys{}, limiter, cfg, zerolog.Nop(), rec), rec
}

func TestEvaluateSkipPath(t *testing.T) {
	m, _ := newTestMachine(t, store.NewMemory(), testConfig())
	ev := m.Evaluate(context.Background(), "1.2.3.4", "/api/rate-limit/status", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)
	assert.True(t, ev.Skipped)
}

func TestEvaluateDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m, _ := newTestMachine(t, store.NewMemory(), cfg)
	ev := m.Evaluate(context.Background(), "1.2.3.4", "/page", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)
	assert.True(t, ev.Skipped)
}

func TestEvaluateWhitelistedAdmits(t *testing.T) {
	st := store.NewMemory()
	m, _ := newTestMachine(t, st, testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddToWhiteList(ctx, "1.2.3.4"))
	ev := m.Evaluate(ctx, "1.2.3.4", "/page", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)
	assert.True(t, ev.InWhiteList)

	// Whitelisted traffic is not tracked in the active set.
	n, err := st.ActiveIPCount(ctx, time.Now(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEvaluateBlacklistedChallenged(t *testing.T) {
	m, rec := newTestMachine(t, store.NewMemory(), testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddToBlackList(ctx, "5.5.5.5", "manual", time.Minute))
	ev := m.Evaluate(ctx, "5.5.5.5", "/page", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)
	assert.True(t, ev.InBlackList)
	assert.True(t, ev.RateLimited)
	assert.Equal(t, TypeBlacklistBlocked, ev.LimitType)
	assert.Contains(t, ev.BlacklistInfo, "reason:manual")
	require.Len(t, rec.entries, 1)
	assert.Equal(t, TypeBlacklistBlocked, rec.entries[0].LimitType)
}

func TestEvaluateIPRateLimitBlacklistsAndChallenges(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	m, rec := newTestMachine(t, st, cfg)
	// Tight per-IP budget for the test.
	m.limiter = ratelimit.New(st, store.Keys{}, ratelimit.Config{
		MaxRequestsPerSecond: 1,
		MaxRequestsPerMinute: 100,
	}, zerolog.Nop())
	ctx := context.Background()

	ev := m.Evaluate(ctx, "7.7.7.7", "/page", "GET", "ua")
	require.Equal(t, VerdictAdmit, ev.Verdict)

	ev = m.Evaluate(ctx, "7.7.7.7", "/page", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)
	assert.Equal(t, TypeIPRateLimit, ev.LimitType)

	black, err := m.IsInBlackList(ctx, "7.7.7.7")
	require.NoError(t, err)
	assert.True(t, black, "rate limit trip lands the IP in the blacklist")

	info, _, err := m.BlackListInfo(ctx, "7.7.7.7")
	require.NoError(t, err)
	assert.Contains(t, info, "IP_RATE_LIMIT:"+ratelimit.LimitTypeSecond)
	require.NotEmpty(t, rec.entries)
}

func TestEvaluateIPRateLimitRespectsBlacklistDisabled(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	cfg.BlackListEnabled = false
	m, _ := newTestMachine(t, st, cfg)
	m.limiter = ratelimit.New(st, store.Keys{}, ratelimit.Config{
		MaxRequestsPerSecond: 1,
		MaxRequestsPerMinute: 100,
	}, zerolog.Nop())
	ctx := context.Background()

	m.Evaluate(ctx, "7.7.7.7", "/page", "GET", "ua")
	ev := m.Evaluate(ctx, "7.7.7.7", "/page", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)

	black, err := m.IsInBlackList(ctx, "7.7.7.7")
	require.NoError(t, err)
	assert.False(t, black)
}

func driveActiveIPs(t *testing.T, st store.Store, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		require.NoError(t, st.ObserveActive(context.Background(),
			fmt.Sprintf("10.0.0.%d", i+1), now, 10*time.Second))
	}
}

func TestHysteresisEngageAtUpperThreshold(t *testing.T) {
	st := store.NewMemory()
	m, rec := newTestMachine(t, st, testConfig())
	ctx := context.Background()

	driveActiveIPs(t, st, 5) // threshold is 5; the evaluated IP joins too
	ev := m.Evaluate(ctx, "9.9.9.9", "/page", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)
	assert.Equal(t, TypeDdosThreshold, ev.LimitType)

	on, err := m.IsCaptchaRequired(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	black, err := m.IsInBlackList(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, black)
	info, _, _ := m.BlackListInfo(ctx, "9.9.9.9")
	assert.Contains(t, info, TypeDdosThreshold)
	require.NotEmpty(t, rec.entries)
}

func TestHysteresisChallengesWhileEngaged(t *testing.T) {
	st := store.NewMemory()
	m, _ := newTestMachine(t, st, testConfig())
	ctx := context.Background()

	require.NoError(t, m.EnableCaptchaRequired(ctx))
	driveActiveIPs(t, st, 3) // above release (2), below threshold (5)

	ev := m.Evaluate(ctx, "9.9.9.9", "/page", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)
	assert.Equal(t, TypeDdosProtection, ev.LimitType)

	on, err := m.IsCaptchaRequired(ctx)
	require.NoError(t, err)
	assert.True(t, on, "mode does not toggle between the thresholds")
}

func TestHysteresisReleasesAtLowerThreshold(t *testing.T) {
	st := store.NewMemory()
	m, _ := newTestMachine(t, st, testConfig())
	ctx := context.Background()

	require.NoError(t, m.EnableCaptchaRequired(ctx))
	driveActiveIPs(t, st, 1) // the evaluated IP makes two, at the release point

	ev := m.Evaluate(ctx, "9.9.9.9", "/page", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)

	on, err := m.IsCaptchaRequired(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestHysteresisAPIEscapeHatch(t *testing.T) {
	st := store.NewMemory()
	cfg := testConfig()
	cfg.StrictMode = false
	cfg.AllowAPIWhenCaptchaActive = true
	m, _ := newTestMachine(t, st, cfg)
	ctx := context.Background()

	require.NoError(t, m.EnableCaptchaRequired(ctx))
	driveActiveIPs(t, st, 3)

	ev := m.Evaluate(ctx, "9.9.9.9", "/api/orders", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)
	assert.True(t, ev.Advisory)

	// Strict mode closes the hatch.
	cfg.StrictMode = true
	m2, _ := newTestMachine(t, st, cfg)
	ev = m2.Evaluate(ctx, "9.9.8.8", "/api/orders", "GET", "ua")
	assert.Equal(t, VerdictChallenge, ev.Verdict)
}

func TestCheckReleaseBackgroundSweep(t *testing.T) {
	st := store.NewMemory()
	m, _ := newTestMachine(t, st, testConfig())
	ctx := context.Background()

	require.NoError(t, m.EnableCaptchaRequired(ctx))
	m.CheckRelease(ctx)
	on, err := m.IsCaptchaRequired(ctx)
	require.NoError(t, err)
	assert.False(t, on, "no active IPs means immediate release")
}

func TestEvaluateFailOpen(t *testing.T) {
	m, _ := newTestMachine(t, failingStore{}, testConfig())
	ev := m.Evaluate(context.Background(), "1.2.3.4", "/page", "GET", "ua")
	assert.Equal(t, VerdictAdmit, ev.Verdict)
	assert.Equal(t, ratelimit.LimitTypeError, ev.LimitType)
}

func TestBlackListRoundTrip(t *testing.T) {
	m, _ := newTestMachine(t, store.NewMemory(), testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddToBlackList(ctx, "4.4.4.4", "r", time.Minute))
	removed, err := m.RemoveFromBlackList(ctx, "4.4.4.4")
	require.NoError(t, err)
	assert.True(t, removed)

	black, err := m.IsInBlackList(ctx, "4.4.4.4")
	require.NoError(t, err)
	assert.False(t, black)
}

func TestBlacklistingWhitelistedIPUnwhitelistsFirst(t *testing.T) {
	m, _ := newTestMachine(t, store.NewMemory(), testConfig())
	ctx := context.Background()

	require.NoError(t, m.AddToWhiteList(ctx, "4.4.4.4"))
	require.NoError(t, m.AddToBlackList(ctx, "4.4.4.4", "manual", time.Minute))

	white, err := m.IsInWhiteList(ctx, "4.4.4.4")
	require.NoError(t, err)
	black, err := m.IsInBlackList(ctx, "4.4.4.4")
	require.NoError(t, err)
	assert.False(t, white)
	assert.True(t, black)
}

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
