package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

func newCtx(setup func(h *fasthttp.RequestHeader)) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	var req fasthttp.Request
	req.Header.SetMethod("GET")
	req.SetRequestURI("/")
	if setup != nil {
		setup(&req.Header)
	}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1.2.3.4", "1.2.3.4"},
		{"::1", "127.0.0.1"},
		{"0:0:0:0:0:0:0:1", "127.0.0.1"},
		{"::ffff:10.20.30.40", "10.20.30.40"},
		{"2001:db8::1", "2001:db8::1"},
		{"unknown", ""},
		{"null", ""},
		{"", ""},
		{"not-an-ip", ""},
		{" 1.2.3.4 ", "1.2.3.4"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Normalize(c.in), "input %q", c.in)
	}
}

func TestResolveMockIPWins(t *testing.T) {
	ctx := newCtx(func(h *fasthttp.RequestHeader) {
		h.Set("Mock-IP", "9.9.9.9")
		h.Set("X-Forwarded-For", "1.1.1.1")
		h.Set("X-Real-IP", "2.2.2.2")
	})
	assert.Equal(t, "9.9.9.9", Resolver{}.Resolve(ctx))
}

func TestResolveXForwardedForTrustDepth(t *testing.T) {
	ctx := newCtx(func(h *fasthttp.RequestHeader) {
		h.Set("X-Forwarded-For", "7.7.7.7, 8.8.8.8, 10.0.0.1")
	})
	assert.Equal(t, "10.0.0.1", Resolver{MaxTrustedIndex: 0}.Resolve(ctx))
	assert.Equal(t, "8.8.8.8", Resolver{MaxTrustedIndex: 1}.Resolve(ctx))
	assert.Equal(t, "7.7.7.7", Resolver{MaxTrustedIndex: 2}.Resolve(ctx))
	// Depth beyond the list clamps to the leftmost entry.
	assert.Equal(t, "7.7.7.7", Resolver{MaxTrustedIndex: 9}.Resolve(ctx))
}

func TestResolveXRealIPFallback(t *testing.T) {
	ctx := newCtx(func(h *fasthttp.RequestHeader) {
		h.Set("X-Real-IP", "::ffff:3.3.3.3")
	})
	assert.Equal(t, "3.3.3.3", Resolver{}.Resolve(ctx))
}

func TestResolveFallsBackToLoopback(t *testing.T) {
	ctx := newCtx(nil)
	assert.Equal(t, "127.0.0.1", Resolver{}.Resolve(ctx))
}

func TestResolveSkipsInvalidHeaderValues(t *testing.T) {
	ctx := newCtx(func(h *fasthttp.RequestHeader) {
		h.Set("X-Forwarded-For", "garbage")
		h.Set("X-Real-IP", "4.4.4.4")
	})
	assert.Equal(t, "4.4.4.4", Resolver{}.Resolve(ctx))
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/api/**", "/api/users", true},
		{"/api/**", "/api/users/5/orders", true},
		{"/api/**", "/api", true},
		{"/api/**", "/apix", false},
		{"/api/*", "/api/users", true},
		{"/api/*", "/api/users/5", false},
		{"/api/*/orders", "/api/5/orders", true},
		{"/health", "/health", true},
		{"/health", "/healthz", false},
		{"/**", "/anything/at/all", true},
		{"/static/captcha.html", "/static/captcha.html", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchPath(c.pattern, c.path), "%s vs %s", c.pattern, c.path)
	}
}

func TestMatchAnyPath(t *testing.T) {
	patterns := []string{"/health/**", "/api/rate-limit/**"}
	assert.True(t, MatchAnyPath(patterns, "/api/rate-limit/status"))
	assert.False(t, MatchAnyPath(patterns, "/api/users"))
}

func TestHeaderPolicyApply(t *testing.T) {
	ctx := newCtx(nil)
	DefaultHeaderPolicy().Apply(ctx)
	assert.Equal(t, "1; mode=block", string(ctx.Response.Header.Peek("X-XSS-Protection")))
	assert.Equal(t, "SAMEORIGIN", string(ctx.Response.Header.Peek("X-Frame-Options")))
	assert.Equal(t, "nosniff", string(ctx.Response.Header.Peek("X-Content-Type-Options")))
	assert.Equal(t, "no-referrer", string(ctx.Response.Header.Peek("Referrer-Policy")))
	assert.Contains(t, string(ctx.Response.Header.Peek("Content-Security-Policy")), "default-src 'self'")
}

func TestHeaderPolicyDisabled(t *testing.T) {
	ctx := newCtx(nil)
	HeaderPolicy{Enabled: false}.Apply(ctx)
	assert.Empty(t, string(ctx.Response.Header.Peek("X-Frame-Options")))
}
