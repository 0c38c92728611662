package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"gateguard/internal/access"
	"gateguard/internal/analytics"
	"gateguard/internal/browser"
	"gateguard/internal/defense"
	"gateguard/internal/ratelimit"
	"gateguard/internal/security"
)

const (
	// attrForwarded marks that the chain reached the upstream handler.
	attrForwarded = "forwarded"
	// attrSkipped marks that the state machine was bypassed for this path.
	attrSkipped = "admission_skipped"

	statusClientClosed = 499
	bodyExcerptLimit   = 256
)

const (
	rateLimitBody       = `{"code":429,"message":"请求频率过高，请稍后再试","data":null}`
	captchaRequiredBody = `{"code":429,"message":"需要验证码验证","data":null}`
)

// Gate composes the ordered filter chain in front of the upstream handler.
// Every request flows identity → abuse state machine → browser detection →
// per-path limiter → logging, and every request, terminal or forwarded,
// ends in an admission record.
type Gate struct {
	Resolver security.Resolver
	Detector *browser.Detector
	Machine  *defense.Machine
	Limiter  *ratelimit.Limiter
	Metrics  *analytics.Metrics
	Sink     *access.Sink
	Headers  security.HeaderPolicy
	Upstream fasthttp.RequestHandler
	Log      zerolog.Logger

	CaptchaPagePath string
	BaseURL         string
	APIPathPrefixes []string
	VerboseLogging  bool
}

type filterFunc func(ctx *fasthttp.RequestCtx, a *Attrs, next func())

func (g *Gate) chain() []filterEntry {
	entries := []filterEntry{
		{"TRACE_INIT", OrderTraceInit, g.traceInit},
		{"DDOS_DEFENSE", OrderDdosDefense, g.ddosDefense},
		{"BROWSER_DETECTION", OrderBrowserDetection, g.browserDetection},
		{"API_RATE_LIMIT", OrderAPIRateLimit, g.apiRateLimit},
		{"REQUEST_LOGGER", OrderRequestLogger, g.requestLogger},
		{"ACCESS_LOGGER", OrderAccessLogger, g.accessLogger},
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}

// Handler builds the composed request handler. The ACCESS_RECORDER stage
// closes the chain: it runs after the filters return, whether the request
// was forwarded or terminated early, and enqueues the admission record.
func (g *Gate) Handler() fasthttp.RequestHandler {
	entries := g.chain()
	return func(ctx *fasthttp.RequestCtx) {
		a := NewAttrs()
		h := func() {
			a.Set(attrForwarded, true)
			g.Upstream(ctx)
		}
		for i := len(entries) - 1; i >= 0; i-- {
			h = wrap(entries[i].fn, ctx, a, h)
		}
		h()
		g.recordAccess(ctx, a)
	}
}

func wrap(fn filterFunc, ctx *fasthttp.RequestCtx, a *Attrs, next func()) func() {
	return func() { fn(ctx, a, next) }
}

// ---- TRACE_INIT ----

func (g *Gate) traceInit(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	trace := string(ctx.Request.Header.Peek("X-Trace-Id"))
	if trace == "" {
		trace = uuid.NewString()
	}
	a.Set(AttrTraceID, trace)
	a.Set(AttrStartTime, time.Now())
	ctx.Response.Header.Set("X-Trace-Id", trace)
	g.Headers.Apply(ctx)

	ip := g.Resolver.Resolve(ctx)
	a.Set(AttrClientIP, ip)
	if g.Metrics != nil {
		g.Metrics.IncRequests()
	}
	next()
}

// ---- DDOS_DEFENSE ----

func (g *Gate) ddosDefense(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	ip := a.String(AttrClientIP)
	path := string(ctx.Path())
	method := string(ctx.Method())
	ua := string(ctx.UserAgent())

	// In-flight store operations finish even if the client goes away; the
	// verdict is simply discarded with the connection.
	ev := g.Machine.Evaluate(context.WithoutCancel(ctx), ip, path, method, ua)

	if ev.Skipped {
		a.Set(attrSkipped, true)
		next()
		return
	}
	if ev.InWhiteList {
		a.Set(AttrInWhiteList, true)
	}
	if ev.InBlackList {
		a.Set(AttrInBlackList, true)
		a.Set(AttrBlacklistInfo, ev.BlacklistInfo)
	}
	if ev.Advisory {
		ctx.Response.Header.Set("X-Captcha-Advisory", "captcha-active")
	}

	if ev.Verdict == defense.VerdictChallenge {
		a.Set(AttrRateLimited, true)
		a.Set(AttrRateLimitType, ev.LimitType)
		if g.Metrics != nil {
			g.Metrics.IncChallenged()
			g.Metrics.IncLimitType(ev.LimitType)
		}
		g.challenge(ctx, ev.LimitType)
		return
	}
	next()
}

// ---- BROWSER_DETECTION ----

func (g *Gate) browserDetection(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	if g.Detector == nil || !g.Detector.Config().Enabled {
		next()
		return
	}
	path := string(ctx.Path())
	if g.Detector.ShouldSkip(path) {
		next()
		return
	}
	res := g.Detector.Detect(&ctx.Request.Header)
	if res.Browser {
		next()
		return
	}
	ip := a.String(AttrClientIP)
	g.Log.Warn().Str("ip", ip).Str("path", path).
		Int("score", res.FinalScore).Int("threshold", res.Threshold).
		Msg("non-browser request rejected")
	if g.Metrics != nil {
		g.Metrics.IncRejected()
	}
	jsonBody(ctx, fasthttp.StatusForbidden, map[string]any{
		"success":   false,
		"message":   g.Detector.Config().RejectionMessage,
		"detail":    res.RejectionReason,
		"code":      fasthttp.StatusForbidden,
		"timestamp": time.Now().UnixMilli(),
	})
}

// ---- API_RATE_LIMIT ----

func (g *Gate) apiRateLimit(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	if a.Bool(attrSkipped) || a.Bool(AttrInWhiteList) {
		next()
		return
	}
	ip := a.String(AttrClientIP)
	path := string(ctx.Path())

	d := g.Limiter.CheckPath(context.WithoutCancel(ctx), ip, path)
	if d.Allowed {
		next()
		return
	}
	a.Set(AttrRateLimited, true)
	a.Set(AttrRateLimitType, d.LimitType)
	if g.Metrics != nil {
		g.Metrics.IncRateLimited()
		g.Metrics.IncLimitType(d.LimitType)
	}
	if g.isAPIRequest(path) {
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(rateLimitBody)
		return
	}
	g.redirectToCaptcha(ctx)
}

// ---- REQUEST_LOGGER ----

func (g *Gate) requestLogger(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	if g.VerboseLogging {
		g.Log.Info().
			Str("ip", a.String(AttrClientIP)).
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Str("trace_id", a.String(AttrTraceID)).
			Msg("request accepted by admission pipeline")
	}
	next()
}

// ---- ACCESS_LOGGER ----

func (g *Gate) accessLogger(ctx *fasthttp.RequestCtx, a *Attrs, next func()) {
	next()
	elapsed := time.Since(a.Time(AttrStartTime))
	ev := g.Log.Info()
	if ctx.Response.StatusCode() >= fasthttp.StatusInternalServerError {
		ev = g.Log.Warn()
	}
	ev.Str("ip", a.String(AttrClientIP)).
		Str("method", string(ctx.Method())).
		Str("path", string(ctx.Path())).
		Int("status", ctx.Response.StatusCode()).
		Dur("elapsed", elapsed).
		Str("trace_id", a.String(AttrTraceID)).
		Msg("request completed")
}

// ---- ACCESS_RECORDER ----

func (g *Gate) recordAccess(ctx *fasthttp.RequestCtx, a *Attrs) {
	status := ctx.Response.StatusCode()
	if ctx.Err() != nil {
		status = statusClientClosed
	}
	a.Finalize(AttrResponseStatus, status)

	if status >= fasthttp.StatusBadRequest {
		body := ctx.Response.Body()
		if len(body) > bodyExcerptLimit {
			body = body[:bodyExcerptLimit]
		}
		if len(body) > 0 {
			a.Set(AttrBodyExcerpt, string(body))
		}
	}

	recordID := uuid.NewString()
	a.Set(AttrRecordID, recordID)

	start := a.Time(AttrStartTime)
	if start.IsZero() {
		start = time.Now()
	}
	if g.Metrics != nil {
		g.Metrics.IncStatus(status)
		if a.Bool(attrForwarded) {
			g.Metrics.IncAdmitted()
		}
	}
	if g.Sink == nil {
		return
	}
	g.Sink.Enqueue(access.Record{
		ID:               recordID,
		ClientIP:         a.String(AttrClientIP),
		RequestPath:      string(ctx.Path()),
		HTTPMethod:       string(ctx.Method()),
		UserAgent:        string(ctx.UserAgent()),
		RequestHeaders:   access.FilterHeaders(&ctx.Request.Header),
		ResponseStatus:   status,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		RateLimited:      a.Bool(AttrRateLimited),
		RateLimitType:    a.String(AttrRateLimitType),
		InWhiteList:      a.Bool(AttrInWhiteList),
		TraceID:          a.String(AttrTraceID),
		AccessTime:       start,
	})
}

// ---- terminal responses ----

func (g *Gate) isAPIRequest(path string) bool {
	for _, prefix := range g.APIPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *Gate) challenge(ctx *fasthttp.RequestCtx, limitType string) {
	path := string(ctx.Path())
	if g.isAPIRequest(path) {
		ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
		ctx.SetContentType("application/json")
		switch limitType {
		case defense.TypeDdosThreshold, defense.TypeDdosProtection, defense.TypeCaptchaRequired:
			ctx.SetBodyString(captchaRequiredBody)
		default:
			ctx.SetBodyString(rateLimitBody)
		}
		return
	}
	g.redirectToCaptcha(ctx)
}

func (g *Gate) redirectToCaptcha(ctx *fasthttp.RequestCtx) {
	target := g.captchaURL(ctx)
	ctx.Response.Header.Set("redirectUrl", target)
	ctx.Response.Header.Set("Cache-Control", "no-store")
	ctx.Redirect(target, fasthttp.StatusFound)
}

// captchaURL builds the challenge redirect: an absolute page path is used
// as-is, a configured base URL is prepended otherwise, and failing both the
// URL is derived from the request.
func (g *Gate) captchaURL(ctx *fasthttp.RequestCtx) string {
	page := g.CaptchaPagePath
	if strings.HasPrefix(page, "http://") || strings.HasPrefix(page, "https://") {
		return page
	}
	if !strings.HasPrefix(page, "/") {
		page = "/" + page
	}
	if base := strings.TrimRight(g.BaseURL, "/"); base != "" {
		return base + page
	}
	scheme := "http"
	if ctx.IsTLS() {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, string(ctx.Host()), page)
}

func jsonBody(ctx *fasthttp.RequestCtx, code int, v map[string]any) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	b, _ := json.Marshal(v)
	ctx.SetBody(b)
}
