package main

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"gateguard/internal/access"
	"gateguard/internal/analytics"
	"gateguard/internal/auth"
	"gateguard/internal/captcha"
	"gateguard/internal/defense"
	"gateguard/internal/gateway"
	"gateguard/internal/health"
	"gateguard/internal/ratelimit"
	"gateguard/internal/security"
)

type routerDeps struct {
	machine    *defense.Machine
	limiter    *ratelimit.Limiter
	captcha    *captcha.Service
	sink       *access.Sink
	metrics    *analytics.Metrics
	probe      *health.Probe
	resolver   security.Resolver
	authGuard  *auth.Guard
	adminGuard *ratelimit.Guard
	gate       *gateway.Gate
	log        zerolog.Logger
}

func jsonResp(ctx *fasthttp.RequestCtx, code int, v any) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	b, _ := json.Marshal(v)
	ctx.SetStatusCode(code)
	ctx.SetBody(b)
}

func serverError(ctx *fasthttp.RequestCtx, msg string) {
	jsonResp(ctx, fasthttp.StatusInternalServerError, map[string]any{
		"success": false,
		"message": msg,
	})
}

func queryInt(ctx *fasthttp.RequestCtx, name string, def int) int {
	if v, err := strconv.Atoi(string(ctx.QueryArgs().Peek(name))); err == nil && v > 0 {
		return v
	}
	return def
}

func buildRouter(d routerDeps) *router.Router {
	r := router.New()

	d.captcha.OnIssued = d.metrics.IncCaptchaIssued
	d.captcha.OnSolved = d.metrics.IncCaptchaSolved

	// CAPTCHA surface.
	r.GET("/captcha", d.captcha.ChallengeHandler())
	r.GET("/captcha-info", d.captcha.InfoHandler())
	r.GET("/static/captcha", d.captcha.PageHandler())
	r.GET("/static/captcha.html", d.captcha.PageHandler())
	r.POST("/validate-captcha", d.captcha.ValidateHandler())

	// Caller-facing rate-limit endpoints.
	r.POST("/api/rate-limit/verify-captcha", d.verifyCaptcha)
	r.GET("/api/rate-limit/status", d.status)
	r.GET("/api/rate-limit/health/redis", d.redisHealth)

	// Admin surface: authenticated and throttled.
	admin := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			ip := d.resolver.Resolve(ctx)
			if !d.adminGuard.Allow(ip) {
				jsonResp(ctx, fasthttp.StatusTooManyRequests, map[string]any{
					"success": false, "message": "too many admin requests",
				})
				return
			}
			d.authGuard.Require(h)(ctx)
		}
	}

	r.POST("/admin/login", d.authGuard.LoginHandler())
	r.POST("/api/rate-limit/admin/whitelist/{ip}", admin(d.addWhitelist))
	r.DELETE("/api/rate-limit/admin/whitelist/{ip}", admin(d.removeWhitelist))
	r.POST("/api/rate-limit/admin/blacklist/{ip}", admin(d.addBlacklist))
	r.DELETE("/api/rate-limit/admin/blacklist/{ip}", admin(d.removeBlacklist))
	r.GET("/api/rate-limit/admin/blacklist/check/{ip}", admin(d.checkBlacklist))
	r.POST("/api/rate-limit/admin/reset-captcha", admin(d.resetCaptcha))
	r.GET("/api/rate-limit/admin/stats", admin(d.stats))

	r.GET("/admin/rate-limit-logs/by-ip", admin(d.logsByIP))
	r.GET("/admin/rate-limit-logs/by-type", admin(d.logsByType))
	r.GET("/admin/rate-limit-logs/count", admin(d.logsCount))
	r.GET("/admin/rate-limit-logs/ddos", admin(d.logsDdos))
	r.POST("/admin/rate-limit-logs/cleanup", admin(d.logsCleanup))
	r.GET("/admin/access-records/by-ip", admin(d.recordsByIP))

	// Everything else goes through the admission pipeline to the upstream.
	r.NotFound = d.gate.Handler()
	return r
}

func (d routerDeps) verifyCaptcha(ctx *fasthttp.RequestCtx) {
	ip := d.resolver.Resolve(ctx)
	text := string(ctx.QueryArgs().Peek("captcha"))
	if text == "" {
		text = string(ctx.PostArgs().Peek("captcha"))
	}
	ok, err := d.captcha.Verify(ctx, ip, text)
	if err != nil {
		serverError(ctx, "verification unavailable, try again")
		return
	}
	if !ok {
		jsonResp(ctx, fasthttp.StatusOK, map[string]any{
			"success": false,
			"message": "captcha mismatch",
		})
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{
		"success":     true,
		"message":     "verified, IP whitelisted",
		"redirectUrl": "/",
	})
}

func (d routerDeps) status(ctx *fasthttp.RequestCtx) {
	ip := d.resolver.Resolve(ctx)
	white, err := d.machine.IsInWhiteList(ctx, ip)
	if err != nil {
		serverError(ctx, "status unavailable")
		return
	}
	required, err := d.machine.IsCaptchaRequired(ctx)
	if err != nil {
		serverError(ctx, "status unavailable")
		return
	}
	count, err := d.machine.ActiveIPCount(ctx)
	if err != nil {
		serverError(ctx, "status unavailable")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{
		"clientIp":        ip,
		"isWhiteListed":   white,
		"captchaRequired": required,
		"activeIpCount":   count,
	})
}

func (d routerDeps) redisHealth(ctx *fasthttp.RequestCtx) {
	snap := d.probe.Snapshot()
	code := fasthttp.StatusOK
	if !d.probe.Healthy() {
		code = fasthttp.StatusServiceUnavailable
	}
	jsonResp(ctx, code, snap)
}

func pathIP(ctx *fasthttp.RequestCtx) string {
	ip, _ := ctx.UserValue("ip").(string)
	return security.Normalize(ip)
}

func (d routerDeps) addWhitelist(ctx *fasthttp.RequestCtx) {
	ip := pathIP(ctx)
	if ip == "" {
		jsonResp(ctx, fasthttp.StatusBadRequest, map[string]any{"success": false, "message": "invalid IP"})
		return
	}
	if err := d.machine.AddToWhiteList(ctx, ip); err != nil {
		serverError(ctx, "whitelist insert failed")
		return
	}
	d.log.Info().Str("ip", ip).Msg("admin whitelisted IP")
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": true, "message": "IP added to whitelist"})
}

func (d routerDeps) removeWhitelist(ctx *fasthttp.RequestCtx) {
	ip := pathIP(ctx)
	removed, err := d.machine.RemoveFromWhiteList(ctx, ip)
	if err != nil {
		serverError(ctx, "whitelist removal failed")
		return
	}
	if !removed {
		jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": false, "message": "IP not in whitelist"})
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": true, "message": "IP removed from whitelist"})
}

func (d routerDeps) addBlacklist(ctx *fasthttp.RequestCtx) {
	ip := pathIP(ctx)
	if ip == "" {
		jsonResp(ctx, fasthttp.StatusBadRequest, map[string]any{"success": false, "message": "invalid IP"})
		return
	}
	reason := string(ctx.QueryArgs().Peek("reason"))
	if reason == "" {
		reason = "MANUAL"
	}
	minutes := queryInt(ctx, "durationMinutes", d.machine.Config().BlackListDurationMinutes)
	if err := d.machine.AddToBlackList(ctx, ip, reason, time.Duration(minutes)*time.Minute); err != nil {
		serverError(ctx, "blacklist insert failed")
		return
	}
	d.log.Warn().Str("ip", ip).Str("reason", reason).Int("minutes", minutes).Msg("admin blacklisted IP")
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{
		"success": true, "message": "IP added to blacklist",
		"durationMinutes": minutes,
	})
}

func (d routerDeps) removeBlacklist(ctx *fasthttp.RequestCtx) {
	ip := pathIP(ctx)
	removed, err := d.machine.RemoveFromBlackList(ctx, ip)
	if err != nil {
		serverError(ctx, "blacklist removal failed")
		return
	}
	if !removed {
		jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": false, "message": "IP not in blacklist"})
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": true, "message": "IP removed from blacklist"})
}

func (d routerDeps) checkBlacklist(ctx *fasthttp.RequestCtx) {
	ip := pathIP(ctx)
	info, present, err := d.machine.BlackListInfo(ctx, ip)
	if err != nil {
		serverError(ctx, "blacklist check failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{
		"ip":          ip,
		"inBlackList": present,
		"info":        info,
	})
}

func (d routerDeps) resetCaptcha(ctx *fasthttp.RequestCtx) {
	cleared, err := d.machine.DisableCaptchaRequired(ctx)
	if err != nil {
		serverError(ctx, "captcha reset failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": true, "cleared": cleared})
}

func (d routerDeps) stats(ctx *fasthttp.RequestCtx) {
	count, _ := d.machine.ActiveIPCount(ctx)
	required, _ := d.machine.IsCaptchaRequired(ctx)
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{
		"metrics":         d.metrics.Snapshot(),
		"activeIpCount":   count,
		"captchaRequired": required,
		"storeHealthy":    d.probe.Healthy(),
	})
}

func (d routerDeps) logsByIP(ctx *fasthttp.RequestCtx) {
	ip := security.Normalize(string(ctx.QueryArgs().Peek("ip")))
	if ip == "" {
		jsonResp(ctx, fasthttp.StatusBadRequest, map[string]any{"success": false, "message": "ip parameter required"})
		return
	}
	logs, err := d.sink.LimitLogsByIP(ctx, ip, int64(queryInt(ctx, "limit", 100)))
	if err != nil {
		serverError(ctx, "log query failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, logs)
}

func (d routerDeps) logsByType(ctx *fasthttp.RequestCtx) {
	limitType := string(ctx.QueryArgs().Peek("type"))
	if limitType == "" {
		jsonResp(ctx, fasthttp.StatusBadRequest, map[string]any{"success": false, "message": "type parameter required"})
		return
	}
	logs, err := d.sink.LimitLogsByType(ctx, limitType, int64(queryInt(ctx, "limit", 100)))
	if err != nil {
		serverError(ctx, "log query failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, logs)
}

func (d routerDeps) logsCount(ctx *fasthttp.RequestCtx) {
	var since time.Time
	if days := queryInt(ctx, "days", 0); days > 0 {
		since = time.Now().AddDate(0, 0, -days)
	}
	n, err := d.sink.CountLimitLogs(ctx, since)
	if err != nil {
		serverError(ctx, "log count failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"count": n})
}

func (d routerDeps) logsDdos(ctx *fasthttp.RequestCtx) {
	logs, err := d.sink.DdosLogs(ctx, int64(queryInt(ctx, "limit", 100)))
	if err != nil {
		serverError(ctx, "log query failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, logs)
}

func (d routerDeps) logsCleanup(ctx *fasthttp.RequestCtx) {
	days := queryInt(ctx, "beforeDays", 30)
	n, err := d.sink.CleanupBefore(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		serverError(ctx, "cleanup failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, map[string]any{"success": true, "deleted": n})
}

func (d routerDeps) recordsByIP(ctx *fasthttp.RequestCtx) {
	ip := security.Normalize(string(ctx.QueryArgs().Peek("ip")))
	if ip == "" {
		jsonResp(ctx, fasthttp.StatusBadRequest, map[string]any{"success": false, "message": "ip parameter required"})
		return
	}
	records, err := d.sink.RecordsByIP(ctx, ip, int64(queryInt(ctx, "limit", 100)))
	if err != nil {
		serverError(ctx, "record query failed")
		return
	}
	jsonResp(ctx, fasthttp.StatusOK, records)
}
