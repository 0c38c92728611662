package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gateguard/internal/store"
)

// Limit type labels set on a Decision. The gateway writes a label into
// request attributes and audit records only for rejected requests, so NONE
// and ERROR, which mark allowed decisions, are never recorded there.
const (
	LimitTypeSecond = "SECOND_LIMIT"
	LimitTypeMinute = "MINUTE_LIMIT"
	LimitTypePath   = "SLIDING_WINDOW_IP_PATH"
	LimitTypeNone   = "NONE"
	LimitTypeError  = "ERROR"
)

// Decision is what a window check produced. CurrentCount is the
// post-admission count when allowed and the pre-admission count when not.
type Decision struct {
	Allowed       bool
	LimitType     string
	CurrentCount  int
	Threshold     int
	WindowSeconds int
}

func errorDecision() Decision {
	return Decision{Allowed: true, LimitType: LimitTypeError}
}

type Config struct {
	MaxRequestsPerSecond int        `json:"max_requests_per_second"`
	MaxRequestsPerMinute int        `json:"max_requests_per_minute"`
	DefaultWindowSeconds int        `json:"default_window_seconds"`
	DefaultMaxRequests   int        `json:"default_max_requests"`
	PathRules            []PathRule `json:"path_rules"`
}

// Limiter runs sliding-window admission against the store. Store failures
// never reject: infrastructure trouble yields an allowed decision tagged
// ERROR and traffic keeps flowing.
type Limiter struct {
	store  store.Store
	keys   store.Keys
	rules  *Rules
	secMax int
	minMax int
	log    zerolog.Logger
}

func New(st store.Store, keys store.Keys, cfg Config, log zerolog.Logger) *Limiter {
	return &Limiter{
		store:  st,
		keys:   keys,
		rules:  NewRules(cfg.PathRules, cfg.DefaultWindowSeconds, cfg.DefaultMaxRequests),
		secMax: cfg.MaxRequestsPerSecond,
		minMax: cfg.MaxRequestsPerMinute,
		log:    log,
	}
}

func (l *Limiter) Rules() *Rules {
	return l.rules
}

func (l *Limiter) admit(ctx context.Context, key, limitType string, window time.Duration, max int) Decision {
	res, err := l.store.Admit(ctx, key, time.Now(), window, max)
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("sliding window admit failed, failing open")
		return errorDecision()
	}
	return Decision{
		Allowed:       res.Admitted,
		LimitType:     limitType,
		CurrentCount:  res.Count,
		Threshold:     max,
		WindowSeconds: int(window / time.Second),
	}
}

// CheckIP runs the per-IP minute window, then the second window. The first
// rejection wins; a request only lands in both windows when the minute
// window admitted it.
func (l *Limiter) CheckIP(ctx context.Context, ip string) Decision {
	minute := l.admit(ctx, l.keys.SlidingWindow("minute", ip), LimitTypeMinute, time.Minute, l.minMax)
	if !minute.Allowed {
		return minute
	}
	second := l.admit(ctx, l.keys.SlidingWindow("second", ip), LimitTypeSecond, time.Second, l.secMax)
	if !second.Allowed {
		return second
	}
	if minute.LimitType == LimitTypeError && second.LimitType == LimitTypeError {
		return errorDecision()
	}
	return Decision{Allowed: true, LimitType: LimitTypeNone}
}

// CheckPath resolves the path rule for the request and runs its window.
func (l *Limiter) CheckPath(ctx context.Context, ip, path string) Decision {
	rule := l.rules.Resolve(path)
	key := l.keys.PathWindow(ip, path)
	window := time.Duration(rule.WindowSeconds) * time.Second
	d := l.admit(ctx, key, labelFor(rule), window, rule.MaxRequests)
	if !d.Allowed {
		l.log.Warn().Str("ip", ip).Str("path", path).
			Int("count", d.CurrentCount).Int("threshold", d.Threshold).
			Int("window", d.WindowSeconds).Msg("path sliding window exceeded")
	}
	return d
}

func labelFor(rule PathRule) string {
	switch rule.WindowSeconds {
	case 1:
		return LimitTypeSecond
	case 60:
		return LimitTypeMinute
	}
	if rule.Pattern == "" {
		return LimitTypePath
	}
	return fmt.Sprintf("PATH_WINDOW_%dS", rule.WindowSeconds)
}
