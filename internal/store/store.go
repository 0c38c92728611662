package store

import (
	"context"
	"errors"
	"time"
)

// Store is the shared state behind the admission pipeline: sliding windows,
// TTL'd flags (white list, black list, captcha state) and the active-IP set.
// Two implementations exist, an in-process one for single-node deployments
// and a redis-backed one for distributed deployments. Both guarantee that
// Admit is atomic per key: concurrent calls observe a linear order and no
// appended timestamp is lost.
type Store interface {
	// Admit evicts window entries at or before now-window, counts the
	// survivors and, if the count is below max, appends now. The returned
	// count is the post-append count when admitted and the pre-append
	// count when rejected.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (AdmitResult, error)

	// WindowCount evicts and counts without appending.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)

	SetFlag(ctx context.Context, key, value string, ttl time.Duration) error
	GetFlag(ctx context.Context, key string) (string, bool, error)
	DeleteFlag(ctx context.Context, key string) (bool, error)
	HasFlag(ctx context.Context, key string) (bool, error)

	// ObserveActive records that ip was seen now in the active-set window.
	ObserveActive(ctx context.Context, ip string, now time.Time, window time.Duration) error

	// ActiveIPCount returns how many distinct IPs have at least one
	// observation inside (now-window, now].
	ActiveIPCount(ctx context.Context, now time.Time, window time.Duration) (int, error)

	Close() error
}

type AdmitResult struct {
	Admitted bool
	Count    int
}

// Infrastructure error kinds. Callers in the request path treat both as
// fail-open: the request is admitted and the decision is tagged ERROR.
var (
	ErrTimeout   = errors.New("store: operation timed out")
	ErrTransport = errors.New("store: transport failure")
)

func IsInfraError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// Keys builds the store key layout. The zero Prefix defaults to "rate_limit"
// so keys line up with existing deployments.
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return "rate_limit"
	}
	return k.Prefix
}

func (k Keys) SlidingWindow(windowType, ip string) string {
	return k.prefix() + ":sliding_window:" + windowType + ":" + ip
}

func (k Keys) PathWindow(ip, path string) string {
	return "sliding_window:" + ip + ":" + path
}

func (k Keys) IPAccess(ip string) string {
	return k.prefix() + ":ip_access:" + ip
}

func (k Keys) IPAccessPattern() string {
	return k.prefix() + ":ip_access:*"
}

func (k Keys) WhiteList(ip string) string {
	return k.prefix() + ":white_list:" + ip
}

func (k Keys) BlackList(ip string) string {
	return k.prefix() + ":black_list:" + ip
}

func (k Keys) CaptchaRequired() string {
	return k.prefix() + ":captcha_required"
}

func (k Keys) IPCaptcha(ip string) string {
	return k.prefix() + ":ip_captcha:" + ip
}

func (k Keys) HealthCheck() string {
	return k.prefix() + ":health_check"
}
