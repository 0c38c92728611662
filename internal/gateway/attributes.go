package gateway

import (
	"time"
)

// Well-known attribute keys. Attributes are monotonic facts within one
// request: once a filter has set a key, later filters cannot overwrite it
// except through the explicitly permitted finalizers.
const (
	AttrClientIP       = "client_ip"
	AttrTraceID        = "trace_id"
	AttrStartTime      = "request_start_time"
	AttrRecordID       = "record_id"
	AttrRateLimited    = "rate_limited"
	AttrRateLimitType  = "rate_limit_type"
	AttrInWhiteList    = "in_whitelist"
	AttrInBlackList    = "in_blacklist"
	AttrBlacklistInfo  = "blacklist_info"
	AttrResponseStatus = "response_status"
	AttrBodyExcerpt    = "response_body_excerpt"
)

// Attrs is the per-request attribute bus. One goroutine owns a request in
// fasthttp, so no locking is needed; the write-once rule is enforced
// instead.
type Attrs struct {
	values map[string]any
}

func NewAttrs() *Attrs {
	return &Attrs{values: map[string]any{}}
}

// Set records a fact. It reports false, leaving the value untouched, when
// the key was already set by an earlier filter.
func (a *Attrs) Set(key string, v any) bool {
	if _, ok := a.values[key]; ok {
		return false
	}
	a.values[key] = v
	return true
}

// Finalize overwrites a key. Only the recorder uses this, to settle
// response_status once the response is known.
func (a *Attrs) Finalize(key string, v any) {
	a.values[key] = v
}

func (a *Attrs) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

func (a *Attrs) String(key string) string {
	if v, ok := a.values[key].(string); ok {
		return v
	}
	return ""
}

func (a *Attrs) Bool(key string) bool {
	if v, ok := a.values[key].(bool); ok {
		return v
	}
	return false
}

func (a *Attrs) Int(key string) int {
	if v, ok := a.values[key].(int); ok {
		return v
	}
	return 0
}

func (a *Attrs) Time(key string) time.Time {
	if v, ok := a.values[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
