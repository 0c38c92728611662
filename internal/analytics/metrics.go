package analytics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Snap is the point-in-time view served by the admin stats endpoint.
type Snap struct {
	Requests      uint64            `json:"requests"`
	Admitted      uint64            `json:"admitted"`
	Challenged    uint64            `json:"challenged"`
	Rejected      uint64            `json:"rejected"`
	RateLimited   uint64            `json:"rate_limited"`
	CaptchaIssued uint64            `json:"captcha_issued"`
	CaptchaSolved uint64            `json:"captcha_solved"`
	AuditDropped  uint64            `json:"audit_dropped"`
	UpstreamErrs  uint64            `json:"upstream_errors"`
	ByStatus      map[int]uint64    `json:"by_status"`
	ByLimitType   map[string]uint64 `json:"by_limit_type"`
	UpdatedAt     int64             `json:"updated_at"`
}

// Metrics counts admission outcomes. Hot counters are atomics; the keyed
// maps take a mutex.
type Metrics struct {
	requests      atomic.Uint64
	admitted      atomic.Uint64
	challenged    atomic.Uint64
	rejected      atomic.Uint64
	rateLimited   atomic.Uint64
	captchaIssued atomic.Uint64
	captchaSolved atomic.Uint64
	auditDropped  atomic.Uint64
	upstreamErrs  atomic.Uint64

	mu          sync.Mutex
	byStatus    map[int]uint64
	byLimitType map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		byStatus:    map[int]uint64{},
		byLimitType: map[string]uint64{},
	}
}

func (m *Metrics) IncRequests() { m.requests.Add(1) }
func (m *Metrics) IncAdmitted() { m.admitted.Add(1) }
func (m *Metrics) IncChallenged() { m.challenged.Add(1) }
func (m *Metrics) IncRejected() { m.rejected.Add(1) }
func (m *Metrics) IncRateLimited() { m.rateLimited.Add(1) }
func (m *Metrics) IncCaptchaIssued() { m.captchaIssued.Add(1) }
func (m *Metrics) IncCaptchaSolved() { m.captchaSolved.Add(1) }
func (m *Metrics) IncAuditDropped() { m.auditDropped.Add(1) }
func (m *Metrics) IncUpstreamErrors() { m.upstreamErrs.Add(1) }

func (m *Metrics) IncStatus(code int) {
	m.mu.Lock()
	m.byStatus[code]++
	m.mu.Unlock()
}

func (m *Metrics) IncLimitType(limitType string) {
	if limitType == "" {
		return
	}
	m.mu.Lock()
	m.byLimitType[limitType]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snap {
	m.mu.Lock()
	statuses := make(map[int]uint64, len(m.byStatus))
	for k, v := range m.byStatus {
		statuses[k] = v
	}
	types := make(map[string]uint64, len(m.byLimitType))
	for k, v := range m.byLimitType {
		types[k] = v
	}
	m.mu.Unlock()

	return Snap{
		Requests:      m.requests.Load(),
		Admitted:      m.admitted.Load(),
		Challenged:    m.challenged.Load(),
		Rejected:      m.rejected.Load(),
		RateLimited:   m.rateLimited.Load(),
		CaptchaIssued: m.captchaIssued.Load(),
		CaptchaSolved: m.captchaSolved.Load(),
		AuditDropped:  m.auditDropped.Load(),
		UpstreamErrs:  m.upstreamErrs.Load(),
		ByStatus:      statuses,
		ByLimitType:   types,
		UpdatedAt:     time.Now().Unix(),
	}
}

func (m *Metrics) SnapshotJSON() []byte {
	b, _ := json.Marshal(m.Snapshot())
	return b
}
