package defense

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gateguard/internal/ratelimit"
	"gateguard/internal/security"
	"gateguard/internal/store"
)

// Verdict is the admission outcome for one request. Exactly one verdict is
// produced per evaluation.
type Verdict int

const (
	VerdictAdmit Verdict = iota
	VerdictChallenge
)

// Rate limit type labels recorded into attributes and audit records.
const (
	TypeBlacklistBlocked = "BLACKLIST_BLOCKED"
	TypeIPRateLimit      = "IP_RATE_LIMIT"
	TypeDdosThreshold    = "DDOS_THRESHOLD"
	TypeDdosProtection   = "DDOS_PROTECTION"
	TypeCaptchaRequired  = "CAPTCHA_REQUIRED"
)

type Config struct {
	Enabled                   bool     `json:"enabled"`
	DdosThresholdIPCount      int      `json:"ddos_threshold_ip_count"`
	DdosReleaseIPCount        int      `json:"ddos_release_ip_count"`
	IPTrackDurationSeconds    int      `json:"ip_track_duration_seconds"`
	WhiteListDurationMinutes  int      `json:"white_list_duration_minutes"`
	BlackListDurationMinutes  int      `json:"black_list_duration_minutes"`
	CaptchaDurationMinutes    int      `json:"captcha_duration_minutes"`
	BlackListEnabled          bool     `json:"black_list_enabled"`
	SkipPaths                 []string `json:"skip_paths"`
	CaptchaPagePath           string   `json:"captcha_page_path"`
	BaseURL                   string   `json:"base_url"`
	StrictMode                bool     `json:"strict_mode"`
	AllowAPIWhenCaptchaActive bool     `json:"allow_api_when_captcha_active"`
	APIPathPrefixes           []string `json:"api_path_prefixes"`
	VerboseLogging            bool     `json:"verbose_logging"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		DdosThresholdIPCount:      50,
		DdosReleaseIPCount:        10,
		IPTrackDurationSeconds:    10,
		WhiteListDurationMinutes:  5,
		BlackListDurationMinutes:  30,
		CaptchaDurationMinutes:    5,
		BlackListEnabled:          true,
		SkipPaths:                 []string{"/static/captcha.html", "/api/rate-limit/**", "/captcha", "/validate-captcha", "/captcha-info", "/static/captcha"},
		CaptchaPagePath:           "/static/captcha",
		AllowAPIWhenCaptchaActive: true,
	}
}

// Evaluation carries the verdict plus everything downstream filters and the
// audit recorder want to know about how it was reached.
type Evaluation struct {
	Verdict       Verdict
	InWhiteList   bool
	InBlackList   bool
	BlacklistInfo string
	RateLimited   bool
	LimitType     string
	Decision      ratelimit.Decision
	ActiveIPCount int
	Skipped       bool
	// Advisory is set when a challenge was relaxed for an API caller in
	// non-strict mode; the response should carry a hint header.
	Advisory bool
}

// LimitLog is handed to the trigger logger whenever the machine rejects or
// challenges for a reason worth keeping.
type LimitLog struct {
	ClientIP      string
	Path          string
	Method        string
	UserAgent     string
	LimitType     string
	Reason        string
	CurrentCount  int
	Threshold     int
	WindowSeconds int
	ActiveIPCount int
	InWhiteList   bool
}

// LimitLogger receives trigger logs; implementations must not block.
type LimitLogger interface {
	Record(LimitLog)
}

type nopLogger struct{}

func (nopLogger) Record(LimitLog) {}

// Machine couples the white list, the black list, the global
// captcha-required flag and the active-IP tracker into one per-request
// decision. All state lives in the store; any store failure collapses the
// verdict to admit.
type Machine struct {
	store   store.Store
	keys    store.Keys
	limiter *ratelimit.Limiter
	cfg     Config
	log     zerolog.Logger
	trigger LimitLogger
}

func NewMachine(st store.Store, keys store.Keys, limiter *ratelimit.Limiter, cfg Config, log zerolog.Logger, trigger LimitLogger) *Machine {
	if trigger == nil {
		trigger = nopLogger{}
	}
	return &Machine{store: st, keys: keys, limiter: limiter, cfg: cfg, log: log, trigger: trigger}
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) activeWindow() time.Duration {
	return time.Duration(m.cfg.IPTrackDurationSeconds) * time.Second
}

func (m *Machine) isAPIRequest(path string) bool {
	for _, prefix := range m.cfg.APIPathPrefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Evaluate runs the transition table: skip-path, whitelist, blacklist,
// active-set observation, per-IP windows, then DDoS hysteresis. First match
// wins and produces the single verdict.
func (m *Machine) Evaluate(ctx context.Context, ip, path, method, userAgent string) Evaluation {
	if !m.cfg.Enabled {
		return Evaluation{Verdict: VerdictAdmit, Skipped: true}
	}
	if security.MatchAnyPath(m.cfg.SkipPaths, path) {
		if m.cfg.VerboseLogging {
			m.log.Debug().Str("ip", ip).Str("path", path).Msg("skip path, bypassing state machine")
		}
		return Evaluation{Verdict: VerdictAdmit, Skipped: true}
	}

	if white, err := m.store.HasFlag(ctx, m.keys.WhiteList(ip)); err != nil {
		m.log.Warn().Err(err).Str("ip", ip).Msg("whitelist check failed, admitting")
		return Evaluation{Verdict: VerdictAdmit, LimitType: ratelimit.LimitTypeError}
	} else if white {
		return Evaluation{Verdict: VerdictAdmit, InWhiteList: true}
	}

	if info, black, err := m.BlackListInfo(ctx, ip); err != nil {
		m.log.Warn().Err(err).Str("ip", ip).Msg("blacklist check failed, admitting")
		return Evaluation{Verdict: VerdictAdmit, LimitType: ratelimit.LimitTypeError}
	} else if black {
		m.log.Warn().Str("ip", ip).Str("info", info).Msg("blacklisted IP blocked")
		m.trigger.Record(LimitLog{
			ClientIP: ip, Path: path, Method: method, UserAgent: userAgent,
			LimitType: TypeBlacklistBlocked,
			Reason:    "blacklisted, captcha verification required - " + info,
		})
		return Evaluation{
			Verdict:     VerdictChallenge,
			InBlackList: true, BlacklistInfo: info,
			RateLimited: true, LimitType: TypeBlacklistBlocked,
		}
	}

	if err := m.store.ObserveActive(ctx, ip, time.Now(), m.activeWindow()); err != nil {
		m.log.Warn().Err(err).Str("ip", ip).Msg("active-set observation failed")
	}

	d := m.limiter.CheckIP(ctx, ip)
	if !d.Allowed {
		reason := TypeIPRateLimit + ":" + d.LimitType
		m.addToBlackListIfEnabled(ctx, ip, reason)
		m.trigger.Record(LimitLog{
			ClientIP: ip, Path: path, Method: method, UserAgent: userAgent,
			LimitType: TypeIPRateLimit, Reason: reason,
			CurrentCount: d.CurrentCount, Threshold: d.Threshold, WindowSeconds: d.WindowSeconds,
		})
		return Evaluation{
			Verdict:     VerdictChallenge,
			RateLimited: true, LimitType: TypeIPRateLimit, Decision: d,
		}
	}

	return m.evaluateDdos(ctx, ip, path, method, userAgent, d)
}

func (m *Machine) evaluateDdos(ctx context.Context, ip, path, method, userAgent string, d ratelimit.Decision) Evaluation {
	count, err := m.store.ActiveIPCount(ctx, time.Now(), m.activeWindow())
	if err != nil {
		m.log.Warn().Err(err).Msg("active IP count failed, admitting")
		return Evaluation{Verdict: VerdictAdmit, LimitType: ratelimit.LimitTypeError, Decision: d}
	}
	if m.cfg.VerboseLogging {
		m.log.Debug().Int("active_ips", count).Msg("active IP count")
	}

	captchaOn, err := m.store.HasFlag(ctx, m.keys.CaptchaRequired())
	if err != nil {
		m.log.Warn().Err(err).Msg("captcha flag check failed, admitting")
		return Evaluation{Verdict: VerdictAdmit, LimitType: ratelimit.LimitTypeError, Decision: d}
	}

	if captchaOn {
		if count <= m.cfg.DdosReleaseIPCount {
			m.log.Info().Int("active_ips", count).Msg("active IPs below release threshold, clearing captcha mode")
			if _, err := m.store.DeleteFlag(ctx, m.keys.CaptchaRequired()); err != nil {
				m.log.Warn().Err(err).Msg("clearing captcha flag failed")
			}
			return Evaluation{Verdict: VerdictAdmit, ActiveIPCount: count, Decision: d}
		}
		if !m.cfg.StrictMode && m.cfg.AllowAPIWhenCaptchaActive && m.isAPIRequest(path) {
			return Evaluation{Verdict: VerdictAdmit, ActiveIPCount: count, Decision: d, Advisory: true}
		}
		m.addToBlackListIfEnabled(ctx, ip, "CAPTCHA_ACTIVE")
		m.trigger.Record(LimitLog{
			ClientIP: ip, Path: path, Method: method, UserAgent: userAgent,
			LimitType: TypeDdosProtection, Reason: "captcha mode active, access challenged",
			ActiveIPCount: count, Threshold: m.cfg.DdosReleaseIPCount,
		})
		return Evaluation{
			Verdict:     VerdictChallenge,
			RateLimited: true, LimitType: TypeDdosProtection,
			ActiveIPCount: count, Decision: d,
		}
	}

	if count >= m.cfg.DdosThresholdIPCount {
		m.log.Warn().Int("active_ips", count).Str("ip", ip).Msg("DDoS threshold crossed, engaging captcha mode")
		if err := m.EnableCaptchaRequired(ctx); err != nil {
			m.log.Warn().Err(err).Msg("setting captcha flag failed")
		}
		m.addToBlackListIfEnabled(ctx, ip, TypeDdosThreshold)
		m.trigger.Record(LimitLog{
			ClientIP: ip, Path: path, Method: method, UserAgent: userAgent,
			LimitType: TypeDdosThreshold, Reason: "DDoS detected, captcha mode engaged",
			ActiveIPCount: count, Threshold: m.cfg.DdosThresholdIPCount,
		})
		return Evaluation{
			Verdict:     VerdictChallenge,
			RateLimited: true, LimitType: TypeDdosThreshold,
			ActiveIPCount: count, Decision: d,
		}
	}

	return Evaluation{Verdict: VerdictAdmit, ActiveIPCount: count, Decision: d}
}

func (m *Machine) addToBlackListIfEnabled(ctx context.Context, ip, reason string) {
	if !m.cfg.BlackListEnabled {
		return
	}
	if err := m.AddToBlackList(ctx, ip, reason, time.Duration(m.cfg.BlackListDurationMinutes)*time.Minute); err != nil {
		m.log.Warn().Err(err).Str("ip", ip).Msg("blacklist insert failed")
		return
	}
	m.log.Warn().Str("ip", ip).Str("reason", reason).
		Int("minutes", m.cfg.BlackListDurationMinutes).Msg("IP blacklisted")
}

// AddToWhiteList inserts ip with the configured whitelist TTL.
func (m *Machine) AddToWhiteList(ctx context.Context, ip string) error {
	ttl := time.Duration(m.cfg.WhiteListDurationMinutes) * time.Minute
	return m.store.SetFlag(ctx, m.keys.WhiteList(ip), "verified", ttl)
}

func (m *Machine) RemoveFromWhiteList(ctx context.Context, ip string) (bool, error) {
	return m.store.DeleteFlag(ctx, m.keys.WhiteList(ip))
}

func (m *Machine) IsInWhiteList(ctx context.Context, ip string) (bool, error) {
	return m.store.HasFlag(ctx, m.keys.WhiteList(ip))
}

// AddToBlackList stores ip with its reason and insertion timestamp. An IP
// in the whitelist is un-whitelisted first so the two lists never overlap.
func (m *Machine) AddToBlackList(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if white, err := m.store.HasFlag(ctx, m.keys.WhiteList(ip)); err == nil && white {
		if _, err := m.store.DeleteFlag(ctx, m.keys.WhiteList(ip)); err != nil {
			return err
		}
	}
	value := fmt.Sprintf("reason:%s,timestamp:%d", reason, time.Now().UnixMilli())
	return m.store.SetFlag(ctx, m.keys.BlackList(ip), value, ttl)
}

func (m *Machine) RemoveFromBlackList(ctx context.Context, ip string) (bool, error) {
	return m.store.DeleteFlag(ctx, m.keys.BlackList(ip))
}

func (m *Machine) IsInBlackList(ctx context.Context, ip string) (bool, error) {
	return m.store.HasFlag(ctx, m.keys.BlackList(ip))
}

func (m *Machine) BlackListInfo(ctx context.Context, ip string) (string, bool, error) {
	return m.store.GetFlag(ctx, m.keys.BlackList(ip))
}

func (m *Machine) IsCaptchaRequired(ctx context.Context) (bool, error) {
	return m.store.HasFlag(ctx, m.keys.CaptchaRequired())
}

func (m *Machine) EnableCaptchaRequired(ctx context.Context) error {
	ttl := time.Duration(m.cfg.CaptchaDurationMinutes) * time.Minute
	return m.store.SetFlag(ctx, m.keys.CaptchaRequired(), "true", ttl)
}

func (m *Machine) DisableCaptchaRequired(ctx context.Context) (bool, error) {
	return m.store.DeleteFlag(ctx, m.keys.CaptchaRequired())
}

func (m *Machine) ActiveIPCount(ctx context.Context) (int, error) {
	return m.store.ActiveIPCount(ctx, time.Now(), m.activeWindow())
}

// CheckRelease is the periodic hysteresis check: while captcha mode is
// engaged and the active-IP count has fallen to the release threshold, the
// flag is cleared without waiting for a request to observe it.
func (m *Machine) CheckRelease(ctx context.Context) {
	on, err := m.IsCaptchaRequired(ctx)
	if err != nil || !on {
		return
	}
	count, err := m.ActiveIPCount(ctx)
	if err != nil {
		return
	}
	if count <= m.cfg.DdosReleaseIPCount {
		if _, err := m.DisableCaptchaRequired(ctx); err == nil {
			m.log.Info().Int("active_ips", count).Msg("captcha mode released by background check")
		}
	}
}
