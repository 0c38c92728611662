package browser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/valyala/fasthttp"

	"gateguard/internal/security"
)

type Strictness string

const (
	Strict   Strictness = "STRICT"
	Moderate Strictness = "MODERATE"
	Loose    Strictness = "LOOSE"
)

func (s Strictness) Threshold() int {
	switch s {
	case Strict:
		return 50
	case Loose:
		return -20
	default:
		return 20
	}
}

type Config struct {
	Enabled                bool       `json:"enabled"`
	Strictness             Strictness `json:"strictness"`
	SkipPaths              []string   `json:"skip_paths"`
	BotUserAgents          []string   `json:"bot_user_agents"`
	RealBrowserUserAgents  []string   `json:"real_browser_user_agents"`
	RequiredHeaders        []string   `json:"required_headers"`
	SuspiciousHeaders      []string   `json:"suspicious_headers"`
	MinUserAgentLength     int        `json:"min_user_agent_length"`
	MaxUserAgentLength     int        `json:"max_user_agent_length"`
	CheckJavaScriptSupport bool       `json:"check_javascript_support"`
	RejectionMessage       string     `json:"rejection_message"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Strictness: Moderate,
		SkipPaths:  []string{"/actuator/**", "/health/**", "/api/browser-detection/**", "/static/**"},
		BotUserAgents: []string{
			"bot", "crawl", "spider", "scrape", "fetch", "curl", "wget", "python",
			"java", "go-http-client", "okhttp", "apache-httpclient", "requests",
			"urllib", "mechanize", "scrapy", "phantom", "headless", "automation",
			"selenium", "webdriver", "puppeteer", "playwright", "test",
		},
		RealBrowserUserAgents:  []string{"Mozilla", "Chrome", "Safari", "Firefox", "Edge", "Opera", "Brave"},
		RequiredHeaders:        []string{"Accept", "Accept-Language", "Accept-Encoding", "Connection"},
		SuspiciousHeaders:      []string{"X-Requested-With", "X-Forwarded-Proto", "X-Real-IP"},
		MinUserAgentLength:     20,
		MaxUserAgentLength:     1000,
		CheckJavaScriptSupport: true,
		RejectionMessage:       "Access denied: Non-browser request detected",
	}
}

var mobilePattern = regexp.MustCompile(`(?i)(Android|iPhone|iPad|iPod|BlackBerry|Windows Phone|Mobile)`)

// AxisScore accumulates the additive score of one detection axis along with
// the reasons that produced it.
type AxisScore struct {
	Score   int
	Reasons []string
}

func (a *AxisScore) penalty(n int, reason string) {
	a.Score -= n
	a.Reasons = append(a.Reasons, fmt.Sprintf("-%d: %s", n, reason))
}

func (a *AxisScore) bonus(n int, reason string) {
	a.Score += n
	a.Reasons = append(a.Reasons, fmt.Sprintf("+%d: %s", n, reason))
}

type Result struct {
	UserAgentScore  AxisScore
	HeaderScore     AxisScore
	JavaScriptScore AxisScore
	FinalScore      int
	Threshold       int
	Browser         bool
	RejectionReason string
}

// Detector scores how browser-like a request looks. It is stateless: the
// same headers always produce the same result.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) ShouldSkip(path string) bool {
	return security.MatchAnyPath(d.cfg.SkipPaths, path)
}

// Detect scores the request headers. An internal panic degrades by
// strictness: STRICT rejects, anything else admits.
func (d *Detector) Detect(h *fasthttp.RequestHeader) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Threshold:       d.cfg.Strictness.Threshold(),
				Browser:         d.cfg.Strictness != Strict,
				RejectionReason: fmt.Sprintf("detector failure: %v", r),
			}
		}
	}()

	res.UserAgentScore = d.scoreUserAgent(string(h.UserAgent()))
	res.HeaderScore = d.scoreHeaders(h)
	res.JavaScriptScore = d.scoreJavaScript(h)
	res.FinalScore = res.UserAgentScore.Score + res.HeaderScore.Score + res.JavaScriptScore.Score
	res.Threshold = d.cfg.Strictness.Threshold()
	res.Browser = res.FinalScore >= res.Threshold
	if !res.Browser {
		res.RejectionReason = fmt.Sprintf(
			"browser detection failed - score: %d (threshold: %d). UA(%s), Headers(%s), JS(%s)",
			res.FinalScore, res.Threshold,
			strings.Join(res.UserAgentScore.Reasons, "; "),
			strings.Join(res.HeaderScore.Reasons, "; "),
			strings.Join(res.JavaScriptScore.Reasons, "; "))
	}
	return res
}

func (d *Detector) scoreUserAgent(ua string) AxisScore {
	var s AxisScore
	if ua == "" {
		s.penalty(50, "missing User-Agent")
		return s
	}
	if len(ua) < d.cfg.MinUserAgentLength {
		s.penalty(30, "User-Agent too short")
	}
	if len(ua) > d.cfg.MaxUserAgentLength {
		s.penalty(20, "User-Agent too long")
	}

	lower := strings.ToLower(ua)
	for _, bot := range d.cfg.BotUserAgents {
		if strings.Contains(lower, strings.ToLower(bot)) {
			s.penalty(80, "bot keyword: "+bot)
			break
		}
	}

	hasBrowserSignature := false
	for _, kw := range d.cfg.RealBrowserUserAgents {
		if strings.Contains(ua, kw) {
			s.bonus(20, "browser keyword: "+kw)
			hasBrowserSignature = true
			break
		}
	}
	if !hasBrowserSignature {
		s.penalty(40, "no browser keyword")
	}

	if mobilePattern.MatchString(ua) {
		s.bonus(10, "mobile browser")
	}

	if strings.Contains(ua, "(") && strings.Contains(ua, ")") && strings.Contains(ua, ";") {
		s.bonus(15, "complex User-Agent structure")
	} else {
		s.penalty(25, "simple User-Agent structure")
	}
	return s
}

func (d *Detector) scoreHeaders(h *fasthttp.RequestHeader) AxisScore {
	var s AxisScore

	missing := 0
	for _, name := range d.cfg.RequiredHeaders {
		if len(h.Peek(name)) == 0 {
			missing++
			s.penalty(15, "missing required header: "+name)
		} else {
			s.bonus(5, "required header present: "+name)
		}
	}
	if missing > 2 {
		s.penalty(30, "too many required headers missing")
	}

	accept := string(h.Peek("Accept"))
	if accept != "" {
		if strings.Contains(accept, "text/html") && strings.Contains(accept, "*/*") {
			s.bonus(15, "browser-like Accept")
		} else if accept == "*/*" {
			s.penalty(20, "trivial Accept")
		}
	}

	lang := string(h.Peek("Accept-Language"))
	if lang != "" && strings.Contains(lang, ",") && strings.Contains(lang, "q=") {
		s.bonus(10, "Accept-Language with quality values")
	}

	enc := string(h.Peek("Accept-Encoding"))
	if enc != "" && (strings.Contains(enc, "gzip") || strings.Contains(enc, "deflate")) {
		s.bonus(10, "compression supported")
	}

	for _, name := range d.cfg.SuspiciousHeaders {
		if len(h.Peek(name)) > 0 {
			s.penalty(10, "suspicious header: "+name)
		}
	}

	if strings.EqualFold(string(h.Peek("Connection")), "keep-alive") {
		s.bonus(5, "keep-alive connection")
	}
	return s
}

func (d *Detector) scoreJavaScript(h *fasthttp.RequestHeader) AxisScore {
	var s AxisScore
	if !d.cfg.CheckJavaScriptSupport {
		return s
	}
	if string(h.Peek("X-Requested-With")) == "XMLHttpRequest" {
		s.bonus(20, "AJAX request")
	}
	if len(h.Peek("Referer")) > 0 {
		s.bonus(10, "Referer present")
	}
	return s
}
