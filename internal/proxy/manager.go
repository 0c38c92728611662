package proxy

import (
	"crypto/tls"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"gateguard/internal/analytics"
)

// Route maps a path prefix to an upstream service. The longest matching
// prefix wins; requests that match nothing get a 502.
type Route struct {
	Prefix      string `json:"prefix"`
	Target      string `json:"target"` // host:port
	TLS         bool   `json:"tls"`
	StripPrefix bool   `json:"strip_prefix"`
}

type Config struct {
	Routes              []Route `json:"routes"`
	ConnectTimeoutMs    int     `json:"connect_timeout_ms"`
	ResponseTimeoutMs   int     `json:"response_timeout_ms"`
	MaxConnsPerUpstream int     `json:"max_conns_per_upstream"`
	InsecureTLS         bool    `json:"insecure_tls"`
}

// Manager forwards admitted requests to their upstream. Routes are swapped
// as one snapshot on reload.
type Manager struct {
	client  *fasthttp.Client
	routes  atomic.Pointer[[]Route]
	timeout time.Duration
	metrics *analytics.Metrics
	log     zerolog.Logger
}

func NewManager(cfg Config, metrics *analytics.Metrics, log zerolog.Logger) *Manager {
	connect := time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
	if connect <= 0 {
		connect = 3 * time.Second
	}
	response := time.Duration(cfg.ResponseTimeoutMs) * time.Millisecond
	if response <= 0 {
		response = 10 * time.Second
	}
	maxConns := cfg.MaxConnsPerUpstream
	if maxConns <= 0 {
		maxConns = 512
	}
	m := &Manager{
		client: &fasthttp.Client{
			ReadTimeout:     response,
			WriteTimeout:    connect,
			MaxConnsPerHost: maxConns,
			TLSConfig: &tls.Config{
				InsecureSkipVerify: cfg.InsecureTLS,
				MinVersion:         tls.VersionTLS12,
			},
		},
		timeout: response,
		metrics: metrics,
		log:     log,
	}
	m.ReplaceRoutes(cfg.Routes)
	return m
}

func (m *Manager) ReplaceRoutes(routes []Route) {
	cp := make([]Route, len(routes))
	copy(cp, routes)
	m.routes.Store(&cp)
}

func (m *Manager) resolve(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range *m.routes.Load() {
		if strings.HasPrefix(path, r.Prefix) && (!found || len(r.Prefix) > len(best.Prefix)) {
			best = r
			found = true
		}
	}
	return best, found
}

// Handler copies the request to the resolved upstream and the response
// back. Upstream failure surfaces as 502; the admission pipeline itself
// never produces a 5xx.
func (m *Manager) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		route, ok := m.resolve(path)
		if !ok {
			m.badGateway(ctx, "no upstream route")
			return
		}

		uri := string(ctx.RequestURI())
		if route.StripPrefix {
			uri = strings.TrimPrefix(uri, route.Prefix)
			if uri == "" || uri[0] != '/' {
				uri = "/" + uri
			}
		}
		scheme := "http"
		if route.TLS {
			scheme = "https"
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(scheme + "://" + route.Target + uri)
		req.Header.SetMethodBytes(ctx.Method())
		if len(ctx.PostBody()) > 0 {
			req.SetBodyRaw(ctx.PostBody())
		}
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			ks := strings.ToLower(string(k))
			if ks == "host" || ks == "connection" {
				return
			}
			req.Header.SetBytesKV(k, v)
		})
		req.Header.Set("X-Forwarded-For", ctx.RemoteIP().String())

		if err := m.client.DoTimeout(req, resp, m.timeout); err != nil {
			m.log.Warn().Err(err).Str("target", route.Target).Str("path", path).Msg("upstream request failed")
			if m.metrics != nil {
				m.metrics.IncUpstreamErrors()
			}
			m.badGateway(ctx, "upstream unavailable")
			return
		}

		resp.Header.VisitAll(func(k, v []byte) { ctx.Response.Header.SetBytesKV(k, v) })
		ctx.SetStatusCode(resp.StatusCode())
		ctx.Response.SetBodyRaw(append([]byte(nil), resp.Body()...))
	}
}

func (m *Manager) badGateway(ctx *fasthttp.RequestCtx, msg string) {
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"code":502,"message":"` + msg + `","data":null}`)
}
