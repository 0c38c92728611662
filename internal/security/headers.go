package security

import "github.com/valyala/fasthttp"

const defaultCSP = "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self' 'unsafe-inline'; frame-src 'self';"

// HeaderPolicy is the security response header set stamped on every
// response the gateway produces or forwards.
type HeaderPolicy struct {
	Enabled               bool   `json:"enabled"`
	ContentSecurityPolicy string `json:"content_security_policy"`
	ReferrerPolicy        string `json:"referrer_policy"`
	FrameOptions          string `json:"frame_options"`
}

func DefaultHeaderPolicy() HeaderPolicy {
	return HeaderPolicy{
		Enabled:               true,
		ContentSecurityPolicy: defaultCSP,
		ReferrerPolicy:        "no-referrer",
		FrameOptions:          "SAMEORIGIN",
	}
}

func (p HeaderPolicy) Apply(ctx *fasthttp.RequestCtx) {
	if !p.Enabled {
		return
	}
	h := &ctx.Response.Header
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("X-Frame-Options", p.FrameOptions)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", p.ReferrerPolicy)
	h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
}
