package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
)

// Admin sessions ride on a signed cookie pair: the payload cookie carries
// the JSON body, the verifier cookie its HMAC. Tampering with either one
// invalidates the session.
const (
	sessionCookie  = "gateguard_s"
	verifierCookie = "gateguard_v"
)

// SessionPayload is what an authenticated admin session asserts. The
// user-agent is pinned so a lifted cookie pair fails verification from a
// different client.
type SessionPayload struct {
	Ts    int64  `json:"ts"`
	Exp   int64  `json:"exp"`
	UA    string `json:"ua"`
	User  string `json:"user"`
	Role  string `json:"role"`
	Nonce string `json:"nonce"`
}

func rb(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func sign(secret string, payload []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return b64(m.Sum(nil))
}

func NewSession(ctx *fasthttp.RequestCtx, user, role string, ttl time.Duration) SessionPayload {
	ts := time.Now().Unix()
	return SessionPayload{
		Ts:    ts,
		Exp:   ts + int64(ttl.Seconds()),
		UA:    string(ctx.UserAgent()),
		User:  user,
		Role:  role,
		Nonce: b64(rb(16)),
	}
}

func SetSession(ctx *fasthttp.RequestCtx, secret string, p SessionPayload) {
	raw, _ := json.Marshal(p)
	expire := time.Unix(p.Exp, 0)

	pc := fasthttp.Cookie{}
	pc.SetKey(sessionCookie)
	pc.SetValue(b64(raw))
	pc.SetPath("/")
	pc.SetHTTPOnly(true)
	pc.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	pc.SetExpire(expire)
	if ctx.IsTLS() {
		pc.SetSecure(true)
	}
	vc := fasthttp.Cookie{}
	vc.SetKey(verifierCookie)
	vc.SetValue(sign(secret, raw))
	vc.SetPath("/")
	vc.SetHTTPOnly(true)
	vc.SetSameSite(fasthttp.CookieSameSiteLaxMode)
	vc.SetExpire(expire)
	if ctx.IsTLS() {
		vc.SetSecure(true)
	}
	ctx.Response.Header.SetCookie(&pc)
	ctx.Response.Header.SetCookie(&vc)
}

func ReadSession(ctx *fasthttp.RequestCtx, secret string) (SessionPayload, bool) {
	var p SessionPayload
	pb := ctx.Request.Header.Cookie(sessionCookie)
	vb := ctx.Request.Header.Cookie(verifierCookie)
	if len(pb) == 0 || len(vb) == 0 {
		return p, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(string(pb))
	if err != nil {
		return p, false
	}
	if !hmac.Equal([]byte(sign(secret, raw)), vb) {
		return p, false
	}
	if json.Unmarshal(raw, &p) != nil {
		return p, false
	}
	if p.Exp < time.Now().Unix() {
		return p, false
	}
	if p.UA != string(ctx.UserAgent()) {
		return p, false
	}
	return p, true
}
