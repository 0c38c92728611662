package captcha

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"gateguard/internal/defense"
	"gateguard/internal/security"
	"gateguard/internal/store"
)

const (
	textTTL    = time.Minute
	textLength = 4
	charset    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Renderer turns the expected text into whatever the challenge page shows.
// Rendering is delegated; the service only stores and verifies the text.
type Renderer interface {
	Render(text string) (body []byte, contentType string, err error)
}

// svgRenderer is the built-in fallback: a minimal inline SVG of the text.
type svgRenderer struct{}

func (svgRenderer) Render(text string) ([]byte, string, error) {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="160" height="60"><rect width="160" height="60" fill="#eee"/><text x="24" y="40" font-size="30" font-family="monospace" letter-spacing="8">%s</text></svg>`,
		text)
	return []byte(svg), "image/svg+xml", nil
}

// Service mints expected text bound to an IP, verifies submissions and
// promotes verified IPs from the black list into the white list.
type Service struct {
	store    store.Store
	keys     store.Keys
	machine  *defense.Machine
	resolver security.Resolver
	renderer Renderer
	pagePath string
	log      zerolog.Logger

	// Optional hooks for metrics.
	OnIssued func()
	OnSolved func()
}

func NewService(st store.Store, keys store.Keys, machine *defense.Machine, resolver security.Resolver, pagePath string, log zerolog.Logger) *Service {
	return &Service{
		store:    st,
		keys:     keys,
		machine:  machine,
		resolver: resolver,
		renderer: svgRenderer{},
		pagePath: pagePath,
		log:      log,
	}
}

// SetRenderer swaps the challenge renderer (image generation is external).
func (s *Service) SetRenderer(r Renderer) {
	if r != nil {
		s.renderer = r
	}
}

func NewText() string {
	b := make([]byte, textLength)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// Issue stores the expected text for ip with a one minute TTL, independent
// of any other per-IP state.
func (s *Service) Issue(ctx context.Context, ip string) (string, error) {
	text := NewText()
	if err := s.store.SetFlag(ctx, s.keys.IPCaptcha(ip), text, textTTL); err != nil {
		return "", err
	}
	return text, nil
}

// Verify compares the submission with the stored text. On a match the IP
// leaves the black list, enters the white list and the stored text is
// deleted; the mutations run in that order and partial failures are logged
// rather than surfaced, the whitelist insertion being the one the user
// observes.
func (s *Service) Verify(ctx context.Context, ip, text string) (bool, error) {
	stored, ok, err := s.store.GetFlag(ctx, s.keys.IPCaptcha(ip))
	if err != nil {
		return false, err
	}
	if !ok || text == "" || text != stored {
		return false, nil
	}

	if removed, err := s.machine.RemoveFromBlackList(ctx, ip); err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("blacklist removal failed during captcha promotion")
	} else if removed {
		s.log.Info().Str("ip", ip).Msg("captcha verified, IP removed from blacklist")
	}

	if err := s.machine.AddToWhiteList(ctx, ip); err != nil {
		s.log.Error().Err(err).Str("ip", ip).Msg("whitelist insert failed after captcha verification")
		return false, err
	}
	s.log.Info().Str("ip", ip).Msg("captcha verified, IP whitelisted")

	if _, err := s.store.DeleteFlag(ctx, s.keys.IPCaptcha(ip)); err != nil {
		s.log.Warn().Err(err).Str("ip", ip).Msg("captcha text cleanup failed")
	}
	if s.OnSolved != nil {
		s.OnSolved()
	}
	return true, nil
}

func jsonReply(ctx *fasthttp.RequestCtx, code int, v any) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	b, _ := json.Marshal(v)
	ctx.SetStatusCode(code)
	ctx.SetBody(b)
}

// ChallengeHandler mints and stores the expected text for the caller IP and
// responds with the rendered challenge.
func (s *Service) ChallengeHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ip := s.resolver.Resolve(ctx)
		text, err := s.Issue(ctx, ip)
		if err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("captcha issue failed")
			jsonReply(ctx, fasthttp.StatusInternalServerError,
				map[string]any{"success": false, "message": "captcha unavailable"})
			return
		}
		body, contentType, err := s.renderer.Render(text)
		if err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("captcha render failed")
			jsonReply(ctx, fasthttp.StatusInternalServerError,
				map[string]any{"success": false, "message": "captcha unavailable"})
			return
		}
		if s.OnIssued != nil {
			s.OnIssued()
		}
		s.log.Info().Str("ip", ip).Msg("captcha issued")
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetContentType(contentType)
		ctx.SetBody(body)
	}
}

// ValidateHandler is the form flow: 302 to / on success, 302 back to the
// captcha page otherwise.
func (s *Service) ValidateHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ip := s.resolver.Resolve(ctx)
		text := string(ctx.PostArgs().Peek("captcha"))
		if text == "" {
			text = string(ctx.QueryArgs().Peek("captcha"))
		}

		ok, err := s.Verify(ctx, ip, text)
		if err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("captcha verification errored")
		}
		ctx.Response.Header.Set("Cache-Control", "no-store")
		if ok {
			ctx.Response.Header.Set("Location", "/")
			ctx.SetStatusCode(fasthttp.StatusFound)
			return
		}
		s.log.Info().Str("ip", ip).Msg("captcha verification failed")
		ctx.Response.Header.Set("Location", s.pagePath)
		ctx.SetStatusCode(fasthttp.StatusFound)
	}
}

// InfoHandler reports the active-IP count and whether captcha mode is on.
func (s *Service) InfoHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		count, err := s.machine.ActiveIPCount(ctx)
		if err != nil {
			count = 0
		}
		required, err := s.machine.IsCaptchaRequired(ctx)
		if err != nil {
			required = false
		}
		jsonReply(ctx, fasthttp.StatusOK, map[string]any{
			"last10SecondsReqIpsCount": count,
			"captchaRequired":          required,
		})
	}
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Captcha</title>
</head>
<body>

<form action="/validate-captcha" method="post">
    <label for="captcha">Enter Captcha:</label>
    <input type="text" name="captcha" id="captcha" required>
    <br>
    <img src="/captcha" alt="Captcha Image" onclick="this.src='/captcha?' + Math.random();" style="cursor:pointer;">
    <br>
    <input type="submit" value="Submit">
</form>

</body>
</html>`

// PageHandler serves the minimal challenge page.
func (s *Service) PageHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/html; charset=utf-8")
		ctx.SetBodyString(pageHTML)
	}
}
