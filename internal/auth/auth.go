package auth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"gateguard/internal/security"
)

const (
	roleAdmin  = "admin"
	sessionTTL = 24 * time.Hour
)

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type usersFile struct {
	Users []User `json:"users"`
}

// Guard authenticates the admin surface. Credentials load once from the
// users file into memory; passwords are bcrypt hashes only. An empty users
// file leaves the guard open so single-operator dev setups keep working.
type Guard struct {
	secret string
	path   string

	mu     sync.RWMutex
	hashes map[string]string // lowercase username -> bcrypt hash
}

func NewGuard(secret, usersPath string) (*Guard, error) {
	g := &Guard{secret: secret, path: usersPath, hashes: map[string]string{}}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the users file. A missing file means an empty guard.
func (g *Guard) Reload() error {
	b, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			g.mu.Lock()
			g.hashes = map[string]string{}
			g.mu.Unlock()
			return nil
		}
		return err
	}
	var f usersFile
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	hashes := make(map[string]string, len(f.Users))
	for _, u := range f.Users {
		if u.Username == "" || u.PasswordHash == "" {
			continue
		}
		hashes[strings.ToLower(u.Username)] = u.PasswordHash
	}
	g.mu.Lock()
	g.hashes = hashes
	g.mu.Unlock()
	return nil
}

// Enabled reports whether any credentials are configured.
func (g *Guard) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.hashes) > 0
}

func (g *Guard) check(username, password string) bool {
	g.mu.RLock()
	hash, ok := g.hashes[strings.ToLower(username)]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Bootstrap writes a users file with one admin entry when none exists yet.
// Called at startup with operator-provided credentials; a populated guard
// is left untouched.
func (g *Guard) Bootstrap(username, password string) error {
	if g.Enabled() {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("auth: bootstrap needs a username and password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return err
	}
	b, _ := json.MarshalIndent(usersFile{Users: []User{{
		Username:     username,
		PasswordHash: string(hash),
	}}}, "", "  ")
	if err := os.WriteFile(g.path, b, 0600); err != nil {
		return err
	}
	return g.Reload()
}

// LoginHandler checks credentials and opens a signed admin session.
func (g *Guard) LoginHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if json.Unmarshal(ctx.PostBody(), &req) != nil || req.Username == "" || req.Password == "" {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		if !g.check(req.Username, req.Password) {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			return
		}
		p := security.NewSession(ctx, strings.ToLower(req.Username), roleAdmin, sessionTTL)
		security.SetSession(ctx, g.secret, p)
		ctx.Response.Header.Set("Content-Type", "application/json")
		ctx.SetBody([]byte(`{"ok":true}`))
	}
}

// Require wraps an admin handler behind the session check.
func (g *Guard) Require(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !g.Enabled() {
			next(ctx)
			return
		}
		p, ok := security.ReadSession(ctx, g.secret)
		if !ok || p.Role != roleAdmin {
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.Response.Header.Set("Content-Type", "application/json")
			ctx.SetBody([]byte(`{"success":false,"message":"unauthorized"}`))
			return
		}
		next(ctx)
	}
}
