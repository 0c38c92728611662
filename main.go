package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gateguard/internal/access"
	"gateguard/internal/analytics"
	"gateguard/internal/auth"
	"gateguard/internal/browser"
	"gateguard/internal/captcha"
	"gateguard/internal/defense"
	"gateguard/internal/gateway"
	"gateguard/internal/health"
	"gateguard/internal/proxy"
	"gateguard/internal/ratelimit"
	"gateguard/internal/security"
	"gateguard/internal/store"
)

const dirConfigs = "configs"

const (
	storageLocalMemory = "LOCAL_MEMORY"
	storageRemote      = "REMOTE"
)

type RedisCfg struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type MongoCfg struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type AppConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	ServerKey       string   `json:"server_key"`
	LogLevel        string   `json:"log_level"`
	PrettyLog       bool     `json:"pretty_log"`
	MaxTrustedIndex int      `json:"x_forwarded_for_max_trusted_index"`
	AdminGuardRPS   int      `json:"admin_guard_rps"`
	Redis           RedisCfg `json:"redis"`
	Mongo           MongoCfg `json:"mongo"`
}

type RateLimitConfig struct {
	Enabled                   bool                 `json:"enabled"`
	StorageType               string               `json:"storage_type"`
	RedisKeyPrefix            string               `json:"redis_key_prefix"`
	MaxRequestsPerSecond      int                  `json:"max_requests_per_second"`
	MaxRequestsPerMinute      int                  `json:"max_requests_per_minute"`
	DefaultWindowSeconds      int                  `json:"default_window_size"`
	DefaultMaxRequests        int                  `json:"default_max_requests"`
	PathRules                 []ratelimit.PathRule `json:"path_rules"`
	DdosThresholdIPCount      int                  `json:"ddos_threshold_ip_count"`
	DdosReleaseIPCount        int                  `json:"ddos_release_ip_count"`
	IPTrackDurationSeconds    int                  `json:"ip_track_duration_seconds"`
	WhiteListDurationMinutes  int                  `json:"white_list_duration_minutes"`
	BlackListDurationMinutes  int                  `json:"black_list_duration_minutes"`
	CaptchaDurationMinutes    int                  `json:"captcha_duration_minutes"`
	BlackListEnabled          bool                 `json:"black_list_enabled"`
	SkipPaths                 []string             `json:"skip_paths"`
	CaptchaPagePath           string               `json:"captcha_page_path"`
	BaseURL                   string               `json:"base_url"`
	StrictMode                bool                 `json:"captcha_strict_mode"`
	AllowAPIWhenCaptchaActive bool                 `json:"allow_api_when_captcha_active"`
	APIPathPrefixes           []string             `json:"api_path_prefixes"`
	RetentionDays             int                  `json:"access_record_retention_days"`
	VerboseLogging            bool                 `json:"verbose_logging"`
}

func genSecret() string {
	b := make([]byte, 64)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func writeJSONIfMissing(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultRateLimitConfig() RateLimitConfig {
	d := defense.DefaultConfig()
	return RateLimitConfig{
		Enabled:              true,
		StorageType:          storageLocalMemory,
		RedisKeyPrefix:       "rate_limit",
		MaxRequestsPerSecond: 10,
		MaxRequestsPerMinute: 60,
		DefaultWindowSeconds: 1,
		DefaultMaxRequests:   10,
		PathRules: []ratelimit.PathRule{
			{Pattern: "/api/**", WindowSeconds: 60, MaxRequests: 100, Enabled: true, Description: "general API traffic"},
			{Pattern: "/ai/**", WindowSeconds: 15, MaxRequests: 1, Enabled: true, Description: "expensive AI endpoints"},
		},
		DdosThresholdIPCount:      d.DdosThresholdIPCount,
		DdosReleaseIPCount:        d.DdosReleaseIPCount,
		IPTrackDurationSeconds:    d.IPTrackDurationSeconds,
		WhiteListDurationMinutes:  d.WhiteListDurationMinutes,
		BlackListDurationMinutes:  d.BlackListDurationMinutes,
		CaptchaDurationMinutes:    d.CaptchaDurationMinutes,
		BlackListEnabled:          true,
		SkipPaths:                 d.SkipPaths,
		CaptchaPagePath:           d.CaptchaPagePath,
		AllowAPIWhenCaptchaActive: true,
		APIPathPrefixes:           []string{"/api/"},
		RetentionDays:             30,
	}
}

func loadOrInitApp() (AppConfig, error) {
	p := filepath.Join(dirConfigs, "app.json")
	c := AppConfig{
		Host:          "0.0.0.0",
		Port:          8080,
		ServerKey:     genSecret(),
		LogLevel:      "info",
		AdminGuardRPS: 20,
		Redis:         RedisCfg{Addr: "127.0.0.1:6379"},
		Mongo:         MongoCfg{URI: "mongodb://127.0.0.1:27017", Database: "gateguard"},
	}
	if _, err := os.Stat(p); os.IsNotExist(err) {
		if err := writeJSONIfMissing(p, c); err != nil {
			return c, err
		}
		applyEnvOverrides(&c)
		return c, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "gateguard"
	}
	if c.ServerKey == "" {
		c.ServerKey = genSecret()
	}
	applyEnvOverrides(&c)
	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("GATEGUARD_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("GATEGUARD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			c.Port = p
		}
	}
	if v := os.Getenv("GATEGUARD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GATEGUARD_SERVER_KEY"); len(v) >= 32 {
		c.ServerKey = v
	}
	if v := os.Getenv("GATEGUARD_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GATEGUARD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("GATEGUARD_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil && db >= 0 {
			c.Redis.DB = db
		}
	}
	if v := os.Getenv("GATEGUARD_MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("GATEGUARD_MONGO_DB"); v != "" {
		c.Mongo.Database = v
	}
}

func loadJSON[T any](name string, defaults T) (T, error) {
	p := filepath.Join(dirConfigs, name)
	if err := writeJSONIfMissing(p, defaults); err != nil {
		return defaults, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return defaults, err
	}
	out := defaults
	if err := json.Unmarshal(b, &out); err != nil {
		return defaults, err
	}
	return out, nil
}

// validateConfig refuses to serve on inconsistent settings.
func validateConfig(rl RateLimitConfig) error {
	switch rl.StorageType {
	case storageLocalMemory, storageRemote:
	default:
		return fmt.Errorf("unknown storage_type %q", rl.StorageType)
	}
	if rl.DdosThresholdIPCount <= rl.DdosReleaseIPCount {
		return fmt.Errorf("ddos_threshold_ip_count (%d) must exceed ddos_release_ip_count (%d)",
			rl.DdosThresholdIPCount, rl.DdosReleaseIPCount)
	}
	if rl.IPTrackDurationSeconds <= 0 {
		return errors.New("ip_track_duration_seconds must be positive")
	}
	if rl.WhiteListDurationMinutes <= 0 || rl.BlackListDurationMinutes <= 0 || rl.CaptchaDurationMinutes <= 0 {
		return errors.New("list durations must be positive")
	}
	if rl.DefaultWindowSeconds <= 0 || rl.DefaultMaxRequests <= 0 {
		return errors.New("default sliding window must be positive")
	}
	for _, rule := range rl.PathRules {
		if rule.Pattern == "" || rule.WindowSeconds <= 0 || rule.MaxRequests <= 0 {
			return fmt.Errorf("invalid path rule %+v", rule)
		}
	}
	return nil
}

func newLogger(cfg AppConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.PrettyLog || os.Getenv("GATEGUARD_PRETTY_LOG") == "1" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "gateguard").Logger()
}

func connectMongo(ctx context.Context, cfg MongoCfg, log zerolog.Logger) *mongo.Database {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		log.Warn().Err(err).Msg("mongo unavailable, audit records stay in the log")
		return nil
	}
	if err := client.Ping(ctx, nil); err != nil {
		log.Warn().Err(err).Msg("mongo ping failed, audit records stay in the log")
		return nil
	}
	return client.Database(cfg.Database)
}

func main() {
	_ = godotenv.Load()

	appCfg, err := loadOrInitApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateguard: config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(appCfg)

	rlCfg, err := loadJSON("rate_limit.json", defaultRateLimitConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("loading rate_limit.json failed")
	}
	if v := os.Getenv("GATEGUARD_STORAGE_TYPE"); v != "" {
		rlCfg.StorageType = v
	}
	if err := validateConfig(rlCfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	browserCfg, err := loadJSON("browser_detection.json", browser.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("loading browser_detection.json failed")
	}
	proxyCfg, err := loadJSON("routes.json", proxy.Config{
		Routes: []proxy.Route{{Prefix: "/", Target: "127.0.0.1:9000"}},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("loading routes.json failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys := store.Keys{Prefix: rlCfg.RedisKeyPrefix}

	var st store.Store
	var mem *store.Memory
	var redisStore *store.Redis
	switch rlCfg.StorageType {
	case storageRemote:
		redisStore = store.NewRedis(appCfg.Redis.Addr, appCfg.Redis.Password, appCfg.Redis.DB, keys)
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup, requests will fail open until it recovers")
		}
		st = redisStore
	default:
		mem = store.NewMemory()
		st = mem
	}
	defer st.Close()

	metrics := analytics.New()
	db := connectMongo(ctx, appCfg.Mongo, log)
	sink := access.NewSink(db, log.With().Str("component", "access").Logger(), metrics.IncAuditDropped)
	if err := sink.EnsureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("audit index creation failed")
	}
	sink.Start(ctx)
	sink.StartRetention(ctx, rlCfg.RetentionDays)

	limiter := ratelimit.New(st, keys, ratelimit.Config{
		MaxRequestsPerSecond: rlCfg.MaxRequestsPerSecond,
		MaxRequestsPerMinute: rlCfg.MaxRequestsPerMinute,
		DefaultWindowSeconds: rlCfg.DefaultWindowSeconds,
		DefaultMaxRequests:   rlCfg.DefaultMaxRequests,
		PathRules:            rlCfg.PathRules,
	}, log.With().Str("component", "ratelimit").Logger())

	machine := defense.NewMachine(st, keys, limiter, defense.Config{
		Enabled:                   rlCfg.Enabled,
		DdosThresholdIPCount:      rlCfg.DdosThresholdIPCount,
		DdosReleaseIPCount:        rlCfg.DdosReleaseIPCount,
		IPTrackDurationSeconds:    rlCfg.IPTrackDurationSeconds,
		WhiteListDurationMinutes:  rlCfg.WhiteListDurationMinutes,
		BlackListDurationMinutes:  rlCfg.BlackListDurationMinutes,
		CaptchaDurationMinutes:    rlCfg.CaptchaDurationMinutes,
		BlackListEnabled:          rlCfg.BlackListEnabled,
		SkipPaths:                 rlCfg.SkipPaths,
		CaptchaPagePath:           rlCfg.CaptchaPagePath,
		BaseURL:                   rlCfg.BaseURL,
		StrictMode:                rlCfg.StrictMode,
		AllowAPIWhenCaptchaActive: rlCfg.AllowAPIWhenCaptchaActive,
		APIPathPrefixes:           rlCfg.APIPathPrefixes,
		VerboseLogging:            rlCfg.VerboseLogging,
	}, log.With().Str("component", "defense").Logger(), sink)

	resolver := security.Resolver{MaxTrustedIndex: appCfg.MaxTrustedIndex}
	detector := browser.NewDetector(browserCfg)
	captchaSvc := captcha.NewService(st, keys, machine, resolver, rlCfg.CaptchaPagePath,
		log.With().Str("component", "captcha").Logger())
	forwarder := proxy.NewManager(proxyCfg, metrics, log.With().Str("component", "proxy").Logger())

	probe := health.NewProbe(func(ctx context.Context) error {
		if redisStore != nil {
			return redisStore.Ping(ctx)
		}
		return nil
	}, log.With().Str("component", "health").Logger())
	probe.Start(ctx)

	gate := &gateway.Gate{
		Resolver:        resolver,
		Detector:        detector,
		Machine:         machine,
		Limiter:         limiter,
		Metrics:         metrics,
		Sink:            sink,
		Headers:         security.DefaultHeaderPolicy(),
		Upstream:        forwarder.Handler(),
		Log:             log.With().Str("component", "gateway").Logger(),
		CaptchaPagePath: rlCfg.CaptchaPagePath,
		BaseURL:         rlCfg.BaseURL,
		APIPathPrefixes: rlCfg.APIPathPrefixes,
		VerboseLogging:  rlCfg.VerboseLogging,
	}

	authGuard, err := auth.NewGuard(appCfg.ServerKey, filepath.Join(dirConfigs, "login.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("loading login.json failed")
	}
	if user := os.Getenv("GATEGUARD_ADMIN_USER"); user != "" {
		if err := authGuard.Bootstrap(user, os.Getenv("GATEGUARD_ADMIN_PASSWORD")); err != nil {
			log.Fatal().Err(err).Msg("admin bootstrap failed")
		}
	}
	if !authGuard.Enabled() {
		log.Warn().Msg("no admin users configured, admin surface is open")
	}
	adminGuard := ratelimit.NewGuard(appCfg.AdminGuardRPS, appCfg.AdminGuardRPS*2)

	r := buildRouter(routerDeps{
		machine:    machine,
		limiter:    limiter,
		captcha:    captchaSvc,
		sink:       sink,
		metrics:    metrics,
		probe:      probe,
		resolver:   resolver,
		authGuard:  authGuard,
		adminGuard: adminGuard,
		gate:       gate,
		log:        log,
	})

	// Background sweepers.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				machine.CheckRelease(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	if mem != nil {
		maxWindow := time.Duration(rlCfg.DefaultWindowSeconds) * time.Second
		for _, rule := range rlCfg.PathRules {
			if d := time.Duration(rule.WindowSeconds) * time.Second; d > maxWindow {
				maxWindow = d
			}
		}
		if maxWindow < time.Minute {
			maxWindow = time.Minute
		}
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					mem.Sweep(time.Now(), maxWindow)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	server := &fasthttp.Server{
		Handler:            r.Handler,
		Name:               "gateguard",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		MaxRequestBodySize: 8 << 20,
	}

	addr := fmt.Sprintf("%s:%d", appCfg.Host, appCfg.Port)
	log.Info().Str("addr", addr).Str("storage", rlCfg.StorageType).Msg("gateguard listening")

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(addr) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.ShutdownWithContext(shutdownCtx)
	}
}
