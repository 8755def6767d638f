// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, the workflow-engine
// webhook, realtime fan-out, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knowflow/kb-chat-backend/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "kb-chat-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WebhookConfig defines the primary dispatch target: the external workflow
// engine that computes assistant replies, plus the fan-out worker pool for
// organization event hooks.
type WebhookConfig struct {
	URL            string        // WEBHOOK_URL (empty disables dispatch; sends fall back)
	Secret         string        // WEBHOOK_SECRET (bearer token for the engine)
	Timeout        time.Duration // WEBHOOK_TIMEOUT, external-call budget
	FanoutWorkers  int           // WEBHOOK_FANOUT_WORKERS
	FanoutQueueCap int           // WEBHOOK_FANOUT_QUEUE
}

// NATSConfig defines the optional realtime event mirror.
type NATSConfig struct {
	URL string // NATS_URL (empty disables the mirror)
}

// DraftConfig defines compose-buffer persistence behavior.
type DraftConfig struct {
	TTL      time.Duration // DRAFT_TTL, expiry after last write
	Debounce time.Duration // DRAFT_DEBOUNCE, quiet period before persisting
	Sweep    time.Duration // DRAFT_SWEEP_INTERVAL, cleanup cadence
}

// ChatConfig bounds and policies of the message orchestrator.
type ChatConfig struct {
	MaxPromptRunes  int    // CHAT_MAX_PROMPT_RUNES
	TitleMaxLen     int    // CHAT_TITLE_MAX_LEN (≤ 100)
	RegenerateScope string // CHAT_REGENERATE_SCOPE: "any" | "latest"
	DefaultModel    string // CHAT_DEFAULT_MODEL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath  string // SQLite path
	Webhook WebhookConfig
	NATS    NATSConfig
	Draft   DraftConfig
	Chat    ChatConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath: getenv("DB_PATH", "app.db"),
		Webhook: WebhookConfig{
			URL:            getenv("WEBHOOK_URL", ""),
			Secret:         getenv("WEBHOOK_SECRET", ""),
			Timeout:        getdur("WEBHOOK_TIMEOUT", 30*time.Second),
			FanoutWorkers:  getint("WEBHOOK_FANOUT_WORKERS", 2),
			FanoutQueueCap: getint("WEBHOOK_FANOUT_QUEUE", 256),
		},
		NATS: NATSConfig{
			URL: getenv("NATS_URL", ""),
		},
		Draft: DraftConfig{
			TTL:      getdur("DRAFT_TTL", 24*time.Hour),
			Debounce: getdur("DRAFT_DEBOUNCE", time.Second),
			Sweep:    getdur("DRAFT_SWEEP_INTERVAL", time.Hour),
		},
		Chat: ChatConfig{
			MaxPromptRunes:  getint("CHAT_MAX_PROMPT_RUNES", 4000),
			TitleMaxLen:     getint("CHAT_TITLE_MAX_LEN", 100),
			RegenerateScope: strings.ToLower(getenv("CHAT_REGENERATE_SCOPE", "any")),
			DefaultModel:    getenv("CHAT_DEFAULT_MODEL", "gpt-4o-mini"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "kb-chat-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	switch cfg.Chat.RegenerateScope {
	case "any", "latest":
	default:
		cfg.Chat.RegenerateScope = "any"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Webhook.Timeout <= 0 {
		return cfg, errors.New("WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.Webhook.FanoutWorkers < 1 {
		return cfg, errors.New("WEBHOOK_FANOUT_WORKERS must be >= 1")
	}
	if cfg.Webhook.FanoutQueueCap < 1 {
		return cfg, errors.New("WEBHOOK_FANOUT_QUEUE must be >= 1")
	}
	if cfg.Draft.TTL <= 0 || cfg.Draft.Debounce < 0 || cfg.Draft.Sweep <= 0 {
		return cfg, errors.New("draft TTL and sweep interval must be positive; debounce must be >= 0")
	}
	if cfg.Chat.MaxPromptRunes < 1 {
		return cfg, errors.New("CHAT_MAX_PROMPT_RUNES must be >= 1")
	}
	if cfg.Chat.TitleMaxLen < 1 || cfg.Chat.TitleMaxLen > 100 {
		return cfg, errors.New("CHAT_TITLE_MAX_LEN must be in [1,100]")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

func getenv(k, def string) string {
	return sysutil.FirstNonEmpty(os.Getenv(k), def)
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
