// Package config loads the settings of the device process and of the
// reference authority from environment variables, optionally overlaid by a
// TOML file (see LoadFile). Every value has a default and Load validates the
// result before anything is started.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the listener settings shared by the projection API and
// the reference authority. Each process picks its own port.
type ServerConfig struct {
	Port              string        // PORT
	ReadTimeout       time.Duration // READ_TIMEOUT
	ReadHeaderTimeout time.Duration // READ_HEADER_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT
	IdleTimeout       time.Duration // IDLE_TIMEOUT
	MaxHeaderBytes    int           // MAX_HEADER_BYTES
}

// CORSConfig lists the browser origins allowed to call the projection API.
// Empty means any origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls the response security headers.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig configures trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT, host:port
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0,1]
}

// SyncConfig holds the drain policy of the sync engine.
type SyncConfig struct {
	MaxRetries       int           // SYNC_MAX_RETRIES: transient failures tolerated before poisoning
	BaseDelay        time.Duration // SYNC_BASE_DELAY
	MaxDelay         time.Duration // SYNC_MAX_DELAY
	Jitter           float64       // SYNC_JITTER in [0,1)
	ConcurrencyLimit int           // SYNC_CONCURRENCY_LIMIT: lanes transmitting at once
	AttemptTimeout   time.Duration // SYNC_ATTEMPT_TIMEOUT
	DrainInterval    time.Duration // SYNC_DRAIN_INTERVAL
	PruneConfirmed   bool          // SYNC_PRUNE_CONFIRMED
	SkipAIValidation bool          // SKIP_AI_VALIDATION
	EncryptionKey    string        // SYNC_ENCRYPTION_KEY (empty disables sealing)
}

// AuthorityConfig describes how the engine reaches the remote authority, and
// how the bundled reference authority server listens.
type AuthorityConfig struct {
	URL           string        // AUTHORITY_URL (empty: in-memory authority)
	ClientID      string        // CLIENT_ID (empty: host name)
	Timeout       time.Duration // AUTHORITY_TIMEOUT
	RPS           float64       // AUTHORITY_RPS
	Burst         int           // AUTHORITY_BURST
	ProbeInterval time.Duration // AUTHORITY_PROBE_INTERVAL (0 disables probing)
	Port          string        // AUTHORITY_PORT
	DBPath        string        // AUTHORITY_DB_PATH
}

// Config is the full process configuration. The device and the authority
// load the same struct and ignore the parts that are not theirs.
type Config struct {
	Server  ServerConfig
	GinMode string // debug|release|test

	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // console writer instead of JSON
	SwaggerEnabled bool
	APIBasePath    string // prefix of the projection API routes

	DBPath string // device database: queue, counter and projections

	// Per-client token bucket on the projection API.
	RateRPS   float64
	RateBurst int

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration // how long the authority remembers an idempotency id

	Sync      SyncConfig
	Authority AuthorityConfig

	OTEL OTELConfig
}

// MustLoad is Load for main packages: an invalid environment panics.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds a Config from the environment. Unset or unparsable variables
// take their defaults; the result is normalized and then validated.
func Load() (Config, error) {
	cfg := Config{
		Server:  loadServer(),
		GinMode: strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath: getenv("DB_PATH", "offline.db"),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", ""))},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 7*24*time.Hour),

		Sync:      loadSync(),
		Authority: loadAuthority(),
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-offline-sync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	cfg.normalize()
	return cfg, cfg.Validate()
}

func loadServer() ServerConfig {
	return ServerConfig{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
	}
}

func loadSync() SyncConfig {
	return SyncConfig{
		MaxRetries:       getint("SYNC_MAX_RETRIES", 5),
		BaseDelay:        getdur("SYNC_BASE_DELAY", 500*time.Millisecond),
		MaxDelay:         getdur("SYNC_MAX_DELAY", 5*time.Minute),
		Jitter:           getfloat("SYNC_JITTER", 0.2),
		ConcurrencyLimit: getint("SYNC_CONCURRENCY_LIMIT", 4),
		AttemptTimeout:   getdur("SYNC_ATTEMPT_TIMEOUT", 15*time.Second),
		DrainInterval:    getdur("SYNC_DRAIN_INTERVAL", 30*time.Second),
		PruneConfirmed:   getbool("SYNC_PRUNE_CONFIRMED", true),
		SkipAIValidation: getbool("SKIP_AI_VALIDATION", false),
		EncryptionKey:    getenv("SYNC_ENCRYPTION_KEY", ""),
	}
}

func loadAuthority() AuthorityConfig {
	return AuthorityConfig{
		URL:           strings.TrimRight(getenv("AUTHORITY_URL", ""), "/"),
		ClientID:      getenv("CLIENT_ID", ""),
		Timeout:       getdur("AUTHORITY_TIMEOUT", 10*time.Second),
		RPS:           getfloat("AUTHORITY_RPS", 10),
		Burst:         getint("AUTHORITY_BURST", 20),
		ProbeInterval: getdur("AUTHORITY_PROBE_INTERVAL", 15*time.Second),
		Port:          getenv("AUTHORITY_PORT", "9090"),
		DBPath:        getenv("AUTHORITY_DB_PATH", "authority.db"),
	}
}

// normalize folds aliases and out-of-range enums to their canonical form.
func (cfg *Config) normalize() {
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
}

// Validate reports the first invalid setting. LoadFile calls it again after
// overlaying a file.
func (cfg Config) Validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if err := cfg.Sync.validate(); err != nil {
		return err
	}
	if err := cfg.Authority.validate(); err != nil {
		return err
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func (s ServerConfig) validate() error {
	switch {
	case strings.TrimSpace(s.Port) == "":
		return errors.New("PORT must not be empty")
	case s.ReadTimeout <= 0, s.ReadHeaderTimeout <= 0, s.WriteTimeout <= 0, s.IdleTimeout <= 0:
		return errors.New("server timeouts must be positive durations")
	case s.MaxHeaderBytes <= 0:
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	return nil
}

func (s SyncConfig) validate() error {
	switch {
	case s.MaxRetries < 0:
		return errors.New("SYNC_MAX_RETRIES must be >= 0")
	case s.BaseDelay <= 0, s.MaxDelay <= 0:
		return errors.New("SYNC_BASE_DELAY and SYNC_MAX_DELAY must be positive durations")
	case s.MaxDelay < s.BaseDelay:
		return errors.New("SYNC_MAX_DELAY must be >= SYNC_BASE_DELAY")
	case s.Jitter < 0 || s.Jitter >= 1:
		return errors.New("SYNC_JITTER must be in [0,1)")
	case s.ConcurrencyLimit < 1:
		return errors.New("SYNC_CONCURRENCY_LIMIT must be >= 1")
	case s.AttemptTimeout <= 0:
		return errors.New("SYNC_ATTEMPT_TIMEOUT must be > 0")
	case s.DrainInterval <= 0:
		return errors.New("SYNC_DRAIN_INTERVAL must be > 0")
	}
	return nil
}

func (a AuthorityConfig) validate() error {
	switch {
	case a.Timeout <= 0:
		return errors.New("AUTHORITY_TIMEOUT must be > 0")
	case a.RPS < 0:
		return errors.New("AUTHORITY_RPS must be >= 0")
	case a.Burst < 1:
		return errors.New("AUTHORITY_BURST must be >= 1")
	case a.ProbeInterval < 0:
		return errors.New("AUTHORITY_PROBE_INTERVAL must be >= 0")
	case a.URL != "" && !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://"):
		return errors.New("AUTHORITY_URL must start with http:// or https://")
	}
	return nil
}

// Environment parsing.

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
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
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
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
