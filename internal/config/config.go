// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database pooling, stream sizing, presence
// and replay windows, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chat-transport")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig defines the connection to the store backing idempotency,
// stream partitions, presence, and the replay cache.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// NATSConfig defines the fan-out bus connection.
type NATSConfig struct {
	URL           string        // NATS_URL
	MaxReconnects int           // NATS_MAX_RECONNECTS (-1 = unlimited)
	ReconnectWait time.Duration // NATS_RECONNECT_WAIT
	PingInterval  time.Duration // NATS_PING_INTERVAL
}

// StreamConfig sizes the partitioned stream and its consumer group.
// Partitions is fixed for the lifetime of a deployment; changing it
// requires draining the stream first.
type StreamConfig struct {
	Partitions        int           // STREAM_PARTITIONS
	RetryCeiling      int           // STREAM_RETRY_CEILING (deliveries before dead-letter)
	VisibilityTimeout time.Duration // STREAM_VISIBILITY_TIMEOUT
	BatchMax          int64         // STREAM_BATCH_MAX
	Block             time.Duration // STREAM_BLOCK (consumer read block)
	Group             string        // STREAM_GROUP
}

// PresenceConfig bounds the socket-liveness registry.
type PresenceConfig struct {
	TTL           time.Duration // PRESENCE_TTL (socket record expiry)
	Heartbeat     time.Duration // PRESENCE_HEARTBEAT (client refresh cadence)
	SweepInterval time.Duration // PRESENCE_SWEEP_INTERVAL (lazy-offline scan)
}

// ReplayConfig bounds the per-conversation reconnect window.
type ReplayConfig struct {
	TTL                time.Duration // REPLAY_TTL
	MaxPerConversation int64         // REPLAY_MAX_PER_CONVERSATION
}

// SocketConfig bounds per-connection buffering and shutdown draining.
type SocketConfig struct {
	SendBuffer   int           // SOCKET_SEND_BUFFER (outbound mailbox; full = slow-consumer close)
	DrainTimeout time.Duration // SOCKET_DRAIN_TIMEOUT (bounded flush on disconnect)
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
	InstanceID        string        // INSTANCE_ID; presence records carry it

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	LogHTTPHeaders bool   // access log includes scrubbed request headers
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Database
	DBPath          string        // SQLite path
	DBMaxOpenConns  int           // DB_MAX_OPEN_CONNS
	DBMaxIdleConns  int           // DB_MAX_IDLE_CONNS
	DBConnMaxLife   time.Duration // DB_CONN_MAX_LIFETIME
	DBSlowThreshold time.Duration // DB_SLOW_THRESHOLD (consumer backpressure trigger)

	// Ingress ceilings
	MaxContentLength int // bytes, post-normalization
	MaxRecipients    int // explicit recipient list ceiling

	// Rate limiting (per sender, inside ingress)
	RateLimitMax    int           // RATE_LIMIT_MAX requests per window
	RateLimitWindow time.Duration // RATE_LIMIT_WINDOW

	// Idempotency
	IdempotencyTTL   time.Duration // dedupe window for (sender, client-message-id)
	IdempotencyGrace time.Duration // age before an idempotent hit without a row is re-appended

	// Pipeline stores
	Redis    RedisConfig
	NATS     NATSConfig
	Stream   StreamConfig
	Presence PresenceConfig
	Replay   ReplayConfig
	Socket   SocketConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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
		InstanceID:        getenv("INSTANCE_ID", defaultInstanceID()),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		LogHTTPHeaders: getbool("LOG_HTTP_HEADERS", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Database
		DBPath:          getenv("DB_PATH", "chat.db"),
		DBMaxOpenConns:  getint("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:  getint("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLife:   getdur("DB_CONN_MAX_LIFETIME", time.Hour),
		DBSlowThreshold: getdur("DB_SLOW_THRESHOLD", 200*time.Millisecond),

		// Ingress ceilings
		MaxContentLength: getint("MAX_CONTENT_LENGTH", 10000),
		MaxRecipients:    getint("MAX_RECIPIENTS", 1000),

		// Rate limiting
		RateLimitMax:    getint("RATE_LIMIT_MAX", 30),
		RateLimitWindow: getdur("RATE_LIMIT_WINDOW", time.Minute),

		// Idempotency
		IdempotencyTTL:   getdur("IDEMPOTENCY_TTL", 6*time.Hour),
		IdempotencyGrace: getdur("IDEMPOTENCY_GRACE", 30*time.Second),

		// Pipeline stores
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getenv("NATS_URL", "nats://localhost:4222"),
			MaxReconnects: getint("NATS_MAX_RECONNECTS", -1),
			ReconnectWait: getdur("NATS_RECONNECT_WAIT", 2*time.Second),
			PingInterval:  getdur("NATS_PING_INTERVAL", 20*time.Second),
		},
		Stream: StreamConfig{
			Partitions:        getint("STREAM_PARTITIONS", 16),
			RetryCeiling:      getint("STREAM_RETRY_CEILING", 3),
			VisibilityTimeout: getdur("STREAM_VISIBILITY_TIMEOUT", 30*time.Second),
			BatchMax:          int64(getint("STREAM_BATCH_MAX", 32)),
			Block:             getdur("STREAM_BLOCK", 5*time.Second),
			Group:             getenv("STREAM_GROUP", "persisters"),
		},
		Presence: PresenceConfig{
			TTL:           getdur("PRESENCE_TTL", 45*time.Second),
			Heartbeat:     getdur("PRESENCE_HEARTBEAT", 15*time.Second),
			SweepInterval: getdur("PRESENCE_SWEEP_INTERVAL", time.Minute),
		},
		Replay: ReplayConfig{
			TTL:                getdur("REPLAY_TTL", 10*time.Minute),
			MaxPerConversation: int64(getint("REPLAY_MAX_PER_CONVERSATION", 200)),
		},
		Socket: SocketConfig{
			SendBuffer:   getint("SOCKET_SEND_BUFFER", 256),
			DrainTimeout: getdur("SOCKET_DRAIN_TIMEOUT", 5*time.Second),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chat-transport"),
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
	if strings.TrimSpace(cfg.InstanceID) == "" {
		return cfg, errors.New("INSTANCE_ID must not be empty")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.DBMaxOpenConns < 1 || cfg.DBMaxIdleConns < 0 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 1 and DB_MAX_IDLE_CONNS >= 0")
	}
	if cfg.MaxContentLength <= 0 {
		return cfg, errors.New("MAX_CONTENT_LENGTH must be > 0")
	}
	if cfg.MaxRecipients < 1 {
		return cfg, errors.New("MAX_RECIPIENTS must be >= 1")
	}
	if cfg.RateLimitMax < 1 {
		return cfg, errors.New("RATE_LIMIT_MAX must be >= 1")
	}
	if cfg.RateLimitWindow <= 0 {
		return cfg, errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.IdempotencyGrace <= 0 {
		return cfg, errors.New("IDEMPOTENCY_GRACE must be > 0")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		return cfg, errors.New("NATS_URL must not be empty")
	}
	if cfg.Stream.Partitions < 1 || cfg.Stream.Partitions > 1024 {
		return cfg, errors.New("STREAM_PARTITIONS must be in [1,1024]")
	}
	if cfg.Stream.RetryCeiling < 1 {
		return cfg, errors.New("STREAM_RETRY_CEILING must be >= 1")
	}
	if cfg.Stream.VisibilityTimeout <= 0 {
		return cfg, errors.New("STREAM_VISIBILITY_TIMEOUT must be > 0")
	}
	if cfg.Stream.BatchMax < 1 {
		return cfg, errors.New("STREAM_BATCH_MAX must be >= 1")
	}
	if strings.TrimSpace(cfg.Stream.Group) == "" {
		return cfg, errors.New("STREAM_GROUP must not be empty")
	}
	if cfg.Presence.TTL <= 0 || cfg.Presence.Heartbeat <= 0 {
		return cfg, errors.New("presence TTL and heartbeat must be > 0")
	}
	if cfg.Presence.TTL <= cfg.Presence.Heartbeat {
		return cfg, errors.New("PRESENCE_TTL must exceed PRESENCE_HEARTBEAT")
	}
	if cfg.Replay.TTL <= 0 || cfg.Replay.MaxPerConversation < 1 {
		return cfg, errors.New("replay TTL must be > 0 and max-per-conversation >= 1")
	}
	if cfg.Socket.SendBuffer < 1 {
		return cfg, errors.New("SOCKET_SEND_BUFFER must be >= 1")
	}
	if cfg.Socket.DrainTimeout <= 0 {
		return cfg, errors.New("SOCKET_DRAIN_TIMEOUT must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func defaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}

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
