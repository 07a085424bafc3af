package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string

	NATSURL         string
	NATSSubject     string
	NATSQueueGroup  string
	LogNATSSubjects bool

	IngestWorkers int
	IngestBuffer  int

	DelayThresholdMinutes float64
	SpeedWindow           time.Duration
	DefaultSpeedKmh       float64
	MinSpeedKmh           float64
	RejectStaleTelemetry  bool
	MaxFutureSkew         time.Duration

	StoreTimeout     time.Duration
	PushTimeout      time.Duration
	PushRatePerSec   float64
	FirebaseCredFile string
	SpeedHistoryTTL  time.Duration

	APIAddr     string
	MetricsAddr string
	LogLevel    string
	LogFormat   string
	Location    *time.Location

	SimPublishInterval time.Duration
	SimSpeedKmh        float64
	SimRefreshInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.RedisURL = getenvDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubject = getenvDefault("NATS_SUBJECT", "vehicles.*.telemetry")
	cfg.NATSQueueGroup = getenvDefault("NATS_QUEUE_GROUP", "tracker")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	var err error
	if cfg.IngestWorkers, err = positiveInt("INGEST_WORKERS", 32); err != nil {
		return nil, err
	}
	if cfg.IngestBuffer, err = positiveInt("INGEST_BUFFER", 4096); err != nil {
		return nil, err
	}

	if cfg.DelayThresholdMinutes, err = nonNegativeFloat("DELAY_THRESHOLD_MINUTES", 5); err != nil {
		return nil, err
	}
	window, err := positiveInt("SPEED_WINDOW_MINUTES", 15)
	if err != nil {
		return nil, err
	}
	cfg.SpeedWindow = time.Duration(window) * time.Minute
	if cfg.DefaultSpeedKmh, err = positiveFloat("DEFAULT_SPEED_KMH", 20); err != nil {
		return nil, err
	}
	if cfg.MinSpeedKmh, err = positiveFloat("MIN_SPEED_KMH", 5); err != nil {
		return nil, err
	}
	cfg.RejectStaleTelemetry = parseBool(os.Getenv("REJECT_STALE_TELEMETRY"))
	// 0 accepts samples stamped any distance in the future.
	skew, err := nonNegativeFloat("TELEMETRY_MAX_FUTURE_SKEW_SEC", 300)
	if err != nil {
		return nil, err
	}
	cfg.MaxFutureSkew = time.Duration(skew * float64(time.Second))

	ms, err := positiveInt("STORE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.StoreTimeout = time.Duration(ms) * time.Millisecond
	if ms, err = positiveInt("PUSH_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}
	cfg.PushTimeout = time.Duration(ms) * time.Millisecond
	// 0 disables push rate limiting.
	if cfg.PushRatePerSec, err = nonNegativeFloat("PUSH_RATE_PER_SEC", 50); err != nil {
		return nil, err
	}
	cfg.FirebaseCredFile = firstNonEmpty(os.Getenv("FIREBASE_CREDENTIALS"), os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	hours, err := positiveInt("SPEED_HISTORY_TTL_HOURS", 24)
	if err != nil {
		return nil, err
	}
	cfg.SpeedHistoryTTL = time.Duration(hours) * time.Hour

	cfg.APIAddr = getenvDefault("API_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return nil, fmt.Errorf("invalid LOG_FORMAT: %q", cfg.LogFormat)
	}

	// Time zone used to render ETAs in notifications
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	if ms, err = positiveInt("SIM_PUBLISH_INTERVAL_MS", 1000); err != nil {
		return nil, err
	}
	cfg.SimPublishInterval = time.Duration(ms) * time.Millisecond
	if cfg.SimSpeedKmh, err = positiveFloat("SIM_SPEED_KMH", 30); err != nil {
		return nil, err
	}
	sec, err := positiveInt("SIM_REFRESH_INTERVAL_SEC", 60)
	if err != nil {
		return nil, err
	}
	cfg.SimRefreshInterval = time.Duration(sec) * time.Second

	return cfg, nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	f, err := nonNegativeFloat(key, def)
	if err == nil && f == 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, os.Getenv(key))
	}
	return f, err
}

func nonNegativeFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
