package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	CORSOrigin  string
	LogLevel    string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Redis presence directory, disabled when empty
	RedisURL string
	// Git journal of applied deltas
	JournalDir string
	// Object storage for publish manifests, disabled when endpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Collaboration timing
	HeartbeatInterval  time.Duration
	ConnectionTimeout  time.Duration
	SessionIdleTimeout time.Duration
	ReaperInterval     time.Duration
	OutboundQueueDepth int
}

func Load() Config {
	return Config{
		Addr:        getenv("API_ADDR", ":8787"),
		DatabaseURL: getenv("DATABASE_URL", ""),
		CORSOrigin:  getenv("MONTAGE_CORS_ORIGIN", "*"),
		LogLevel:    getenv("MONTAGE_LOG_LEVEL", "info"),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		RedisURL: getenv("REDIS_URL", ""),

		JournalDir: getenv("MONTAGE_JOURNAL_DIR", "./data/journal"),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "montage-archive"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		HeartbeatInterval:  getenvDuration("MONTAGE_HEARTBEAT_INTERVAL", 15*time.Second),
		ConnectionTimeout:  getenvDuration("MONTAGE_CONNECTION_TIMEOUT", 90*time.Second),
		SessionIdleTimeout: getenvDuration("MONTAGE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		ReaperInterval:     getenvDuration("MONTAGE_REAPER_INTERVAL", 60*time.Second),
		OutboundQueueDepth: getenvInt("MONTAGE_OUTBOUND_QUEUE_DEPTH", 64),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("45s") or plain seconds.
func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
