package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr        string
	DatabaseURL       string
	JWTSecret         string
	SessionTTL        time.Duration
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
	LogLevel          string
	RunMigrations     bool

	PipelineProvider  string
	PipelineURL       string
	PipelineAPIKey    string
	PipelineHeaders   map[string]string
	PipelineTimeout   time.Duration
	FakePipelineDelay time.Duration

	MediaBackend string
	MediaDir     string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	NATSURL      string
	NATSSubject  string
	AuditQueue   int
	AuditRetain  time.Duration
	OTLPEndpoint string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:        envOrDefault("MEMORIAL_LISTEN_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("MEMORIAL_DATABASE_URL"),
		JWTSecret:         os.Getenv("MEMORIAL_JWT_SECRET"),
		SessionTTL:        time.Duration(ParsePositiveIntEnv("MEMORIAL_SESSION_TTL_SECONDS", 3600)) * time.Second,
		HeartbeatInterval: time.Duration(ParsePositiveIntEnv("MEMORIAL_HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		AllowedOrigins:    splitCSV(os.Getenv("MEMORIAL_ALLOWED_ORIGINS")),
		LogLevel:          envOrDefault("MEMORIAL_LOG_LEVEL", "info"),
		RunMigrations:     parseBoolEnv("MEMORIAL_RUN_MIGRATIONS", true),

		PipelineProvider:  envOrDefault("MEMORIAL_PIPELINE_PROVIDER", "fake"),
		PipelineURL:       os.Getenv("MEMORIAL_PIPELINE_URL"),
		PipelineAPIKey:    os.Getenv("MEMORIAL_PIPELINE_API_KEY"),
		PipelineHeaders:   parseKVMap(os.Getenv("MEMORIAL_PIPELINE_HEADERS")),
		PipelineTimeout:   time.Duration(ParsePositiveIntEnv("MEMORIAL_PIPELINE_TIMEOUT_SECONDS", 120)) * time.Second,
		FakePipelineDelay: time.Duration(ParsePositiveIntEnv("MEMORIAL_FAKE_PIPELINE_DELAY_MS", 1500)) * time.Millisecond,

		MediaBackend: envOrDefault("MEMORIAL_MEDIA_BACKEND", "local"),
		MediaDir:     envOrDefault("MEMORIAL_MEDIA_DIR", "./data/media"),
		S3Bucket:     os.Getenv("MEMORIAL_S3_BUCKET"),
		S3Region:     envOrDefault("MEMORIAL_S3_REGION", "us-east-1"),
		S3Endpoint:   os.Getenv("MEMORIAL_S3_ENDPOINT"),
		S3AccessKey:  os.Getenv("MEMORIAL_S3_ACCESS_KEY"),
		S3SecretKey:  os.Getenv("MEMORIAL_S3_SECRET_KEY"),
		NATSURL:      os.Getenv("MEMORIAL_NATS_URL"),
		NATSSubject:  envOrDefault("MEMORIAL_NATS_SUBJECT", "memorial.calls.terminal"),
		AuditQueue:   ParsePositiveIntEnv("MEMORIAL_AUDIT_QUEUE_SIZE", 256),
		AuditRetain:  time.Duration(ParsePositiveIntEnv("MEMORIAL_AUDIT_RETENTION_DAYS", 365)) * 24 * time.Hour,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("MEMORIAL_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("MEMORIAL_JWT_SECRET is required")
	}
	if cfg.PipelineProvider != "fake" && cfg.PipelineProvider != "http" {
		return Config{}, fmt.Errorf("MEMORIAL_PIPELINE_PROVIDER must be one of fake|http")
	}
	if cfg.PipelineProvider == "http" && cfg.PipelineURL == "" {
		return Config{}, fmt.Errorf("MEMORIAL_PIPELINE_URL is required for http pipeline provider")
	}
	if cfg.MediaBackend != "local" && cfg.MediaBackend != "s3" {
		return Config{}, fmt.Errorf("MEMORIAL_MEDIA_BACKEND must be one of local|s3")
	}
	if cfg.MediaBackend == "s3" && cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("MEMORIAL_S3_BUCKET is required for s3 media backend")
	}
	if cfg.SessionTTL <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("MEMORIAL_SESSION_TTL_SECONDS must exceed MEMORIAL_HEARTBEAT_INTERVAL_SECONDS")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseBoolEnv(k string, d bool) bool {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return d
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return d
	}
	return b
}

func parseKVMap(v string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(v) == "" {
		return out
	}
	pairs := strings.Split(v, ",")
	for _, p := range pairs {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) != 2 {
			continue
		}
		k := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if k != "" && val != "" {
			out[k] = val
		}
	}
	return out
}
