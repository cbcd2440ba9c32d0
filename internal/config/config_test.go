package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MEMORIAL_DATABASE_URL", "postgres://localhost/memorial")
	t.Setenv("MEMORIAL_JWT_SECRET", "secret")
}

func TestLoadFromEnvDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SessionTTL != time.Hour || cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("ttl=%s heartbeat=%s", cfg.SessionTTL, cfg.HeartbeatInterval)
	}
	if cfg.PipelineProvider != "fake" || cfg.MediaBackend != "local" {
		t.Fatalf("provider=%q media=%q", cfg.PipelineProvider, cfg.MediaBackend)
	}
	if cfg.PipelineTimeout != 120*time.Second {
		t.Fatalf("pipeline timeout = %s", cfg.PipelineTimeout)
	}
	if !cfg.RunMigrations {
		t.Fatal("expected migrations on by default")
	}
	if cfg.AuditRetain != 365*24*time.Hour {
		t.Fatalf("audit retention = %s", cfg.AuditRetain)
	}
}

func TestLoadFromEnvRequiresSecrets(t *testing.T) {
	t.Setenv("MEMORIAL_DATABASE_URL", "")
	t.Setenv("MEMORIAL_JWT_SECRET", "")
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "MEMORIAL_DATABASE_URL") {
		t.Fatalf("expected database url error, got %v", err)
	}
	t.Setenv("MEMORIAL_DATABASE_URL", "postgres://localhost/memorial")
	_, err = LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "MEMORIAL_JWT_SECRET") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}
}

func TestLoadFromEnvValidatesBackends(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown provider",
			env:  map[string]string{"MEMORIAL_PIPELINE_PROVIDER": "grpc"},
			want: "MEMORIAL_PIPELINE_PROVIDER",
		},
		{
			name: "http provider without url",
			env:  map[string]string{"MEMORIAL_PIPELINE_PROVIDER": "http"},
			want: "MEMORIAL_PIPELINE_URL",
		},
		{
			name: "s3 without bucket",
			env:  map[string]string{"MEMORIAL_MEDIA_BACKEND": "s3"},
			want: "MEMORIAL_S3_BUCKET",
		},
		{
			name: "ttl not above heartbeat",
			env: map[string]string{
				"MEMORIAL_SESSION_TTL_SECONDS":        "30",
				"MEMORIAL_HEARTBEAT_INTERVAL_SECONDS": "30",
			},
			want: "MEMORIAL_SESSION_TTL_SECONDS",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromEnvParsesLists(t *testing.T) {
	setRequired(t)
	t.Setenv("MEMORIAL_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("MEMORIAL_PIPELINE_HEADERS", "X-Tenant=remembr, bad, X-Env = prod")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if cfg.PipelineHeaders["X-Tenant"] != "remembr" || cfg.PipelineHeaders["X-Env"] != "prod" || len(cfg.PipelineHeaders) != 2 {
		t.Fatalf("headers = %v", cfg.PipelineHeaders)
	}
}

func TestParsePositiveIntEnv(t *testing.T) {
	t.Setenv("MEMORIAL_TEST_INT", "-4")
	if got := ParsePositiveIntEnv("MEMORIAL_TEST_INT", 7); got != 7 {
		t.Fatalf("got %d", got)
	}
	t.Setenv("MEMORIAL_TEST_INT", "12")
	if got := ParsePositiveIntEnv("MEMORIAL_TEST_INT", 7); got != 12 {
		t.Fatalf("got %d", got)
	}
}
