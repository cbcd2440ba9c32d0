package main

import (
	"context"
	"testing"
	"time"

	"github.com/remembr/memorial-call/internal/config"
	"github.com/remembr/memorial-call/internal/logging"
	"github.com/remembr/memorial-call/internal/media"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/pipeline"
)

func TestBuildGenerator(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
		wantErr  bool
	}{
		{name: "default is fake", cfg: config.Config{}, wantName: "fake"},
		{name: "fake", cfg: config.Config{PipelineProvider: "fake", FakePipelineDelay: time.Millisecond}, wantName: "fake"},
		{name: "http", cfg: config.Config{PipelineProvider: "http", PipelineURL: "http://pipeline.local/generate"}, wantName: "http"},
		{name: "http without url", cfg: config.Config{PipelineProvider: "http"}, wantErr: true},
		{name: "unknown", cfg: config.Config{PipelineProvider: "grpc"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := buildGenerator(tt.cfg)
			if tt.wantErr {
				if err == nil || gen != nil {
					t.Fatalf("expected error, got gen=%v err=%v", gen, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("build generator: %v", err)
			}
			if gen.Name() != tt.wantName {
				t.Fatalf("name = %q, want %q", gen.Name(), tt.wantName)
			}
		})
	}
}

func TestBuildGeneratorFakeType(t *testing.T) {
	gen, err := buildGenerator(config.Config{PipelineProvider: "fake"})
	if err != nil {
		t.Fatalf("build generator: %v", err)
	}
	if _, ok := gen.(*pipeline.FakeGenerator); !ok {
		t.Fatalf("unexpected generator type %T", gen)
	}
}

func TestBuildMediaStoreLocal(t *testing.T) {
	cfg := config.Config{MediaBackend: "local", MediaDir: t.TempDir()}
	st, err := buildMediaStore(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build media store: %v", err)
	}
	if _, ok := st.(*media.LocalStore); !ok {
		t.Fatalf("unexpected store type %T", st)
	}
}

func TestBuildMediaStoreRejectsUnknownBackend(t *testing.T) {
	st, err := buildMediaStore(context.Background(), config.Config{MediaBackend: "ftp"}, logging.Discard())
	if err == nil || st != nil {
		t.Fatalf("expected error, got store=%v err=%v", st, err)
	}
}

func TestBuildMediaStoreS3RequiresBucket(t *testing.T) {
	st, err := buildMediaStore(context.Background(), config.Config{MediaBackend: "s3"}, logging.Discard())
	if err == nil || st != nil {
		t.Fatalf("expected error, got store=%v err=%v", st, err)
	}
}

type nopSink struct{}

func (nopSink) AppendTerminalRecord(context.Context, model.Summary) error { return nil }

func TestBuildAuditSinkWithoutNATS(t *testing.T) {
	cfg := config.Config{AuditQueue: 4}
	sink, closeSink, err := buildAuditSink(cfg, nopSink{}, logging.Discard())
	if err != nil {
		t.Fatalf("build audit sink: %v", err)
	}
	if sink == nil {
		t.Fatal("nil sink")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	closeSink(ctx)
}
