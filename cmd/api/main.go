package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/api"
	"github.com/remembr/memorial-call/internal/audit"
	"github.com/remembr/memorial-call/internal/config"
	"github.com/remembr/memorial-call/internal/gateway"
	"github.com/remembr/memorial-call/internal/jobs"
	"github.com/remembr/memorial-call/internal/logging"
	"github.com/remembr/memorial-call/internal/media"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/pipeline"
	"github.com/remembr/memorial-call/internal/session"
	"github.com/remembr/memorial-call/internal/store"
	"github.com/remembr/memorial-call/internal/tracing"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "memorial-call-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatalf("init tracing: %v", err)
	}

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if cfg.RunMigrations {
		if err := store.Migrate(ctx, pool); err != nil {
			logger.Fatalf("migrate db: %v", err)
		}
	}
	st := store.New(pool)

	sink, closeSink, err := buildAuditSink(cfg, st, logger)
	if err != nil {
		logger.Fatalf("init audit sink: %v", err)
	}
	mediaStore, err := buildMediaStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("init media store: %v", err)
	}
	gen, err := buildGenerator(cfg)
	if err != nil {
		logger.Fatalf("init pipeline: %v", err)
	}

	sessions := session.NewMemoryStore(cfg.SessionTTL, nil)
	machine := session.NewMachine(sessions, nil)

	var gw *gateway.Gateway
	bridge := pipeline.NewBridge(machine, gen, pipeline.Options{
		Timeout: cfg.PipelineTimeout,
		Logger:  logger.WithField("component", "pipeline"),
		Notify: func(ctx context.Context, sess *model.Session) {
			gw.Notify(ctx, sess)
		},
	})
	gw = gateway.New(machine, gateway.Options{
		Media:          mediaStore,
		Dispatcher:     bridge,
		Audit:          sink,
		Authorizer:     st,
		Logger:         logger.WithField("component", "gateway"),
		Heartbeat:      cfg.HeartbeatInterval,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	sweeper := jobs.NewSweeper(sessions, gw, logger.WithField("component", "sweeper"), nil)
	runner := jobs.NewRunner(logger,
		jobs.Job{Name: jobs.SessionExpirySweep, Interval: cfg.HeartbeatInterval, Run: sweeper.Sweep},
		jobs.Job{Name: jobs.SessionGauge, Interval: cfg.HeartbeatInterval, Run: jobs.PublishSessionGauge(sessions)},
	)
	runner.Start(ctx)

	handler := api.NewRouter(cfg, logger.WithField("component", "api"), machine, gw, st)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"addr":      cfg.ListenAddr,
		"pipeline":  gen.Name(),
		"media":     cfg.MediaBackend,
		"ttl":       cfg.SessionTTL.String(),
		"heartbeat": cfg.HeartbeatInterval.String(),
	}).Info("memorial-call api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	closed := gw.CloseAll()
	runner.Wait()
	if err := bridge.Wait(drainCtx); err != nil {
		logger.WithField("err", err).Warn("pipeline calls still running at shutdown")
	}
	closeSink(drainCtx)
	if err := shutdownTracing(drainCtx); err != nil {
		logger.WithField("err", err).Warn("tracing shutdown failed")
	}
	logger.WithField("closed_channels", closed).Info("memorial-call api stopped")
}

// buildAuditSink fans terminal records out to Postgres and, when configured,
// NATS behind a bounded asynchronous queue.
func buildAuditSink(cfg config.Config, pg audit.Sink, logger logrus.FieldLogger) (audit.Sink, func(context.Context), error) {
	targets := []audit.Target{{Name: "postgres", Sink: pg}}
	var natsSink *audit.NATSSink
	if cfg.NATSURL != "" {
		var err error
		natsSink, err = audit.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		targets = append(targets, audit.Target{Name: "nats", Sink: natsSink})
	}
	async := audit.NewAsync(audit.NewMulti(targets...), cfg.AuditQueue, logger.WithField("component", "audit"))
	closeFn := func(ctx context.Context) {
		if err := async.Close(ctx); err != nil {
			logger.WithField("err", err).Warn("audit queue not drained")
		}
		if natsSink != nil {
			natsSink.Close()
		}
	}
	return async, closeFn, nil
}

func buildMediaStore(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (media.Store, error) {
	switch cfg.MediaBackend {
	case "s3":
		s3Store, err := media.NewS3Store(ctx, media.S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    "calls",
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		}, logger.WithField("component", "media"))
		if err != nil {
			return nil, err
		}
		return s3Store, nil
	case "local", "":
		local, err := media.NewLocalStore(cfg.MediaDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, fmt.Errorf("unsupported media backend %q", cfg.MediaBackend)
	}
}

func buildGenerator(cfg config.Config) (pipeline.Generator, error) {
	switch cfg.PipelineProvider {
	case "http":
		gen, err := pipeline.NewHTTPGenerator(pipeline.HTTPOptions{
			URL:     cfg.PipelineURL,
			APIKey:  cfg.PipelineAPIKey,
			Headers: cfg.PipelineHeaders,
		})
		if err != nil {
			return nil, err
		}
		return gen, nil
	case "fake", "":
		return pipeline.NewFakeGenerator(cfg.FakePipelineDelay), nil
	default:
		return nil, fmt.Errorf("unsupported pipeline provider %q", cfg.PipelineProvider)
	}
}
