package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/config"
	"github.com/remembr/memorial-call/internal/jobs"
	"github.com/remembr/memorial-call/internal/logging"
	"github.com/remembr/memorial-call/internal/store"
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

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	runner := jobs.NewRunner(logger, jobs.Job{
		Name:     jobs.AuditRetentionCleanup,
		Interval: time.Hour,
		Run:      jobs.PruneAudit(st, cfg.AuditRetain, logger.WithField("component", "retention"), nil),
	})
	runner.Start(ctx)

	logger.WithField("retain", cfg.AuditRetain.String()).Info("memorial-call jobs worker started")
	<-ctx.Done()
	runner.Wait()
	logger.Info("memorial-call jobs worker stopping")
}
