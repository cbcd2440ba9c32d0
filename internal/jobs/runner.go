package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
)

type Job struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

// Runner runs each job immediately and then on its interval until the context ends.
type Runner struct {
	logger logrus.FieldLogger
	jobs   []Job
	wg     sync.WaitGroup
}

func NewRunner(logger logrus.FieldLogger, jobs ...Job) *Runner {
	return &Runner{logger: logger, jobs: jobs}
}

func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runEvery(ctx, job.Name, job.Interval, job.Run)
		}()
	}
}

// Wait blocks until every job loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	log := r.logger.WithFields(logrus.Fields{"job": name, "duration_ms": int64(durMs)})
	if err != nil {
		log.WithField("err", err).Warn("job_run_failed")
		labels["status"] = "error"
	} else {
		log.Debug("job_run")
		labels["status"] = "ok"
	}
	metrics.Default().IncCounter("memorial_job_runs_total", labels)
	metrics.Default().ObserveHistogram("memorial_job_duration_ms", durMs, map[string]string{"job": name})
}
