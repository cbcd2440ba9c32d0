package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/session"
)

const DefaultTimeout = 120 * time.Second

// Transitioner is the part of session.Machine the bridge drives.
type Transitioner interface {
	Get(ctx context.Context, key string) (*model.Session, error)
	Complete(ctx context.Context, key, mediaURL string) (*model.Session, error)
	Fail(ctx context.Context, key string) (*model.Session, error)
}

// Notifier receives the session after a pipeline result has been applied.
type Notifier func(ctx context.Context, sess *model.Session)

type Options struct {
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Notify  Notifier
}

// Bridge runs pipeline calls off the connection path and feeds results back
// into the state machine. No session lock is held during the external call.
type Bridge struct {
	machine Transitioner
	gen     Generator
	timeout time.Duration
	logger  logrus.FieldLogger
	notify  Notifier

	wg sync.WaitGroup
}

func NewBridge(machine Transitioner, gen Generator, opts Options) *Bridge {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		machine: machine,
		gen:     gen,
		timeout: timeout,
		logger:  opts.Logger,
		notify:  opts.Notify,
	}
}

// Dispatch processes key on its own goroutine and returns immediately.
func (b *Bridge) Dispatch(key string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		_ = b.Process(context.Background(), key)
	}()
}

// Wait blocks until dispatched work finishes or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process makes at most one generator call for the session's current
// PROCESSING entry and applies complete or fail. It returns ErrPipelineFailure
// when the call failed and the session was moved to ERROR.
func (b *Bridge) Process(ctx context.Context, key string) error {
	log := b.logger.WithField("session_key", key)

	sess, err := b.machine.Get(ctx, key)
	if err != nil {
		b.dropped(log, err)
		return err
	}
	if sess.Status != model.SessionProcessing {
		err := fmt.Errorf("%w: session is %s", session.ErrInvalidTransition, sess.Status)
		b.dropped(log, err)
		return err
	}
	req := GenerateRequest{
		SessionKey:  sess.Key,
		MemorialID:  sess.MemorialID,
		CallerID:    sess.CallerID,
		ContactName: sess.ContactName,
		InputPath:   sess.SavedInputPath,
	}

	start := time.Now()
	res, timedOut, genErr := b.generate(ctx, req)
	if genErr == nil && res.MediaURL == "" {
		genErr = errors.New("empty media url")
	}
	b.observe(start, genErr, timedOut)

	var (
		updated    *model.Session
		pipeErr    error
		transition error
	)
	if genErr == nil {
		updated, transition = b.machine.Complete(ctx, key, res.MediaURL)
	} else {
		pipeErr = fmt.Errorf("%w: %v", session.ErrPipelineFailure, genErr)
		log.WithFields(logrus.Fields{
			"provider":  b.gen.Name(),
			"timed_out": timedOut,
			"err":       genErr,
		}).Warn("pipeline_failed")
		updated, transition = b.machine.Fail(ctx, key)
	}
	if transition != nil {
		b.dropped(log, transition)
		return transition
	}

	log.WithField("status", updated.Status).Info("pipeline_result_applied")
	if b.notify != nil {
		b.notify(ctx, updated)
	}
	return pipeErr
}

type generateOutcome struct {
	res GenerateResult
	err error
}

// generate bounds the generator call by the bridge timeout. A generator that
// ignores ctx is abandoned at the deadline and its late result discarded.
func (b *Bridge) generate(ctx context.Context, req GenerateRequest) (GenerateResult, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan generateOutcome, 1)
	go func() {
		res, err := b.gen.Generate(callCtx, req)
		done <- generateOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, true, fmt.Errorf("pipeline call exceeded %s", b.timeout)
		}
		return out.res, false, out.err
	case <-callCtx.Done():
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		if timedOut {
			return GenerateResult{}, true, fmt.Errorf("pipeline call exceeded %s", b.timeout)
		}
		return GenerateResult{}, false, callCtx.Err()
	}
}

func (b *Bridge) observe(start time.Time, err error, timedOut bool) {
	status := "ok"
	switch {
	case timedOut:
		status = "timeout"
	case err != nil:
		status = "error"
	}
	labels := map[string]string{"provider": b.gen.Name(), "status": status}
	metrics.Default().IncCounter("memorial_pipeline_calls_total", labels)
	metrics.Default().ObserveHistogram("memorial_pipeline_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}

func (b *Bridge) dropped(log logrus.FieldLogger, err error) {
	reason := "error"
	switch {
	case errors.Is(err, session.ErrNotFound):
		reason = "not_found"
	case errors.Is(err, session.ErrInvalidTransition):
		reason = "invalid_transition"
	}
	metrics.Default().IncCounter("memorial_pipeline_results_dropped_total", map[string]string{"reason": reason})
	log.WithFields(logrus.Fields{"reason": reason, "err": err}).Info("pipeline_result_dropped")
}
