package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
)

const appendTimeout = 10 * time.Second

// Async hands records to a single background worker so callers never block on
// the downstream sinks. Records are dropped, and logged, when the queue is full.
type Async struct {
	sink   Sink
	logger logrus.FieldLogger
	queue  chan model.Summary

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsync(sink Sink, size int, logger logrus.FieldLogger) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		queue:  make(chan model.Summary, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// AppendTerminalRecord enqueues sum and returns immediately.
func (a *Async) AppendTerminalRecord(_ context.Context, sum model.Summary) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(sum, "closed")
		return nil
	}
	select {
	case a.queue <- sum:
	default:
		a.drop(sum, "queue_full")
	}
	return nil
}

func (a *Async) drop(sum model.Summary, reason string) {
	metrics.Default().IncCounter("memorial_audit_records_total", map[string]string{
		"sink":   "async",
		"status": "dropped",
	})
	a.logger.WithFields(logrus.Fields{
		"session_key": sum.SessionKey,
		"reason":      reason,
	}).Warn("audit_record_dropped")
}

func (a *Async) run() {
	defer close(a.done)
	for sum := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := a.sink.AppendTerminalRecord(ctx, sum); err != nil {
			a.logger.WithFields(logrus.Fields{
				"session_key": sum.SessionKey,
				"status":      sum.Status,
				"reason":      sum.Reason,
				"err":         err,
			}).Error("audit_append_failed")
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
