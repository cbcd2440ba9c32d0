package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
)

// Sink receives the terminal record of every session that leaves the live store.
type Sink interface {
	AppendTerminalRecord(ctx context.Context, sum model.Summary) error
}

type Target struct {
	Name string
	Sink Sink
}

// Multi appends to every target and joins their errors. One failing target
// does not stop the others.
type Multi struct {
	targets []Target
}

func NewMulti(targets ...Target) *Multi {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Sink != nil {
			out = append(out, t)
		}
	}
	return &Multi{targets: out}
}

func (m *Multi) AppendTerminalRecord(ctx context.Context, sum model.Summary) error {
	var errs []error
	for _, t := range m.targets {
		status := "ok"
		if err := t.Sink.AppendTerminalRecord(ctx, sum); err != nil {
			status = "error"
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
		metrics.Default().IncCounter("memorial_audit_records_total", map[string]string{
			"sink":   t.Name,
			"status": status,
		})
	}
	return errors.Join(errs...)
}
