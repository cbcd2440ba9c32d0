package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/session"
)

const (
	SessionExpirySweep    = "session_expiry_sweep"
	SessionGauge          = "session_gauge"
	AuditRetentionCleanup = "audit_retention_cleanup"
)

type ExpiredSource interface {
	ListExpired(ctx context.Context, now time.Time) (iter.Seq[string], error)
	Reclaim(ctx context.Context, key string, now time.Time) (*model.Session, error)
}

// Reaper finishes a reclaimed session outside the store: it records the
// terminal summary and closes any live channel.
type Reaper interface {
	Record(ctx context.Context, sess *model.Session, reason model.SummaryReason)
	Evict(ctx context.Context, sess *model.Session)
}

type Sweeper struct {
	store  ExpiredSource
	reaper Reaper
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewSweeper(store ExpiredSource, reaper Reaper, logger logrus.FieldLogger, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	return &Sweeper{store: store, reaper: reaper, logger: logger, now: now}
}

// Sweep reclaims every session that was expired when the cycle started. A key
// that fails does not stop the others; their errors are joined. Once a key is
// reclaimed its audit record and eviction run even if ctx is cancelled.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.now()
	keys, err := s.store.ListExpired(ctx, now)
	if err != nil {
		if errors.Is(err, session.ErrStoreUnavailable) {
			s.logger.WithField("err", err).Warn("sweep_skipped")
		}
		return fmt.Errorf("list expired: %w", err)
	}

	var (
		errs      []error
		reclaimed int
	)
	for key := range keys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		sess, err := s.store.Reclaim(context.WithoutCancel(ctx), key, now)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotFound):
			countReclaim("not_found")
			continue
		case errors.Is(err, session.ErrNotExpired):
			countReclaim("not_expired")
			s.logger.WithField("session_key", key).Debug("sweep_lost_to_heartbeat")
			continue
		default:
			countReclaim("error")
			s.logger.WithFields(logrus.Fields{"session_key": key, "err": err}).Warn("sweep_reclaim_failed")
			errs = append(errs, fmt.Errorf("reclaim %s: %w", key, err))
			continue
		}

		reclaimed++
		countReclaim("reclaimed")
		detached := context.WithoutCancel(ctx)
		s.reaper.Record(detached, sess, model.ReasonExpired)
		s.reaper.Evict(detached, sess)
		s.logger.WithFields(logrus.Fields{
			"session_key": key,
			"status":      sess.Status,
			"idle":        now.Sub(sess.LastActivity).Round(time.Second).String(),
		}).Info("session_reclaimed")
	}
	if reclaimed > 0 {
		s.logger.WithField("count", reclaimed).Info("sweep_completed")
	}
	return errors.Join(errs...)
}

func countReclaim(outcome string) {
	metrics.Default().IncCounter("memorial_sessions_reclaimed_total", map[string]string{"outcome": outcome})
}

type StatsSource interface {
	Stats(ctx context.Context) (map[model.SessionStatus]int, error)
}

// PublishSessionGauge returns a job that exports live session counts per status.
func PublishSessionGauge(store StatsSource) func(context.Context) error {
	return func(ctx context.Context) error {
		counts, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		for status, n := range counts {
			metrics.Default().SetGauge("memorial_sessions", float64(n), map[string]string{"status": string(status)})
		}
		return nil
	}
}

type AuditPruner interface {
	PruneAuditRecords(ctx context.Context, cutoff time.Time) (int64, error)
}

// PruneAudit returns a job that deletes audit records older than retain.
func PruneAudit(store AuditPruner, retain time.Duration, logger logrus.FieldLogger, now func() time.Time) func(context.Context) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		cutoff := now().Add(-retain)
		n, err := store.PruneAuditRecords(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.WithFields(logrus.Fields{"deleted": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}).Info("audit_records_pruned")
		}
		return nil
	}
}
