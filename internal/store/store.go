package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/remembr/memorial-call/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

const defaultHistoryLimit = 50

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

// AppendTerminalRecord stores the final state of a session. Appending the same
// session end twice is a no-op.
func (s *Store) AppendTerminalRecord(ctx context.Context, sum model.Summary) error {
	const q = `
insert into call_session_audit
  (id, session_key, memorial_id, caller_id, contact_name, status, reason, created_at, last_activity, reconnect_count, saved_input_path, response_media_url, ended_at, recorded_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11, ''), nullif($12, ''), $13, now())
on conflict (session_key, ended_at) do nothing`
	_, err := s.db.Exec(ctx, q,
		uuid.New(), sum.SessionKey, sum.MemorialID, sum.CallerID, sum.ContactName, string(sum.Status), string(sum.Reason),
		sum.CreatedAt, sum.LastActivity, sum.ReconnectCount, sum.SavedInputPath, sum.ResponseMediaURL, sum.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("append terminal record %s: %w", sum.SessionKey, err)
	}
	return nil
}

// AuthorizeMemorial returns ErrForbidden unless the caller is a member of the memorial.
func (s *Store) AuthorizeMemorial(ctx context.Context, callerID, memorialID int64) error {
	const q = `
select exists (
  select 1 from memorial_members where memorial_id = $1 and caller_id = $2
)`
	var ok bool
	if err := s.db.QueryRow(ctx, q, memorialID, callerID).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Store) ListCallHistory(ctx context.Context, memorialID int64, limit int) ([]model.Summary, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	const q = `
select session_key, memorial_id, caller_id, contact_name, status, created_at, last_activity, reconnect_count,
       coalesce(saved_input_path, '') as saved_input_path,
       coalesce(response_media_url, '') as response_media_url,
       reason, ended_at
from call_session_audit
where memorial_id = $1
order by ended_at desc
limit $2`
	out := make([]model.Summary, 0)
	if err := pgxscan.Select(ctx, s.db, &out, q, memorialID, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetTerminalRecord(ctx context.Context, sessionKey string) (*model.Summary, error) {
	const q = `
select session_key, memorial_id, caller_id, contact_name, status, created_at, last_activity, reconnect_count,
       coalesce(saved_input_path, '') as saved_input_path,
       coalesce(response_media_url, '') as response_media_url,
       reason, ended_at
from call_session_audit
where session_key = $1
order by ended_at desc
limit 1`
	var out model.Summary
	if err := pgxscan.Get(ctx, s.db, &out, q, sessionKey); err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// PruneAuditRecords deletes audit rows that ended before cutoff.
func (s *Store) PruneAuditRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from call_session_audit where ended_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
