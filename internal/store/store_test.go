package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/remembr/memorial-call/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

var summaryColumns = []string{
	"session_key", "memorial_id", "caller_id", "contact_name", "status", "created_at", "last_activity",
	"reconnect_count", "saved_input_path", "response_media_url", "reason", "ended_at",
}

func TestAppendTerminalRecord(t *testing.T) {
	mock := newMock(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := model.Summary{
		SessionKey:       "abc",
		MemorialID:       11,
		CallerID:         22,
		ContactName:      "Grandma",
		Status:           model.SessionCompleted,
		CreatedAt:        created,
		LastActivity:     created.Add(5 * time.Minute),
		ReconnectCount:   2,
		SavedInputPath:   "/media/abc.webm",
		ResponseMediaURL: "https://cdn.example/abc.mp4",
		Reason:           model.ReasonAcknowledged,
		EndedAt:          created.Add(6 * time.Minute),
	}

	mock.ExpectExec(regexp.QuoteMeta("insert into call_session_audit")).
		WithArgs(pgxmock.AnyArg(), "abc", int64(11), int64(22), "Grandma", "COMPLETED", "acknowledged",
			sum.CreatedAt, sum.LastActivity, 2, "/media/abc.webm", "https://cdn.example/abc.mp4", sum.EndedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	if err := s.AppendTerminalRecord(context.Background(), sum); err != nil {
		t.Fatalf("AppendTerminalRecord returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendTerminalRecord_WrapsError(t *testing.T) {
	mock := newMock(t)
	boom := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("insert into call_session_audit")).
		WillReturnError(boom)

	s := New(mock)
	err := s.AppendTerminalRecord(context.Background(), model.Summary{SessionKey: "abc"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestAuthorizeMemorial(t *testing.T) {
	tests := []struct {
		name    string
		member  bool
		wantErr error
	}{
		{name: "member", member: true},
		{name: "stranger", member: false, wantErr: ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectQuery(regexp.QuoteMeta("select exists")).
				WithArgs(int64(11), int64(22)).
				WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(tt.member))

			err := New(mock).AuthorizeMemorial(context.Background(), 22, 11)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestListCallHistory(t *testing.T) {
	mock := newMock(t)
	ended := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(summaryColumns).
		AddRow("k2", int64(11), int64(22), "Grandma", model.SessionError, ended.Add(-2*time.Hour), ended.Add(-time.Hour),
			0, "", "", model.ReasonExpired, ended).
		AddRow("k1", int64(11), int64(23), "Grandpa", model.SessionCompleted, ended.Add(-3*time.Hour), ended.Add(-2*time.Hour),
			1, "/media/k1.webm", "https://cdn.example/k1.mp4", model.ReasonAcknowledged, ended.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("from call_session_audit")).
		WithArgs(int64(11), defaultHistoryLimit).
		WillReturnRows(rows)

	out, err := New(mock).ListCallHistory(context.Background(), 11, 0)
	if err != nil {
		t.Fatalf("ListCallHistory returned err: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].SessionKey != "k2" || out[0].Reason != model.ReasonExpired || out[0].Status != model.SessionError {
		t.Fatalf("unexpected first record: %+v", out[0])
	}
	if out[1].ResponseMediaURL != "https://cdn.example/k1.mp4" || out[1].ReconnectCount != 1 {
		t.Fatalf("unexpected second record: %+v", out[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetTerminalRecord_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from call_session_audit")).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(summaryColumns))

	_, err := New(mock).GetTerminalRecord(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneAuditRecords(t *testing.T) {
	mock := newMock(t)
	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("delete from call_session_audit where ended_at < $1")).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	n, err := New(mock).PruneAuditRecords(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneAuditRecords returned err: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
