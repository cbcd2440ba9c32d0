package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remembr/memorial-call/internal/config"
	"github.com/remembr/memorial-call/internal/logging"
	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/session"
	"github.com/remembr/memorial-call/internal/store"
)

type mockSessions struct {
	createFn func(context.Context, string, int64, int64, string) (*model.Session, error)
	getFn    func(context.Context, string) (*model.Session, error)
}

func (m *mockSessions) Create(ctx context.Context, key string, memorialID, callerID int64, contactName string) (*model.Session, error) {
	if m.createFn != nil {
		return m.createFn(ctx, key, memorialID, callerID, contactName)
	}
	return nil, errors.New("create not configured")
}

func (m *mockSessions) Get(ctx context.Context, key string) (*model.Session, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, fmt.Errorf("%w: %s", session.ErrNotFound, key)
}

type mockGateway struct {
	submitFn func(context.Context, string, string, io.Reader) (*model.Session, error)
	ackFn    func(context.Context, string) (*model.Session, error)
}

func (m *mockGateway) OnMediaSubmission(ctx context.Context, key, format string, payload io.Reader) (*model.Session, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, key, format, payload)
	}
	return nil, errors.New("submit not configured")
}

func (m *mockGateway) Acknowledge(ctx context.Context, key string) (*model.Session, error) {
	if m.ackFn != nil {
		return m.ackFn(ctx, key)
	}
	return nil, errors.New("ack not configured")
}

func (m *mockGateway) ServeLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

type mockHistory struct {
	authorizeFn func(context.Context, int64, int64) error
	listFn      func(context.Context, int64, int) ([]model.Summary, error)
	getFn       func(context.Context, string) (*model.Summary, error)
}

func (m *mockHistory) AuthorizeMemorial(ctx context.Context, callerID, memorialID int64) error {
	if m.authorizeFn != nil {
		return m.authorizeFn(ctx, callerID, memorialID)
	}
	return nil
}

func (m *mockHistory) ListCallHistory(ctx context.Context, memorialID int64, limit int) ([]model.Summary, error) {
	if m.listFn != nil {
		return m.listFn(ctx, memorialID, limit)
	}
	return nil, nil
}

func (m *mockHistory) GetTerminalRecord(ctx context.Context, key string) (*model.Summary, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, store.ErrNotFound
}

func ownedSession(key string, status model.SessionStatus) *model.Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.Session{
		Key:          key,
		MemorialID:   11,
		CallerID:     22,
		ContactName:  "Grandma",
		Status:       status,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func serve(t *testing.T, h http.Handler, method, path string, body io.Reader, callerID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if callerID > 0 {
		req.Header.Set("Authorization", "Bearer "+testJWT(t, "test-secret", callerID))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apiError {
	t.Helper()
	var out apiError
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return out
}

func newTestRouter(ms *mockSessions, mg *mockGateway, mh *mockHistory) http.Handler {
	return NewRouter(testConfig(), logging.Discard(), ms, mg, mh)
}

func TestCreateCall(t *testing.T) {
	var gotKey, gotContact string
	var gotMemorial, gotCaller int64
	ms := &mockSessions{
		createFn: func(_ context.Context, key string, memorialID, callerID int64, contact string) (*model.Session, error) {
			gotKey, gotMemorial, gotCaller, gotContact = key, memorialID, callerID, contact
			return ownedSession("k1", model.SessionWaiting), nil
		},
	}
	router := newTestRouter(ms, &mockGateway{}, &mockHistory{})

	rr := serve(t, router, http.MethodPost, "/api/v1/calls", jsonBody(map[string]any{
		"session_key":  "k1",
		"memorial_id":  11,
		"contact_name": "  Grandma ",
	}), 22)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotKey != "k1" || gotMemorial != 11 || gotCaller != 22 || gotContact != "Grandma" {
		t.Fatalf("unexpected create args: %q %d %d %q", gotKey, gotMemorial, gotCaller, gotContact)
	}
	var body struct {
		Session map[string]any `json:"session"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Session["sessionKey"] != "k1" || body.Session["status"] != "WAITING" {
		t.Fatalf("unexpected session payload: %v", body.Session)
	}
}

func TestCreateCallErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      any
		authorize error
		create    error
		wantCode  int
		wantError string
	}{
		{name: "missing memorial", body: map[string]any{"contact_name": "x"}, wantCode: http.StatusBadRequest, wantError: "invalid_request"},
		{name: "not a member", body: map[string]any{"memorial_id": 11}, authorize: store.ErrForbidden, wantCode: http.StatusForbidden, wantError: "forbidden"},
		{name: "authorizer down", body: map[string]any{"memorial_id": 11}, authorize: errors.New("db down"), wantCode: http.StatusInternalServerError, wantError: "internal_error"},
		{name: "duplicate key", body: map[string]any{"memorial_id": 11, "session_key": "k1"}, create: fmt.Errorf("%w: k1", session.ErrDuplicateKey), wantCode: http.StatusConflict, wantError: "duplicate_key"},
		{name: "store unavailable", body: map[string]any{"memorial_id": 11}, create: session.ErrStoreUnavailable, wantCode: http.StatusServiceUnavailable, wantError: "store_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockSessions{createFn: func(context.Context, string, int64, int64, string) (*model.Session, error) {
				if tt.create != nil {
					return nil, tt.create
				}
				return ownedSession("k1", model.SessionWaiting), nil
			}}
			mh := &mockHistory{authorizeFn: func(context.Context, int64, int64) error { return tt.authorize }}
			rr := serve(t, newTestRouter(ms, &mockGateway{}, mh), http.MethodPost, "/api/v1/calls", jsonBody(tt.body), 22)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d body=%s", tt.wantCode, rr.Code, rr.Body.String())
			}
			apiErr := decodeError(t, rr)
			if apiErr.Error.Code != tt.wantError {
				t.Fatalf("code = %s, want %s", apiErr.Error.Code, tt.wantError)
			}
			if apiErr.Error.RequestID == "" {
				t.Fatal("missing request id in error envelope")
			}
		})
	}
}

func TestCallsRequireToken(t *testing.T) {
	rr := serve(t, newTestRouter(&mockSessions{}, &mockGateway{}, &mockHistory{}), http.MethodGet, "/api/v1/calls/k1", nil, 0)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestGetCallOwnership(t *testing.T) {
	ms := &mockSessions{getFn: func(_ context.Context, key string) (*model.Session, error) {
		if key != "k1" {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, key)
		}
		return ownedSession("k1", model.SessionConnected), nil
	}}
	router := newTestRouter(ms, &mockGateway{}, &mockHistory{})

	if rr := serve(t, router, http.MethodGet, "/api/v1/calls/k1", nil, 22); rr.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rr.Code)
	}
	if rr := serve(t, router, http.MethodGet, "/api/v1/calls/k1", nil, 99); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rr.Code)
	}
	rr := serve(t, router, http.MethodGet, "/api/v1/calls/missing", nil, 22)
	if rr.Code != http.StatusNotFound || decodeError(t, rr).Error.Code != "not_found" {
		t.Fatalf("missing: expected 404 not_found, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestSubmitMedia(t *testing.T) {
	var gotFormat, gotPayload string
	ms := &mockSessions{getFn: func(context.Context, string) (*model.Session, error) {
		return ownedSession("k1", model.SessionConnected), nil
	}}
	mg := &mockGateway{submitFn: func(_ context.Context, key, format string, r io.Reader) (*model.Session, error) {
		b, _ := io.ReadAll(r)
		gotFormat, gotPayload = format, string(b)
		sess := ownedSession(key, model.SessionProcessing)
		sess.SavedInputPath = "/media/k1.wav"
		return sess, nil
	}}
	rr := serve(t, newTestRouter(ms, mg, &mockHistory{}), http.MethodPost, "/api/v1/calls/k1/media?format=wav", strings.NewReader("RIFF"), 22)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotFormat != "wav" || gotPayload != "RIFF" {
		t.Fatalf("unexpected submission: %q %q", gotFormat, gotPayload)
	}
}

func TestSubmitMediaFromWrongState(t *testing.T) {
	ms := &mockSessions{getFn: func(context.Context, string) (*model.Session, error) {
		return ownedSession("k1", model.SessionWaiting), nil
	}}
	mg := &mockGateway{submitFn: func(context.Context, string, string, io.Reader) (*model.Session, error) {
		return nil, fmt.Errorf("%w: submit from WAITING", session.ErrInvalidTransition)
	}}
	rr := serve(t, newTestRouter(ms, mg, &mockHistory{}), http.MethodPost, "/api/v1/calls/k1/media", strings.NewReader("x"), 22)
	if rr.Code != http.StatusConflict || decodeError(t, rr).Error.Code != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestAcknowledge(t *testing.T) {
	ms := &mockSessions{getFn: func(context.Context, string) (*model.Session, error) {
		return ownedSession("k1", model.SessionCompleted), nil
	}}
	acked := 0
	mg := &mockGateway{ackFn: func(_ context.Context, key string) (*model.Session, error) {
		acked++
		sess := ownedSession(key, model.SessionCompleted)
		sess.ResponseMediaURL = "https://cdn.example/k1.mp4"
		return sess, nil
	}}
	rr := serve(t, newTestRouter(ms, mg, &mockHistory{}), http.MethodPost, "/api/v1/calls/k1/ack", nil, 22)
	if rr.Code != http.StatusOK || acked != 1 {
		t.Fatalf("expected 200 and one ack, got %d acked=%d", rr.Code, acked)
	}
}

func TestCallSummary(t *testing.T) {
	mh := &mockHistory{getFn: func(_ context.Context, key string) (*model.Summary, error) {
		if key == "gone" {
			return nil, store.ErrNotFound
		}
		return &model.Summary{SessionKey: key, CallerID: 22, Status: model.SessionError, Reason: model.ReasonExpired}, nil
	}}
	router := newTestRouter(&mockSessions{}, &mockGateway{}, mh)

	rr := serve(t, router, http.MethodGet, "/api/v1/calls/k1/summary", nil, 22)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"reason":"expired"`) {
		t.Fatalf("expected summary, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := serve(t, router, http.MethodGet, "/api/v1/calls/k1/summary", nil, 99); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger: expected 403, got %d", rr.Code)
	}
	if rr := serve(t, router, http.MethodGet, "/api/v1/calls/gone/summary", nil, 22); rr.Code != http.StatusNotFound {
		t.Fatalf("missing: expected 404, got %d", rr.Code)
	}
}

func TestCallHistory(t *testing.T) {
	var gotLimit int
	mh := &mockHistory{
		authorizeFn: func(_ context.Context, callerID, memorialID int64) error {
			if callerID != 22 || memorialID != 11 {
				return store.ErrForbidden
			}
			return nil
		},
		listFn: func(_ context.Context, _ int64, limit int) ([]model.Summary, error) {
			gotLimit = limit
			return []model.Summary{{SessionKey: "k1", Reason: model.ReasonAcknowledged}}, nil
		},
	}
	router := newTestRouter(&mockSessions{}, &mockGateway{}, mh)

	rr := serve(t, router, http.MethodGet, "/api/v1/memorials/11/calls?limit=5", nil, 22)
	if rr.Code != http.StatusOK || gotLimit != 5 {
		t.Fatalf("expected 200 with limit 5, got %d limit=%d", rr.Code, gotLimit)
	}
	if rr := serve(t, router, http.MethodGet, "/api/v1/memorials/12/calls", nil, 22); rr.Code != http.StatusForbidden {
		t.Fatalf("non-member: expected 403, got %d", rr.Code)
	}
	if rr := serve(t, router, http.MethodGet, "/api/v1/memorials/abc/calls", nil, 22); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rr.Code)
	}
}

func TestMetricsEndpoint_ExposesPrometheusPayload(t *testing.T) {
	metrics.ResetDefaultForTest()
	metrics.Default().IncCounter("memorial_session_transitions_total", map[string]string{"event": "bind", "result": "ok"})
	metrics.Default().ObserveHistogram("memorial_pipeline_latency_ms", 120, map[string]string{"provider": "fake", "status": "ok"})

	rr := serve(t, newTestRouter(&mockSessions{}, &mockGateway{}, &mockHistory{}), http.MethodGet, "/metrics", nil, 0)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	for _, want := range []string{
		"# TYPE memorial_session_transitions_total counter",
		"# TYPE memorial_pipeline_latency_ms histogram",
	} {
		if !bytes.Contains(rr.Body.Bytes(), []byte(want)) {
			t.Fatalf("expected %q in metrics payload, body=%s", want, rr.Body.String())
		}
	}
}

func TestHealthz(t *testing.T) {
	rr := serve(t, newTestRouter(&mockSessions{}, &mockGateway{}, &mockHistory{}), http.MethodGet, "/healthz", nil, 0)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Fatalf("unexpected healthz: %d %s", rr.Code, rr.Body.String())
	}
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret: "test-secret",
	}
}

func testJWT(t *testing.T, secret string, callerID int64) string {
	t.Helper()
	claims := jwt.MapClaims{
		"uid": callerID,
		"exp": time.Now().Add(1 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func jsonBody(v any) *bytes.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}
