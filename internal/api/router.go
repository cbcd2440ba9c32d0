package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/remembr/memorial-call/internal/auth"
	"github.com/remembr/memorial-call/internal/config"
	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
)

// Sessions is the live session state the API reads and creates.
type Sessions interface {
	Create(ctx context.Context, key string, memorialID, callerID int64, contactName string) (*model.Session, error)
	Get(ctx context.Context, key string) (*model.Session, error)
}

// Gateway is the part of the connection gateway exposed over HTTP.
type Gateway interface {
	OnMediaSubmission(ctx context.Context, key, format string, payload io.Reader) (*model.Session, error)
	Acknowledge(ctx context.Context, key string) (*model.Session, error)
	ServeLive(w http.ResponseWriter, r *http.Request)
}

// History is the durable record of finished calls.
type History interface {
	auth.Authorizer
	ListCallHistory(ctx context.Context, memorialID int64, limit int) ([]model.Summary, error)
	GetTerminalRecord(ctx context.Context, sessionKey string) (*model.Summary, error)
}

type Server struct {
	cfg      config.Config
	sessions Sessions
	gateway  Gateway
	history  History
	log      logrus.FieldLogger
}

func NewRouter(cfg config.Config, logger logrus.FieldLogger, sessions Sessions, gw Gateway, history History) http.Handler {
	s := &Server{cfg: cfg, sessions: sessions, gateway: gw, history: history, log: logger}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))

		// The live socket outlives any request timeout.
		v1.Get("/calls/{sessionKey}/live", s.gateway.ServeLive)

		v1.Group(func(authed chi.Router) {
			authed.Use(middleware.Timeout(time.Minute))
			authed.Post("/calls", s.handleCreateCall)
			authed.Get("/calls/{sessionKey}", s.handleGetCall)
			authed.Post("/calls/{sessionKey}/media", s.handleSubmitMedia)
			authed.Post("/calls/{sessionKey}/ack", s.handleAcknowledge)
			authed.Get("/calls/{sessionKey}/summary", s.handleCallSummary)
			authed.Get("/memorials/{memorialID}/calls", s.handleCallHistory)
		})
	})

	return otelhttp.NewHandler(r, "memorial-call-api")
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
