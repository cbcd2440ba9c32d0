package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/auth"
	"github.com/remembr/memorial-call/internal/gateway"
	"github.com/remembr/memorial-call/internal/media"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/session"
	"github.com/remembr/memorial-call/internal/store"
)

const (
	maxUploadBytes     = 64 << 20
	maxContactNameRune = 200
)

type createCallRequest struct {
	SessionKey  string `json:"session_key"`
	MemorialID  int64  `json:"memorial_id"`
	ContactName string `json:"contact_name"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.CallerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}

	var req createCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	req.ContactName = strings.TrimSpace(req.ContactName)
	if req.MemorialID <= 0 {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "memorial_id is required")
		return
	}
	if len([]rune(req.ContactName)) > maxContactNameRune {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "contact_name is too long")
		return
	}

	if err := s.history.AuthorizeMemorial(r.Context(), callerID, req.MemorialID); err != nil {
		if errors.Is(err, store.ErrForbidden) {
			writeAPIError(w, r, http.StatusForbidden, "forbidden", "caller is not a member of this memorial")
			return
		}
		s.logger(r).WithField("err", err).Error("authorize_memorial_failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to authorize memorial")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.SessionKey, req.MemorialID, callerID, req.ContactName)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	s.logger(r).WithFields(logrus.Fields{"session_key": sess.Key, "memorial_id": sess.MemorialID}).Info("call_created")
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleSubmitMedia(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	updated, err := s.gateway.OnMediaSubmission(r.Context(), sess.Key, r.URL.Query().Get("format"), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeAPIError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "media exceeds the upload limit")
		case errors.Is(err, media.ErrInvalidFormat):
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "unsupported media format")
		default:
			s.writeSessionError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": updated})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	final, err := s.gateway.Acknowledge(r.Context(), sess.Key)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": final})
}

func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.CallerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}
	sum, err := s.history.GetTerminalRecord(r.Context(), chi.URLParam(r, "sessionKey"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "call summary not found")
			return
		}
		s.logger(r).WithField("err", err).Error("get_terminal_record_failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query call summary")
		return
	}
	if sum.CallerID != callerID {
		writeAPIError(w, r, http.StatusForbidden, "forbidden", "call belongs to another caller")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.CallerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return
	}
	memorialID, err := strconv.ParseInt(chi.URLParam(r, "memorialID"), 10, 64)
	if err != nil || memorialID <= 0 {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "memorial id must be a positive integer")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be an integer")
			return
		}
	}

	if err := s.history.AuthorizeMemorial(r.Context(), callerID, memorialID); err != nil {
		if errors.Is(err, store.ErrForbidden) {
			writeAPIError(w, r, http.StatusForbidden, "forbidden", "caller is not a member of this memorial")
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to authorize memorial")
		return
	}
	calls, err := s.history.ListCallHistory(r.Context(), memorialID, limit)
	if err != nil {
		s.logger(r).WithField("err", err).Error("list_call_history_failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query call history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

// ownedSession loads the session named in the URL and writes the error
// response itself when the caller may not see it.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	callerID, ok := auth.CallerIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing caller identity")
		return nil, false
	}
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionKey"))
	if err != nil {
		s.writeSessionError(w, r, err)
		return nil, false
	}
	if sess.CallerID != callerID {
		s.writeSessionError(w, r, gateway.ErrCallerMismatch)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	code := gateway.ErrorCode(err)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeAPIError(w, r, http.StatusNotFound, code, "session not found")
	case errors.Is(err, session.ErrDuplicateKey):
		writeAPIError(w, r, http.StatusConflict, code, "session key already in use")
	case errors.Is(err, session.ErrInvalidTransition):
		writeAPIError(w, r, http.StatusConflict, code, err.Error())
	case errors.Is(err, gateway.ErrCallerMismatch):
		writeAPIError(w, r, http.StatusForbidden, code, "session belongs to another caller")
	case errors.Is(err, session.ErrStoreUnavailable):
		writeAPIError(w, r, http.StatusServiceUnavailable, code, "session store unavailable")
	default:
		s.logger(r).WithField("err", err).Error("session_request_failed")
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func (s *Server) logger(r *http.Request) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"request_id": middleware.GetReqID(r.Context()),
		"path":       r.URL.Path,
	})
}
