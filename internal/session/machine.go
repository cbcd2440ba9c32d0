package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
)

type Event string

const (
	EventBind       Event = "bind"
	EventConnected  Event = "connected"
	EventDisconnect Event = "disconnect"
	EventReconnect  Event = "reconnect"
	EventDisplace   Event = "displace"
	EventSubmit     Event = "submit"
	EventComplete   Event = "complete"
	EventFail       Event = "fail"
	EventHeartbeat  Event = "heartbeat"
	EventAttach     Event = "attach"
)

// transitions is the only place legal status changes are defined. Terminal
// statuses have no outgoing edges.
var transitions = map[model.SessionStatus]map[Event]model.SessionStatus{
	model.SessionWaiting: {
		EventBind: model.SessionConnecting,
		EventFail: model.SessionError,
	},
	model.SessionConnecting: {
		EventConnected: model.SessionConnected,
		EventFail:      model.SessionError,
	},
	model.SessionConnected: {
		EventDisconnect: model.SessionDisconnected,
		EventDisplace:   model.SessionConnected,
		EventSubmit:     model.SessionProcessing,
		EventFail:       model.SessionError,
	},
	model.SessionDisconnected: {
		EventDisconnect: model.SessionDisconnected,
		EventReconnect:  model.SessionConnected,
		EventFail:       model.SessionError,
	},
	model.SessionProcessing: {
		EventDisconnect: model.SessionProcessing,
		EventReconnect:  model.SessionProcessing,
		EventDisplace:   model.SessionProcessing,
		EventComplete:   model.SessionCompleted,
		EventFail:       model.SessionError,
	},
}

func nextStatus(from model.SessionStatus, ev Event) (model.SessionStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Machine applies lifecycle events to sessions held in a Store. It is the only
// writer of session records.
type Machine struct {
	store Store
	now   func() time.Time
}

func NewMachine(store Store, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: store, now: now}
}

func (m *Machine) Store() Store {
	return m.store
}

func (m *Machine) Create(ctx context.Context, key string, memorialID, callerID int64, contactName string) (*model.Session, error) {
	return m.store.Create(ctx, key, memorialID, callerID, contactName)
}

func (m *Machine) Get(ctx context.Context, key string) (*model.Session, error) {
	return m.store.Get(ctx, key)
}

func (m *Machine) Bind(ctx context.Context, key, connectionID string) (*model.Session, error) {
	if connectionID == "" {
		return nil, m.reject(EventBind, fmt.Errorf("%w: connection id is required", ErrInvalidTransition))
	}
	return m.apply(ctx, key, EventBind, func(s *model.Session) error {
		return m.bind(s, connectionID)
	})
}

func (m *Machine) Disconnect(ctx context.Context, key string) (*model.Session, error) {
	return m.apply(ctx, key, EventDisconnect, func(s *model.Session) error {
		if s.Status == model.SessionDisconnected {
			return nil
		}
		to, err := nextStatus(s.Status, EventDisconnect)
		if err != nil {
			return err
		}
		s.Status = to
		s.ConnectionID = ""
		s.Connected = false
		m.stamp(s)
		return nil
	})
}

func (m *Machine) Reconnect(ctx context.Context, key, connectionID string) (*model.Session, error) {
	if connectionID == "" {
		return nil, m.reject(EventReconnect, fmt.Errorf("%w: connection id is required", ErrInvalidTransition))
	}
	return m.apply(ctx, key, EventReconnect, func(s *model.Session) error {
		if s.Connected {
			return fmt.Errorf("%w: reconnect while connection %s is bound", ErrInvalidTransition, s.ConnectionID)
		}
		return m.rebind(s, EventReconnect, connectionID)
	})
}

// Attach binds connectionID to the session with whichever event the current
// status allows and returns the connection id it displaced, if any.
func (m *Machine) Attach(ctx context.Context, key, connectionID string) (*model.Session, string, error) {
	if connectionID == "" {
		return nil, "", m.reject(EventAttach, fmt.Errorf("%w: connection id is required", ErrInvalidTransition))
	}
	var displaced string
	sess, err := m.apply(ctx, key, EventAttach, func(s *model.Session) error {
		displaced = ""
		switch {
		case s.Status.Terminal():
			return fmt.Errorf("%w: attach to %s session", ErrInvalidTransition, s.Status)
		case s.Status == model.SessionWaiting:
			return m.bind(s, connectionID)
		case s.Connected && s.ConnectionID == connectionID:
			m.stamp(s)
			return nil
		}
		if s.Connected {
			displaced = s.ConnectionID
			return m.rebind(s, EventDisplace, connectionID)
		}
		return m.rebind(s, EventReconnect, connectionID)
	})
	if err != nil {
		return nil, "", err
	}
	return sess, displaced, nil
}

func (m *Machine) Submit(ctx context.Context, key, inputPath string) (*model.Session, error) {
	if inputPath == "" {
		return nil, m.reject(EventSubmit, fmt.Errorf("%w: input path is required", ErrInvalidTransition))
	}
	return m.apply(ctx, key, EventSubmit, func(s *model.Session) error {
		to, err := nextStatus(s.Status, EventSubmit)
		if err != nil {
			return err
		}
		s.Status = to
		s.SavedInputPath = inputPath
		m.stamp(s)
		return nil
	})
}

func (m *Machine) Complete(ctx context.Context, key, mediaURL string) (*model.Session, error) {
	if mediaURL == "" {
		return nil, m.reject(EventComplete, fmt.Errorf("%w: media url is required", ErrInvalidTransition))
	}
	return m.apply(ctx, key, EventComplete, func(s *model.Session) error {
		to, err := nextStatus(s.Status, EventComplete)
		if err != nil {
			return err
		}
		s.Status = to
		s.ResponseMediaURL = mediaURL
		m.stamp(s)
		return nil
	})
}

func (m *Machine) Fail(ctx context.Context, key string) (*model.Session, error) {
	return m.apply(ctx, key, EventFail, func(s *model.Session) error {
		to, err := nextStatus(s.Status, EventFail)
		if err != nil {
			return err
		}
		s.Status = to
		m.stamp(s)
		return nil
	})
}

// Touch refreshes lastActivity without changing status.
func (m *Machine) Touch(ctx context.Context, key string) (*model.Session, error) {
	return m.apply(ctx, key, EventHeartbeat, func(s *model.Session) error {
		m.stamp(s)
		return nil
	})
}

// Acknowledge removes a terminal session and returns its final state.
func (m *Machine) Acknowledge(ctx context.Context, key string) (*model.Session, error) {
	sess, err := m.store.Take(ctx, key, func(s *model.Session) error {
		if !s.Status.Terminal() {
			return fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, s.Status)
		}
		return nil
	})
	countTransition("acknowledge", err)
	return sess, err
}

func (m *Machine) apply(ctx context.Context, key string, ev Event, fn func(*model.Session) error) (*model.Session, error) {
	sess, err := m.store.Update(ctx, key, fn)
	countTransition(string(ev), err)
	return sess, err
}

func (m *Machine) reject(ev Event, err error) error {
	countTransition(string(ev), err)
	return err
}

func (m *Machine) bind(s *model.Session, connectionID string) error {
	connecting, err := nextStatus(s.Status, EventBind)
	if err != nil {
		return err
	}
	connected, err := nextStatus(connecting, EventConnected)
	if err != nil {
		return err
	}
	s.Status = connected
	s.ConnectionID = connectionID
	s.Connected = true
	m.stamp(s)
	return nil
}

// rebind moves the session to connectionID on a reconnect or a displacement.
// Both count as a reconnect.
func (m *Machine) rebind(s *model.Session, ev Event, connectionID string) error {
	to, err := nextStatus(s.Status, ev)
	if err != nil {
		return err
	}
	s.Status = to
	s.ConnectionID = connectionID
	s.Connected = true
	s.ReconnectCount++
	m.stamp(s)
	return nil
}

func (m *Machine) stamp(s *model.Session) {
	now := m.now().UTC()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

func countTransition(event string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrInvalidTransition):
		result = "rejected"
	default:
		result = "error"
	}
	metrics.Default().IncCounter("memorial_session_transitions_total", map[string]string{
		"event":  event,
		"result": result,
	})
}
