package model

import (
	"errors"
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionWaiting      SessionStatus = "WAITING"
	SessionConnecting   SessionStatus = "CONNECTING"
	SessionConnected    SessionStatus = "CONNECTED"
	SessionProcessing   SessionStatus = "PROCESSING"
	SessionCompleted    SessionStatus = "COMPLETED"
	SessionError        SessionStatus = "ERROR"
	SessionDisconnected SessionStatus = "DISCONNECTED"
)

var AllStatuses = []SessionStatus{
	SessionWaiting,
	SessionConnecting,
	SessionConnected,
	SessionProcessing,
	SessionCompleted,
	SessionError,
	SessionDisconnected,
}

// Terminal reports whether no further transition may leave the status.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionError
}

func ParseSessionStatus(raw string) (SessionStatus, error) {
	for _, s := range AllStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown session status %q", raw)
}

// Session is the live record of one memorial video call.
type Session struct {
	Key              string        `json:"sessionKey"`
	MemorialID       int64         `json:"memorialId"`
	CallerID         int64         `json:"callerId"`
	ContactName      string        `json:"contactName"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	LastActivity     time.Time     `json:"lastActivity"`
	ConnectionID     string        `json:"connectionId,omitempty"`
	Connected        bool          `json:"connected"`
	ReconnectCount   int           `json:"reconnectCount"`
	SavedInputPath   string        `json:"savedInputPath,omitempty"`
	ResponseMediaURL string        `json:"responseMediaUrl,omitempty"`
}

func (s *Session) Validate() error {
	var errs []error
	if s.Key == "" {
		errs = append(errs, errors.New("session key is empty"))
	}
	if _, err := ParseSessionStatus(string(s.Status)); err != nil {
		errs = append(errs, err)
	}
	if s.Connected && s.ConnectionID == "" {
		errs = append(errs, errors.New("connected session has no connection id"))
	}
	if s.Status == SessionCompleted && s.ResponseMediaURL == "" {
		errs = append(errs, errors.New("completed session has no response media url"))
	}
	if s.Status == SessionProcessing && s.SavedInputPath == "" {
		errs = append(errs, errors.New("processing session has no saved input path"))
	}
	if s.LastActivity.Before(s.CreatedAt) {
		errs = append(errs, errors.New("last activity precedes creation"))
	}
	if s.ReconnectCount < 0 {
		errs = append(errs, errors.New("negative reconnect count"))
	}
	return errors.Join(errs...)
}

type SummaryReason string

const (
	ReasonAcknowledged SummaryReason = "acknowledged"
	ReasonExpired      SummaryReason = "expired"
)

// Summary is the terminal audit record appended when a session leaves the store.
type Summary struct {
	SessionKey       string        `json:"sessionKey" db:"session_key"`
	MemorialID       int64         `json:"memorialId" db:"memorial_id"`
	CallerID         int64         `json:"callerId" db:"caller_id"`
	ContactName      string        `json:"contactName" db:"contact_name"`
	Status           SessionStatus `json:"status" db:"status"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
	LastActivity     time.Time     `json:"lastActivity" db:"last_activity"`
	ReconnectCount   int           `json:"reconnectCount" db:"reconnect_count"`
	SavedInputPath   string        `json:"savedInputPath,omitempty" db:"saved_input_path"`
	ResponseMediaURL string        `json:"responseMediaUrl,omitempty" db:"response_media_url"`
	Reason           SummaryReason `json:"reason" db:"reason"`
	EndedAt          time.Time     `json:"endedAt" db:"ended_at"`
}

func NewSummary(s *Session, reason SummaryReason, endedAt time.Time) Summary {
	return Summary{
		SessionKey:       s.Key,
		MemorialID:       s.MemorialID,
		CallerID:         s.CallerID,
		ContactName:      s.ContactName,
		Status:           s.Status,
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		ReconnectCount:   s.ReconnectCount,
		SavedInputPath:   s.SavedInputPath,
		ResponseMediaURL: s.ResponseMediaURL,
		Reason:           reason,
		EndedAt:          endedAt.UTC(),
	}
}
