package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/audit"
	"github.com/remembr/memorial-call/internal/auth"
	"github.com/remembr/memorial-call/internal/media"
	"github.com/remembr/memorial-call/internal/metrics"
	"github.com/remembr/memorial-call/internal/model"
	"github.com/remembr/memorial-call/internal/session"
	"github.com/remembr/memorial-call/internal/store"
)

var ErrCallerMismatch = errors.New("session belongs to another caller")

// Dispatcher hands a PROCESSING session to the pipeline without blocking.
type Dispatcher interface {
	Dispatch(key string)
}

type Options struct {
	Media          media.Store
	Dispatcher     Dispatcher
	Audit          audit.Sink
	Authorizer     auth.Authorizer
	Logger         logrus.FieldLogger
	Heartbeat      time.Duration
	AllowedOrigins []string
	Now            func() time.Time
}

// Gateway owns the live channel of every session. At most one channel is
// registered per key, and it is always the one the session record is bound to.
type Gateway struct {
	machine    *session.Machine
	media      media.Store
	dispatcher Dispatcher
	audit      audit.Sink
	authz      auth.Authorizer
	logger     logrus.FieldLogger
	heartbeat  time.Duration
	origins    map[string]struct{}
	now        func() time.Time

	locks keyLocks

	mu       sync.Mutex
	channels map[string]Channel
}

func New(machine *session.Machine, opts Options) *Gateway {
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = session.DefaultHeartbeatInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Gateway{
		machine:    machine,
		media:      opts.Media,
		dispatcher: opts.Dispatcher,
		audit:      opts.Audit,
		authz:      opts.Authorizer,
		logger:     opts.Logger,
		heartbeat:  heartbeat,
		origins:    origins,
		now:        now,
		channels:   make(map[string]Channel),
	}
}

type ConnectRequest struct {
	Key          string
	CallerID     int64
	MemorialID   int64
	ContactName  string
	ConnectionID string
	Channel      Channel
}

// OnConnect binds a channel to the session, creating the session first when
// it is absent and creation parameters were supplied. A channel previously
// bound to the session is closed.
func (g *Gateway) OnConnect(ctx context.Context, req ConnectRequest) (*model.Session, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("%w: session key is required", session.ErrNotFound)
	}
	if req.ConnectionID == "" && req.Channel != nil {
		req.ConnectionID = req.Channel.ID()
	}

	unlock := g.locks.lock(req.Key)
	defer unlock()

	sess, err := g.lookupOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}
	if sess.CallerID != req.CallerID {
		return nil, ErrCallerMismatch
	}
	sess, displaced, err := g.machine.Attach(ctx, req.Key, req.ConnectionID)
	if err != nil {
		return nil, err
	}

	log := g.logger.WithFields(logrus.Fields{"session_key": req.Key, "connection_id": req.ConnectionID})
	// A client reusing its connection id still gets a new channel; the old
	// one is displaced like any other.
	if prev := g.register(req.Key, req.Channel); prev != nil && prev != req.Channel {
		_ = prev.Close(websocket.ClosePolicyViolation, "displaced by a newer connection")
		log.WithField("displaced", prev.ID()).Info("live_channel_displaced")
	} else if displaced != "" {
		log.WithField("displaced", displaced).Info("live_binding_displaced")
	}
	log.WithFields(logrus.Fields{"status": sess.Status, "reconnect_count": sess.ReconnectCount}).Info("live_channel_bound")
	return sess, nil
}

func (g *Gateway) lookupOrCreate(ctx context.Context, req ConnectRequest) (*model.Session, error) {
	sess, err := g.machine.Get(ctx, req.Key)
	if !errors.Is(err, session.ErrNotFound) || req.MemorialID <= 0 {
		return sess, err
	}
	if g.authz != nil {
		if err := g.authz.AuthorizeMemorial(ctx, req.CallerID, req.MemorialID); err != nil {
			return nil, err
		}
	}
	sess, err = g.machine.Create(ctx, req.Key, req.MemorialID, req.CallerID, req.ContactName)
	if errors.Is(err, session.ErrDuplicateKey) {
		// Created through the HTTP API in the meantime.
		return g.machine.Get(ctx, req.Key)
	}
	return sess, err
}

func (g *Gateway) OnHeartbeat(ctx context.Context, key string) (*model.Session, error) {
	return g.machine.Touch(ctx, key)
}

// OnDisconnect disconnects the session only when ch is still its registered
// channel. Channels are compared by identity, so a displaced channel closing
// never touches its successor, even when both carry the same connection id.
// The session itself stays in the store until acknowledged or reclaimed.
func (g *Gateway) OnDisconnect(ctx context.Context, key string, ch Channel) error {
	if ch == nil {
		return nil
	}
	unlock := g.locks.lock(key)
	defer unlock()
	if g.unregister(key, ch) == nil {
		return nil
	}
	connectionID := ch.ID()

	sess, err := g.machine.Get(ctx, key)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.Connected || sess.ConnectionID != connectionID || sess.Status.Terminal() {
		return nil
	}
	sess, err = g.machine.Disconnect(ctx, key)
	if err != nil {
		return err
	}
	g.logger.WithFields(logrus.Fields{
		"session_key":   key,
		"connection_id": connectionID,
		"status":        sess.Status,
	}).Info("live_channel_disconnected")
	return nil
}

// OnMediaSubmission stores the caller's recording, moves the session to
// PROCESSING and hands it to the pipeline. It returns as soon as the hand-off
// is queued.
func (g *Gateway) OnMediaSubmission(ctx context.Context, key, format string, payload io.Reader) (*model.Session, error) {
	sess, err := g.machine.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionConnected {
		return nil, fmt.Errorf("%w: submit from %s", session.ErrInvalidTransition, sess.Status)
	}

	path, err := g.media.Save(ctx, key, format, payload)
	if err != nil {
		return nil, fmt.Errorf("save media for %s: %w", key, err)
	}
	sess, err = g.machine.Submit(ctx, key, path)
	if err != nil {
		if rmErr := g.media.Remove(context.WithoutCancel(ctx), path); rmErr != nil {
			g.logger.WithFields(logrus.Fields{"session_key": key, "path": path, "err": rmErr}).Warn("media_cleanup_failed")
		}
		return nil, err
	}
	g.logger.WithFields(logrus.Fields{"session_key": key, "path": path}).Info("media_submitted")
	g.Notify(ctx, sess)
	g.dispatcher.Dispatch(key)
	return sess, nil
}

// Acknowledge ends a terminal session on the caller's request, records it and
// closes its live channel.
func (g *Gateway) Acknowledge(ctx context.Context, key string) (*model.Session, error) {
	unlock := g.locks.lock(key)
	defer unlock()

	sess, err := g.machine.Acknowledge(ctx, key)
	if err != nil {
		return nil, err
	}
	g.Record(ctx, sess, model.ReasonAcknowledged)
	if ch := g.unregister(key, nil); ch != nil {
		_ = ch.Send(g.statusFrame(sess))
		_ = ch.Close(websocket.CloseNormalClosure, "acknowledged")
	}
	return sess, nil
}

// Notify pushes the session's state to its bound channel, if any.
func (g *Gateway) Notify(_ context.Context, sess *model.Session) {
	if sess == nil || !sess.Connected {
		return
	}
	ch := g.channel(sess.Key)
	if ch == nil || ch.ID() != sess.ConnectionID {
		return
	}
	if err := ch.Send(g.statusFrame(sess)); err != nil {
		g.logger.WithFields(logrus.Fields{"session_key": sess.Key, "err": err}).Debug("notify_failed")
	}
}

// Evict closes the channel of a session the sweeper removed. It leaves the
// key alone when a newer session has claimed it since the reclaim.
func (g *Gateway) Evict(ctx context.Context, sess *model.Session) {
	if sess.ConnectionID == "" {
		return
	}
	unlock := g.locks.lock(sess.Key)
	defer unlock()
	if _, err := g.machine.Get(ctx, sess.Key); err == nil {
		return
	}
	ch := g.channel(sess.Key)
	if ch == nil || ch.ID() != sess.ConnectionID {
		return
	}
	g.unregister(sess.Key, ch)
	_ = ch.Send(g.errorFrame(sess.Key, "expired", "session expired after inactivity", sess.Status))
	_ = ch.Close(websocket.CloseNormalClosure, "session expired")
}

// CloseAll closes every live channel, used on shutdown.
func (g *Gateway) CloseAll() int {
	g.mu.Lock()
	chans := make([]Channel, 0, len(g.channels))
	for _, ch := range g.channels {
		chans = append(chans, ch)
	}
	g.mu.Unlock()
	for _, ch := range chans {
		_ = ch.Close(websocket.CloseGoingAway, "server shutting down")
	}
	return len(chans)
}

func (g *Gateway) LiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.channels)
}

// Record appends the terminal summary of sess to the audit sink.
func (g *Gateway) Record(ctx context.Context, sess *model.Session, reason model.SummaryReason) {
	if g.audit == nil {
		return
	}
	sum := model.NewSummary(sess, reason, g.now())
	if err := g.audit.AppendTerminalRecord(ctx, sum); err != nil {
		g.logger.WithFields(logrus.Fields{"session_key": sess.Key, "err": err}).Warn("audit_append_failed")
	}
}

func (g *Gateway) register(key string, ch Channel) Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.channels[key]
	if ch == nil {
		delete(g.channels, key)
	} else {
		g.channels[key] = ch
	}
	g.setLiveGauge()
	return prev
}

// unregister removes the key's channel when it is ch, or unconditionally when
// ch is nil.
func (g *Gateway) unregister(key string, ch Channel) Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.channels[key]
	if cur == nil || (ch != nil && cur != ch) {
		return nil
	}
	ch = cur
	delete(g.channels, key)
	g.setLiveGauge()
	return ch
}

func (g *Gateway) channel(key string) Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.channels[key]
}

func (g *Gateway) setLiveGauge() {
	metrics.Default().SetGauge("memorial_live_connections", float64(len(g.channels)), nil)
}

func (g *Gateway) statusFrame(sess *model.Session) Frame {
	return Frame{Type: FrameStatus, SessionKey: sess.Key, Data: sess, Timestamp: g.now().UTC()}
}

func (g *Gateway) errorFrame(key, code, message string, status model.SessionStatus) Frame {
	return Frame{
		Type:       FrameError,
		SessionKey: key,
		Data:       ErrorData{Code: code, Message: message, Status: status},
		Timestamp:  g.now().UTC(),
	}
}

// ErrorCode maps gateway and session errors to wire codes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "not_found"
	case errors.Is(err, session.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, session.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, session.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, session.ErrPipelineFailure):
		return "pipeline_failure"
	case errors.Is(err, ErrCallerMismatch), errors.Is(err, store.ErrForbidden):
		return "forbidden"
	case errors.Is(err, media.ErrInvalidFormat):
		return "invalid_format"
	default:
		return "internal"
	}
}
