package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/remembr/memorial-call/internal/auth"
	"github.com/remembr/memorial-call/internal/session"
)

const (
	maxFrameBytes = 4 << 20
	maxMediaBytes = 64 << 20
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type mediaChunk struct {
	Payload []byte `json:"payload"`
	Format  string `json:"format"`
	IsFinal bool   `json:"isFinal"`
}

func (g *Gateway) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.origins) == 0 {
		return true
	}
	_, ok := g.origins[origin]
	return ok
}

// ServeLive upgrades the request to a websocket and binds it to the session
// named by the sessionKey URL parameter. The caller id comes from auth.Middleware.
func (g *Gateway) ServeLive(w http.ResponseWriter, r *http.Request) {
	callerID, ok := auth.CallerIDFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":{"code":"unauthorized","message":"missing caller"}}`, http.StatusUnauthorized)
		return
	}
	key := chi.URLParam(r, "sessionKey")
	q := r.URL.Query()
	var memorialID int64
	if raw := q.Get("memorial_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			http.Error(w, `{"error":{"code":"bad_request","message":"memorial_id must be a positive integer"}}`, http.StatusBadRequest)
			return
		}
		memorialID = v
	}
	connID := q.Get("connection_id")
	if connID == "" {
		connID = uuid.NewString()
	}

	up := g.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithFields(logrus.Fields{"session_key": key, "err": err}).Warn("live_upgrade_failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx := context.WithoutCancel(r.Context())
	ch := newWSChannel(connID, conn)
	log := g.logger.WithFields(logrus.Fields{"session_key": key, "connection_id": connID})

	sess, err := g.OnConnect(ctx, ConnectRequest{
		Key:          key,
		CallerID:     callerID,
		MemorialID:   memorialID,
		ContactName:  q.Get("contact_name"),
		ConnectionID: connID,
		Channel:      ch,
	})
	if err != nil {
		g.rejectConnect(ctx, ch, key, callerID, err)
		log.WithField("err", err).Info("live_connect_rejected")
		return
	}
	_ = ch.Send(g.statusFrame(sess))

	g.readLoop(ctx, conn, ch, key, log)

	if err := g.OnDisconnect(ctx, key, ch); err != nil {
		log.WithField("err", err).Warn("live_disconnect_failed")
	}
	_ = ch.Close(websocket.CloseNormalClosure, "")
}

// rejectConnect reports why a connection could not be bound. A caller
// reconnecting to a finished session receives its final state.
func (g *Gateway) rejectConnect(ctx context.Context, ch *wsChannel, key string, callerID int64, err error) {
	if errors.Is(err, session.ErrInvalidTransition) {
		if sess, getErr := g.machine.Get(ctx, key); getErr == nil && sess.CallerID == callerID && sess.Status.Terminal() {
			_ = ch.Send(g.statusFrame(sess))
			_ = ch.Close(websocket.CloseNormalClosure, "session finished")
			return
		}
	}
	_ = ch.Send(g.errorFrame(key, ErrorCode(err), err.Error(), ""))
	_ = ch.Close(websocket.ClosePolicyViolation, ErrorCode(err))
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, ch *wsChannel, key string, log logrus.FieldLogger) {
	readWait := 2 * g.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if _, err := g.OnHeartbeat(ctx, key); err != nil {
			log.WithField("err", err).Debug("live_pong_heartbeat_failed")
		}
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go g.pingLoop(ch, stop)

	var (
		buf    bytes.Buffer
		format string
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !ch.isClosed() {
				log.WithField("err", err).Info("live_read_failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = ch.Send(g.errorFrame(key, "bad_request", "invalid message", ""))
			continue
		}

		switch msg.Type {
		case "heartbeat":
			sess, err := g.OnHeartbeat(ctx, key)
			if err != nil {
				g.sendError(ch, key, err)
				if errors.Is(err, session.ErrNotFound) {
					return
				}
				continue
			}
			_ = ch.Send(g.statusFrame(sess))
		case "media":
			var chunk mediaChunk
			if err := json.Unmarshal(msg.Data, &chunk); err != nil {
				_ = ch.Send(g.errorFrame(key, "bad_request", "invalid media chunk", ""))
				continue
			}
			if buf.Len()+len(chunk.Payload) > maxMediaBytes {
				buf.Reset()
				_ = ch.Send(g.errorFrame(key, "payload_too_large", "media exceeds the upload limit", ""))
				continue
			}
			buf.Write(chunk.Payload)
			if chunk.Format != "" {
				format = chunk.Format
			}
			if !chunk.IsFinal {
				continue
			}
			_, err := g.OnMediaSubmission(ctx, key, format, bytes.NewReader(buf.Bytes()))
			buf.Reset()
			format = ""
			if err != nil {
				g.sendError(ch, key, err)
			}
		case "ack":
			if _, err := g.Acknowledge(ctx, key); err != nil {
				g.sendError(ch, key, err)
				continue
			}
			return
		default:
			_ = ch.Send(g.errorFrame(key, "bad_request", "unknown message type "+strconv.Quote(msg.Type), ""))
		}
	}
}

func (g *Gateway) pingLoop(ch *wsChannel, stop <-chan struct{}) {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (g *Gateway) sendError(ch Channel, key string, err error) {
	_ = ch.Send(g.errorFrame(key, ErrorCode(err), err.Error(), ""))
}
