// Package realtime pushes session expiry status to signed-in clients over a
// websocket so they can warn before an idle or absolute sign-out.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"astral/cmd/internal/auth/guard"
	"astral/cmd/internal/auth/session"
	"astral/cmd/internal/httpjson"
)

// Clients never need to send more than a close frame.
const maxFrameBytes = 4 << 10

// Message types written by the stream.
const (
	TypeExpiry = "expiry"
	TypeEnded  = "ended"
)

// Message is one server-to-client frame.
type Message struct {
	Type   string         `json:"type"`
	TS     time.Time      `json:"ts"`
	Expiry *ExpiryPayload `json:"expiry,omitempty"`
	Ended  *EndedPayload  `json:"ended,omitempty"`
}

type ExpiryPayload struct {
	WillExpireSoon   bool   `json:"will_expire_soon"`
	SecondsRemaining int64  `json:"seconds_remaining"`
	Type             string `json:"type"`
}

type EndedPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Stream serves the expiry websocket. It must sit behind guard.Require.
type Stream struct {
	log      *slog.Logger
	sessions *session.Manager
	cfg      Config
	patterns []string
	now      func() time.Time
}

// Option configures a Stream.
type Option func(*Stream)

func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStream returns a Stream reading sessions from sessions.
func NewStream(sessions *session.Manager, cfg Config, opts ...Option) (*Stream, error) {
	if sessions == nil {
		return nil, errors.New("realtime: session manager is required")
	}
	cfg = cfg.withDefaults()
	s := &Stream{
		log:      slog.Default(),
		sessions: sessions,
		cfg:      cfg,
		patterns: originPatterns(cfg.AllowedOrigins),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gc, ok := guard.FromContext(r.Context())
	if !ok {
		httpjson.Error(w, http.StatusUnauthorized, "authentication_required", "authentication required")
		return
	}
	if err := checkOrigin(r, s.cfg.OriginRequired, s.cfg.AllowedOrigins); err != nil {
		s.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "ip", gc.IP)
		httpjson.Error(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	// Server read/write timeouts would otherwise cut the stream short.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.patterns,
	})
	if err != nil {
		s.log.Info("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		s.log.Info("ws.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := gc.Session.ID
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeat(ctx, cancel, conn, sessionID)
	}()

	s.run(ctx, conn, sessionID)
	cancel()
	<-heartbeatDone
}

func (s *Stream) run(ctx context.Context, conn *websocket.Conn, sessionID string) {
	t := time.NewTicker(s.cfg.PushInterval)
	defer t.Stop()

	for {
		ended, err := s.push(ctx, conn, sessionID)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
			}
			return
		}
		if ended {
			_ = conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// push writes one status frame and reports whether the session has ended.
func (s *Stream) push(ctx context.Context, conn *websocket.Conn, sessionID string) (bool, error) {
	now := s.now()
	sess, err := s.sessions.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return true, s.write(ctx, conn, Message{
			Type:  TypeEnded,
			TS:    now,
			Ended: &EndedPayload{Status: string(session.StatusTerminated)},
		})
	case err != nil:
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		s.log.Warn("ws.session.load.fail", "session_id", sessionID, "err", err)
		return false, nil
	}

	if sess.Status.Terminal() || sess.Expired(now) {
		ended := EndedPayload{Status: string(sess.Status), Reason: string(sess.TerminationReason)}
		if !sess.Status.Terminal() {
			// Not swept yet.
			ended = EndedPayload{Status: string(session.StatusExpired), Reason: string(session.ReasonExpired)}
		}
		return true, s.write(ctx, conn, Message{Type: TypeEnded, TS: now, Ended: &ended})
	}

	st := session.ExpiryOf(sess, now, s.sessions.Config().WarningWindow)
	return false, s.write(ctx, conn, Message{
		Type: TypeExpiry,
		TS:   now,
		Expiry: &ExpiryPayload{
			WillExpireSoon:   st.WillExpireSoon,
			SecondsRemaining: int64(st.TimeRemaining / time.Second),
			Type:             string(st.Type),
		},
	})
}

func (s *Stream) write(parent context.Context, conn *websocket.Conn, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}

func (s *Stream) heartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string) {
	t := time.NewTicker(s.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.HeartbeatTimeout)
		err := conn.Ping(pingCtx)
		pingCancel()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		s.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
		if failures >= maxPingFailures {
			_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
			cancel()
			return
		}
	}
}
