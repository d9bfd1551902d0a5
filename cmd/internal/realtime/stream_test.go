package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"astral/cmd/internal/auth/guard"
	"astral/cmd/internal/auth/session"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type streamFixture struct {
	srv   *httptest.Server
	mgr   *session.Manager
	clock *clock
}

func newStreamFixture(t *testing.T, allowed ...string) streamFixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := session.DefaultConfig()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))
	cfg.LookupKey = bytes.Repeat([]byte("k"), 32)
	cfg.FingerprintSalt = bytes.Repeat([]byte("f"), 16)

	mgr, err := session.NewManager(cfg, session.NewMemoryStore(), session.WithLogger(log))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	clk := &clock{now: t0}
	mon := session.NewMonitor(mgr, session.WithMonitorClock(clk.Now))
	g := guard.New(mgr, mon, guard.Config{}, guard.WithLogger(log), guard.WithClock(clk.Now))

	srv := httptest.NewUnstartedServer(nil)
	scfg := DefaultConfig()
	scfg.AllowedOrigins = append([]string{"http://" + srv.Listener.Addr().String()}, allowed...)
	scfg.PushInterval = 20 * time.Millisecond
	scfg.HeartbeatEvery = time.Hour

	stream, err := NewStream(mgr, scfg, WithLogger(log), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	srv.Config.Handler = g.Require(guard.Requirement{})(stream)
	srv.Start()
	t.Cleanup(srv.Close)

	return streamFixture{srv: srv, mgr: mgr, clock: clk}
}

func (f streamFixture) login(t *testing.T) session.Issued {
	t.Helper()
	issued, err := f.mgr.Create(t.Context(), f.clock.Now(), session.CreateInput{
		UserID:    "user-1",
		Role:      session.RoleUser,
		IP:        "127.0.0.1",
		UserAgent: "stream-test",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return issued
}

func (f streamFixture) dial(t *testing.T, origin, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if conn != nil {
		t.Cleanup(func() { _ = conn.CloseNow() })
	}
	return conn, resp, err
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	for range 200 {
		if m := readMessage(t, conn); m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %q message received", typ)
	return Message{}
}

func TestStream_PushesExpiryStatus(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t)
	issued := f.login(t)

	conn, _, err := f.dial(t, f.srv.URL, issued.SessionToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if got := conn.Subprotocol(); got != Subprotocol {
		t.Fatalf("subprotocol = %q", got)
	}

	m := readMessage(t, conn)
	want := &ExpiryPayload{WillExpireSoon: false, SecondsRemaining: 15 * 60, Type: "IDLE"}
	if m.Type != TypeExpiry {
		t.Fatalf("type = %q, want %q", m.Type, TypeExpiry)
	}
	if diff := cmp.Diff(want, m.Expiry); diff != "" {
		t.Fatalf("expiry mismatch (-want +got):\n%s", diff)
	}

	f.clock.Set(t0.Add(11 * time.Minute))
	for range 200 {
		m = readUntil(t, conn, TypeExpiry)
		if m.Expiry.SecondsRemaining == 4*60 {
			break
		}
	}
	if m.Expiry.SecondsRemaining != 4*60 {
		t.Fatalf("clock change not observed: %+v", m.Expiry)
	}
	if !m.Expiry.WillExpireSoon {
		t.Fatalf("expected warning inside the window: %+v", m.Expiry)
	}
}

func TestStream_PushesDoNotExtendIdle(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t)
	issued := f.login(t)

	conn, _, err := f.dial(t, f.srv.URL, issued.SessionToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readMessage(t, conn)
	readMessage(t, conn)

	s, err := f.mgr.Get(t.Context(), issued.Session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if want := t0.Add(15 * time.Minute); !s.IdleExpiresAt.Equal(want) {
		t.Fatalf("idle bound moved: got %v want %v", s.IdleExpiresAt, want)
	}
}

func TestStream_EndsWhenSessionTerminated(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t)
	issued := f.login(t)

	conn, _, err := f.dial(t, f.srv.URL, issued.SessionToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readMessage(t, conn)

	if err := f.mgr.Terminate(t.Context(), f.clock.Now(), issued.Session.ID, session.ReasonLogout, "user-1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	m := readUntil(t, conn, TypeEnded)
	want := &EndedPayload{Status: string(session.StatusTerminated), Reason: string(session.ReasonLogout)}
	if diff := cmp.Diff(want, m.Ended); diff != "" {
		t.Fatalf("ended mismatch (-want +got):\n%s", diff)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err=%v), want normal closure", got, err)
	}
}

func TestStream_EndsWhenExpiredBeforeSweep(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t)
	issued := f.login(t)

	conn, _, err := f.dial(t, f.srv.URL, issued.SessionToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readMessage(t, conn)

	f.clock.Set(t0.Add(16 * time.Minute))
	m := readUntil(t, conn, TypeEnded)
	want := &EndedPayload{Status: string(session.StatusExpired), Reason: string(session.ReasonExpired)}
	if diff := cmp.Diff(want, m.Ended); diff != "" {
		t.Fatalf("ended mismatch (-want +got):\n%s", diff)
	}
}

func TestStream_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t)
	issued := f.login(t)

	tests := []struct {
		name   string
		origin string
		token  string
		want   int
	}{
		{name: "no credential", origin: f.srv.URL, want: http.StatusUnauthorized},
		{name: "unknown credential", origin: f.srv.URL, token: "nope", want: http.StatusUnauthorized},
		{name: "missing origin", token: issued.SessionToken, want: http.StatusForbidden},
		{name: "foreign origin", origin: "https://evil.example", token: issued.SessionToken, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.origin, tt.token)
			if err == nil {
				t.Fatal("expected handshake failure")
			}
			if resp == nil {
				t.Fatalf("no response: %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStream_AllowsListedCrossOrigin(t *testing.T) {
	t.Parallel()

	f := newStreamFixture(t, "https://app.astral.example")
	issued := f.login(t)

	conn, _, err := f.dial(t, "https://app.astral.example", issued.SessionToken)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if m := readMessage(t, conn); m.Type != TypeExpiry {
		t.Fatalf("type = %q", m.Type)
	}
}

func TestNewStream_RequiresManager(t *testing.T) {
	t.Parallel()
	if _, err := NewStream(nil, DefaultConfig()); err == nil {
		t.Fatal("expected error")
	}
}
