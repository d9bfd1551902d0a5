package session

import (
	"bytes"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"astral/cmd/internal/audit"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	cfg.LookupKey = bytes.Repeat([]byte("l"), 32)
	cfg.FingerprintSalt = bytes.Repeat([]byte("s"), 16)
	return cfg
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Record(ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) byCategory(c audit.Category) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Category == c {
			out = append(out, ev)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *MemoryStore, *recordingAudit) {
	t.Helper()
	store := NewMemoryStore()
	m, rec := newTestManagerWithStore(t, cfg, store)
	return m, store, rec
}

func newTestManagerWithStore(t *testing.T, cfg Config, store Store) (*Manager, *recordingAudit) {
	t.Helper()
	rec := &recordingAudit{}
	m, err := NewManager(cfg, store, WithAudit(rec), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, rec
}

func mustCreate(t *testing.T, m *Manager, now time.Time, userID string, role Role) Issued {
	t.Helper()
	issued, err := m.Create(t.Context(), now, CreateInput{
		UserID:    userID,
		Role:      role,
		IP:        "203.0.113.10",
		UserAgent: "astral-test/1.0",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return issued
}

func mustGet(t *testing.T, store Store, id string) Session {
	t.Helper()
	s, err := store.GetByID(t.Context(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return s
}

func assertExpiryInvariant(t *testing.T, s Session) {
	t.Helper()
	want := s.IdleExpiresAt
	if s.AbsoluteExpiresAt.Before(want) {
		want = s.AbsoluteExpiresAt
	}
	if !s.ExpiresAt.Equal(want) {
		t.Fatalf("expiresAt=%v want min(idle=%v, absolute=%v)", s.ExpiresAt, s.IdleExpiresAt, s.AbsoluteExpiresAt)
	}
}
