package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"astral/cmd/internal/audit"
)

func TestSweepExpired_At14And15Minutes(t *testing.T) {
	t.Parallel()

	m, store, rec := newTestManager(t, testConfig())
	mon := NewMonitor(m)
	issued := mustCreate(t, m, t0, "u1", RoleUser)

	n, err := mon.SweepExpired(t.Context(), t0.Add(14*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("sweep at 14m: n=%d err=%v", n, err)
	}
	if s := mustGet(t, store, issued.Session.ID); s.Status != StatusActive {
		t.Fatalf("expected active at 14m, got %s", s.Status)
	}

	n, err = mon.SweepExpired(t.Context(), t0.Add(15*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("sweep at 15m: n=%d err=%v", n, err)
	}
	s := mustGet(t, store, issued.Session.ID)
	if s.Status != StatusTerminated || s.TerminationReason != ReasonExpired {
		t.Fatalf("expected terminated EXPIRED at 15m, got %s/%s", s.Status, s.TerminationReason)
	}

	evs := rec.byCategory(audit.CategorySessionTerminated)
	if len(evs) != 1 || evs[0].Metadata["reason"] != string(ReasonExpired) {
		t.Fatalf("expected one EXPIRED termination event, got %+v", evs)
	}

	if n, _ := mon.SweepExpired(t.Context(), t0.Add(16*time.Minute)); n != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", n)
	}
}

func TestSweepIdle_DemotesThenCleanupTerminatesIdle(t *testing.T) {
	t.Parallel()

	m, store, _ := newTestManager(t, testConfig())
	mon := NewMonitor(m)
	stale := mustCreate(t, m, t0, "u1", RoleUser)
	fresh := mustCreate(t, m, t0, "u2", RoleUser)

	if _, ok, err := m.Validate(t.Context(), t0.Add(10*time.Minute), fresh.SessionToken, ""); err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}

	for _, at := range []time.Duration{14 * time.Minute, 15 * time.Minute} {
		if n, err := mon.SweepIdle(t.Context(), t0.Add(at)); err != nil || n != 0 {
			t.Fatalf("idle sweep at %v: n=%d err=%v", at, n, err)
		}
	}

	n, err := mon.SweepIdle(t.Context(), t0.Add(15*time.Minute+time.Second))
	if err != nil || n != 1 {
		t.Fatalf("idle sweep after 15m: n=%d err=%v", n, err)
	}
	if s := mustGet(t, store, stale.Session.ID); s.Status != StatusIdle {
		t.Fatalf("expected stale session idle, got %s", s.Status)
	}
	if s := mustGet(t, store, fresh.Session.ID); s.Status != StatusActive {
		t.Fatalf("expected fresh session active, got %s", s.Status)
	}

	if _, ok, _ := m.Validate(t.Context(), t0.Add(15*time.Minute+2*time.Second), stale.SessionToken, ""); ok {
		t.Fatalf("idle session must not validate")
	}

	n, err = mon.SweepExpired(t.Context(), t0.Add(15*time.Minute+time.Second))
	if err != nil || n != 1 {
		t.Fatalf("cleanup sweep: n=%d err=%v", n, err)
	}
	if s := mustGet(t, store, stale.Session.ID); s.Status != StatusTerminated || s.TerminationReason != ReasonExpired {
		t.Fatalf("expected idle session terminated EXPIRED, got %s/%s", s.Status, s.TerminationReason)
	}
}

func TestSweep_BatchesUntilDone(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SweepBatchSize = 2
	m, store, _ := newTestManager(t, cfg)
	mon := NewMonitor(m)

	for i := 0; i < 5; i++ {
		mustCreate(t, m, t0, "user-"+string(rune('a'+i)), RoleUser)
	}

	n, err := mon.SweepExpired(t.Context(), t0.Add(time.Hour))
	if err != nil || n != 5 {
		t.Fatalf("expected all 5 expired in one call, n=%d err=%v", n, err)
	}
	left, _ := store.ListExpired(t.Context(), t0.Add(time.Hour), 0)
	if len(left) != 0 {
		t.Fatalf("expected nothing left, got %d", len(left))
	}
}

func TestSweep_StopsWhenContextDone(t *testing.T) {
	t.Parallel()

	m, store, _ := newTestManager(t, testConfig())
	mon := NewMonitor(m)
	issued := mustCreate(t, m, t0, "u1", RoleUser)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	n, err := mon.SweepExpired(ctx, t0.Add(time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("cancelled sweep: n=%d err=%v", n, err)
	}
	if s := mustGet(t, store, issued.Session.ID); s.Status != StatusActive {
		t.Fatalf("cancelled sweep must not touch records, got %s", s.Status)
	}
}

func TestRecordActivity_HighRateEmitsEvent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SuspiciousActivityThreshold = 3
	m, store, rec := newTestManager(t, cfg)
	mon := NewMonitor(m)
	issued := mustCreate(t, m, t0, "u1", RoleUser)

	for i := 0; i < 3; i++ {
		if err := mon.RecordActivity(t.Context(), t0.Add(time.Duration(i)*time.Second), ActivityInput{
			SessionID: issued.Session.ID,
			Class:     ActivityDataAccess,
			Resource:  "/mood/entries",
		}); err != nil {
			t.Fatalf("RecordActivity: %v", err)
		}
	}
	if n := len(rec.byCategory(audit.CategoryHighActivityRate)); n != 0 {
		t.Fatalf("threshold not exceeded yet, got %d events", n)
	}

	if err := mon.RecordActivity(t.Context(), t0.Add(4*time.Second), ActivityInput{SessionID: issued.Session.ID}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	evs := rec.byCategory(audit.CategoryHighActivityRate)
	if len(evs) != 1 || evs[0].Risk != audit.RiskHigh || evs[0].Metadata["count"] != 4 {
		t.Fatalf("expected one high-rate event with count=4, got %+v", evs)
	}

	// Outside the 60s window the count starts over.
	if err := mon.RecordActivity(t.Context(), t0.Add(2*time.Minute), ActivityInput{SessionID: issued.Session.ID}); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}
	if n := len(rec.byCategory(audit.CategoryHighActivityRate)); n != 1 {
		t.Fatalf("expected no new event outside window, got %d", n)
	}

	if s := mustGet(t, store, issued.Session.ID); !s.LastActivity.Equal(t0.Add(2 * time.Minute)) {
		t.Fatalf("expected lastActivity touched, got %v", s.LastActivity)
	}
}

func TestRecordActivity_Validation(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, testConfig())
	mon := NewMonitor(m)

	if err := mon.RecordActivity(t.Context(), t0, ActivityInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mon.RecordActivity(t.Context(), t0, ActivityInput{SessionID: "s", Class: "scroll"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for class, got %v", err)
	}
	if err := mon.RecordActivity(t.Context(), t0, ActivityInput{SessionID: "missing"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

type failingWindow struct{}

func (failingWindow) Observe(context.Context, string, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("redis down")
}

func TestRecordActivity_WindowFailureIsAdvisory(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t, testConfig())
	mon := NewMonitor(m, WithActivityWindow(failingWindow{}))
	issued := mustCreate(t, m, t0, "u1", RoleUser)

	if err := mon.RecordActivity(t.Context(), t0, ActivityInput{SessionID: issued.Session.ID}); err != nil {
		t.Fatalf("window failure must not fail the request: %v", err)
	}
}

func TestMonitor_StartShutdown(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	m, store, _ := newTestManager(t, cfg)

	now := time.Now().UTC()
	mon := NewMonitor(m, WithMonitorClock(func() time.Time { return now.Add(time.Hour) }))
	issued := mustCreate(t, m, now, "u1", RoleUser)

	if err := mon.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := mon.Start(t.Context()); !errors.Is(err, ErrMonitorRunning) {
		t.Fatalf("expected ErrMonitorRunning, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := mustGet(t, store, issued.Session.ID); s.Status == StatusTerminated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sweep did not terminate the expired session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mon.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := mon.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if err := mon.Start(t.Context()); err != nil {
		t.Fatalf("restart after shutdown: %v", err)
	}
	if err := mon.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	t.Parallel()

	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatalf("second lock on same key must wait")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("lock not released")
	}
	unlockB()

	if n := k.size(); n != 0 {
		t.Fatalf("expected no entries left, got %d", n)
	}
}
