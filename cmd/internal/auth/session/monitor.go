package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"astral/cmd/identity/ids"
	"astral/cmd/internal/audit"

	"golang.org/x/sync/errgroup"
)

// ErrMonitorRunning is returned by Start when the sweeps are already running.
var ErrMonitorRunning = errors.New("session monitor already running")

// Monitor records activity and runs the idle and expiry sweeps.
type Monitor struct {
	mgr    *Manager
	window ActivityWindow
	now    func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithActivityWindow replaces the store-backed activity counter.
func WithActivityWindow(w ActivityWindow) MonitorOption {
	return func(m *Monitor) {
		if w != nil {
			m.window = w
		}
	}
}

// WithMonitorClock sets the clock used by the background sweeps.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor returns a Monitor sharing mgr's store, config and audit recorder.
func NewMonitor(mgr *Manager, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		mgr:    mgr,
		window: NewStoreWindow(mgr.store),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ActivityInput describes one access made under a session.
type ActivityInput struct {
	SessionID string
	Class     ActivityClass
	Resource  string
	IP        string
	Metadata  map[string]any
}

// RecordActivity appends an activity row, touches the session and checks
// the trailing request rate. A rate above the threshold is audited; it never
// blocks the request.
func (m *Monitor) RecordActivity(ctx context.Context, now time.Time, in ActivityInput) error {
	if strings.TrimSpace(in.SessionID) == "" {
		return ErrInvalidInput
	}
	if in.Class == "" {
		in.Class = ActivityAPICall
	}
	if !in.Class.Valid() {
		return ErrInvalidInput
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return err
	}
	store := m.mgr.store

	err = store.AppendActivity(ctx, Activity{
		ID:        id,
		SessionID: in.SessionID,
		Class:     in.Class,
		Resource:  in.Resource,
		At:        now,
		IP:        in.IP,
		Metadata:  in.Metadata,
	})
	if errors.Is(err, ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return m.mgr.storeFailure(ctx, "record_activity", err, "", in.SessionID)
	}
	if err := store.Touch(ctx, in.SessionID, now); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return m.mgr.storeFailure(ctx, "record_activity", err, "", in.SessionID)
	}

	window := m.mgr.cfg.ActivityWindow
	n, err := m.window.Observe(ctx, in.SessionID, id, now, window)
	if err != nil {
		m.mgr.log.Warn("session.activity.window.fail", "err", err, "session_id", in.SessionID)
		return nil
	}

	if n > m.mgr.cfg.SuspiciousActivityThreshold {
		m.mgr.metrics.highActivity()
		m.mgr.audit.Record(audit.Event{
			Category:    audit.CategoryHighActivityRate,
			Action:      "session.activity",
			Outcome:     audit.OutcomeWarning,
			Risk:        audit.RiskHigh,
			Description: "unusually high request rate",
			SessionID:   in.SessionID,
			IP:          in.IP,
			Metadata: map[string]any{
				"count":     n,
				"window_s":  int64(window.Seconds()),
				"threshold": m.mgr.cfg.SuspiciousActivityThreshold,
				"class":     string(in.Class),
				"resource":  in.Resource,
			},
			OccurredAt: now,
		})
	}
	return nil
}

// SweepIdle demotes active sessions with no activity for IdleTimeout.
// It stops between records once ctx is done; a record already being
// updated is finished.
func (m *Monitor) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	cutoff := now.Add(-m.mgr.cfg.IdleTimeout)
	limit := m.mgr.cfg.SweepBatchSize
	work := context.WithoutCancel(ctx)

	total := 0
	for ctx.Err() == nil {
		batch, err := m.mgr.store.ListIdleCandidates(ctx, cutoff, limit)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return total, m.mgr.storeFailure(ctx, "sweep_idle", err, "", "")
		}

		progressed := 0
		for _, s := range batch {
			if ctx.Err() != nil {
				break
			}
			changed, err := m.mgr.store.MarkIdle(work, s.ID, cutoff)
			if err != nil {
				return total, m.mgr.storeFailure(ctx, "sweep_idle", err, s.UserID, s.ID)
			}
			if changed {
				progressed++
			}
		}
		total += progressed
		if len(batch) < limit || progressed == 0 {
			break
		}
	}

	m.mgr.metrics.sweepDone("idle", started, total)
	return total, nil
}

// SweepExpired terminates active or idle sessions whose expiry has elapsed,
// with ReasonExpired. Stopping behaves as in SweepIdle.
func (m *Monitor) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	limit := m.mgr.cfg.SweepBatchSize
	work := context.WithoutCancel(ctx)

	total := 0
	for ctx.Err() == nil {
		batch, err := m.mgr.store.ListExpired(ctx, now, limit)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return total, m.mgr.storeFailure(ctx, "sweep_expired", err, "", "")
		}

		progressed := 0
		for _, s := range batch {
			if ctx.Err() != nil {
				break
			}
			changed, err := m.mgr.terminate(work, now, s.ID, ReasonExpired, systemActor, true)
			if err != nil {
				return total, err
			}
			if changed {
				progressed++
			}
		}
		total += progressed
		if len(batch) < limit || progressed == 0 {
			break
		}
	}

	m.mgr.metrics.sweepDone("expired", started, total)
	return total, nil
}

// Start launches both sweeps. They run once immediately, then every
// SweepInterval, until ctx is done or Shutdown is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrMonitorRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.loop(gctx, "idle", m.SweepIdle) })
	g.Go(func() error { return m.loop(gctx, "expired", m.SweepExpired) })

	m.cancel = cancel
	m.group = g
	m.running = true
	return nil
}

// Shutdown stops both sweeps and waits for in-flight passes to finish, or
// for ctx to end.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel, g := m.cancel, m.group
	m.running = false
	m.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context, name string, sweep func(context.Context, time.Time) (int, error)) error {
	log := m.mgr.log.With("sweep", name)
	ticker := time.NewTicker(m.mgr.cfg.SweepInterval)
	defer ticker.Stop()

	run := func() {
		n, err := sweep(ctx, m.now())
		switch {
		case err != nil:
			log.Error("session.sweep.fail", "err", err)
		case n > 0:
			log.Info("session.sweep.done", "count", n)
		default:
			log.Debug("session.sweep.done", "count", n)
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			log.Info("session.sweep.stopped")
			return nil
		case <-ticker.C:
			run()
		}
	}
}
