package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu sync.RWMutex

	sessions  map[string]Session
	bySession map[string]string
	byRefresh map[string]string
	activity  map[string][]Activity
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]Session),
		bySession: make(map[string]string),
		byRefresh: make(map[string]string),
		activity:  make(map[string][]Activity),
	}
}

// Create stores a new session. Duplicate ids are rejected.
func (s *MemoryStore) Create(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return ErrInvalidInput
	}
	s.sessions[sess.ID] = cloneSession(sess)
	s.bySession[sess.SessionTokenHash] = sess.ID
	s.byRefresh[sess.RefreshTokenHash] = sess.ID
	return nil
}

// GetByID returns a copy of the session with id.
func (s *MemoryStore) GetByID(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// GetBySessionHash resolves a session-token lookup hash.
func (s *MemoryStore) GetBySessionHash(ctx context.Context, hash string) (Session, error) {
	s.mu.RLock()
	id, ok := s.bySession[hash]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.GetByID(ctx, id)
}

// GetByRefreshHash resolves a refresh-token lookup hash.
func (s *MemoryStore) GetByRefreshHash(ctx context.Context, hash string) (Session, error) {
	s.mu.RLock()
	id, ok := s.byRefresh[hash]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s.GetByID(ctx, id)
}

// ListByUser returns the user's sessions in the given statuses, oldest activity first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, statuses ...Status) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || !statusIn(sess.Status, statuses) {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sortByActivity(out)
	return out, nil
}

// ListIdleCandidates returns active sessions last seen before cutoff.
func (s *MemoryStore) ListIdleCandidates(_ context.Context, cutoff time.Time, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && sess.LastActivity.Before(cutoff) {
			out = append(out, cloneSession(sess))
		}
	}
	sortByActivity(out)
	return truncate(out, limit), nil
}

// ListExpired returns active or idle sessions with an elapsed expiry bound.
func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, sess := range s.sessions {
		if (sess.Status == StatusActive || sess.Status == StatusIdle) && sess.Expired(now) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, limit), nil
}

// Extend moves the idle bound and last activity of an active session.
func (s *MemoryStore) Extend(_ context.Context, id string, now, idleExpiresAt time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Status != StatusActive {
		return Session{}, ErrSessionNotActive
	}
	if idleExpiresAt.After(sess.IdleExpiresAt) {
		sess.IdleExpiresAt = minTime(idleExpiresAt, sess.AbsoluteExpiresAt)
	}
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
	}
	sess.ExpiresAt = minTime(sess.IdleExpiresAt, sess.AbsoluteExpiresAt)
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

// Touch updates last activity for a non-terminal session.
func (s *MemoryStore) Touch(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status.Terminal() {
		return nil
	}
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
		s.sessions[id] = sess
	}
	return nil
}

// Rotate swaps credentials if oldRefreshHash still matches.
func (s *MemoryStore) Rotate(_ context.Context, id, oldRefreshHash string, r Rotation, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if sess.Status != StatusActive || sess.RefreshTokenHash != oldRefreshHash {
		return Session{}, ErrRotationConflict
	}

	delete(s.bySession, sess.SessionTokenHash)
	delete(s.byRefresh, sess.RefreshTokenHash)

	sess.SessionToken = r.SessionToken
	sess.RefreshToken = r.RefreshToken
	sess.SessionTokenHash = r.SessionTokenHash
	sess.RefreshTokenHash = r.RefreshTokenHash
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
	}

	s.sessions[id] = sess
	s.bySession[sess.SessionTokenHash] = id
	s.byRefresh[sess.RefreshTokenHash] = id
	return cloneSession(sess), nil
}

// MarkIdle demotes an active session last seen before cutoff.
func (s *MemoryStore) MarkIdle(_ context.Context, id string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusActive || !sess.LastActivity.Before(cutoff) {
		return false, nil
	}
	sess.Status = StatusIdle
	s.sessions[id] = sess
	return true, nil
}

// Terminate ends an active or idle session. Repeat calls report no change.
func (s *MemoryStore) Terminate(_ context.Context, id string, now time.Time, reason TerminationReason) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, nil
	}
	if sess.Status != StatusActive && sess.Status != StatusIdle {
		return cloneSession(sess), false, nil
	}
	at := now
	sess.Status = StatusTerminated
	sess.TerminatedAt = &at
	sess.TerminationReason = reason
	s.sessions[id] = sess
	return cloneSession(sess), true, nil
}

// AppendActivity records one activity row.
func (s *MemoryStore) AppendActivity(_ context.Context, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[a.SessionID]; !ok {
		return ErrSessionNotFound
	}
	s.activity[a.SessionID] = append(s.activity[a.SessionID], a)
	return nil
}

// CountActivitySince counts a session's activity at or after since.
func (s *MemoryStore) CountActivitySince(_ context.Context, sessionID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.activity[sessionID] {
		if !a.At.Before(since) {
			n++
		}
	}
	return n, nil
}

func statusIn(s Status, set []Status) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func sortByActivity(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].LastActivity.Equal(ss[j].LastActivity) {
			return ss[i].ID < ss[j].ID
		}
		return ss[i].LastActivity.Before(ss[j].LastActivity)
	})
}

func truncate(ss []Session, limit int) []Session {
	if limit > 0 && len(ss) > limit {
		return ss[:limit]
	}
	return ss
}

func cloneSession(s Session) Session {
	if s.TerminatedAt != nil {
		at := *s.TerminatedAt
		s.TerminatedAt = &at
	}
	if s.Metadata != nil {
		m := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		s.Metadata = m
	}
	return s
}
