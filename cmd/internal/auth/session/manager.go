package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"astral/cmd/identity/ids"
	"astral/cmd/internal/audit"
	"astral/cmd/security/codec"
	"astral/cmd/security/token"
)

// maxTokenLen rejects oversized credentials before hashing them.
const maxTokenLen = 256

// systemActor is the actor id recorded for terminations nobody asked for.
const systemActor = "system"

// Manager implements the session state machine.
//
// Operations on different sessions never wait on each other. Create is
// serialized per user inside this process so concurrent logins cannot both
// slip under the role limit.
type Manager struct {
	cfg     Config
	store   Store
	codec   *codec.Codec
	hasher  *token.Hasher
	audit   audit.Recorder
	log     *slog.Logger
	metrics *Metrics

	creating *keyedMutex
}

// Option configures optional Manager dependencies.
type Option func(*Manager)

// WithAudit sets the audit recorder. The default discards events.
func WithAudit(r audit.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.audit = r
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(mt *Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager validates cfg, builds the credential codec and lookup hasher
// from its key material, and returns a Manager over store.
func NewManager(cfg Config, store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := codec.NewFromBase64(cfg.MasterKey)
	if err != nil {
		return nil, ErrConfig
	}
	h, err := token.NewHasher(cfg.LookupKey, cfg.FingerprintSalt)
	if err != nil {
		return nil, ErrConfig
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		codec:    c,
		hasher:   h,
		audit:    audit.NopRecorder{},
		log:      slog.Default(),
		creating: newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Config returns the Manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// CreateInput is the verified principal and request context of a login.
type CreateInput struct {
	UserID            string
	Role              Role
	IP                string
	UserAgent         string
	DeviceFingerprint string
	MFAVerified       bool
	Metadata          map[string]any
}

// Create issues a new session. If the user already holds as many active
// sessions as their role allows, the least recently active ones are
// terminated with ReasonConcurrentLimit first.
func (m *Manager) Create(ctx context.Context, now time.Time, in CreateInput) (Issued, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	if in.UserID == "" {
		return Issued{}, ErrInvalidInput
	}
	if !in.Role.Valid() {
		return Issued{}, ErrInvalidRole
	}

	unlock := m.creating.Lock(in.UserID)
	defer unlock()

	active, err := m.store.ListByUser(ctx, in.UserID, StatusActive)
	if err != nil {
		return Issued{}, m.storeFailure(ctx, "create", err, in.UserID, "")
	}
	for limit := m.cfg.Limit(in.Role); len(active) >= limit; active = active[1:] {
		if _, err := m.terminate(ctx, now, active[0].ID, ReasonConcurrentLimit, systemActor, true); err != nil {
			return Issued{}, err
		}
	}

	sessTok, sessSealed, sessHash, err := m.newCredential(in.UserID)
	if err != nil {
		return Issued{}, err
	}
	refTok, refSealed, refHash, err := m.newCredential(in.UserID)
	if err != nil {
		return Issued{}, err
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	absolute := now.Add(m.cfg.AbsoluteTimeout)
	idle := minTime(now.Add(m.cfg.IdleTimeout), absolute)

	sess := Session{
		ID:                id,
		UserID:            in.UserID,
		Role:              in.Role,
		Status:            StatusActive,
		SessionToken:      sessSealed,
		RefreshToken:      refSealed,
		SessionTokenHash:  sessHash,
		RefreshTokenHash:  refHash,
		IP:                strings.TrimSpace(in.IP),
		UserAgent:         strings.TrimSpace(in.UserAgent),
		DeviceHash:        m.hasher.Fingerprint(in.DeviceFingerprint),
		MFAVerified:       in.MFAVerified,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		LastActivity:      now,
		IdleExpiresAt:     idle,
		AbsoluteExpiresAt: absolute,
		ExpiresAt:         minTime(idle, absolute),
	}

	if err := m.store.Create(ctx, sess); err != nil {
		return Issued{}, m.storeFailure(ctx, "create", err, in.UserID, "")
	}

	m.metrics.sessionCreated(sess.Role)
	m.audit.Record(audit.Event{
		Category:    audit.CategorySessionCreated,
		Action:      "session.create",
		Risk:        audit.RiskLow,
		Description: "session created",
		ActorID:     sess.UserID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		IP:          sess.IP,
		UserAgent:   sess.UserAgent,
		Metadata: map[string]any{
			"role":         string(sess.Role),
			"mfa_verified": sess.MFAVerified,
			"device_bound": sess.DeviceHash != "",
		},
		OccurredAt: now,
	})

	return Issued{Session: sess, SessionToken: sessTok, RefreshToken: refTok}, nil
}

// Validate resolves a session token. A missing, malformed, inactive or
// expired token yields false with a nil error; only store faults are errors.
//
// On success the idle bound moves to now+IdleTimeout (never past the
// absolute bound) and the updated session is returned. A changed origin is
// audited and, unless RejectOnIPChange is set, allowed.
func (m *Manager) Validate(ctx context.Context, now time.Time, tok, origin string) (Session, bool, error) {
	sess, ok, err := m.lookup(ctx, "validate", tok, false)
	if err != nil || !ok {
		m.metrics.validation("unknown")
		return Session{}, false, err
	}
	if sess.Status != StatusActive {
		m.metrics.validation("inactive")
		return Session{}, false, nil
	}
	if sess.Expired(now) {
		m.metrics.validation("expired")
		if _, err := m.terminate(ctx, now, sess.ID, ReasonExpired, systemActor, true); err != nil {
			return Session{}, false, err
		}
		return Session{}, false, nil
	}

	origin = strings.TrimSpace(origin)
	if origin != "" && sess.IP != "" && origin != sess.IP {
		m.audit.Record(audit.Event{
			Category:    audit.CategorySuspiciousIPChange,
			Action:      "session.validate",
			Outcome:     audit.OutcomeWarning,
			Risk:        audit.RiskMedium,
			Description: "session used from a different origin",
			ActorID:     sess.UserID,
			UserID:      sess.UserID,
			SessionID:   sess.ID,
			IP:          origin,
			Metadata: map[string]any{
				"original_ip": sess.IP,
				"new_ip":      origin,
				"rejected":    m.cfg.RejectOnIPChange,
			},
			OccurredAt: now,
		})
		if m.cfg.RejectOnIPChange {
			m.metrics.validation("ip_rejected")
			return Session{}, false, nil
		}
	}

	extended, err := m.store.Extend(ctx, sess.ID, now, now.Add(m.cfg.IdleTimeout))
	switch {
	case errors.Is(err, ErrSessionNotActive), errors.Is(err, ErrSessionNotFound):
		m.metrics.validation("inactive")
		return Session{}, false, nil
	case err != nil:
		return Session{}, false, m.storeFailure(ctx, "validate", err, sess.UserID, sess.ID)
	}

	m.metrics.validation("ok")
	return extended, true, nil
}

// Refresh rotates both tokens of an active, unexpired session identified by
// its refresh token. The old pair stops working immediately. A refresh that
// loses a race with a concurrent refresh of the same token yields false.
func (m *Manager) Refresh(ctx context.Context, now time.Time, refreshTok, origin string) (Issued, bool, error) {
	sess, ok, err := m.lookup(ctx, "refresh", refreshTok, true)
	if err != nil || !ok {
		return Issued{}, false, err
	}
	if sess.Status != StatusActive {
		return Issued{}, false, nil
	}
	if sess.Expired(now) {
		if _, err := m.terminate(ctx, now, sess.ID, ReasonExpired, systemActor, true); err != nil {
			return Issued{}, false, err
		}
		return Issued{}, false, nil
	}

	sessTok, sessSealed, sessHash, err := m.newCredential(sess.UserID)
	if err != nil {
		return Issued{}, false, err
	}
	refTok, refSealed, refHash, err := m.newCredential(sess.UserID)
	if err != nil {
		return Issued{}, false, err
	}

	rotated, err := m.store.Rotate(ctx, sess.ID, sess.RefreshTokenHash, Rotation{
		SessionToken:     sessSealed,
		RefreshToken:     refSealed,
		SessionTokenHash: sessHash,
		RefreshTokenHash: refHash,
	}, now)
	switch {
	case errors.Is(err, ErrRotationConflict), errors.Is(err, ErrSessionNotFound):
		m.log.Warn("session.refresh.conflict", "session_id", sess.ID)
		return Issued{}, false, nil
	case err != nil:
		return Issued{}, false, m.storeFailure(ctx, "refresh", err, sess.UserID, sess.ID)
	}

	m.metrics.sessionRefreshed()
	m.audit.Record(audit.Event{
		Category:    audit.CategorySessionRefreshed,
		Action:      "session.refresh",
		Risk:        audit.RiskLow,
		Description: "session credentials rotated",
		ActorID:     sess.UserID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		IP:          strings.TrimSpace(origin),
		OccurredAt:  now,
	})

	return Issued{Session: rotated, SessionToken: sessTok, RefreshToken: refTok}, true, nil
}

// Terminate ends a session. Terminating a missing or already terminal
// session is a no-op and emits nothing.
func (m *Manager) Terminate(ctx context.Context, now time.Time, sessionID string, reason TerminationReason, actorID string) error {
	if !reason.Valid() || strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}
	_, err := m.terminate(ctx, now, sessionID, reason, actorID, true)
	return err
}

// TerminateAll ends every non-terminal session of userID except exceptID
// (which may be empty) and returns how many were ended. One summary event
// is emitted instead of one per session.
func (m *Manager) TerminateAll(ctx context.Context, now time.Time, userID string, reason TerminationReason, exceptID, actorID string) (int, error) {
	if !reason.Valid() || strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidInput
	}

	sessions, err := m.store.ListByUser(ctx, userID, StatusActive, StatusIdle)
	if err != nil {
		return 0, m.storeFailure(ctx, "terminate_all", err, userID, "")
	}

	count := 0
	for _, s := range sessions {
		if s.ID == exceptID {
			continue
		}
		changed, err := m.terminate(ctx, now, s.ID, reason, actorID, false)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}

	m.audit.Record(audit.Event{
		Category:    audit.CategorySessionsTerminated,
		Action:      "session.terminate_all",
		Risk:        riskFor(reason),
		Description: "user sessions terminated",
		ActorID:     actorID,
		UserID:      userID,
		SessionID:   exceptID,
		Metadata: map[string]any{
			"reason":     string(reason),
			"count":      count,
			"except_id":  exceptID,
			"candidates": len(sessions),
		},
		OccurredAt: now,
	})
	return count, nil
}

// CheckExpiry reports how close a session is to expiring.
func (m *Manager) CheckExpiry(ctx context.Context, now time.Time, sessionID string) (ExpiryStatus, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return ExpiryStatus{}, err
	}
	return ExpiryOf(s, now, m.cfg.WarningWindow), nil
}

// Get loads a session by id. Missing sessions yield ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.GetByID(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, m.storeFailure(ctx, "get", err, "", sessionID)
	}
	return s, nil
}

// ListActive returns the user's non-terminal sessions, oldest activity first.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]Session, error) {
	out, err := m.store.ListByUser(ctx, userID, StatusActive, StatusIdle)
	if err != nil {
		return nil, m.storeFailure(ctx, "list", err, userID, "")
	}
	return out, nil
}

// terminate performs the conditional transition and reports whether the
// session changed. emit controls the per-session audit event.
func (m *Manager) terminate(ctx context.Context, now time.Time, sessionID string, reason TerminationReason, actorID string, emit bool) (bool, error) {
	sess, changed, err := m.store.Terminate(ctx, sessionID, now, reason)
	if err != nil {
		return false, m.storeFailure(ctx, "terminate", err, "", sessionID)
	}
	if !changed {
		return false, nil
	}

	m.metrics.sessionTerminated(reason)
	if !emit {
		return true, nil
	}

	category := audit.CategorySessionTerminated
	if reason == ReasonLogout {
		category = audit.CategoryLogout
	}
	m.audit.Record(audit.Event{
		Category:    category,
		Action:      "session.terminate",
		Risk:        riskFor(reason),
		Description: "session terminated",
		ActorID:     actorID,
		UserID:      sess.UserID,
		SessionID:   sess.ID,
		IP:          sess.IP,
		Metadata:    map[string]any{"reason": string(reason)},
		OccurredAt:  now,
	})
	return true, nil
}

// lookup resolves a token to its session and checks the stored ciphertext
// matches. Decryption failures are treated as not found.
func (m *Manager) lookup(ctx context.Context, op, tok string, refresh bool) (Session, bool, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" || len(tok) > maxTokenLen {
		return Session{}, false, nil
	}

	hash := m.hasher.Lookup(tok)
	var (
		sess Session
		err  error
	)
	if refresh {
		sess, err = m.store.GetByRefreshHash(ctx, hash)
	} else {
		sess, err = m.store.GetBySessionHash(ctx, hash)
	}
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, m.storeFailure(ctx, op, err, "", "")
	}

	sealed := sess.SessionToken
	if refresh {
		sealed = sess.RefreshToken
	}
	plain, err := m.codec.Decrypt(sealed, sess.UserID)
	if err != nil {
		m.log.Warn("session."+op+".integrity", "session_id", sess.ID)
		return Session{}, false, nil
	}
	if !token.Equal(string(plain), tok) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (m *Manager) newCredential(userID string) (string, codec.Sealed, string, error) {
	tok, err := token.Generate(m.cfg.TokenBytes)
	if err != nil {
		return "", codec.Sealed{}, "", err
	}
	sealed, err := m.codec.Encrypt([]byte(tok), userID)
	if err != nil {
		return "", codec.Sealed{}, "", err
	}
	return tok, sealed, m.hasher.Lookup(tok), nil
}

// storeFailure logs the cause, emits STORE_UNAVAILABLE, and returns an
// error that carries no store detail.
func (m *Manager) storeFailure(ctx context.Context, op string, err error, userID, sessionID string) error {
	m.log.ErrorContext(ctx, "session.store.fail", "op", op, "err", err, "user_id", userID, "session_id", sessionID)
	m.audit.Record(audit.Event{
		Category:    audit.CategoryStoreUnavailable,
		Action:      "session." + op,
		Outcome:     audit.OutcomeFailure,
		Risk:        audit.RiskHigh,
		Description: "session store unavailable",
		UserID:      userID,
		SessionID:   sessionID,
	})
	return storeError(op, err)
}

func riskFor(r TerminationReason) audit.Risk {
	switch r {
	case ReasonSecurity:
		return audit.RiskHigh
	case ReasonConcurrentLimit, ReasonCredentialRotation, ReasonAdmin:
		return audit.RiskMedium
	default:
		return audit.RiskLow
	}
}
