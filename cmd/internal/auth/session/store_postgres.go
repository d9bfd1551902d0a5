package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (astral.sessions, astral.session_activity).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `
	id, user_id, role, status,
	session_token_ct, session_token_nonce, session_token_tag,
	refresh_token_ct, refresh_token_nonce, refresh_token_tag,
	session_token_hash, refresh_token_hash,
	ip, user_agent, device_hash, mfa_verified, metadata,
	created_at, last_activity, idle_expires_at, absolute_expires_at, expires_at,
	terminated_at, termination_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		ip, ua   *string
		device   *string
		meta     []byte
		reason   *string
		role     string
		status   string
		termedAt *time.Time
	)
	err := row.Scan(
		&s.ID, &s.UserID, &role, &status,
		&s.SessionToken.Ciphertext, &s.SessionToken.Nonce, &s.SessionToken.Tag,
		&s.RefreshToken.Ciphertext, &s.RefreshToken.Nonce, &s.RefreshToken.Tag,
		&s.SessionTokenHash, &s.RefreshTokenHash,
		&ip, &ua, &device, &s.MFAVerified, &meta,
		&s.CreatedAt, &s.LastActivity, &s.IdleExpiresAt, &s.AbsoluteExpiresAt, &s.ExpiresAt,
		&termedAt, &reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}

	s.Role = Role(role)
	s.Status = Status(status)
	s.IP = deref(ip)
	s.UserAgent = deref(ua)
	s.DeviceHash = deref(device)
	s.TerminatedAt = termedAt
	s.TerminationReason = TerminationReason(deref(reason))
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return Session{}, err
		}
	}
	return s, nil
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	var meta *string
	if len(sess.Metadata) > 0 {
		b, err := json.Marshal(sess.Metadata)
		if err != nil {
			return err
		}
		v := string(b)
		meta = &v
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO astral.sessions (`+sessionColumns+`
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12,
			$13, $14, $15, $16, $17::jsonb,
			$18, $19, $20, $21, $22,
			NULL, NULL
		)
	`,
		sess.ID, sess.UserID, string(sess.Role), string(sess.Status),
		sess.SessionToken.Ciphertext, sess.SessionToken.Nonce, sess.SessionToken.Tag,
		sess.RefreshToken.Ciphertext, sess.RefreshToken.Nonce, sess.RefreshToken.Tag,
		sess.SessionTokenHash, sess.RefreshTokenHash,
		nullIfEmpty(sess.IP), nullIfEmpty(sess.UserAgent), nullIfEmpty(sess.DeviceHash), sess.MFAVerified, meta,
		sess.CreatedAt, sess.LastActivity, sess.IdleExpiresAt, sess.AbsoluteExpiresAt, sess.ExpiresAt,
	)
	return err
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE id = $1
	`, id))
}

// GetBySessionHash loads a session row by session-token lookup hash.
func (s *PostgresStore) GetBySessionHash(ctx context.Context, hash string) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE session_token_hash = $1
	`, hash))
}

// GetByRefreshHash loads a session row by refresh-token lookup hash.
func (s *PostgresStore) GetByRefreshHash(ctx context.Context, hash string) (Session, error) {
	return scanSession(s.pool.QueryRow(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE refresh_token_hash = $1
	`, hash))
}

// ListByUser returns a user's sessions filtered by status, oldest activity first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string, statuses ...Status) ([]Session, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	return s.list(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE user_id = $1
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY last_activity ASC, id ASC
	`, userID, filter)
}

// ListIdleCandidates returns active sessions whose last activity is before cutoff.
func (s *PostgresStore) ListIdleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	return s.list(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE status = 'active'
		  AND last_activity < $1
		ORDER BY last_activity ASC
		LIMIT $2
	`, cutoff, limit)
}

// ListExpired returns active or idle sessions with an elapsed expiry bound.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	return s.list(ctx, `
		SELECT`+sessionColumns+`
		FROM astral.sessions
		WHERE status IN ('active', 'idle')
		  AND (expires_at <= $1 OR idle_expires_at <= $1 OR absolute_expires_at <= $1)
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
}

// Extend moves idle_expires_at and last_activity forward for an active session.
func (s *PostgresStore) Extend(ctx context.Context, id string, now, idleExpiresAt time.Time) (Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE astral.sessions
		SET idle_expires_at = LEAST(GREATEST(idle_expires_at, $3), absolute_expires_at),
		    expires_at = LEAST(GREATEST(idle_expires_at, $3), absolute_expires_at),
		    last_activity = GREATEST(last_activity, $2)
		WHERE id = $1
		  AND status = 'active'
		RETURNING`+sessionColumns,
		id, now, idleExpiresAt))
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, s.notActiveOrMissing(ctx, id)
	}
	return sess, err
}

// Touch updates last_activity for a non-terminal session.
func (s *PostgresStore) Touch(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE astral.sessions
		SET last_activity = GREATEST(last_activity, $2)
		WHERE id = $1
		  AND status NOT IN ('terminated', 'expired')
	`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Rotate replaces credential material if the refresh hash still matches (compare-and-swap).
func (s *PostgresStore) Rotate(ctx context.Context, id, oldRefreshHash string, r Rotation, now time.Time) (Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE astral.sessions
		SET session_token_ct = $3, session_token_nonce = $4, session_token_tag = $5,
		    refresh_token_ct = $6, refresh_token_nonce = $7, refresh_token_tag = $8,
		    session_token_hash = $9, refresh_token_hash = $10,
		    last_activity = GREATEST(last_activity, $11)
		WHERE id = $1
		  AND refresh_token_hash = $2
		  AND status = 'active'
		RETURNING`+sessionColumns,
		id, oldRefreshHash,
		r.SessionToken.Ciphertext, r.SessionToken.Nonce, r.SessionToken.Tag,
		r.RefreshToken.Ciphertext, r.RefreshToken.Nonce, r.RefreshToken.Tag,
		r.SessionTokenHash, r.RefreshTokenHash,
		now))
	if errors.Is(err, ErrSessionNotFound) {
		return Session{}, ErrRotationConflict
	}
	return sess, err
}

// MarkIdle demotes an active session whose last activity is before cutoff.
func (s *PostgresStore) MarkIdle(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE astral.sessions
		SET status = 'idle'
		WHERE id = $1
		  AND status = 'active'
		  AND last_activity < $2
	`, id, cutoff)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Terminate moves an active or idle session to terminated (idempotent).
func (s *PostgresStore) Terminate(ctx context.Context, id string, now time.Time, reason TerminationReason) (Session, bool, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		UPDATE astral.sessions
		SET status = 'terminated',
		    terminated_at = $2,
		    termination_reason = $3
		WHERE id = $1
		  AND status IN ('active', 'idle')
		RETURNING`+sessionColumns,
		id, now, string(reason)))
	if errors.Is(err, ErrSessionNotFound) {
		cur, gerr := s.GetByID(ctx, id)
		if errors.Is(gerr, ErrSessionNotFound) {
			return Session{}, false, nil
		}
		return cur, false, gerr
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// AppendActivity inserts an activity row.
func (s *PostgresStore) AppendActivity(ctx context.Context, a Activity) error {
	var meta *string
	if len(a.Metadata) > 0 {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return err
		}
		v := string(b)
		meta = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO astral.session_activity (
			id, session_id, class, resource, at, ip, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, a.ID, a.SessionID, string(a.Class), nullIfEmpty(a.Resource), a.At, nullIfEmpty(a.IP), meta)
	return err
}

// CountActivitySince counts activity rows for a session at or after since.
func (s *PostgresStore) CountActivitySince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM astral.session_activity
		WHERE session_id = $1
		  AND at >= $2
	`, sessionID, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]Session, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) notActiveOrMissing(ctx context.Context, id string) error {
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return ErrSessionNotActive
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
