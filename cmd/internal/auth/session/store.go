package session

import (
	"context"
	"time"

	"astral/cmd/security/codec"
)

// Rotation is the replacement credential material written by Refresh.
type Rotation struct {
	SessionToken     codec.Sealed
	RefreshToken     codec.Sealed
	SessionTokenHash string
	RefreshTokenHash string
}

// Store abstracts persistence for session state.
//
// Every mutating method is a single conditional update: the row either moves
// to the new state as a whole or is left untouched. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create inserts a new session row.
	Create(ctx context.Context, s Session) error

	// GetByID loads a session by ID.
	GetByID(ctx context.Context, id string) (Session, error)

	// GetBySessionHash loads a session by its session-token lookup hash.
	GetBySessionHash(ctx context.Context, hash string) (Session, error)

	// GetByRefreshHash loads a session by its refresh-token lookup hash.
	GetByRefreshHash(ctx context.Context, hash string) (Session, error)

	// ListByUser returns the user's sessions in any of statuses, oldest activity first.
	ListByUser(ctx context.Context, userID string, statuses ...Status) ([]Session, error)

	// ListIdleCandidates returns active sessions whose last activity is before cutoff.
	ListIdleCandidates(ctx context.Context, cutoff time.Time, limit int) ([]Session, error)

	// ListExpired returns active or idle sessions with any expiry bound at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)

	// Extend moves an active session's idle bound forward to idleExpiresAt
	// (never backward, never past the absolute bound) and its last activity
	// to now. Returns ErrSessionNotActive if the session is not active.
	Extend(ctx context.Context, id string, now, idleExpiresAt time.Time) (Session, error)

	// Touch moves a non-terminal session's last activity forward to now.
	Touch(ctx context.Context, id string, now time.Time) error

	// Rotate swaps the credential material of an active session whose
	// refresh hash still equals oldRefreshHash. Returns ErrRotationConflict otherwise.
	Rotate(ctx context.Context, id, oldRefreshHash string, r Rotation, now time.Time) (Session, error)

	// MarkIdle demotes an active session whose last activity is before cutoff.
	// Reports whether the row changed.
	MarkIdle(ctx context.Context, id string, cutoff time.Time) (bool, error)

	// Terminate moves an active or idle session to terminated.
	// Reports whether the row changed; terminal or missing rows are left as is.
	Terminate(ctx context.Context, id string, now time.Time, reason TerminationReason) (Session, bool, error)

	// AppendActivity inserts an activity row.
	AppendActivity(ctx context.Context, a Activity) error

	// CountActivitySince counts a session's activity rows at or after since.
	CountActivitySince(ctx context.Context, sessionID string, since time.Time) (int, error)
}
