package session

import (
	"time"

	"astral/cmd/security/codec"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	// StatusLocked is reserved. No operation transitions a session into it.
	StatusLocked Status = "locked"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusTerminated
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusIdle, StatusExpired, StatusTerminated, StatusLocked:
		return true
	}
	return false
}

// Role is the caller's platform role at session creation.
type Role string

const (
	RoleUser            Role = "user"
	RoleHelper          Role = "helper"
	RoleTherapist       Role = "therapist"
	RoleCrisisCounselor Role = "crisis_counselor"
	RoleAdmin           Role = "admin"
	RoleSuperAdmin      Role = "super_admin"
)

// Roles lists every Role.
var Roles = []Role{
	RoleUser,
	RoleHelper,
	RoleTherapist,
	RoleCrisisCounselor,
	RoleAdmin,
	RoleSuperAdmin,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, k := range Roles {
		if r == k {
			return true
		}
	}
	return false
}

// TerminationReason records why a session ended.
type TerminationReason string

const (
	ReasonLogout             TerminationReason = "LOGOUT"
	ReasonLogoutAll          TerminationReason = "LOGOUT_ALL"
	ReasonConcurrentLimit    TerminationReason = "CONCURRENT_SESSION_LIMIT"
	ReasonExpired            TerminationReason = "EXPIRED"
	ReasonSecurity           TerminationReason = "SECURITY"
	ReasonCredentialRotation TerminationReason = "CREDENTIAL_ROTATION"
	ReasonAdmin              TerminationReason = "ADMIN"
)

// Valid reports whether r is a known reason.
func (r TerminationReason) Valid() bool {
	switch r {
	case ReasonLogout, ReasonLogoutAll, ReasonConcurrentLimit, ReasonExpired,
		ReasonSecurity, ReasonCredentialRotation, ReasonAdmin:
		return true
	}
	return false
}

// ActivityClass categorizes a recorded access.
type ActivityClass string

const (
	ActivityPageView            ActivityClass = "page_view"
	ActivityAPICall             ActivityClass = "api_call"
	ActivityDataAccess          ActivityClass = "data_access"
	ActivitySensitiveDataAccess ActivityClass = "sensitive_data_access"
)

// Valid reports whether c is a known activity class.
func (c ActivityClass) Valid() bool {
	switch c {
	case ActivityPageView, ActivityAPICall, ActivityDataAccess, ActivitySensitiveDataAccess:
		return true
	}
	return false
}

// Session is the persisted record of one authenticated login.
//
// ExpiresAt is always min(IdleExpiresAt, AbsoluteExpiresAt).
type Session struct {
	ID     string
	UserID string
	Role   Role
	Status Status

	SessionToken     codec.Sealed
	RefreshToken     codec.Sealed
	SessionTokenHash string
	RefreshTokenHash string

	IP         string
	UserAgent  string
	DeviceHash string

	MFAVerified bool
	Metadata    map[string]any

	CreatedAt         time.Time
	LastActivity      time.Time
	IdleExpiresAt     time.Time
	AbsoluteExpiresAt time.Time
	ExpiresAt         time.Time

	TerminatedAt      *time.Time
	TerminationReason TerminationReason
}

// Expired reports whether either expiry bound has elapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt) || !now.Before(s.IdleExpiresAt) || !now.Before(s.AbsoluteExpiresAt)
}

// Activity is an append-only record of one access made under a session.
type Activity struct {
	ID        string
	SessionID string
	Class     ActivityClass
	Resource  string
	At        time.Time
	IP        string
	Metadata  map[string]any
}

// Issued is the result of creating or refreshing a session. The plaintext
// tokens are only ever returned here.
type Issued struct {
	Session      Session
	SessionToken string
	RefreshToken string
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
