package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of session-core audit categories.
type Category string

const (
	CategorySessionCreated     Category = "SESSION_CREATED"
	CategorySessionRefreshed   Category = "SESSION_REFRESHED"
	CategorySessionTerminated  Category = "SESSION_TERMINATED"
	CategoryLogout             Category = "LOGOUT"
	CategorySessionsTerminated Category = "SESSIONS_TERMINATED"
	CategorySuspiciousIPChange Category = "SUSPICIOUS_IP_CHANGE"
	CategoryHighActivityRate   Category = "HIGH_ACTIVITY_RATE"
	CategoryStoreUnavailable   Category = "STORE_UNAVAILABLE"
)

// Categories lists every Category.
var Categories = []Category{
	CategorySessionCreated,
	CategorySessionRefreshed,
	CategorySessionTerminated,
	CategoryLogout,
	CategorySessionsTerminated,
	CategorySuspiciousIPChange,
	CategoryHighActivityRate,
	CategoryStoreUnavailable,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Risk grades how much attention an event deserves.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

// Valid reports whether r is a known risk level.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Outcome records whether the audited action took effect.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeWarning Outcome = "warning"
)

// Event is a single security audit record.
type Event struct {
	ID          string         `json:"id"`
	Category    Category       `json:"category"`
	Action      string         `json:"action"`
	Outcome     Outcome        `json:"outcome"`
	Risk        Risk           `json:"risk"`
	Description string         `json:"description,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// normalize fills ID, OccurredAt, Outcome and Risk when unset.
func (e Event) normalize(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if !e.Risk.Valid() {
		e.Risk = RiskLow
	}
	return e
}
