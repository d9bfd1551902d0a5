package session

import "time"

// ExpiryType names the bound that ends a session first.
type ExpiryType string

const (
	ExpiryIdle     ExpiryType = "IDLE"
	ExpiryAbsolute ExpiryType = "ABSOLUTE"
)

// ExpiryStatus describes how close a session is to expiring.
type ExpiryStatus struct {
	WillExpireSoon bool
	TimeRemaining  time.Duration
	Type           ExpiryType
}

// ExpiryOf computes s's expiry status at now. TimeRemaining is never negative.
// When both bounds coincide the absolute bound is reported.
func ExpiryOf(s Session, now time.Time, warning time.Duration) ExpiryStatus {
	typ := ExpiryAbsolute
	end := s.AbsoluteExpiresAt
	if s.IdleExpiresAt.Before(s.AbsoluteExpiresAt) {
		typ = ExpiryIdle
		end = s.IdleExpiresAt
	}

	remaining := end.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return ExpiryStatus{
		WillExpireSoon: remaining <= warning,
		TimeRemaining:  remaining,
		Type:           typ,
	}
}
