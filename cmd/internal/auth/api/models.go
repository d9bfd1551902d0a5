package authapi

import (
	"time"

	"astral/cmd/internal/auth/session"
)

// Clients announce how they carry credentials. Browser clients get
// cookies; native clients get tokens in the response body.
const (
	clientWeb    = "web"
	clientNative = "native"
)

type loginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	MFACode           string `json:"mfa_code"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Client            string `json:"client"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	Client       string `json:"client"`
}

type sessionResponse struct {
	ID                string    `json:"id"`
	Role              string    `json:"role"`
	Status            string    `json:"status"`
	MFAVerified       bool      `json:"mfa_verified"`
	IP                string    `json:"ip,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	ExpiresAt         time.Time `json:"expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	Current           bool      `json:"current,omitempty"`
}

type expiryResponse struct {
	WillExpireSoon   bool   `json:"will_expire_soon"`
	SecondsRemaining int64  `json:"seconds_remaining"`
	Type             string `json:"type"`
}

type tokensResponse struct {
	SessionToken string `json:"session_token"`
	RefreshToken string `json:"refresh_token"`
}

type issuedResponse struct {
	Session sessionResponse `json:"session"`
	Tokens  *tokensResponse `json:"tokens,omitempty"`
}

type currentSessionResponse struct {
	Session sessionResponse `json:"session"`
	Expiry  expiryResponse  `json:"expiry"`
}

type sessionListResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type logoutAllResponse struct {
	Terminated int `json:"terminated"`
}

func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		ID:                s.ID,
		Role:              string(s.Role),
		Status:            string(s.Status),
		MFAVerified:       s.MFAVerified,
		IP:                s.IP,
		UserAgent:         s.UserAgent,
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.LastActivity,
		ExpiresAt:         s.ExpiresAt,
		AbsoluteExpiresAt: s.AbsoluteExpiresAt,
	}
}

func toExpiryResponse(st session.ExpiryStatus) expiryResponse {
	return expiryResponse{
		WillExpireSoon:   st.WillExpireSoon,
		SecondsRemaining: int64(st.TimeRemaining / time.Second),
		Type:             string(st.Type),
	}
}

func toIssuedResponse(issued session.Issued, withTokens bool) issuedResponse {
	out := issuedResponse{Session: toSessionResponse(issued.Session)}
	if withTokens {
		out.Tokens = &tokensResponse{
			SessionToken: issued.SessionToken,
			RefreshToken: issued.RefreshToken,
		}
	}
	return out
}
