package authapi

import (
	"context"
	"errors"

	"astral/cmd/internal/auth/session"
)

var (
	// ErrInvalidCredentials means the login was refused. Callers never learn
	// whether the account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials is what a client presents at login.
type Credentials struct {
	Identifier string
	Password   string
	MFACode    string
	IP         string
}

// Principal is a verified user as reported by an Authenticator.
type Principal struct {
	UserID      string
	Role        session.Role
	MFAVerified bool
}

// Authenticator verifies login credentials. Account storage, password
// hashing and MFA factors live behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Principal, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, creds Credentials) (Principal, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	return f(ctx, creds)
}

// NoopAuthenticator refuses every login. It is the default until an
// identity provider is wired in.
type NoopAuthenticator struct{}

// Authenticate always returns ErrInvalidCredentials.
func (NoopAuthenticator) Authenticate(context.Context, Credentials) (Principal, error) {
	return Principal{}, ErrInvalidCredentials
}
