package guard

import "errors"

var (
	// ErrAuthenticationRequired covers every missing, invalid, inactive or
	// expired credential. Callers are never told which.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrInsufficientRole means the session's role is not allowed.
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrMFARequired means the route needs a multi-factor verified session.
	ErrMFARequired = errors.New("mfa required")
)
