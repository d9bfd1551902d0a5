package guard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"astral/cmd/internal/auth/session"
	"astral/cmd/internal/httpjson"
)

// Header names carrying the expiry warning.
const (
	HeaderExpiresIn  = "X-Session-Expires-In"
	HeaderExpiryType = "X-Session-Expiry-Type"
)

// Config controls request handling.
type Config struct {
	TrustProxy bool
	Cookies    CookieConfig
}

// Requirement describes what a route demands of the caller's session.
// Empty Roles allows every role. Class and Resource label the recorded
// activity; they default to api_call and the request path.
type Requirement struct {
	Roles      []session.Role
	RequireMFA bool
	Class      session.ActivityClass
	Resource   string
}

// Context is the authenticated caller of a request.
type Context struct {
	Session session.Session
	Expiry  session.ExpiryStatus
	IP      string
}

type ctxKey struct{}

// FromContext returns the Context stored by Require.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(ctxKey{}).(Context)
	return c, ok
}

// WithContext returns ctx carrying c.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// Guard authenticates requests against a session Manager.
type Guard struct {
	mgr *session.Manager
	mon *session.Monitor
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// New returns a Guard. mon may be nil, in which case no activity is recorded.
func New(mgr *session.Manager, mon *session.Monitor, cfg Config, opts ...Option) *Guard {
	cfg.Cookies = cfg.Cookies.withDefaults()
	g := &Guard{
		mgr: mgr,
		mon: mon,
		cfg: cfg,
		log: slog.Default(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Cookies returns the effective cookie configuration.
func (g *Guard) Cookies() CookieConfig { return g.cfg.Cookies }

// ClientIP returns the request's origin address under the Guard's proxy
// policy.
func (g *Guard) ClientIP(r *http.Request) string { return ClientIP(r, g.cfg.TrustProxy) }

// Authenticate resolves and checks the caller's session. Errors other than
// the package sentinels are infrastructure faults.
func (g *Guard) Authenticate(r *http.Request, req Requirement) (Context, error) {
	ctx := r.Context()
	now := g.now()
	ip := g.ClientIP(r)

	tok := g.Credential(r)
	if tok == "" {
		return Context{}, ErrAuthenticationRequired
	}
	sess, ok, err := g.mgr.Validate(ctx, now, tok, ip)
	if err != nil {
		return Context{}, err
	}
	if !ok {
		return Context{}, ErrAuthenticationRequired
	}

	if g.mon != nil {
		resource := req.Resource
		if resource == "" {
			resource = r.URL.Path
		}
		err := g.mon.RecordActivity(ctx, now, session.ActivityInput{
			SessionID: sess.ID,
			Class:     req.Class,
			Resource:  resource,
			IP:        ip,
			Metadata:  map[string]any{"method": r.Method},
		})
		if err != nil {
			g.log.Warn("guard.activity.fail", "err", err, "session_id", sess.ID)
		}
	}

	if len(req.Roles) > 0 && !slices.Contains(req.Roles, sess.Role) {
		return Context{}, ErrInsufficientRole
	}
	if req.RequireMFA && !sess.MFAVerified {
		return Context{}, ErrMFARequired
	}

	return Context{
		Session: sess,
		Expiry:  session.ExpiryOf(sess, now, g.mgr.Config().WarningWindow),
		IP:      ip,
	}, nil
}

// Require returns middleware enforcing req. Authenticated requests carry
// their Context (see FromContext) and, when the session is close to
// expiring, the expiry warning headers.
func (g *Guard) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := g.Authenticate(r, req)
			if err != nil {
				g.writeError(w, r, err)
				return
			}
			SetExpiryHeaders(w, c.Expiry)
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), c)))
		})
	}
}

// SetExpiryHeaders adds the warning headers when st.WillExpireSoon.
func SetExpiryHeaders(w http.ResponseWriter, st session.ExpiryStatus) {
	if !st.WillExpireSoon {
		return
	}
	w.Header().Set(HeaderExpiresIn, strconv.FormatInt(int64(st.TimeRemaining/time.Second), 10))
	w.Header().Set(HeaderExpiryType, string(st.Type))
}

func (g *Guard) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		httpjson.Error(w, http.StatusUnauthorized, "authentication_required", "authentication required")
	case errors.Is(err, ErrInsufficientRole):
		httpjson.Error(w, http.StatusForbidden, "insufficient_role", "insufficient role for this resource")
	case errors.Is(err, ErrMFARequired):
		httpjson.Error(w, http.StatusForbidden, "mfa_required", "multi-factor verification required")
	default:
		g.log.Error("guard.authenticate.fail", "err", err, "path", r.URL.Path)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}
