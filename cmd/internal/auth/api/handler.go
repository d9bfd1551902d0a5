package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"astral/cmd/internal/auth/guard"
	"astral/cmd/internal/auth/session"
	"astral/cmd/internal/httpjson"
)

// Handler wires HTTP auth endpoints to the session Manager.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Manager
	guard    *guard.Guard
	authn    Authenticator
	throttle *loginThrottle
	stream   http.Handler
	now      func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithAuthenticator overrides the default authenticator, which refuses
// every login.
func WithAuthenticator(a Authenticator) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.authn = a
		}
	}
}

// WithSessionStream mounts h at GET /auth/session/stream behind the guard.
func WithSessionStream(h http.Handler) HandlerOption {
	return func(hd *Handler) {
		hd.stream = h
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Manager, g *guard.Guard, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil || g == nil {
		return nil, errors.New("auth: session manager and guard are required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = httpjson.DefaultMaxBodyBytes
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		guard:    g,
		authn:    NoopAuthenticator{},
		throttle: newLoginThrottle(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Routes returns the /auth sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.handleLogin)
	r.Post("/refresh", h.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(guard.Requirement{}))
		r.Post("/logout", h.handleLogout)
		r.Post("/logout_all", h.handleLogoutAll)
		r.Get("/session", h.handleCurrentSession)
		r.Get("/sessions", h.handleListSessions)
		r.Delete("/sessions/{id}", h.handleTerminateSession)
		if h.stream != nil {
			r.Method(http.MethodGet, "/session/stream", h.stream)
		}
	})
	return r
}

// Register mounts the auth routes under /auth.
func (h *Handler) Register(r chi.Router) {
	r.Mount("/auth", h.Routes())
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" || req.Password == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "identifier and password are required")
		return
	}
	client, ok := normalizeClient(req.Client)
	if !ok {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "client must be web or native")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := h.guard.ClientIP(r)
	ua := strings.TrimSpace(r.UserAgent())

	if blocked, retryAfter := h.throttle.check(ip, now); blocked {
		h.log.Warn("auth.login.throttled", "ip", ip)
		writeRateLimited(w, retryAfter)
		return
	}

	principal, err := h.authn.Authenticate(ctx, Credentials{
		Identifier: req.Identifier,
		Password:   req.Password,
		MFACode:    strings.TrimSpace(req.MFACode),
		IP:         ip,
	})
	if err != nil {
		h.throttle.fail(ip, now)
		if !errors.Is(err, ErrInvalidCredentials) {
			h.log.Error("auth.login.authenticate.fail", "err", err)
		}
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	h.throttle.reset(ip)

	issued, err := h.sessions.Create(ctx, now, session.CreateInput{
		UserID:            principal.UserID,
		Role:              principal.Role,
		IP:                ip,
		UserAgent:         ua,
		DeviceFingerprint: req.DeviceFingerprint,
		MFAVerified:       principal.MFAVerified,
	})
	if err != nil {
		h.writeSessionError(w, "auth.login.create.fail", err)
		return
	}

	h.deliver(w, issued, client, now, http.StatusCreated)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := httpjson.Decode(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			httpjson.Error(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return
		}
	}
	client, ok := normalizeClient(req.Client)
	if !ok {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "client must be web or native")
		return
	}

	tok := strings.TrimSpace(req.RefreshToken)
	if tok == "" {
		tok = h.guard.RefreshToken(r)
	}
	if tok == "" {
		httpjson.Error(w, http.StatusUnauthorized, "authentication_required", "authentication required")
		return
	}

	now := h.now()
	issued, ok, err := h.sessions.Refresh(r.Context(), now, tok, h.guard.ClientIP(r))
	if err != nil {
		h.writeSessionError(w, "auth.refresh.fail", err)
		return
	}
	if !ok {
		if client == clientWeb {
			h.guard.ClearSessionCookies(w)
		}
		httpjson.Error(w, http.StatusUnauthorized, "authentication_required", "authentication required")
		return
	}

	h.deliver(w, issued, client, now, http.StatusOK)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	c, _ := guard.FromContext(r.Context())
	err := h.sessions.Terminate(r.Context(), h.now(), c.Session.ID, session.ReasonLogout, c.Session.UserID)
	if err != nil {
		h.writeSessionError(w, "auth.logout.fail", err)
		return
	}
	h.guard.ClearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	c, _ := guard.FromContext(r.Context())
	n, err := h.sessions.TerminateAll(r.Context(), h.now(), c.Session.UserID, session.ReasonLogoutAll, c.Session.ID, c.Session.UserID)
	if err != nil {
		h.writeSessionError(w, "auth.logout_all.fail", err)
		return
	}
	httpjson.Write(w, http.StatusOK, logoutAllResponse{Terminated: n})
}

func (h *Handler) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	c, _ := guard.FromContext(r.Context())
	resp := toSessionResponse(c.Session)
	resp.Current = true
	httpjson.Write(w, http.StatusOK, currentSessionResponse{
		Session: resp,
		Expiry:  toExpiryResponse(c.Expiry),
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	c, _ := guard.FromContext(r.Context())
	list, err := h.sessions.ListActive(r.Context(), c.Session.UserID)
	if err != nil {
		h.writeSessionError(w, "auth.sessions.list.fail", err)
		return
	}

	out := sessionListResponse{Sessions: make([]sessionResponse, 0, len(list))}
	for _, s := range list {
		resp := toSessionResponse(s)
		resp.Current = s.ID == c.Session.ID
		out.Sessions = append(out.Sessions, resp)
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	c, _ := guard.FromContext(r.Context())
	id := strings.TrimSpace(chi.URLParam(r, "id"))

	target, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrSessionNotFound) || (err == nil && target.UserID != c.Session.UserID) {
		httpjson.Error(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		h.writeSessionError(w, "auth.sessions.get.fail", err)
		return
	}

	if err := h.sessions.Terminate(r.Context(), h.now(), target.ID, session.ReasonLogout, c.Session.UserID); err != nil {
		h.writeSessionError(w, "auth.sessions.terminate.fail", err)
		return
	}
	if target.ID == c.Session.ID {
		h.guard.ClearSessionCookies(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// deliver hands fresh credentials to the client: cookies for web clients,
// a token body for native ones.
func (h *Handler) deliver(w http.ResponseWriter, issued session.Issued, client string, now time.Time, status int) {
	web := client == clientWeb
	if web {
		h.guard.SetSessionCookies(w, issued, now, h.sessions.Config().RefreshCookieTTL)
	}
	guard.SetExpiryHeaders(w, session.ExpiryOf(issued.Session, now, h.sessions.Config().WarningWindow))
	httpjson.Write(w, status, toIssuedResponse(issued, !web))
}

func (h *Handler) writeSessionError(w http.ResponseWriter, event string, err error) {
	h.log.Error(event, "err", err)
	if errors.Is(err, session.ErrStoreUnavailable) {
		httpjson.Error(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
		return
	}
	httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
}

func normalizeClient(c string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(c)) {
	case "", clientWeb:
		return clientWeb, true
	case clientNative:
		return clientNative, true
	default:
		return "", false
	}
}
