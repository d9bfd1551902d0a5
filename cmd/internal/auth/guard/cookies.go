package guard

import (
	"net/http"
	"strings"
	"time"

	"astral/cmd/internal/auth/session"
)

const (
	DefaultSessionCookie = "astral_session"
	DefaultRefreshCookie = "astral_refresh"
	DefaultRefreshPath   = "/auth/refresh"
)

// CookieConfig controls how credentials are written to the browser.
type CookieConfig struct {
	SessionName string
	RefreshName string
	RefreshPath string
	Domain      string

	// Insecure drops the Secure attribute. Only for plain-HTTP local
	// development; the zero value writes Secure cookies.
	Insecure bool
	SameSite http.SameSite
}

// DefaultCookieConfig returns host-only, secure, same-site strict cookies.
func DefaultCookieConfig() CookieConfig {
	return CookieConfig{
		SessionName: DefaultSessionCookie,
		RefreshName: DefaultRefreshCookie,
		RefreshPath: DefaultRefreshPath,
		SameSite:    http.SameSiteStrictMode,
	}
}

func (c CookieConfig) withDefaults() CookieConfig {
	d := DefaultCookieConfig()
	if strings.TrimSpace(c.SessionName) == "" {
		c.SessionName = d.SessionName
	}
	if strings.TrimSpace(c.RefreshName) == "" || c.RefreshName == c.SessionName {
		c.RefreshName = d.RefreshName
	}
	if strings.TrimSpace(c.RefreshPath) == "" {
		c.RefreshPath = d.RefreshPath
	}
	if c.SameSite == 0 {
		c.SameSite = d.SameSite
	}
	// Browsers drop SameSite=None cookies that are not Secure.
	if c.SameSite == http.SameSiteNoneMode {
		c.Insecure = false
	}
	return c
}

// SetSessionCookies writes both credentials of issued. The session cookie
// lives until the absolute bound; the refresh cookie for refreshTTL and only
// on the refresh path.
func (g *Guard) SetSessionCookies(w http.ResponseWriter, issued session.Issued, now time.Time, refreshTTL time.Duration) {
	c := g.cfg.Cookies
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionName,
		Value:    issued.SessionToken,
		Path:     "/",
		Domain:   c.Domain,
		Expires:  issued.Session.AbsoluteExpiresAt,
		MaxAge:   maxAge(issued.Session.AbsoluteExpiresAt.Sub(now)),
		HttpOnly: true,
		Secure:   !c.Insecure,
		SameSite: c.SameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     c.RefreshName,
		Value:    issued.RefreshToken,
		Path:     c.RefreshPath,
		Domain:   c.Domain,
		Expires:  now.Add(refreshTTL),
		MaxAge:   maxAge(refreshTTL),
		HttpOnly: true,
		Secure:   !c.Insecure,
		SameSite: c.SameSite,
	})
}

// ClearSessionCookies expires both credential cookies.
func (g *Guard) ClearSessionCookies(w http.ResponseWriter) {
	c := g.cfg.Cookies
	g.expireCookie(w, c.SessionName, "/")
	g.expireCookie(w, c.RefreshName, c.RefreshPath)
}

// RefreshToken returns the refresh cookie value, if any.
func (g *Guard) RefreshToken(r *http.Request) string {
	ck, err := r.Cookie(g.cfg.Cookies.RefreshName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}

// Credential returns the session token from the session cookie, falling
// back to an Authorization bearer header.
func (g *Guard) Credential(r *http.Request) string {
	if ck, err := r.Cookie(g.cfg.Cookies.SessionName); err == nil {
		if v := strings.TrimSpace(ck.Value); v != "" {
			return v
		}
	}
	return BearerToken(r)
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func (g *Guard) expireCookie(w http.ResponseWriter, name, path string) {
	c := g.cfg.Cookies
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   c.Domain,
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !c.Insecure,
		SameSite: c.SameSite,
	})
}

func maxAge(d time.Duration) int {
	s := int(d / time.Second)
	if s <= 0 {
		return -1
	}
	return s
}
