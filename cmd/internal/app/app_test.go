package app

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7000", want: "http://127.0.0.1:7000"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func setTestKeys(t *testing.T) {
	t.Helper()
	t.Setenv("ASTRAL_SESSION_MASTER_KEY", base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))))
	t.Setenv("ASTRAL_TOKEN_HMAC_KEY", strings.Repeat("h", 32))
	t.Setenv("ASTRAL_DEVICE_FINGERPRINT_SALT", strings.Repeat("s", 16))
}

func TestNew_InMemoryWiring(t *testing.T) {
	setTestKeys(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), Config{AuditBuffer: 8}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.closeResources(ctx)
	})

	h := newRouter(a.log, a.cfg, a.dbPool, a.registry, a.auth)
	for path, want := range map[string]int{
		"/healthz":             http.StatusOK,
		"/readyz":              http.StatusOK,
		"/metrics":             http.StatusOK,
		"/auth/session":        http.StatusUnauthorized,
		"/auth/session/stream": http.StatusUnauthorized,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("GET %s: status=%d want %d", path, rr.Code, want)
		}
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "astral_audit_dropped_total") {
		t.Fatalf("audit metrics not registered")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"identifier":"a","password":"b"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("login without an authenticator: status=%d want 401", rr.Code)
	}
}

func TestNew_FailsWithoutKeys(t *testing.T) {
	t.Setenv("ASTRAL_SESSION_MASTER_KEY", "")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(context.Background(), Config{}, log); err == nil {
		t.Fatalf("expected missing key material to fail startup")
	}
}

func TestReadyz_RequiresDBWhenConfigured(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := newRouter(log, Config{ReadinessRequireDB: true}, nil, nil, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}
