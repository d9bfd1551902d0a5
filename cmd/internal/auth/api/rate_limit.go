package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"astral/cmd/internal/httpjson"
)

// loginThrottle counts failed logins per origin address inside a sliding
// window. It is process-local.
type loginThrottle struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	failures map[string][]time.Time
}

func newLoginThrottle(max int, window time.Duration) *loginThrottle {
	return &loginThrottle{max: max, window: window, failures: make(map[string][]time.Time)}
}

// check reports whether ip is blocked at now and for how long.
func (t *loginThrottle) check(ip string, now time.Time) (bool, time.Duration) {
	if t == nil || ip == "" || t.max <= 0 {
		return false, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := pruneBefore(t.failures[ip], now.Add(-t.window))
	if len(kept) == 0 {
		delete(t.failures, ip)
	} else {
		t.failures[ip] = kept
	}
	return evaluateWindowThrottle(now, kept, t.max, t.window)
}

func (t *loginThrottle) fail(ip string, now time.Time) {
	if t == nil || ip == "" || t.max <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ip] = append(pruneBefore(t.failures[ip], now.Add(-t.window)), now)
}

func (t *loginThrottle) reset(ip string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ip)
}

// evaluateWindowThrottle blocks once max failures fall inside window. The
// retry delay lasts until the oldest counted failure leaves the window.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	cut := now.Add(-window)
	var oldest time.Time
	n := 0
	for _, f := range failures {
		if f.Before(cut) {
			continue
		}
		n++
		if oldest.IsZero() || f.Before(oldest) {
			oldest = f
		}
	}
	if n < max {
		return false, 0
	}
	retry := oldest.Add(window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return true, retry
}

func pruneBefore(ts []time.Time, cut time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cut) {
			out = append(out, t)
		}
	}
	return out
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	}
	httpjson.Error(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
