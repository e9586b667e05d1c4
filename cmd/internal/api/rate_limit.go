package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// windowLimiter is a fixed-window counter per key. Counters expire with
// their window, so idle clients cost nothing.
type windowLimiter struct {
	counts *cache.Cache
	max    int
	window time.Duration
}

func newWindowLimiter(max int, window time.Duration) *windowLimiter {
	if max <= 0 {
		return nil
	}
	return &windowLimiter{
		counts: cache.New(window, 2*window),
		max:    max,
		window: window,
	}
}

// allow counts one hit for key and reports whether it is within the limit,
// plus the time until the window resets when it is not.
func (l *windowLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if err := l.counts.Add(key, 1, l.window); err == nil {
		return true, 0
	}
	n, err := l.counts.IncrementInt(key, 1)
	if err != nil {
		// Expired between Add and Increment; start a new window.
		l.counts.Set(key, 1, l.window)
		return true, 0
	}
	if n <= l.max {
		return true, 0
	}
	_, exp, ok := l.counts.GetWithExpiration(key)
	if !ok || exp.IsZero() {
		return false, l.window
	}
	return false, exp.Sub(now)
}

func (h *Handler) limit(l *windowLimiter, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, h.cfg.TrustProxy)
			key := scope
			if ip != nil {
				key += "|" + ip.String()
			}
			if ok, retry := l.allow(key, time.Now()); !ok {
				h.log.Warn("api.rate_limited", "scope", scope, "ip", ip)
				writeRateLimited(w, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter.Round(time.Second).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
