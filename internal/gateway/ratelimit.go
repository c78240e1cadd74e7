package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ipIdleTTL    = 10 * time.Minute
	ipMaxTracked = 10000 // max tracked IPs to prevent memory exhaustion
)

// ipLimiter throttles requests per remote IP before authentication.
type ipLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipEntry
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perSec float64, burst int) *ipLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ipLimiter{
		entries: make(map[string]*ipEntry),
		limit:   rate.Limit(perSec),
		burst:   burst,
		now:     time.Now,
	}
}

func remoteHost(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}
	return host
}

func (l *ipLimiter) allow(remoteAddr string) bool {
	if l.limit <= 0 {
		return true
	}
	host := remoteHost(remoteAddr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[host]
	if !ok {
		if len(l.entries) >= ipMaxTracked {
			l.evictOldest()
		}
		e = &ipEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[host] = e
	}
	e.seen = now
	return e.lim.AllowN(now, 1)
}

func (l *ipLimiter) evictOldest() {
	var oldestIP string
	var oldest time.Time
	for ip, e := range l.entries {
		if oldestIP == "" || e.seen.Before(oldest) {
			oldestIP = ip
			oldest = e.seen
		}
	}
	delete(l.entries, oldestIP)
}

// prune drops limiters idle since before cutoff.
func (l *ipLimiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.entries {
		if e.seen.Before(cutoff) {
			delete(l.entries, ip)
		}
	}
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// run prunes idle entries every minute until ctx is done.
func (l *ipLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune(l.now().Add(-ipIdleTTL))
		}
	}
}

// rateLimitMiddleware rejects requests over the per-IP rate with 429.
func rateLimitMiddleware(next http.Handler, l *ipLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(r.RemoteAddr) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
