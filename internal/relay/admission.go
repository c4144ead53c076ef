package relay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SpawnLimiter is a fixed-window rate limiter keyed per client. A denied
// check reports the seconds until the window rolls over and leaves the
// counter untouched.
type SpawnLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*spawnWindow
	now     func() time.Time
}

type spawnWindow struct {
	start time.Time
	count int
}

func NewSpawnLimiter(window time.Duration, max int) *SpawnLimiter {
	return &SpawnLimiter{
		window:  window,
		max:     max,
		buckets: make(map[string]*spawnWindow),
		now:     time.Now,
	}
}

// Check consumes one slot for key if the window allows it. When denied,
// retryAfter is the whole seconds remaining until the window resets,
// rounded up and never below 1.
func (l *SpawnLimiter) Check(key string) (allowed bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.buckets[key]
	if w == nil || now.Sub(w.start) >= l.window {
		w = &spawnWindow{start: now}
		l.buckets[key] = w
	}
	if w.count >= l.max {
		remaining := l.window - now.Sub(w.start)
		secs := int(remaining / time.Second)
		if remaining%time.Second != 0 || secs == 0 {
			secs++
		}
		return false, secs
	}
	w.count++
	return true, 0
}

// Admission gates new spawns. Both checks are advisory: they never see
// daemon-internal state and never block.
type Admission struct {
	Limiter      *SpawnLimiter
	MaxPerDaemon int
}

func NewAdmission(window time.Duration, maxPerWindow, maxPerDaemon int) *Admission {
	return &Admission{
		Limiter:      NewSpawnLimiter(window, maxPerWindow),
		MaxPerDaemon: maxPerDaemon,
	}
}

// Admit evaluates the rate window for key and the concurrency cap against
// the daemon's current ownership set. A rejection carries a
// machine-distinguishable reason.
func (a *Admission) Admit(key string, daemon *DaemonConnection) error {
	if ok, retryAfter := a.Limiter.Check(key); !ok {
		return &Error{
			Kind:       KindRateLimited,
			Message:    "spawn rate limit exceeded",
			RetryAfter: retryAfter,
		}
	}
	if daemon.OwnedCount() >= a.MaxPerDaemon {
		return errf(KindConcurrencyLimited,
			"daemon %s already owns %d sessions (cap %d)",
			daemon.ClientID, daemon.OwnedCount(), a.MaxPerDaemon)
	}
	return nil
}

// IPRateLimiter applies per-IP request rate limiting on the REST surface.
// Distinct from spawn admission: this is an abuse guard, not a policy gate.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rate     rate.Limit
	burst    int
	stop     chan struct{}
	stopOnce sync.Once
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(reqPerSec float64, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     rate.Limit(reqPerSec),
		burst:    burst,
		stop:     make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-rl.stop:
				return
			case <-ticker.C:
				rl.evictIdle()
			}
		}
	}()
	return rl
}

func (rl *IPRateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, l := range rl.limiters {
		if time.Since(l.lastSeen) > 10*time.Minute {
			delete(rl.limiters, ip)
		}
	}
}

// Stop ends the eviction goroutine. Safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Allow returns true if the request is within rate limits for the given IP.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()
	return l.lim.Allow()
}

// Middleware wraps an http.Handler with per-IP rate limiting.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
