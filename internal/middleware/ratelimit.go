package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default budget of failed auth attempts per IP.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedIPs caps the number of IPs tracked at once.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleTTL       = 5 * time.Minute
)

type failureBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients that keep failing authentication.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*failureBucket
	perMinute  int
	maxTracked int
	now        func() time.Time
	cancel     context.CancelFunc
}

// NewRateLimiter starts a limiter allowing perMinute failures per IP. Pass 0
// to use DefaultMaxFailuresPerMinute. The sweeper stops with ctx or Stop.
func NewRateLimiter(ctx context.Context, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:    make(map[string]*failureBucket),
		perMinute:  perMinute,
		maxTracked: DefaultMaxTrackedIPs,
		now:        time.Now,
		cancel:     cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// Blocked reports whether ip has exhausted its failure budget. It does not
// consume a token.
func (rl *RateLimiter) Blocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		return false
	}
	return b.limiter.TokensAt(rl.now()) < 1
}

// RecordFailureAndAllow records a failed attempt for ip and reports whether
// the attempt is still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxTracked {
			rl.evictOldestLocked()
		}
		b = &failureBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs currently holding a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweeper.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeIdle()
		}
	}
}

func (rl *RateLimiter) removeIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idleTTL)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var (
		oldestIP string
		oldest   time.Time
	)
	for ip, b := range rl.buckets {
		if oldestIP == "" || b.lastSeen.Before(oldest) {
			oldestIP, oldest = ip, b.lastSeen
		}
	}
	delete(rl.buckets, oldestIP)
}

// ExtractIP strips the port from a RemoteAddr string.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
