package auth

import (
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/web-casa/dockwatch/internal/model"
)

// ============ Login Limiter ============

// LoginLimiter tracks failed login attempts per IP. It starts no goroutine of
// its own: the owner calls Cleanup on a schedule (main runs it once a
// minute), and the clock is injectable so lockout and backoff are testable.
type LoginLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptInfo
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

type attemptInfo struct {
	count    int
	firstAt  time.Time
	lastFail time.Time
}

// NewLoginLimiter creates a limiter allowing maxAttempts failures per window
// (e.g. 5 attempts per 15 minutes).
func NewLoginLimiter(maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		attempts:    make(map[string]*attemptInfo),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// Check returns (allowed bool, waitSeconds int)
func (rl *LoginLimiter) Check(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[ip]
	if !exists {
		return true, 0
	}

	// Window expired → reset
	if now.Sub(info.firstAt) > rl.window {
		delete(rl.attempts, ip)
		return true, 0
	}

	if info.count >= rl.maxAttempts {
		remaining := rl.window - now.Sub(info.firstAt)
		return false, int(remaining.Seconds())
	}

	// Exponential backoff: after each fail, wait 2^(n-1) seconds
	backoff := time.Duration(math.Pow(2, float64(info.count-1))) * time.Second
	if since := now.Sub(info.lastFail); since < backoff {
		return false, int((backoff - since).Seconds()) + 1
	}

	return true, 0
}

// RecordFail records a failed login attempt
func (rl *LoginLimiter) RecordFail(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.attempts[ip]
	if !exists {
		rl.attempts[ip] = &attemptInfo{count: 1, firstAt: now, lastFail: now}
		return
	}
	info.count++
	info.lastFail = now
}

// RecordSuccess clears attempts for an IP
func (rl *LoginLimiter) RecordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, ip)
}

// Cleanup drops entries whose window has passed.
func (rl *LoginLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.window)
	for ip, info := range rl.attempts {
		if info.firstAt.Before(cutoff) {
			delete(rl.attempts, ip)
		}
	}
}

// ============ Request Limiter ============

// RequestLimiter is a global fixed-window counter keyed by wall-clock minute.
// All requests passing through its middleware share one budget.
type RequestLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[int64]int
	now    func() time.Time
}

// NewRequestLimiter allows limit requests per minute.
func NewRequestLimiter(limit int) *RequestLimiter {
	return &RequestLimiter{
		limit:  limit,
		counts: make(map[int64]int),
		now:    time.Now,
	}
}

// Allow counts one request and reports whether it fits in the current minute.
func (rl *RequestLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	minute := rl.now().Unix() / 60
	for m := range rl.counts {
		if m < minute {
			delete(rl.counts, m)
		}
	}
	rl.counts[minute]++
	return rl.counts[minute] <= rl.limit
}

// Middleware rejects requests over the per-minute budget with 429.
func (rl *RequestLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, model.Failure("Rate limit exceeded"))
			return
		}
		c.Next()
	}
}
