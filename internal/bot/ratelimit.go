package bot

import (
	"sync"
	"time"
)

const defaultLimit = time.Second

// RateLimiter implements per-user per-route in-memory rate limiting.
// Admins are never limited.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
	exempt   func(int64) bool
	now      func() time.Time
}

func NewRateLimiter(exempt func(int64) bool) *RateLimiter {
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"btn:buy":        3 * time.Second,
			"btn:trial":      10 * time.Second,
			"btn:configs":    5 * time.Second,
			"cb:pay:":        5 * time.Second,
			"cb:check:":      3 * time.Second,
			"cb:rs:confirm:": 5 * time.Second,
			"cb:rs:apply":    10 * time.Second,
			"cb:adm:backup":  30 * time.Second,
		},
		exempt: exempt,
		now:    time.Now,
	}
}

// IsLimited returns true if user is rate-limited for this route
func (r *RateLimiter) IsLimited(userID int64, key string) bool {
	if r.exempt != nil && r.exempt(userID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[key]
	if !ok {
		limit = defaultLimit
	}
	last := r.lastCall[userID][key]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][key] = now
	return false
}

// Forget drops entries older than the longest limit.
func (r *RateLimiter) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	longest := defaultLimit
	for _, l := range r.limits {
		if l > longest {
			longest = l
		}
	}
	now := r.now()
	for user, calls := range r.lastCall {
		for key, at := range calls {
			if now.Sub(at) >= longest {
				delete(calls, key)
			}
		}
		if len(calls) == 0 {
			delete(r.lastCall, user)
		}
	}
}
