package usecase

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ragkb/internal/domain"
)

// TenantLimiter keeps one token bucket per tenant.
type TenantLimiter struct {
	mu       sync.Mutex
	limiters map[domain.TenantID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewTenantLimiter allows perMinute queries per tenant with the given burst.
// perMinute <= 0 disables limiting and returns nil.
func NewTenantLimiter(perMinute, burst int) *TenantLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &TenantLimiter{
		limiters: make(map[domain.TenantID]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

// Allow consumes one token for tenant. A nil limiter allows everything.
func (l *TenantLimiter) Allow(tenant domain.TenantID) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[tenant] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Forget drops a tenant's bucket.
func (l *TenantLimiter) Forget(tenant domain.TenantID) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.limiters, tenant)
	l.mu.Unlock()
}
