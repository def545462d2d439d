package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	waitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailsync_ratelimit_wait_seconds",
		Help:    "Time spent waiting for provider call permits",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"resource"})
	slowdowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailsync_ratelimit_slowdowns_total",
		Help: "Number of times a tenant was slowed down after low remaining quota",
	})
)

// lowQuotaRatio is the remaining/limit fraction below which a tenant is slowed
const lowQuotaRatio = 0.1

// Limiter bounds outbound provider calls globally and per tenant. Waits are
// cooperative: they block only the calling goroutine and end on context
// cancellation.
type Limiter struct {
	global     *rate.Limiter
	tenantRate rate.Limit
	mu         sync.Mutex
	tenants    map[string]*tenantState
	now        func() time.Time
}

type tenantState struct {
	limiter   *rate.Limiter
	remaining int
	resetAt   time.Time
	slowed    bool
}

// New creates a limiter with the given requests-per-second ceilings. Burst is
// one so that no one-second window admits more than the ceiling.
func New(globalRPS, tenantRPS float64) *Limiter {
	return &Limiter{
		global:     rate.NewLimiter(rate.Limit(globalRPS), 1),
		tenantRate: rate.Limit(tenantRPS),
		tenants:    make(map[string]*tenantState),
		now:        time.Now,
	}
}

func (l *Limiter) tenant(id string) *tenantState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.tenants[id]
	if !ok {
		st = &tenantState{limiter: rate.NewLimiter(l.tenantRate, 1), remaining: -1}
		l.tenants[id] = st
	}
	return st
}

// Acquire waits until a call for tenantID is permitted. It only fails when
// ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, tenantID, resource string) error {
	start := time.Now()
	defer func() { waitSeconds.WithLabelValues(resource).Observe(time.Since(start).Seconds()) }()

	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	st := l.tenant(tenantID)
	if err := l.waitUntilReset(ctx, st, false); err != nil {
		return err
	}
	return st.limiter.Wait(ctx)
}

// UpdateFromHeaders feeds the provider's reported quota back into the
// tenant's throttle. Once remaining drops below 10% of limit the tenant runs
// at half rate until Reset.
func (l *Limiter) UpdateFromHeaders(tenantID string, limit, remaining int, resetAt time.Time) {
	st := l.tenant(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()

	st.remaining = remaining
	if !resetAt.IsZero() {
		st.resetAt = resetAt
	}
	if limit > 0 && float64(remaining) < float64(limit)*lowQuotaRatio && !st.slowed {
		st.slowed = true
		st.limiter.SetLimit(l.tenantRate / 2)
		slowdowns.Inc()
	}
}

// Throttled records a hard throttling response; calls for the tenant wait
// until retryAfter has passed.
func (l *Limiter) Throttled(tenantID string, retryAfter time.Duration) {
	st := l.tenant(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	st.remaining = 0
	until := l.now().Add(retryAfter)
	if until.After(st.resetAt) {
		st.resetAt = until
	}
}

// Reset restores the tenant's configured rate
func (l *Limiter) Reset(tenantID string) {
	st := l.tenant(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	st.slowed = false
	st.remaining = -1
	st.resetAt = time.Time{}
	st.limiter.SetLimit(l.tenantRate)
}

// WaitForReset waits until the tenant's recorded reset time has passed
func (l *Limiter) WaitForReset(ctx context.Context, tenantID string) error {
	return l.waitUntilReset(ctx, l.tenant(tenantID), true)
}

// Slowed reports whether the tenant currently runs at reduced rate
func (l *Limiter) Slowed(tenantID string) bool {
	st := l.tenant(tenantID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return st.slowed
}

// waitUntilReset sleeps until resetAt. Without force it only waits when the
// quota is known to be exhausted.
func (l *Limiter) waitUntilReset(ctx context.Context, st *tenantState, force bool) error {
	l.mu.Lock()
	resetAt := st.resetAt
	exhausted := st.remaining == 0
	l.mu.Unlock()

	if !force && !exhausted {
		return nil
	}
	d := resetAt.Sub(l.now())
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	l.mu.Lock()
	if !st.resetAt.After(l.now()) {
		st.remaining = -1
	}
	l.mu.Unlock()
	return nil
}
