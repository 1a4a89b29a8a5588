package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/tomasen/realip"
	"golang.org/x/time/rate"

	"github.com/passage-dev/passage/internal/protocol"
)

// limiterPool keeps one token bucket per client address. Buckets idle
// past the retention window are dropped on the next maintenance pass
// so the pool cannot grow without bound.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rate     rate.Limit
	burst    int

	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterRetention = 10 * time.Minute

func newLimiterPool(perSecond float64, burst int) *limiterPool {
	if burst <= 0 {
		burst = int(perSecond) * 2
		if burst < 1 {
			burst = 1
		}
	}
	return &limiterPool{
		limiters:  make(map[string]*clientLimiter),
		rate:      rate.Limit(perSecond),
		burst:     burst,
		lastSweep: time.Now(),
	}
}

func (p *limiterPool) allow(client string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastSweep) > limiterRetention {
		for addr, cl := range p.limiters {
			if now.Sub(cl.lastSeen) > limiterRetention {
				delete(p.limiters, addr)
			}
		}
		p.lastSweep = now
	}

	cl, ok := p.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.limiters[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

// throttled applies the per-client rate policy in front of next. With
// throttling disabled it is a pass-through.
func (m *Mux) throttled(next http.HandlerFunc) http.HandlerFunc {
	if m.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.limiter.allow(realip.FromRequest(r)) {
			writeError(w, http.StatusTooManyRequests, protocol.KindThrottled, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
