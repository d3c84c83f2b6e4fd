// Package ratelimit paces outbound exchanges per bank host.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter applies a token bucket per host and evicts idle entries.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu     sync.Mutex
	byHost map[string]*entry
	hits   uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive; a nil limiter never waits.
func New(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &HostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		byHost:  make(map[string]*entry),
	}
}

// Wait blocks until host may send another message or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil {
		return ctx.Err()
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ctx.Err()
	}
	return l.limiterFor(host).Wait(ctx)
}

func (l *HostLimiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.byHost[host]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byHost {
			if k != host && v.lastSeen.Before(cutoff) {
				delete(l.byHost, k)
			}
		}
	}

	return e.limiter
}

func (l *HostLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byHost)
}
