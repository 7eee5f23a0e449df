// Package rate limits API requests per client.
package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type PerClient struct {
	mu        sync.Mutex
	m         map[string]*limitEntry
	perSecond float64
	burst     int
	idle      time.Duration
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func New(perSecond float64, burst int) *PerClient {
	if burst < 1 {
		burst = 1
	}
	return &PerClient{
		m:         make(map[string]*limitEntry),
		perSecond: perSecond,
		burst:     burst,
		idle:      10 * time.Minute,
	}
}

// Run evicts clients idle for longer than the idle window every interval
// until ctx is done.
func (p *PerClient) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.evict(now)
		}
	}
}

func (p *PerClient) evict(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := now.Add(-p.idle)
	for key, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, key)
		}
	}
}

func (p *PerClient) entry(key string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		e = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[key] = e
	}
	e.lastUsed = time.Now()
	return e
}

func (p *PerClient) Allow(key string) bool {
	return p.entry(key).limiter.Allow()
}

func (p *PerClient) Wait(ctx context.Context, key string) error {
	return p.entry(key).limiter.Wait(ctx)
}

func (p *PerClient) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
