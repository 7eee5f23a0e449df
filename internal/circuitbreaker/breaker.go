// Package circuitbreaker stops calling an upstream host after it keeps failing.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// MaxRequests bounds the trial calls let through while half-open.
	MaxRequests uint32

	// Interval clears the closed state counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// Threshold is the minimum number of calls before the failure ratio counts.
	Threshold uint32

	FailureRatio float64

	// OnStateChange is called with the breaker name on every transition.
	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		Threshold:    5,
		FailureRatio: 0.6,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	return c
}

type counts struct {
	inflight uint32
	total    uint32
	failures uint32
}

// Breaker guards calls to a single upstream.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu     sync.Mutex
	state  State
	counts counts
	expiry time.Time
}

func New(name string, cfg Config) *Breaker {
	b := &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
	b.expiry = b.now().Add(b.cfg.Interval)
	return b
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(b.now())
}

// Counts returns calls and failures recorded in the current generation.
func (b *Breaker) Counts() (total, failures uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts.total, b.counts.failures
}

// Execute runs fn unless the breaker is open. A nil error counts as success.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current(b.now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.counts.inflight >= b.cfg.MaxRequests {
			return ErrTooManyRequests
		}
	}
	b.counts.inflight++
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.counts.inflight > 0 {
		b.counts.inflight--
	}
	switch b.current(now) {
	case StateClosed:
		b.counts.total++
		if !success {
			b.counts.failures++
		}
		if b.counts.total >= b.cfg.Threshold &&
			float64(b.counts.failures)/float64(b.counts.total) >= b.cfg.FailureRatio {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			b.transition(StateOpen, now)
			return
		}
		b.counts.total++
		if b.counts.total >= b.cfg.MaxRequests {
			b.transition(StateClosed, now)
		}
	}
}

// current advances time based transitions. Caller holds mu.
func (b *Breaker) current(now time.Time) State {
	switch b.state {
	case StateClosed:
		if now.After(b.expiry) {
			b.reset(now)
		}
	case StateOpen:
		if now.After(b.expiry) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.reset(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) reset(now time.Time) {
	b.counts = counts{}
	switch b.state {
	case StateClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// HostBreaker keeps one Breaker per upstream host.
type HostBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

func NewHostBreaker(cfg Config) *HostBreaker {
	return &HostBreaker{breakers: make(map[string]*Breaker), cfg: cfg}
}

func (hb *HostBreaker) Execute(host string, fn func() error) error {
	return hb.get(host).Execute(fn)
}

func (hb *HostBreaker) get(host string) *Breaker {
	hb.mu.RLock()
	b, ok := hb.breakers[host]
	hb.mu.RUnlock()
	if ok {
		return b
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if b, ok := hb.breakers[host]; ok {
		return b
	}
	b = New(host, hb.cfg)
	hb.breakers[host] = b
	return b
}

func (hb *HostBreaker) State(host string) State {
	return hb.get(host).State()
}

// HostStats is a point in time view of one host's breaker.
type HostStats struct {
	Host     string
	State    State
	Total    uint32
	Failures uint32
}

// Stats lists every known host sorted by name.
func (hb *HostBreaker) Stats() []HostStats {
	hb.mu.RLock()
	defer hb.mu.RUnlock()

	out := make([]HostStats, 0, len(hb.breakers))
	for host, b := range hb.breakers {
		total, failures := b.Counts()
		out = append(out, HostStats{Host: host, State: b.State(), Total: total, Failures: failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
