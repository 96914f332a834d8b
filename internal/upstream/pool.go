// Package upstream maintains the pool of upstream endpoints that forward
// connections are spread over, together with their failure statistics and
// the sources the pool is refreshed from.
package upstream

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/die-net/rps/internal/proto"
)

// ErrNoUpstream reports that no endpoint is currently eligible.
var ErrNoUpstream = proto.ErrNoUpstream

// Schedule is an endpoint selection policy.
type Schedule string

const (
	RoundRobin Schedule = "rr"
	Random     Schedule = "random"
	Health     Schedule = "health"
)

// ParseSchedule validates a schedule name.
func ParseSchedule(s string) (Schedule, error) {
	switch sc := Schedule(strings.ToLower(strings.TrimSpace(s))); sc {
	case RoundRobin, Random, Health:
		return sc, nil
	case "":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown schedule %q", s)
	}
}

// minRateAttempts is the number of attempts in the last hour before
// MaxFailRate is applied to an endpoint.
const minRateAttempts = 10

// Options are the pool's selection and health policy. Zero limits are
// disabled.
type Options struct {
	Schedule    Schedule
	Hybrid      bool
	MaxReconn   int
	MaxRetry    int
	MR1m        int
	MR1h        int
	MR1d        int
	MaxFailRate float64
}

type entry struct {
	ep Endpoint

	attempts    int64
	failures    int64
	consecutive int
	lastErr     string
	lastUsed    time.Time

	minute *window
	hour   *window
	day    *window
}

func newEntry(ep Endpoint) *entry {
	return &entry{
		ep:     ep,
		minute: newWindow(time.Second, 60),
		hour:   newWindow(time.Minute, 60),
		day:    newWindow(time.Hour, 24),
	}
}

// Pool selects endpoints for forward connections and tracks their health.
// It is safe for concurrent use.
type Pool struct {
	opts Options

	mu      sync.Mutex
	entries []*entry
	byKey   map[string]*entry
	next    int

	now  func() time.Time
	intn func(n int) int
}

// NewPool returns an empty pool.
func NewPool(opts Options) *Pool {
	if opts.Schedule == "" {
		opts.Schedule = RoundRobin
	}
	return &Pool{
		opts:  opts,
		byKey: make(map[string]*entry),
		now:   time.Now,
		intn:  rand.IntN,
	}
}

// Options returns the pool's policy.
func (p *Pool) Options() Options {
	return p.opts
}

// Replace swaps the endpoint set. Endpoints that were already present keep
// their statistics, with the consecutive failure count cleared.
func (p *Pool) Replace(eps []Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := make([]*entry, 0, len(eps))
	byKey := make(map[string]*entry, len(eps))
	for _, ep := range eps {
		k := ep.Key()
		if _, dup := byKey[k]; dup {
			continue
		}
		e, ok := p.byKey[k]
		if ok {
			e.ep = ep
			e.consecutive = 0
		} else {
			e = newEntry(ep)
		}
		byKey[k] = e
		entries = append(entries, e)
	}

	p.entries = entries
	p.byKey = byKey
	if p.next >= len(entries) {
		p.next = 0
	}
}

// Len returns the number of endpoints in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Select picks an eligible endpoint for a listener of family f.
func (p *Pool) Select(f proto.Family) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.entries)

	switch p.opts.Schedule {
	case Random:
		var eligible []*entry
		for _, e := range p.entries {
			if p.eligible(e, f, now) {
				eligible = append(eligible, e)
			}
		}
		if len(eligible) == 0 {
			return Endpoint{}, ErrNoUpstream
		}
		return p.use(eligible[p.intn(len(eligible))], now), nil

	case Health:
		var best []*entry
		bestRate := 2.0
		for _, e := range p.entries {
			if !p.eligible(e, f, now) {
				continue
			}
			r := hourRate(e, now)
			switch {
			case r < bestRate:
				bestRate = r
				best = append(best[:0], e)
			case r == bestRate:
				best = append(best, e)
			}
		}
		if len(best) == 0 {
			return Endpoint{}, ErrNoUpstream
		}
		return p.use(best[p.intn(len(best))], now), nil

	default:
		for i := range n {
			e := p.entries[(p.next+i)%n]
			if p.eligible(e, f, now) {
				p.next = (p.next + i + 1) % n
				return p.use(e, now), nil
			}
		}
		return Endpoint{}, ErrNoUpstream
	}
}

func (p *Pool) use(e *entry, now time.Time) Endpoint {
	e.lastUsed = now
	return e.ep
}

func hourRate(e *entry, now time.Time) float64 {
	attempts, failures := e.hour.sum(now)
	if attempts == 0 {
		return 0
	}
	return float64(failures) / float64(attempts)
}

// eligible applies the family filter and the health limits.
func (p *Pool) eligible(e *entry, f proto.Family, now time.Time) bool {
	if !e.ep.Serves(f, p.opts.Hybrid) {
		return false
	}
	return p.excluded(e, now) == ""
}

// excluded returns why an endpoint is currently excluded, or "".
func (p *Pool) excluded(e *entry, now time.Time) string {
	o := p.opts
	if o.MaxRetry > 0 && e.consecutive >= o.MaxRetry {
		return "maxretry"
	}
	if o.MR1m > 0 {
		if _, f := e.minute.sum(now); f > o.MR1m {
			return "mr1m"
		}
	}
	if o.MR1h > 0 || o.MaxFailRate > 0 {
		a, f := e.hour.sum(now)
		if o.MR1h > 0 && f > o.MR1h {
			return "mr1h"
		}
		if o.MaxFailRate > 0 && a >= minRateAttempts && float64(f)/float64(a) > o.MaxFailRate {
			return "max_fail_rate"
		}
	}
	if o.MR1d > 0 {
		if _, f := e.day.sum(now); f > o.MR1d {
			return "mr1d"
		}
	}
	return ""
}

// Report records the outcome of a connect attempt through ep.
func (p *Pool) Report(ep Endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[ep.Key()]
	if !ok {
		return
	}

	now := p.now()
	failed := err != nil
	e.attempts++
	e.minute.add(now, failed)
	e.hour.add(now, failed)
	e.day.add(now, failed)
	if failed {
		e.failures++
		e.consecutive++
		e.lastErr = err.Error()
	} else {
		e.consecutive = 0
	}
}

// AllowReconnect reports whether a session may make reconnect attempt
// number attempt (1-based) after a failed connect.
func (p *Pool) AllowReconnect(attempt int) bool {
	return attempt <= p.opts.MaxReconn
}

// EndpointStats is a point-in-time view of one endpoint.
type EndpointStats struct {
	Endpoint    string    `json:"endpoint"`
	Proto       string    `json:"proto"`
	Attempts    int64     `json:"attempts"`
	Failures    int64     `json:"failures"`
	Consecutive int       `json:"consecutive_failures"`
	Failures1m  int       `json:"failures_1m"`
	Failures1h  int       `json:"failures_1h"`
	Failures1d  int       `json:"failures_1d"`
	FailRate1h  float64   `json:"fail_rate_1h"`
	Excluded    string    `json:"excluded,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastUsed    time.Time `json:"last_used,omitzero"`
}

// Snapshot returns statistics for every endpoint, sorted by endpoint.
func (p *Pool) Snapshot() []EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]EndpointStats, 0, len(p.entries))
	for _, e := range p.entries {
		_, f1m := e.minute.sum(now)
		_, f1h := e.hour.sum(now)
		_, f1d := e.day.sum(now)
		out = append(out, EndpointStats{
			Endpoint:    e.ep.String(),
			Proto:       e.ep.Proto,
			Attempts:    e.attempts,
			Failures:    e.failures,
			Consecutive: e.consecutive,
			Failures1m:  f1m,
			Failures1h:  f1h,
			Failures1d:  f1d,
			FailRate1h:  hourRate(e, now),
			Excluded:    p.excluded(e, now),
			LastError:   e.lastErr,
			LastUsed:    e.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
