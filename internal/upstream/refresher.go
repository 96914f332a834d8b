package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/die-net/rps/internal/metrics"
)

// Refresher keeps a Pool filled from its sources and periodically logs the
// pool's statistics.
type Refresher struct {
	pool    *Pool
	sources []Source
	refresh time.Duration
	stats   time.Duration
	log     *slog.Logger

	mu   sync.Mutex
	last map[string][]Endpoint
}

// NewRefresher returns a Refresher. A zero refresh or stats interval disables
// the corresponding periodic task.
func NewRefresher(pool *Pool, sources []Source, refresh, stats time.Duration, log *slog.Logger) *Refresher {
	return &Refresher{
		pool:    pool,
		sources: sources,
		refresh: refresh,
		stats:   stats,
		log:     log,
		last:    make(map[string][]Endpoint),
	}
}

// Refresh polls every source and replaces the pool's endpoint set. A source
// that fails keeps contributing its previous result. The returned error joins
// the source failures.
func (r *Refresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	var merged []Endpoint
	for _, s := range r.sources {
		eps, err := s.Fetch(ctx)
		metrics.UpstreamRefreshes.WithLabelValues(s.Name(), metrics.Result(err)).Inc()
		if err != nil {
			r.log.Warn("upstream source refresh failed", "source", s.Name(), "error", err)
			errs = append(errs, err)
			eps = r.last[s.Name()]
		} else {
			r.last[s.Name()] = eps
		}
		merged = append(merged, eps...)
	}

	r.pool.Replace(merged)
	r.log.Debug("upstream pool refreshed", "endpoints", r.pool.Len())
	return errors.Join(errs...)
}

// LogStats logs one line per endpoint and updates the endpoint gauges.
func (r *Refresher) LogStats() {
	metrics.UpstreamEndpoints.Reset()
	for _, s := range r.pool.Snapshot() {
		state := "available"
		if s.Excluded != "" {
			state = "excluded"
		}
		metrics.UpstreamEndpoints.WithLabelValues(s.Proto, state).Inc()

		r.log.Info("upstream stats",
			"endpoint", s.Endpoint,
			"attempts", s.Attempts,
			"failures", s.Failures,
			"consecutive", s.Consecutive,
			"failures_1m", s.Failures1m,
			"failures_1h", s.Failures1h,
			"failures_1d", s.Failures1d,
			"excluded", s.Excluded,
		)
	}
}

// Run refreshes once, then keeps refreshing and logging statistics until ctx
// is done.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil && r.pool.Len() == 0 {
		r.log.Error("initial upstream refresh left the pool empty", "error", err)
	}

	refreshC, stopRefresh := ticker(r.refresh)
	defer stopRefresh()
	statsC, stopStats := ticker(r.stats)
	defer stopStats()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refreshC:
			_ = r.Refresh(ctx)
		case <-statsC:
			r.LogStats()
		}
	}
}

// ticker returns a ticker channel and its stop function. A zero d gives a nil
// channel, which never fires.
func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
