package upstream

import "time"

type bucket struct {
	slot     int64
	attempts int
	failures int
}

// window counts attempts and failures over the last len(buckets) periods of
// width each.
type window struct {
	width   time.Duration
	buckets []bucket
}

func newWindow(width time.Duration, n int) *window {
	return &window{width: width, buckets: make([]bucket, n)}
}

func (w *window) slot(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *window) add(now time.Time, failed bool) {
	s := w.slot(now)
	b := &w.buckets[s%int64(len(w.buckets))]
	if b.slot != s {
		*b = bucket{slot: s}
	}
	b.attempts++
	if failed {
		b.failures++
	}
}

func (w *window) sum(now time.Time) (attempts, failures int) {
	cur := w.slot(now)
	oldest := cur - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.slot >= oldest && b.slot <= cur {
			attempts += b.attempts
			failures += b.failures
		}
	}
	return attempts, failures
}
