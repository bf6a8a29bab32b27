// Package window implements sliding-window hit counters keyed by string.
package window

import (
	"context"
	"sync"
	"time"
)

// Counter records a hit and reports how many hits key has inside the
// trailing span, the new one included.
type Counter interface {
	Hit(ctx context.Context, key string, span time.Duration) (int64, error)
}

// sweepEvery bounds how often MemoryCounter scans for idle keys.
const sweepEvery = time.Minute

// MemoryCounter keeps hit timestamps in process memory. Keys whose window has
// emptied are dropped on a periodic sweep.
type MemoryCounter struct {
	mu        sync.Mutex
	series    map[string]*series
	now       func() time.Time
	lastSweep time.Time
}

type series struct {
	hits []time.Time
	span time.Duration
}

func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}

	return &MemoryCounter{series: make(map[string]*series), now: now, lastSweep: now()}
}

func (c *MemoryCounter) Hit(_ context.Context, key string, span time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if now.Sub(c.lastSweep) >= sweepEvery {
		c.sweep(now)
	}

	s, ok := c.series[key]
	if !ok {
		s = &series{}
		c.series[key] = s
	}

	s.span = span
	s.hits = trim(s.hits, now.Add(-span))
	s.hits = append(s.hits, now)

	return int64(len(s.hits)), nil
}

func (c *MemoryCounter) sweep(now time.Time) {
	for key, s := range c.series {
		s.hits = trim(s.hits, now.Add(-s.span))
		if len(s.hits) == 0 {
			delete(c.series, key)
		}
	}

	c.lastSweep = now
}

// trim drops hits at or before cutoff. hits is ordered oldest first.
func trim(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}

	return hits[i:]
}
