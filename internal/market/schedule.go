package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"bybit-trader/internal/models"
)

// NextBoundary returns the first candle boundary strictly after serverNow:
// serverNow - (serverNow mod period) + period.
func NextBoundary(serverNow time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return serverNow
	}
	s := serverNow.UnixNano()
	p := int64(period)
	rem := s % p
	if rem < 0 {
		rem += p
	}
	return time.Unix(0, s-rem+p).UTC()
}

// Scheduler fires one callback per candle boundary across several
// timeframes from a single timer loop.
type Scheduler struct {
	clock Clock
	fire  func(ctx context.Context, tf models.Timeframe, boundary time.Time)
	next  map[models.Timeframe]time.Time
	mu    sync.Mutex
}

// NewScheduler creates a scheduler for the given timeframes.
func NewScheduler(clock Clock, timeframes []models.Timeframe, fire func(ctx context.Context, tf models.Timeframe, boundary time.Time)) *Scheduler {
	s := &Scheduler{
		clock: clock,
		fire:  fire,
		next:  make(map[models.Timeframe]time.Time, len(timeframes)),
	}
	now := clock.Now()
	for _, tf := range timeframes {
		s.next[tf] = NextBoundary(now, tf.Period())
	}
	return s
}

// Next returns the pending boundary of tf.
func (s *Scheduler) Next(tf models.Timeframe) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[tf]
	return t, ok
}

// soonest returns the earliest pending boundary.
func (s *Scheduler) soonest() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, t := range s.next {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}

type dueBoundary struct {
	tf       models.Timeframe
	boundary time.Time
}

// due collects boundaries that have passed and reschedules them. A boundary
// missed by more than one period is recomputed from the clock.
func (s *Scheduler) due(now time.Time) []dueBoundary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dueBoundary
	for tf, t := range s.next {
		if t.After(now) {
			continue
		}
		out = append(out, dueBoundary{tf: tf, boundary: t})
		next := t.Add(tf.Period())
		if !next.After(now) {
			next = NextBoundary(now, tf.Period())
		}
		s.next[tf] = next
	}
	// Shorter timeframes first so a 1m close precedes the 15m close at the
	// same instant.
	sort.Slice(out, func(i, j int) bool {
		if out[i].boundary.Equal(out[j].boundary) {
			return out[i].tf.Period() < out[j].tf.Period()
		}
		return out[i].boundary.Before(out[j].boundary)
	})
	return out
}

// Run sleeps until the soonest boundary, fires it and repeats until ctx is
// done. The sleep is recomputed from the clock on every pass, so offset
// corrections apply to the next wait.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.next) == 0 {
		return
	}
	for {
		wait := s.soonest().Sub(s.clock.Now())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		for _, d := range s.due(s.clock.Now()) {
			s.fire(ctx, d.tf, d.boundary)
		}
	}
}
