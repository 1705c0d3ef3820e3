package broker

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most limit calls in any window. A call that would
// exceed the window blocks until the oldest call ages out.
type SlidingWindow struct {
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
	mu     sync.Mutex
}

// NewSlidingWindow creates a limiter admitting limit calls per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &SlidingWindow{
		limit:  limit,
		window: window,
		calls:  make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// reserve records a call if the window has room, otherwise it returns how long
// to wait before trying again.
func (sw *SlidingWindow) reserve() time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.calls) && !sw.calls[i].After(cutoff) {
		i++
	}
	sw.calls = sw.calls[i:]

	if len(sw.calls) < sw.limit {
		sw.calls = append(sw.calls, now)
		return 0
	}
	return sw.calls[0].Add(sw.window).Sub(now)
}

// Wait blocks until the call is admitted or ctx is done.
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		wait := sw.reserve()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow records a call and reports true if the window had room.
func (sw *SlidingWindow) Allow() bool {
	return sw.reserve() <= 0
}

// Remaining returns the number of calls still admitted in the current window.
func (sw *SlidingWindow) Remaining() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := sw.now().Add(-sw.window)
	inWindow := 0
	for _, t := range sw.calls {
		if t.After(cutoff) {
			inWindow++
		}
	}
	return sw.limit - inWindow
}
