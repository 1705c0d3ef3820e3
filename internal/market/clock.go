// Package market keeps local candle stores aligned to the exchange clock.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trader/internal/logging"
)

// TimeSource reports the exchange clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Clock returns the current exchange time.
type Clock interface {
	Now() time.Time
}

// ClockSync estimates the offset between the local and exchange clocks.
type ClockSync struct {
	src      TimeSource
	offset   time.Duration
	lastSync time.Time
	synced   bool
	now      func() time.Time
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewClockSync creates a clock synchronizer. Until the first Sync the offset
// is zero.
func NewClockSync(src TimeSource, logger zerolog.Logger) *ClockSync {
	return &ClockSync{
		src:    src,
		now:    time.Now,
		logger: logging.WithComponent(logger, "clock"),
	}
}

// Sync samples the exchange clock once. The offset is measured against the
// midpoint of the local round trip.
func (c *ClockSync) Sync(ctx context.Context) (time.Duration, error) {
	before := c.now()
	server, err := c.src.ServerTime(ctx)
	if err != nil {
		return c.Offset(), err
	}
	after := c.now()

	mid := before.Add(after.Sub(before) / 2)
	offset := server.Sub(mid)

	c.mu.Lock()
	c.offset = offset
	c.lastSync = after
	c.synced = true
	c.mu.Unlock()

	c.logger.Debug().
		Dur("offset", offset).
		Dur("rtt", after.Sub(before)).
		Msg("Clock synced")
	return offset, nil
}

// Run re-samples every interval until ctx is done. Failed samples keep the
// previous offset.
func (c *ClockSync) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sync(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Clock resync failed, keeping previous offset")
			}
		}
	}
}

// Offset returns server time minus local time.
func (c *ClockSync) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// LastSync returns the local time of the last successful sample.
func (c *ClockSync) LastSync() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, c.synced
}

// Now returns the estimated exchange time.
func (c *ClockSync) Now() time.Time {
	return c.now().Add(c.Offset())
}
