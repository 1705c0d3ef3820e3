package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-trader/internal/models"
)

func minute(n int64) time.Time { return time.Unix(n*60, 0).UTC() }

func TestTickSeedsFormingCandle(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)

	s.ApplyTick(100, minute(1).Add(5*time.Second))
	s.ApplyTick(103, minute(1).Add(10*time.Second))
	s.ApplyTick(98, minute(1).Add(20*time.Second))
	s.ApplyTick(101, minute(1).Add(30*time.Second))

	c, ok := s.Forming()
	require.True(t, ok)
	assert.Equal(t, minute(1), c.OpenTime)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 103.0, c.High)
	assert.Equal(t, 98.0, c.Low)
	assert.Equal(t, 101.0, c.Close)
	assert.False(t, c.Closed)
}

func TestCloseMovesFormingToHistory(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)
	s.ApplyTick(100, minute(1).Add(time.Second))

	c, ok := s.Close(minute(2))
	require.True(t, ok)
	assert.True(t, c.Closed)
	assert.Equal(t, 1, s.Len())

	_, ok = s.Forming()
	assert.False(t, ok)

	// Closing the same boundary again returns the stored bar.
	again, ok := s.Close(minute(2))
	require.True(t, ok)
	assert.Equal(t, c, again)
}

func TestCloseWithoutDataReportsMiss(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)
	_, ok := s.Close(minute(5))
	assert.False(t, ok)
}

func TestKlineOverridesForming(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)
	s.ApplyTick(100, minute(1).Add(time.Second))
	s.ApplyKline(models.Candle{OpenTime: minute(1), Open: 99, High: 104, Low: 97, Close: 102, Volume: 7})

	c, ok := s.Forming()
	require.True(t, ok)
	assert.Equal(t, 99.0, c.Open)
	assert.Equal(t, 7.0, c.Volume)

	// A later tick keeps extending the kline's values.
	s.ApplyTick(105, minute(1).Add(40*time.Second))
	c, _ = s.Forming()
	assert.Equal(t, 105.0, c.High)
	assert.Equal(t, 105.0, c.Close)
	assert.Equal(t, 7.0, c.Volume)
}

func TestNewerBucketRollsForming(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)
	s.ApplyTick(100, minute(1).Add(time.Second))
	// Stream is ahead of the timer.
	s.ApplyTick(110, minute(2).Add(time.Second))

	assert.Equal(t, 1, s.Len())
	c, ok := s.Close(minute(2))
	require.True(t, ok)
	assert.Equal(t, minute(1), c.OpenTime)
	assert.Equal(t, 100.0, c.Close)

	f, _ := s.Forming()
	assert.Equal(t, minute(2), f.OpenTime)
}

func TestConfirmedKlineFinalizesClosedBar(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 10)
	s.ApplyTick(100, minute(1).Add(time.Second))
	_, ok := s.Close(minute(2))
	require.True(t, ok)

	s.ApplyKline(models.Candle{OpenTime: minute(1), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 3, Closed: true})
	last := s.Last(1)
	require.Len(t, last, 1)
	assert.Equal(t, 100.5, last[0].Close)
	assert.Equal(t, 3.0, last[0].Volume)
	assert.True(t, last[0].Closed)

	// Stale ticks for the closed bucket are ignored.
	s.ApplyTick(1, minute(1).Add(50*time.Second))
	_, ok = s.Forming()
	assert.False(t, ok)
}

func TestLoadTrimsToCapacity(t *testing.T) {
	s := NewCandleStore("BTCUSDT", models.Timeframe1m, 3)
	var candles []models.Candle
	for i := int64(5); i >= 1; i-- {
		candles = append(candles, models.Candle{OpenTime: minute(i), Close: float64(i)})
	}
	s.Load(candles)

	got := s.Candles()
	require.Len(t, got, 3)
	assert.Equal(t, minute(3), got[0].OpenTime)
	assert.Equal(t, minute(5), got[2].OpenTime)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)
	assert.True(t, got[0].Closed)
	assert.Len(t, s.Last(10), 3)
}
