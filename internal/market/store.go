package market

import (
	"sort"
	"sync"
	"time"

	"bybit-trader/internal/models"
)

// CandleStore holds closed candles and the forming candle of one symbol and
// timeframe. The stream reader and the boundary timer both mutate it.
type CandleStore struct {
	symbol    string
	timeframe models.Timeframe
	capacity  int

	candles []models.Candle // closed, ascending by open time
	forming *models.Candle

	mu sync.RWMutex
}

// NewCandleStore creates a store retaining at most capacity closed candles.
func NewCandleStore(symbol string, tf models.Timeframe, capacity int) *CandleStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &CandleStore{
		symbol:    symbol,
		timeframe: tf,
		capacity:  capacity,
		candles:   make([]models.Candle, 0, capacity),
	}
}

// Symbol returns the store's symbol.
func (s *CandleStore) Symbol() string { return s.symbol }

// Timeframe returns the store's timeframe.
func (s *CandleStore) Timeframe() models.Timeframe { return s.timeframe }

// bucket returns the open time of the candle containing t.
func (s *CandleStore) bucket(t time.Time) time.Time {
	return NextBoundary(t, s.timeframe.Period()).Add(-s.timeframe.Period())
}

// Load replaces the closed history, typically with a backfill.
func (s *CandleStore) Load(candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.candles = s.candles[:0]
	for _, c := range candles {
		c.Symbol = s.symbol
		c.Timeframe = s.timeframe
		c.Closed = true
		s.insertLocked(c)
	}
}

// Append records a closed candle, replacing one with the same open time.
func (s *CandleStore) Append(c models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Symbol = s.symbol
	c.Timeframe = s.timeframe
	c.Closed = true
	s.insertLocked(c)
}

func (s *CandleStore) insertLocked(c models.Candle) {
	n := len(s.candles)
	i := sort.Search(n, func(i int) bool { return !s.candles[i].OpenTime.Before(c.OpenTime) })
	switch {
	case i < n && s.candles[i].OpenTime.Equal(c.OpenTime):
		s.candles[i] = c
	case i == n:
		s.candles = append(s.candles, c)
	default:
		s.candles = append(s.candles, models.Candle{})
		copy(s.candles[i+1:], s.candles[i:])
		s.candles[i] = c
	}
	if over := len(s.candles) - s.capacity; over > 0 {
		s.candles = append(s.candles[:0], s.candles[over:]...)
	}
}

// rollLocked moves the forming candle into history when a newer bucket
// starts before its boundary has been processed.
func (s *CandleStore) rollLocked(openTime time.Time) {
	if s.forming != nil && s.forming.OpenTime.Before(openTime) {
		prev := *s.forming
		prev.Closed = true
		s.insertLocked(prev)
		s.forming = nil
	}
}

// ApplyKline folds a stream kline into the store. Klines for the forming
// bucket overwrite its values; a confirmed kline for an already closed
// bucket finalizes that candle.
func (s *CandleStore) ApplyKline(k models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k.Symbol = s.symbol
	k.Timeframe = s.timeframe

	if s.forming != nil && k.OpenTime.Before(s.forming.OpenTime) {
		if last := len(s.candles) - 1; last >= 0 && s.candles[last].OpenTime.Equal(k.OpenTime) && k.Closed {
			s.candles[last] = k
		}
		return
	}
	if s.forming == nil {
		if last := len(s.candles) - 1; last >= 0 && !s.candles[last].OpenTime.Before(k.OpenTime) {
			if s.candles[last].OpenTime.Equal(k.OpenTime) && k.Closed {
				s.candles[last] = k
			}
			return
		}
	}

	s.rollLocked(k.OpenTime)
	// The timer owns closing.
	k.Closed = false
	s.forming = &k
}

// ApplyTick folds a traded price at server time ts into the forming candle.
// The first price of a bucket seeds open, high and low.
func (s *CandleStore) ApplyTick(price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	openTime := s.bucket(ts)
	if s.forming != nil && openTime.Before(s.forming.OpenTime) {
		return
	}
	if s.forming == nil {
		if last := len(s.candles) - 1; last >= 0 && !s.candles[last].OpenTime.Before(openTime) {
			return
		}
	}

	s.rollLocked(openTime)
	if s.forming == nil {
		s.forming = &models.Candle{
			Symbol:    s.symbol,
			Timeframe: s.timeframe,
			OpenTime:  openTime,
		}
	}
	s.forming.ApplyPrice(price)
}

// Close finalizes the candle ending at boundary and returns it. It reports
// false when no live data covered that bucket.
func (s *CandleStore) Close(boundary time.Time) (models.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	openTime := boundary.Add(-s.timeframe.Period())
	if s.forming != nil && s.forming.OpenTime.Equal(openTime) {
		c := *s.forming
		c.Closed = true
		s.insertLocked(c)
		s.forming = nil
		return c, true
	}
	// Already rolled by a newer kline or tick.
	for i := len(s.candles) - 1; i >= 0; i-- {
		if s.candles[i].OpenTime.Equal(openTime) {
			return s.candles[i], true
		}
		if s.candles[i].OpenTime.Before(openTime) {
			break
		}
	}
	return models.Candle{}, false
}

// Forming returns a copy of the in-progress candle.
func (s *CandleStore) Forming() (models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.forming == nil {
		return models.Candle{}, false
	}
	return *s.forming, true
}

// Candles returns a copy of the closed history.
func (s *CandleStore) Candles() []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Last returns up to n most recent closed candles.
func (s *CandleStore) Last(n int) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]models.Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// Len returns the number of closed candles.
func (s *CandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}
