package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trader/internal/broker"
	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
)

// EventType identifies a synchronizer event.
type EventType int

const (
	EventCandleClose EventType = iota
	EventTick
	EventFatal
)

func (t EventType) String() string {
	switch t {
	case EventCandleClose:
		return "candle_close"
	case EventTick:
		return "tick"
	case EventFatal:
		return "fatal"
	}
	return "unknown"
}

// Event is delivered on the synchronizer's event channel.
type Event struct {
	Type   EventType
	Candle models.Candle // EventCandleClose
	Tick   models.Tick   // EventTick
	Err    error         // EventFatal
}

// Config holds synchronizer settings.
type Config struct {
	Symbol      string
	Timeframes  []models.Timeframe
	Lookback    int
	ClockResync time.Duration
	EventBuffer int
}

// Synchronizer keeps per-timeframe candle stores for one symbol aligned with
// the exchange clock and emits an event at every candle close.
type Synchronizer struct {
	cfg    Config
	rest   broker.MarketData
	stream broker.Stream
	clock  *ClockSync
	stores map[models.Timeframe]*CandleStore
	sched  *Scheduler
	sinks  []broker.PriceSink
	logger zerolog.Logger

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   bool
	degraded  bool
	fatalErr  error
	lastPrice float64
	lastTick  time.Time
	lastClose map[models.Timeframe]time.Time
	mu        sync.RWMutex
}

// NewSynchronizer creates a synchronizer. The stream is owned by the
// synchronizer once started.
func NewSynchronizer(cfg Config, rest broker.MarketData, stream broker.Stream, logger zerolog.Logger) *Synchronizer {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.ClockResync <= 0 {
		cfg.ClockResync = time.Hour
	}
	logger = logging.WithSymbol(logging.WithComponent(logger, "market"), cfg.Symbol)

	stores := make(map[models.Timeframe]*CandleStore, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		stores[tf] = NewCandleStore(cfg.Symbol, tf, cfg.Lookback)
	}

	return &Synchronizer{
		cfg:       cfg,
		rest:      rest,
		stream:    stream,
		clock:     NewClockSync(rest, logger),
		stores:    stores,
		logger:    logger,
		lastClose: make(map[models.Timeframe]time.Time),
	}
}

// AddPriceSink registers a receiver of live prices. Call before Start.
func (s *Synchronizer) AddPriceSink(sink broker.PriceSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Start syncs the clock, backfills every timeframe, subscribes to the stream
// and launches the timer, reader and clock tasks.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return apperrors.ErrAlreadyRunning
	}
	s.mu.Unlock()

	if _, err := s.clock.Sync(ctx); err != nil {
		return apperrors.Wrap(err, "initial clock sync")
	}
	s.logger.Info().Dur("offset", s.clock.Offset()).Msg("Clock offset measured")

	now := s.clock.Now()
	for _, tf := range s.cfg.Timeframes {
		candles, err := Backfill(ctx, s.rest, s.cfg.Symbol, tf, s.cfg.Lookback, now, logging.WithTimeframe(s.logger, string(tf)))
		if err != nil {
			return err
		}
		s.stores[tf].Load(candles)
		s.logger.Info().Str("timeframe", string(tf)).Int("bars", len(candles)).Msg("Backfill complete")
	}

	topics := make([]string, 0, len(s.cfg.Timeframes)+1)
	for _, tf := range s.cfg.Timeframes {
		topics = append(topics, broker.KlineTopic(tf, s.cfg.Symbol))
	}
	topics = append(topics, broker.TickerTopic(s.cfg.Symbol))
	s.stream.Subscribe(topics...)
	s.stream.OnKline(s.onKline)
	s.stream.OnTick(s.onTick)
	s.stream.OnConnect(func() { s.logger.Info().Msg("Stream connected") })
	s.stream.OnDisconnect(func() { s.logger.Warn().Msg("Stream disconnected") })

	runCtx, cancel := context.WithCancel(context.Background())
	sched := NewScheduler(s.clock, s.cfg.Timeframes, s.onBoundary)

	s.mu.Lock()
	s.sched = sched
	s.cancel = cancel
	s.events = make(chan Event, s.cfg.EventBuffer)
	s.running = true
	s.degraded = false
	s.fatalErr = nil
	s.mu.Unlock()

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.stream.Run(runCtx); err != nil {
			s.fail(runCtx, err)
		}
	}()
	go func() {
		defer s.wg.Done()
		sched.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.clock.Run(runCtx, s.cfg.ClockResync)
	}()

	return nil
}

// Stop cancels the timer, reader and clock tasks, waits for them and closes
// the event channel.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	close(s.events)
	s.logger.Info().Msg("Synchronizer stopped")
}

// Events returns the event channel. It is closed by Stop.
func (s *Synchronizer) Events() <-chan Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Store returns the candle store of tf.
func (s *Synchronizer) Store(tf models.Timeframe) (*CandleStore, bool) {
	st, ok := s.stores[tf]
	return st, ok
}

// Clock returns the exchange clock.
func (s *Synchronizer) Clock() *ClockSync {
	return s.clock
}

// NextClose returns the pending boundary of tf.
func (s *Synchronizer) NextClose(tf models.Timeframe) (time.Time, bool) {
	s.mu.RLock()
	sched := s.sched
	s.mu.RUnlock()
	if sched == nil {
		return time.Time{}, false
	}
	return sched.Next(tf)
}

// LastClose returns the last emitted close boundary of tf.
func (s *Synchronizer) LastClose(tf models.Timeframe) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastClose[tf]
	return t, ok
}

// LastPrice returns the latest traded price and its server time.
func (s *Synchronizer) LastPrice() (float64, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPrice, s.lastTick
}

// Degraded reports whether live updates stopped after a fatal error.
func (s *Synchronizer) Degraded() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded, s.fatalErr
}

func (s *Synchronizer) onKline(k models.Candle) {
	if k.Symbol != s.cfg.Symbol {
		return
	}
	store, ok := s.stores[k.Timeframe]
	if !ok {
		return
	}
	store.ApplyKline(k)
}

func (s *Synchronizer) onTick(t models.Tick) {
	if t.Symbol != s.cfg.Symbol || t.Price <= 0 {
		return
	}
	ts := t.Timestamp
	if ts.IsZero() || ts.Unix() <= 0 {
		ts = s.clock.Now()
	}
	for _, store := range s.stores {
		store.ApplyTick(t.Price, ts)
	}

	s.mu.Lock()
	s.lastPrice = t.Price
	s.lastTick = ts
	sinks := s.sinks
	events := s.events
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.SetPrice(t.Symbol, t.Price)
	}

	// Ticks are lossy; the next one carries the current price again.
	select {
	case events <- Event{Type: EventTick, Tick: t}:
	default:
	}
}

// onBoundary closes the candle ending at boundary. A bucket with no live data
// is fetched over REST.
func (s *Synchronizer) onBoundary(ctx context.Context, tf models.Timeframe, boundary time.Time) {
	store := s.stores[tf]
	c, ok := store.Close(boundary)
	if !ok {
		fetched, err := s.fetchClosed(ctx, tf, boundary)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Str("timeframe", string(tf)).Time("boundary", boundary).Msg("Missed candle close")
			}
			return
		}
		store.Append(fetched)
		c = fetched
		c.Closed = true
	}

	logging.LogCandleClose(s.logger, s.cfg.Symbol, string(tf), c.OpenTime, c.Close)

	s.mu.Lock()
	s.lastClose[tf] = boundary
	events := s.events
	s.mu.Unlock()

	select {
	case events <- Event{Type: EventCandleClose, Candle: c}:
	case <-ctx.Done():
	}
}

func (s *Synchronizer) fetchClosed(ctx context.Context, tf models.Timeframe, boundary time.Time) (models.Candle, error) {
	openTime := boundary.Add(-tf.Period())
	candles, err := s.rest.GetKlines(ctx, broker.KlineRequest{
		Symbol:    s.cfg.Symbol,
		Timeframe: tf,
		Limit:     1,
		Start:     openTime,
		End:       openTime,
	})
	if err != nil {
		return models.Candle{}, err
	}
	for _, c := range candles {
		if c.OpenTime.Equal(openTime) {
			return c, nil
		}
	}
	return models.Candle{}, fmt.Errorf("no bar at %s: %w", openTime.Format(time.RFC3339), apperrors.ErrNoPriceData)
}

// fail marks the synchronizer degraded, reports the fatal error and stops
// the timer and clock tasks.
func (s *Synchronizer) fail(ctx context.Context, err error) {
	s.logger.Error().Err(err).Msg("Live updates stopped")

	s.mu.Lock()
	s.degraded = true
	s.fatalErr = err
	events := s.events
	cancel := s.cancel
	s.mu.Unlock()

	select {
	case events <- Event{Type: EventFatal, Err: err}:
	case <-ctx.Done():
	}
	// No closes are emitted from stale data.
	cancel()
}
