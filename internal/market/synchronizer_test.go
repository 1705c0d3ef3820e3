package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybit-trader/internal/broker"
	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
)

// fakeMarket serves server time and a fixed set of bars.
type fakeMarket struct {
	pagedSource
	mu sync.Mutex
}

func (f *fakeMarket) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *fakeMarket) GetKlines(ctx context.Context, req broker.KlineRequest) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !req.Start.IsZero() {
		return []models.Candle{{Symbol: req.Symbol, Timeframe: req.Timeframe, OpenTime: req.Start, Close: 42}}, nil
	}
	return f.pagedSource.GetKlines(ctx, req)
}

func (f *fakeMarket) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	return &models.Ticker{Symbol: symbol}, nil
}

func (f *fakeMarket) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	return &models.Instrument{Symbol: symbol}, nil
}

// fakeStream records handlers and runs until cancelled or told to fail.
type fakeStream struct {
	topics []string
	onTick func(models.Tick)
	fail   chan error
	mu     sync.Mutex
}

func newFakeStream() *fakeStream { return &fakeStream{fail: make(chan error, 1)} }

func (f *fakeStream) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-f.fail:
		return err
	}
}
func (f *fakeStream) Subscribe(topics ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topics...)
}
func (f *fakeStream) OnKline(func(models.Candle)) {}
func (f *fakeStream) OnTick(h func(models.Tick)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTick = h
}
func (f *fakeStream) OnError(func(error)) {}
func (f *fakeStream) OnConnect(func())    {}
func (f *fakeStream) OnDisconnect(func()) {}

func (f *fakeStream) tick(tk models.Tick) {
	f.mu.Lock()
	h := f.onTick
	f.mu.Unlock()
	h(tk)
}

type recordingSink struct {
	mu     sync.Mutex
	prices []float64
}

func (r *recordingSink) SetPrice(symbol string, price float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, price)
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *fakeStream) {
	t.Helper()
	stream := newFakeStream()
	s := NewSynchronizer(Config{
		Symbol:     "BTCUSDT",
		Timeframes: []models.Timeframe{models.Timeframe1m, models.Timeframe5m},
		Lookback:   50,
	}, &fakeMarket{pagedSource: pagedSource{first: time.Unix(0, 0)}}, stream, zerolog.Nop())
	return s, stream
}

func TestSynchronizerStartBackfillsAndSubscribes(t *testing.T) {
	s, stream := newTestSynchronizer(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.ErrorIs(t, s.Start(context.Background()), apperrors.ErrAlreadyRunning)

	st, ok := s.Store(models.Timeframe1m)
	require.True(t, ok)
	assert.Equal(t, 50, st.Len())

	stream.mu.Lock()
	assert.ElementsMatch(t, []string{"kline.1.BTCUSDT", "kline.5.BTCUSDT", "tickers.BTCUSDT"}, stream.topics)
	stream.mu.Unlock()

	next, ok := s.NextClose(models.Timeframe5m)
	require.True(t, ok)
	assert.Zero(t, next.UnixNano()%int64(5*time.Minute))
}

func TestSynchronizerTicksFeedSinksAndStores(t *testing.T) {
	s, stream := newTestSynchronizer(t)
	sink := &recordingSink{}
	s.AddPriceSink(sink)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	stream.tick(models.Tick{Symbol: "BTCUSDT", Price: 101.5})
	stream.tick(models.Tick{Symbol: "ETHUSDT", Price: 5})

	price, _ := s.LastPrice()
	assert.Equal(t, 101.5, price)

	sink.mu.Lock()
	assert.Equal(t, []float64{101.5}, sink.prices)
	sink.mu.Unlock()

	st, _ := s.Store(models.Timeframe5m)
	f, ok := st.Forming()
	require.True(t, ok)
	assert.Equal(t, 101.5, f.Close)

	assert.True(t, waitEvent(t, s, func(ev Event) bool { return ev.Type == EventTick }))
}

// waitEvent drains events until match reports true or a second passes.
func waitEvent(t *testing.T, s *Synchronizer, match func(Event) bool) bool {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-s.Events():
			if match(ev) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestSynchronizerBoundaryFetchesMissedBar(t *testing.T) {
	s, _ := newTestSynchronizer(t)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	boundary := NextBoundary(time.Now(), time.Minute).Add(time.Hour)
	s.onBoundary(context.Background(), models.Timeframe1m, boundary)

	var got models.Candle
	require.True(t, waitEvent(t, s, func(ev Event) bool {
		if ev.Type == EventCandleClose && ev.Candle.OpenTime.Equal(boundary.Add(-time.Minute)) {
			got = ev.Candle
			return true
		}
		return false
	}))
	assert.Equal(t, 42.0, got.Close)
	assert.True(t, got.Closed)

	last, ok := s.LastClose(models.Timeframe1m)
	require.True(t, ok)
	assert.True(t, last.Equal(boundary))
}

func TestSynchronizerFatalStreamDegrades(t *testing.T) {
	s, stream := newTestSynchronizer(t)
	require.NoError(t, s.Start(context.Background()))

	fatal := apperrors.NewStreamError("reconnect", 5, apperrors.ErrReconnectExhausted)
	stream.fail <- fatal

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type != EventFatal {
				continue
			}
			assert.ErrorIs(t, ev.Err, apperrors.ErrReconnectExhausted)
			degraded, err := s.Degraded()
			assert.True(t, degraded)
			assert.Equal(t, fatal, err)
			s.Stop()
			return
		case <-deadline:
			t.Fatal("no fatal event")
		}
	}
}

func TestSynchronizerStopClosesEvents(t *testing.T) {
	s, _ := newTestSynchronizer(t)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	for range s.Events() {
	}
	s.Stop()
}
