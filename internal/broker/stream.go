package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
	"bybit-trader/pkg/utils"
)

// Conn is the subset of *websocket.Conn used by the stream.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a websocket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer dials with gorilla's default dialer.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ReconnectPolicy decides whether and when to reconnect after the given
// number of consecutive failures (1-based).
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// CappedBackoff reconnects with exponential backoff and gives up once
// MaxAttempts consecutive failures have been seen.
type CappedBackoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Next implements ReconnectPolicy.
func (b CappedBackoff) Next(attempt int) (time.Duration, bool) {
	if attempt >= b.MaxAttempts {
		return 0, false
	}
	return utils.CalculateBackoff(attempt-1, b.Base, b.Max, 2.0), true
}

// StreamConfig holds configuration for the websocket stream.
type StreamConfig struct {
	URL          string
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Policy       ReconnectPolicy
	Dialer       Dialer
	Logger       zerolog.Logger
}

// BybitStream implements Stream for the Bybit public linear stream.
type BybitStream struct {
	url          string
	pingInterval time.Duration
	readTimeout  time.Duration
	policy       ReconnectPolicy
	dial         Dialer
	logger       zerolog.Logger

	// Handlers
	onKline      func(models.Candle)
	onTick       func(models.Tick)
	onError      func(error)
	onConnect    func()
	onDisconnect func()

	topics   []string
	conn     Conn
	lastRecv atomic.Int64 // unix nanos
	lastSend atomic.Int64

	mu      sync.RWMutex
	writeMu sync.Mutex // gorilla allows one concurrent writer
}

// NewBybitStream creates a new stream client.
func NewBybitStream(cfg StreamConfig) *BybitStream {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		policy = CappedBackoff{Base: 2 * time.Second, Max: 30 * time.Second, MaxAttempts: 5}
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = DefaultDialer
	}

	return &BybitStream{
		url:          cfg.URL,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		policy:       policy,
		dial:         dial,
		logger:       logging.WithComponent(cfg.Logger, "stream"),
	}
}

// Subscribe adds topics. They are sent on every (re)connect.
func (s *BybitStream) Subscribe(topics ...string) {
	s.mu.Lock()
	s.topics = append(s.topics, topics...)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if err := s.sendSubscribe(conn, topics); err != nil {
			s.logger.Warn().Err(err).Msg("Live subscribe failed, will resend on reconnect")
		}
	}
}

// OnKline sets the kline handler.
func (s *BybitStream) OnKline(handler func(models.Candle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKline = handler
}

// OnTick sets the tick handler.
func (s *BybitStream) OnTick(handler func(models.Tick)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = handler
}

// OnError sets the error handler.
func (s *BybitStream) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// OnConnect sets the connect handler.
func (s *BybitStream) OnConnect(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = handler
}

// OnDisconnect sets the disconnect handler.
func (s *BybitStream) OnDisconnect(handler func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = handler
}

// Run connects and keeps the stream alive until ctx is cancelled. After the
// policy refuses another attempt, it returns a StreamError wrapping
// ErrReconnectExhausted.
func (s *BybitStream) Run(ctx context.Context) error {
	attempt := 0
	for {
		healthy, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			attempt = 0
		}
		attempt++

		delay, ok := s.policy.Next(attempt)
		if !ok {
			fatal := apperrors.NewStreamError("reconnect", attempt,
				fmt.Errorf("%w: %v", apperrors.ErrReconnectExhausted, err))
			s.logger.Error().Err(fatal).Msg("Giving up on stream")
			s.emitError(fatal)
			return fatal
		}

		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Stream disconnected, reconnecting")
		if err := utils.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one connection. healthy reports whether any message was
// received, which resets the consecutive failure count.
func (s *BybitStream) session(ctx context.Context) (healthy bool, err error) {
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return false, apperrors.NewStreamError("dial", 0, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.conn = conn
	topics := append([]string(nil), s.topics...)
	onConnect := s.onConnect
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		onDisconnect := s.onDisconnect
		s.mu.Unlock()
		conn.Close()
		if onDisconnect != nil {
			onDisconnect()
		}
	}()

	now := time.Now().UnixNano()
	s.lastRecv.Store(now)
	s.lastSend.Store(now)

	if len(topics) > 0 {
		if err := s.sendSubscribe(conn, topics); err != nil {
			return false, apperrors.NewStreamError("subscribe", 0, err)
		}
	}
	if onConnect != nil {
		onConnect()
	}

	go s.heartbeat(sessCtx, conn)
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			return healthy, apperrors.NewStreamError("read", 0, err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return healthy, nil
			}
			return healthy, apperrors.NewStreamError("read", 0, err)
		}
		healthy = true
		s.lastRecv.Store(time.Now().UnixNano())
		s.handleMessage(conn, data)
	}
}

// heartbeat sends a ping when the connection has been idle for pingInterval.
func (s *BybitStream) heartbeat(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.pingInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := s.lastRecv.Load()
			if sent := s.lastSend.Load(); sent > last {
				last = sent
			}
			if time.Since(time.Unix(0, last)) < s.pingInterval {
				continue
			}
			if err := s.write(conn, []byte(`{"op":"ping"}`)); err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (s *BybitStream) write(conn Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.lastSend.Store(time.Now().UnixNano())
	return nil
}

func (s *BybitStream) sendSubscribe(conn Conn, topics []string) error {
	msg, err := json.Marshal(map[string]interface{}{
		"op":   "subscribe",
		"args": topics,
	})
	if err != nil {
		return err
	}
	return s.write(conn, msg)
}

// wsMessage covers control frames and topic pushes.
type wsMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

type wsKline struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
}

type wsTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	MarkPrice string `json:"markPrice"`
}

// handleMessage dispatches one frame. A malformed frame is dropped; the next
// push carries the full state again.
func (s *BybitStream) handleMessage(conn Conn, data []byte) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Dropping malformed message")
		return
	}

	switch {
	case msg.Op == "ping" && msg.Success == nil:
		if err := s.write(conn, []byte(`{"op":"pong"}`)); err != nil {
			s.logger.Debug().Err(err).Msg("Pong failed")
		}
	case msg.Op == "ping" || msg.Op == "pong":
		// ack of our own ping
	case msg.Op == "subscribe":
		if msg.Success != nil && !*msg.Success {
			s.emitError(apperrors.NewStreamError("subscribe", 0, fmt.Errorf("%s", msg.RetMsg)))
		}
	case strings.HasPrefix(msg.Topic, "kline."):
		s.handleKline(msg)
	case strings.HasPrefix(msg.Topic, "tickers."):
		s.handleTicker(msg)
	}
}

func (s *BybitStream) handleKline(msg wsMessage) {
	// topic: kline.<interval>.<symbol>
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 {
		return
	}
	tf, ok := models.TimeframeFromInterval(parts[1])
	if !ok {
		return
	}

	var klines []wsKline
	if err := json.Unmarshal(msg.Data, &klines); err != nil {
		s.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed kline")
		return
	}

	s.mu.RLock()
	handler := s.onKline
	s.mu.RUnlock()
	if handler == nil {
		return
	}

	for _, k := range klines {
		handler(models.Candle{
			Symbol:    parts[2],
			Timeframe: tf,
			OpenTime:  time.UnixMilli(k.Start),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Closed:    k.Confirm,
		})
	}
}

func (s *BybitStream) handleTicker(msg wsMessage) {
	var t wsTicker
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.logger.Debug().Err(err).Str("topic", msg.Topic).Msg("Dropping malformed ticker")
		return
	}
	// Deltas omit unchanged fields.
	if t.LastPrice == "" {
		return
	}

	s.mu.RLock()
	handler := s.onTick
	s.mu.RUnlock()
	if handler == nil {
		return
	}

	symbol := t.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	handler(models.Tick{
		Symbol:    symbol,
		Price:     parseFloat(t.LastPrice),
		MarkPrice: parseFloat(t.MarkPrice),
		Timestamp: time.UnixMilli(msg.Ts),
	})
}

func (s *BybitStream) emitError(err error) {
	s.mu.RLock()
	handler := s.onError
	s.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

var _ Stream = (*BybitStream)(nil)
