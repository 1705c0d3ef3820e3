package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
	"bybit-trader/pkg/utils"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *BybitClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewBybitClient(BybitConfig{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		RateLimit: 1000,
		Retry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      time.Millisecond,
			BackoffFactor: 1,
		},
		Logger: zerolog.Nop(),
	})
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, result interface{}) {
	raw, _ := json.Marshal(result)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"retCode": code,
		"retMsg":  msg,
		"result":  json.RawMessage(raw),
		"time":    1700000000123,
	})
}

func TestServerTime(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/market/time", r.URL.Path)
		assert.Empty(t, r.Header.Get(HeaderSign), "public endpoint must not be signed")
		writeEnvelope(w, 0, "OK", map[string]string{
			"timeSecond": "1700000000",
			"timeNano":   "1700000000500000000",
		})
	})

	ts, err := c.ServerTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000500), ts.UnixMilli())
}

func TestGetKlinesAscending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "linear", q.Get("category"))
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "15", q.Get("interval"))
		assert.Equal(t, "1000", q.Get("limit"))
		assert.Equal(t, "1700000000000", q.Get("end"))
		// Newest first, as the exchange returns them.
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": [][]string{
				{"1700000900000", "101", "103", "100", "102", "5", "510"},
				{"1700000000000", "100", "102", "99", "101", "4", "404"},
			},
		})
	})

	candles, err := c.GetKlines(context.Background(), KlineRequest{
		Symbol:    "BTCUSDT",
		Timeframe: models.Timeframe15m,
		Limit:     5000,
		End:       time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].OpenTime.Before(candles[1].OpenTime))
	assert.Equal(t, 101.0, candles[0].Close)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, models.Timeframe15m, candles[1].Timeframe)
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	signer := NewSigner("key", "secret", 5000)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(HeaderAPIKey))
		var ts int64
		_ = json.Unmarshal([]byte(r.Header.Get(HeaderTimestamp)), &ts)
		assert.Equal(t, signer.Sign(ts, r.URL.RawQuery), r.Header.Get(HeaderSign))
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]string{{
				"symbol": "BTCUSDT", "side": "Buy", "size": "0.5",
				"avgPrice": "100", "markPrice": "110", "unrealisedPnl": "5",
			}},
		})
	})

	positions, err := c.GetPositions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideBuy, positions[0].Side)
	assert.Equal(t, 0.5, positions[0].Size)
	assert.Equal(t, 100.0, positions[0].EntryPrice)
}

func TestPlaceOrderBody(t *testing.T) {
	signer := NewSigner("key", "secret", 5000)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v5/order/create", r.URL.Path)
		body, _ := io.ReadAll(r.Body)

		var ts int64
		_ = json.Unmarshal([]byte(r.Header.Get(HeaderTimestamp)), &ts)
		assert.Equal(t, signer.Sign(ts, string(body)), r.Header.Get(HeaderSign))

		var req map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "linear", req["category"])
		assert.Equal(t, "Sell", req["side"])
		assert.Equal(t, "Market", req["orderType"])
		assert.Equal(t, "0.01", req["qty"])
		assert.Equal(t, "95.5", req["triggerPrice"])
		assert.Equal(t, float64(2), req["triggerDirection"])
		assert.Equal(t, true, req["reduceOnly"])
		writeEnvelope(w, 0, "OK", map[string]string{"orderId": "abc", "orderLinkId": "cid"})
	})

	res, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol:           "BTCUSDT",
		Side:             models.SideSell,
		Type:             models.OrderTypeMarket,
		Qty:              "0.01",
		TriggerPrice:     "95.5",
		TriggerDirection: 2,
		ReduceOnly:       true,
		ClientID:         "cid",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.OrderID)
	assert.Equal(t, "cid", res.ClientID)
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, 10003, "API key is invalid.", struct{}{})
	})

	_, err := c.GetBalance(context.Background(), "")
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitedReadRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeEnvelope(w, 10006, "Too many visits!", struct{}{})
			return
		}
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]string{{"symbol": "BTCUSDT", "lastPrice": "100.5", "markPrice": "100.4"}},
		})
	})

	ticker, err := c.GetTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 100.5, ticker.LastPrice)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWritesNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	err := c.CancelOrder(context.Background(), "BTCUSDT", "abc")
	require.Error(t, err)
	var rl *apperrors.RateLimitError
	assert.ErrorAs(t, err, &rl)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidOrderClassified(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 110007, "ab not enough for new order", struct{}{})
	})

	_, err := c.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: "1",
	})
	assert.True(t, apperrors.IsInvalidOrder(err))
}

func TestOrderHistoryNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "missing", r.URL.Query().Get("orderId"))
		writeEnvelope(w, 0, "OK", map[string]interface{}{"list": []interface{}{}})
	})

	_, err := c.GetOrderHistory(context.Background(), "BTCUSDT", "missing")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestGetInstrumentPrecision(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, 0, "OK", map[string]interface{}{
			"list": []map[string]interface{}{{
				"symbol":        "ETHUSDT",
				"priceScale":    "2",
				"priceFilter":   map[string]string{"tickSize": "0.01"},
				"lotSizeFilter": map[string]string{"qtyStep": "0.01", "minOrderQty": "0.01", "maxOrderQty": "1500"},
			}},
		})
	})

	inst, err := c.GetInstrument(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inst.PricePrecision)
	assert.Equal(t, 0.01, inst.QtyStep)
	assert.Equal(t, 1500.0, inst.MaxOrderQty)
}

func TestEncodeQuerySorted(t *testing.T) {
	q := encodeQuery(map[string][]string{"symbol": {"BTCUSDT"}, "category": {"linear"}, "limit": {"50"}})
	assert.Equal(t, "category=linear&limit=50&symbol=BTCUSDT", q)
	assert.Equal(t, "", encodeQuery(nil))
}

func TestOpenOrdersFollowsCursor(t *testing.T) {
	var pages atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/order/realtime", r.URL.Path)
		pages.Add(1)
		switch r.URL.Query().Get("cursor") {
		case "":
			writeEnvelope(w, 0, "OK", map[string]interface{}{
				"list":           []map[string]string{{"orderId": "a", "orderStatus": "New"}, {"orderId": "b", "orderStatus": "New"}},
				"nextPageCursor": "page2",
			})
		case "page2":
			writeEnvelope(w, 0, "OK", map[string]interface{}{
				"list":           []map[string]string{{"orderId": "c", "orderStatus": "Untriggered"}},
				"nextPageCursor": "",
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	orders, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "c", orders[2].ID)
	assert.Equal(t, models.OrderStatusUntriggered, orders[2].Status)
	assert.Equal(t, int32(2), pages.Load())
}
