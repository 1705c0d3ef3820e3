package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/logging"
	"bybit-trader/internal/models"
	"bybit-trader/pkg/utils"
)

// Endpoints
const (
	MainnetBaseURL   = "https://api.bybit.com"
	TestnetBaseURL   = "https://api-testnet.bybit.com"
	MainnetStreamURL = "wss://stream.bybit.com/v5/public/linear"
	TestnetStreamURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	// MaxKlinesPerPage is the exchange cap on bars returned per kline request.
	MaxKlinesPerPage = 1000
)

// BybitClient implements Exchange against the Bybit v5 REST API.
type BybitClient struct {
	client  *resty.Client
	signer  *Signer
	limiter *SlidingWindow
	retry   utils.RetryConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// BybitConfig holds configuration for the REST client.
type BybitConfig struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides Testnet when set
	RecvWindow int
	RateLimit  int // calls per second
	Timeout    time.Duration
	Retry      utils.RetryConfig
	Logger     zerolog.Logger
}

// BaseURLFor selects the REST base URL.
func BaseURLFor(testnet bool) string {
	if testnet {
		return TestnetBaseURL
	}
	return MainnetBaseURL
}

// StreamURLFor selects the public linear stream URL.
func StreamURLFor(testnet bool) string {
	if testnet {
		return TestnetStreamURL
	}
	return MainnetStreamURL
}

// NewBybitClient creates a new REST client.
func NewBybitClient(cfg BybitConfig) *BybitClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURLFor(cfg.Testnet)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 10
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = utils.DefaultRetryConfig()
	}
	retry.Retryable = apperrors.IsRetryable

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	return &BybitClient{
		client:  client,
		signer:  NewSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindow),
		limiter: NewSlidingWindow(rateLimit, time.Second),
		retry:   retry,
		logger:  logging.WithComponent(cfg.Logger, "bybit"),
		now:     time.Now,
	}
}

// apiResponse is the common v5 envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// get performs a GET. Reads are idempotent and retried on transient errors.
func (c *BybitClient) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) (int64, error) {
	query := encodeQuery(params)
	return utils.RetryWithResult(ctx, c.retry, func() (int64, error) {
		return c.do(ctx, http.MethodGet, path, query, nil, signed, out)
	})
}

// post performs a signed POST. Writes are never retried here.
func (c *BybitClient) post(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, path, "", payload, true, out)
	return err
}

func (c *BybitClient) do(ctx context.Context, method, path, query string, body []byte, signed bool, out interface{}) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	req := c.client.R().SetContext(ctx)
	if query != "" {
		req.SetQueryString(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if signed {
		payload := query
		if body != nil {
			payload = string(body)
		}
		req.SetHeaders(c.signer.Headers(c.now().UnixMilli(), payload))
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		err = apperrors.NewAPIError(0, "request failed", err)
		logging.LogAPICall(c.logger, method, path, time.Since(start), err)
		return 0, err
	}

	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		err = &apperrors.AuthenticationError{Code: resp.StatusCode(), Message: resp.Status()}
	case http.StatusForbidden, http.StatusTooManyRequests:
		err = &apperrors.RateLimitError{Code: resp.StatusCode(), Message: resp.Status()}
	}
	if err == nil && resp.StatusCode() >= 400 {
		err = apperrors.NewAPIError(resp.StatusCode(), resp.Status(), nil)
	}
	if err != nil {
		logging.LogAPICall(c.logger, method, path, time.Since(start), err)
		return 0, err
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		err = apperrors.NewAPIError(0, "decoding response", err)
		logging.LogAPICall(c.logger, method, path, time.Since(start), err)
		return 0, err
	}
	if err := apperrors.Classify(envelope.RetCode, envelope.RetMsg); err != nil {
		logging.LogAPICall(c.logger, method, path, time.Since(start), err)
		return envelope.Time, err
	}

	logging.LogAPICall(c.logger, method, path, time.Since(start), nil)

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return envelope.Time, apperrors.NewAPIError(0, "decoding result", err)
		}
	}
	return envelope.Time, nil
}

// encodeQuery encodes params in key order so the signed payload matches the
// query string that is actually sent.
func encodeQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// ServerTime returns the exchange clock.
func (c *BybitClient) ServerTime(ctx context.Context) (time.Time, error) {
	var result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano   string `json:"timeNano"`
	}
	if _, err := c.get(ctx, "/v5/market/time", nil, false, &result); err != nil {
		return time.Time{}, apperrors.Wrap(err, "server time")
	}
	if nanos, err := strconv.ParseInt(result.TimeNano, 10, 64); err == nil && nanos > 0 {
		return time.Unix(0, nanos), nil
	}
	secs, err := strconv.ParseInt(result.TimeSecond, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing server time %q: %w", result.TimeSecond, err)
	}
	return time.Unix(secs, 0), nil
}

// GetKlines returns candles in ascending open-time order.
func (c *BybitClient) GetKlines(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("category", models.Category)
	params.Set("symbol", req.Symbol)
	params.Set("interval", req.Timeframe.Interval())
	limit := req.Limit
	if limit <= 0 || limit > MaxKlinesPerPage {
		limit = MaxKlinesPerPage
	}
	params.Set("limit", strconv.Itoa(limit))
	if !req.Start.IsZero() {
		params.Set("start", strconv.FormatInt(req.Start.UnixMilli(), 10))
	}
	if !req.End.IsZero() {
		params.Set("end", strconv.FormatInt(req.End.UnixMilli(), 10))
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if _, err := c.get(ctx, "/v5/market/kline", params, false, &result); err != nil {
		return nil, apperrors.Wrapf(err, "klines %s %s", req.Symbol, req.Timeframe)
	}

	candles := make([]models.Candle, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			OpenTime:  time.UnixMilli(parseInt(row[0])),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
		})
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})
	return candles, nil
}

// GetTicker returns the latest ticker snapshot.
func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	params := url.Values{}
	params.Set("category", models.Category)
	params.Set("symbol", symbol)

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			MarkPrice string `json:"markPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	ts, err := c.get(ctx, "/v5/market/tickers", params, false, &result)
	if err != nil {
		return nil, apperrors.Wrapf(err, "ticker %s", symbol)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("ticker %s: %w", symbol, apperrors.ErrInstrumentNotFound)
	}

	t := result.List[0]
	return &models.Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseFloat(t.LastPrice),
		MarkPrice: parseFloat(t.MarkPrice),
		BidPrice:  parseFloat(t.Bid1Price),
		AskPrice:  parseFloat(t.Ask1Price),
		Volume24h: parseFloat(t.Volume24h),
		Timestamp: time.UnixMilli(ts),
	}, nil
}

// GetInstrument returns the trading rules for a symbol.
func (c *BybitClient) GetInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	params := url.Values{}
	params.Set("category", models.Category)
	params.Set("symbol", symbol)

	var result struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceScale  string `json:"priceScale"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if _, err := c.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, apperrors.Wrapf(err, "instrument %s", symbol)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("instrument %s: %w", symbol, apperrors.ErrInstrumentNotFound)
	}

	info := result.List[0]
	precision, err := strconv.Atoi(info.PriceScale)
	if err != nil {
		precision = decimalPlaces(info.PriceFilter.TickSize)
	}
	return &models.Instrument{
		Symbol:         info.Symbol,
		PricePrecision: int32(precision),
		TickSize:       parseFloat(info.PriceFilter.TickSize),
		QtyStep:        parseFloat(info.LotSizeFilter.QtyStep),
		MinOrderQty:    parseFloat(info.LotSizeFilter.MinOrderQty),
		MaxOrderQty:    parseFloat(info.LotSizeFilter.MaxOrderQty),
	}, nil
}

// PlaceOrder submits an order.
func (c *BybitClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"category":    models.Category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         req.Qty,
		"orderLinkId": req.ClientID,
	}
	if req.TimeInForce != "" {
		body["timeInForce"] = string(req.TimeInForce)
	}
	if req.Price != "" {
		body["price"] = req.Price
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.TriggerPrice != "" {
		body["triggerPrice"] = req.TriggerPrice
		body["triggerDirection"] = req.TriggerDirection
		body["triggerBy"] = "LastPrice"
	}
	if req.StopLoss != "" {
		body["stopLoss"] = req.StopLoss
	}
	if req.TakeProfit != "" {
		body["takeProfit"] = req.TakeProfit
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}
	return &OrderResult{OrderID: result.OrderID, ClientID: result.OrderLinkID}, nil
}

// CancelOrder cancels one order by exchange id.
func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": models.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return c.post(ctx, "/v5/order/cancel", body, nil)
}

// CancelAllOrders cancels every open order on a symbol and returns their ids.
func (c *BybitClient) CancelAllOrders(ctx context.Context, symbol string) ([]string, error) {
	body := map[string]interface{}{
		"category": models.Category,
		"symbol":   symbol,
	}
	var result struct {
		List []struct {
			OrderID string `json:"orderId"`
		} `json:"list"`
	}
	if err := c.post(ctx, "/v5/order/cancel-all", body, &result); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(result.List))
	for _, o := range result.List {
		ids = append(ids, o.OrderID)
	}
	return ids, nil
}

// orderPayload is the order shape shared by the realtime and history endpoints.
type orderPayload struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	TriggerPrice string `json:"triggerPrice"`
	ReduceOnly   bool   `json:"reduceOnly"`
	TimeInForce  string `json:"timeInForce"`
	OrderStatus  string `json:"orderStatus"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (p orderPayload) toModel() models.Order {
	return models.Order{
		ID:           p.OrderID,
		ClientID:     p.OrderLinkID,
		Symbol:       p.Symbol,
		Side:         models.Side(p.Side),
		Type:         models.OrderType(p.OrderType),
		Qty:          parseFloat(p.Qty),
		Price:        parseFloat(p.Price),
		TriggerPrice: parseFloat(p.TriggerPrice),
		ReduceOnly:   p.ReduceOnly,
		TimeInForce:  models.TimeInForce(p.TimeInForce),
		Status:       models.OrderStatus(p.OrderStatus),
		FilledQty:    parseFloat(p.CumExecQty),
		AvgPrice:     parseFloat(p.AvgPrice),
		CreatedAt:    time.UnixMilli(parseInt(p.CreatedTime)),
		UpdatedAt:    time.UnixMilli(parseInt(p.UpdatedTime)),
	}
}

// maxOrderPages bounds cursor pagination of open orders.
const maxOrderPages = 20

// GetOpenOrders lists active and untriggered orders for a symbol, following
// the page cursor.
func (c *BybitClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	orders := make([]models.Order, 0)
	cursor := ""
	for page := 0; page < maxOrderPages; page++ {
		params := url.Values{}
		params.Set("category", models.Category)
		params.Set("symbol", symbol)
		params.Set("limit", "50")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var result struct {
			List           []orderPayload `json:"list"`
			NextPageCursor string         `json:"nextPageCursor"`
		}
		if _, err := c.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
			return nil, apperrors.Wrapf(err, "open orders %s", symbol)
		}
		for _, p := range result.List {
			orders = append(orders, p.toModel())
		}
		if result.NextPageCursor == "" || result.NextPageCursor == cursor || len(result.List) == 0 {
			return orders, nil
		}
		cursor = result.NextPageCursor
	}
	c.logger.Warn().Str("symbol", symbol).Int("orders", len(orders)).Msg("Open orders truncated at page limit")
	return orders, nil
}

// GetOrderHistory returns the latest known state of one order.
func (c *BybitClient) GetOrderHistory(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("category", models.Category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var result struct {
		List []orderPayload `json:"list"`
	}
	if _, err := c.get(ctx, "/v5/order/history", params, true, &result); err != nil {
		return nil, apperrors.Wrapf(err, "order history %s", orderID)
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, apperrors.ErrOrderNotFound)
	}
	order := result.List[0].toModel()
	return &order, nil
}

// GetPositions lists positions for a symbol, or every USDT position when
// symbol is empty. Flat entries are returned as reported.
func (c *BybitClient) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := url.Values{}
	params.Set("category", models.Category)
	if symbol != "" {
		params.Set("symbol", symbol)
	} else {
		params.Set("settleCoin", "USDT")
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			UpdatedTime   string `json:"updatedTime"`
		} `json:"list"`
	}
	if _, err := c.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return nil, apperrors.Wrap(err, "positions")
	}

	positions := make([]models.Position, 0, len(result.List))
	for _, p := range result.List {
		positions = append(positions, models.Position{
			Symbol:        p.Symbol,
			Side:          models.Side(p.Side),
			Size:          parseFloat(p.Size),
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnrealisedPnl),
			UpdatedAt:     time.UnixMilli(parseInt(p.UpdatedTime)),
		})
	}
	return positions, nil
}

// GetBalance returns the wallet balance for an account type such as UNIFIED.
func (c *BybitClient) GetBalance(ctx context.Context, accountType string) (*models.Balance, error) {
	if accountType == "" {
		accountType = "UNIFIED"
	}
	params := url.Values{}
	params.Set("accountType", accountType)

	var result struct {
		List []struct {
			AccountType           string `json:"accountType"`
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
			TotalPerpUPL          string `json:"totalPerpUPL"`
		} `json:"list"`
	}
	if _, err := c.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, apperrors.Wrap(err, "wallet balance")
	}
	if len(result.List) == 0 {
		return &models.Balance{AccountType: accountType}, nil
	}

	b := result.List[0]
	return &models.Balance{
		AccountType:      b.AccountType,
		TotalEquity:      parseFloat(b.TotalEquity),
		WalletBalance:    parseFloat(b.TotalWalletBalance),
		AvailableBalance: parseFloat(b.TotalAvailableBalance),
		UnrealizedPnL:    parseFloat(b.TotalPerpUPL),
	}, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func decimalPlaces(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}

var _ Exchange = (*BybitClient)(nil)
