// Package broker provides the brokerage abstraction used by the bot: leg-level
// option orders, quotes, positions and the market clock, a Tradier REST client
// and a circuit-breaking decorator.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const marketStateOpen = "open"

// TradierAPI is a Broker backed by the Tradier REST API.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a client. An empty baseURL selects the sandbox or production host.
func NewTradierAPI(apiKey, accountID string, sandbox bool, baseURL string, timeout time.Duration, logger logrus.FieldLogger) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: timeout},
		sandbox:   sandbox,
		logger:    logger.WithField("component", "tradier"),
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// nullableObject treats both null and the string "null" as an empty object;
// Tradier returns the latter for empty collections.
func nullableObject(b []byte) bool {
	trimmed := bytes.TrimSpace(b)
	return bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`))
}

type positionsResponse struct {
	Positions positionsWrapper `json:"positions"`
}

type positionsWrapper struct {
	Position singleOrArray[positionItem] `json:"position"`
}

func (pw *positionsWrapper) UnmarshalJSON(b []byte) error {
	if nullableObject(b) {
		*pw = positionsWrapper{}
		return nil
	}
	type normalWrapper positionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

type positionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

type quotesResponse struct {
	Quotes quotesWrapper `json:"quotes"`
}

type quotesWrapper struct {
	Quote     singleOrArray[quoteItem] `json:"quote"`
	Unmatched json.RawMessage          `json:"unmatched_symbols,omitempty"`
}

func (qw *quotesWrapper) UnmarshalJSON(b []byte) error {
	if nullableObject(b) {
		*qw = quotesWrapper{}
		return nil
	}
	type normalWrapper quotesWrapper
	return json.Unmarshal(b, (*normalWrapper)(qw))
}

type quoteItem struct {
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	TradeDate int64   `json:"trade_date"`
	BidDate   int64   `json:"bid_date"`
	AskDate   int64   `json:"ask_date"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
}

type marketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

type orderItem struct {
	CreateDate        string  `json:"create_date"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol"`
	Side              string  `json:"side"`
	Status            string  `json:"status"`
	Tag               string  `json:"tag"`
	TransactionDate   string  `json:"transaction_date"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	LastFillPrice     float64 `json:"last_fill_price"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	ID                int     `json:"id"`
	Price             float64 `json:"price"`
	Quantity          float64 `json:"quantity"`
}

type orderResponse struct {
	Order orderItem `json:"order"`
}

type ordersResponse struct {
	Orders ordersWrapper `json:"orders"`
}

type ordersWrapper struct {
	Order singleOrArray[orderItem] `json:"order"`
}

func (ow *ordersWrapper) UnmarshalJSON(b []byte) error {
	if nullableObject(b) {
		*ow = ordersWrapper{}
		return nil
	}
	type normalWrapper ordersWrapper
	return json.Unmarshal(b, (*normalWrapper)(ow))
}

func (o orderItem) toOrder() *Order {
	symbol := o.OptionSymbol
	if symbol == "" {
		symbol = o.Symbol
	}
	created, _ := time.Parse(time.RFC3339, o.CreateDate)
	return &Order{
		ID:                o.ID,
		Symbol:            symbol,
		Side:              OrderSide(o.Side),
		Type:              OrderType(o.Type),
		Status:            o.Status,
		Tag:               o.Tag,
		Quantity:          o.Quantity,
		ExecQuantity:      o.ExecQuantity,
		RemainingQuantity: o.RemainingQuantity,
		AvgFillPrice:      o.AvgFillPrice,
		Price:             o.Price,
		CreatedAt:         created,
	}
}

// ============ Broker implementation ============

// GetQuotes fetches quotes for the symbols in one request. Symbols the broker
// does not know are absent from the result.
func (t *TradierAPI) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := fmt.Sprintf("%s/markets/quotes?%s", t.baseURL, params.Encode())

	var response quotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	out := make(map[string]Quote, len(response.Quotes.Quote))
	for _, q := range response.Quotes.Quote {
		ts := q.BidDate
		if q.AskDate > ts {
			ts = q.AskDate
		}
		if ts == 0 {
			ts = q.TradeDate
		}
		var when time.Time
		if ts > 0 {
			when = time.UnixMilli(ts)
		}
		out[q.Symbol] = Quote{Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Last: q.Last, Time: when}
	}
	return out, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(ctx context.Context) (*MarketClock, error) {
	endpoint := fmt.Sprintf("%s/markets/clock", t.baseURL)

	var response marketClockResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	c := response.Clock
	clock := &MarketClock{
		Date:        c.Date,
		State:       c.State,
		Description: c.Description,
		NextChange:  c.NextChange,
		NextState:   c.NextState,
	}
	if c.Timestamp > 0 {
		clock.Timestamp = time.Unix(c.Timestamp, 0)
	}
	return clock, nil
}

// PlaceOrder submits a single-leg option order with day duration.
func (t *TradierAPI) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	parsed, err := ParseOptionSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", UnderlyingForRoot(parsed.Root))
	params.Add("option_symbol", req.Symbol)
	params.Add("side", string(req.Side))
	params.Add("quantity", strconv.Itoa(req.Quantity))
	params.Add("type", string(req.Type))
	params.Add("duration", "day")
	if req.Type == OrderTypeLimit {
		params.Add("price", fmt.Sprintf("%.2f", req.Price))
	}
	if req.Tag != "" {
		params.Add("tag", req.Tag)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var response orderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order for %s accepted without an id (status %q)", req.Symbol, response.Order.Status)
	}

	t.logger.WithFields(logrus.Fields{
		"order_id": response.Order.ID,
		"symbol":   req.Symbol,
		"side":     req.Side,
		"type":     req.Type,
		"price":    req.Price,
	}).Debug("Order submitted")

	return &Order{
		ID:                response.Order.ID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Type:              req.Type,
		Status:            "pending",
		Tag:               req.Tag,
		Quantity:          float64(req.Quantity),
		RemainingQuantity: float64(req.Quantity),
		Price:             req.Price,
		CreatedAt:         time.Now(),
	}, nil
}

// CancelOrder cancels a working order. Cancelling an order the broker no longer
// knows returns ErrOrderNotFound.
func (t *TradierAPI) CancelOrder(ctx context.Context, orderID int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response orderResponse
	err := t.makeRequestCtx(ctx, http.MethodDelete, endpoint, nil, &response)
	if isNotFound(err) {
		return fmt.Errorf("cancel order %d: %w", orderID, ErrOrderNotFound)
	}
	return err
}

// GetOrder retrieves the status of an existing order by ID.
func (t *TradierAPI) GetOrder(ctx context.Context, orderID int) (*Order, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response orderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	return response.Order.toOrder(), nil
}

// GetOrderFill searches the account's order activity for an execution of orderID.
func (t *TradierAPI) GetOrderFill(ctx context.Context, orderID int) (*Fill, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?includeTags=true", t.baseURL, t.accountID)
	var response ordersResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	for _, o := range response.Orders.Order {
		if o.ID != orderID {
			continue
		}
		if o.ExecQuantity <= 0 || o.AvgFillPrice <= 0 {
			break
		}
		order := o.toOrder()
		when, _ := time.Parse(time.RFC3339, o.TransactionDate)
		return &Fill{
			OrderID:  orderID,
			Symbol:   order.Symbol,
			Quantity: o.ExecQuantity,
			Price:    o.AvgFillPrice,
			Time:     when,
		}, nil
	}
	return nil, fmt.Errorf("order %d: %w", orderID, ErrFillNotFound)
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]Position, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response positionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(response.Positions.Position))
	for _, p := range response.Positions.Position {
		out = append(out, Position{
			ID:           p.ID,
			Symbol:       p.Symbol,
			Quantity:     p.Quantity,
			CostBasis:    p.CostBasis,
			DateAcquired: p.DateAcquired,
		})
	}
	return out, nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "dunder-condor/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if remaining := resp.Header.Get("X-Ratelimit-Available"); remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit status")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
	case http.StatusNoContent:
		return nil
	default:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		return &APIError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s %s -> %s", method, endpoint, strings.TrimSpace(string(body))),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
