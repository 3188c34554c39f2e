// Package venue implements the futures venue REST adapter.
//
// The client talks to the venue's USD-margined futures API for position and
// order management:
//   - Initialize:      GET  /fapi/v1/exchangeInfo     — instrument trading rules
//   - SetLeverage:     POST /fapi/v1/leverage
//   - SetPositionMode: POST /fapi/v1/positionSide/dual
//   - CurrentPosition: GET  /fapi/v2/positionRisk     — live position legs
//   - OpenOrders:      GET  /fapi/v1/openOrders
//   - OpenMarket:      POST /fapi/v1/order            — MARKET entry/reversal
//   - PlaceStopMarket: POST /fapi/v1/order            — close-position protective stop
//   - PlaceStopLimit:  POST /fapi/v1/order            — reduce-only stop-limit
//   - PlaceLimit:      POST /fapi/v1/order            — reduce-only take-profit
//   - CancelOrder:     DELETE /fapi/v1/order
//   - LastPrice:       GET  /fapi/v1/ticker/price     — REST fallback quote
//
// Every request is rate-limited via per-category TokenBuckets and signed
// with an HMAC-SHA256 digest of the query string (metadata reads excepted).
// Transient failures are retried up to three times with doubling backoff;
// each attempt is re-timestamped and re-signed so the venue's recvWindow
// check sees the attempt time rather than the first try's. Client order IDs
// stay fixed across attempts so the venue can deduplicate a retried write.
package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signalbot/internal/config"
	"signalbot/internal/metrics"
	"signalbot/pkg/types"
)

const (
	maxAttempts   = 3
	retryBaseWait = 2 * time.Second
	retryMaxWait  = 10 * time.Second
)

// ErrNoPosition is returned by queries that require a live position leg.
var ErrNoPosition = errors.New("no open position")

// Client is the venue REST API client for a single symbol.
type Client struct {
	http       *resty.Client
	signer     *Signer
	rl         *RateLimiter
	symbol     string // normalized
	recvWindow int
	inst       types.InstrumentInfo
	dryRun     bool          // when true, mutating methods return fake success without HTTP calls
	retryWait  time.Duration // first retry delay, doubles up to retryMaxWait
	logger     *slog.Logger
}

// NewClient creates a venue client bound to the configured symbol.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Venue.BaseURL).
		SetTimeout(10 * time.Second)

	return &Client{
		http:       httpClient,
		signer:     NewSigner(cfg.Venue.APIKey, cfg.Venue.Secret),
		rl:         NewRateLimiter(),
		symbol:     NormalizeSymbol(cfg.Trading.Symbol),
		recvWindow: cfg.Venue.RecvWindowMS,
		dryRun:     cfg.DryRun,
		retryWait:  retryBaseWait,
		logger:     logger,
	}
}

// Symbol returns the normalized contract symbol the client trades.
func (c *Client) Symbol() string {
	return c.symbol
}

// Instrument returns the trading rules resolved by Initialize.
func (c *Client) Instrument() types.InstrumentInfo {
	return c.inst
}

// Initialize resolves the instrument's trading rules and applies the
// configured leverage. Must be called before any order method.
func (c *Client) Initialize(ctx context.Context, leverage int) error {
	inst, err := c.fetchInstrument(ctx)
	if err != nil {
		return fmt.Errorf("fetch instrument: %w", err)
	}
	c.inst = inst

	if err := c.SetLeverage(ctx, leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	c.logger.Info("venue client initialized",
		"symbol", c.symbol,
		"step_size", inst.StepSize,
		"min_qty", inst.MinQty,
		"tick_size", inst.TickSize,
		"leverage", leverage)
	return nil
}

func (c *Client) fetchInstrument(ctx context.Context) (types.InstrumentInfo, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.InstrumentInfo{}, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)

	var info types.ExchangeInfo
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &info); err != nil {
		return types.InstrumentInfo{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol == c.symbol {
			return buildInstrument(s)
		}
	}
	return types.InstrumentInfo{}, fmt.Errorf("symbol %s is not listed", c.symbol)
}

// SetLeverage applies the configured leverage to the symbol. The venue
// reports an already-matching value as an error; that is translated to
// success.
func (c *Client) SetLeverage(ctx context.Context, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "leverage", leverage)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	var ack types.LeverageAck
	err := c.call(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, &ack)
	var ve *types.VenueError
	if errors.As(err, &ve) && ve.Code == types.CodeLeverageNotModified {
		c.logger.Debug("leverage already set", "leverage", leverage)
		return nil
	}
	return err
}

// SetPositionMode switches the account between one-way and hedge position
// mode. A "no change needed" response is success; a refusal while positions
// or orders are open is returned to the caller, who may defer the switch.
func (c *Client) SetPositionMode(ctx context.Context, dual bool) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set position mode", "dual", dual)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(dual))

	err := c.call(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true, nil)
	var ve *types.VenueError
	if errors.As(err, &ve) {
		if ve.Code == types.CodePositionModeNoOp || strings.Contains(ve.Msg, "No need to change position side") {
			c.logger.Debug("position mode already set", "dual", dual)
			return nil
		}
	}
	return err
}

// PositionMode reports whether the account is currently in hedge mode.
func (c *Client) PositionMode(ctx context.Context) (bool, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return false, err
	}
	var mode types.PositionModeInfo
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", url.Values{}, true, &mode); err != nil {
		return false, fmt.Errorf("position mode: %w", err)
	}
	return mode.DualSidePosition, nil
}

// Positions returns every non-zero position leg for the symbol.
func (c *Client) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	rows, err := c.positionRisk(ctx)
	if err != nil {
		return nil, err
	}
	var snaps []types.PositionSnapshot
	for _, row := range rows {
		snap, err := parsePositionRow(row)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			snaps = append(snaps, *snap)
		}
	}
	return snaps, nil
}

// CurrentPosition returns the live position leg matching side, or nil when
// flat. Pass BOTH in one-way mode to match any leg.
func (c *Client) CurrentPosition(ctx context.Context, side types.PositionSide) (*types.PositionSnapshot, error) {
	rows, err := c.positionRisk(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if side != types.BOTH && row.PositionSide != string(side) {
			continue
		}
		snap, err := parsePositionRow(row)
		if err != nil {
			return nil, err
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, nil
}

// ExactEntryPrice returns the venue-reported average entry price of the
// live position leg matching side. Returns ErrNoPosition when flat.
func (c *Client) ExactEntryPrice(ctx context.Context, side types.PositionSide) (decimal.Decimal, error) {
	snap, err := c.CurrentPosition(ctx, side)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, ErrNoPosition
	}
	return snap.EntryPrice, nil
}

func (c *Client) positionRisk(ctx context.Context) ([]types.PositionRisk, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)

	var rows []types.PositionRisk
	if err := c.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &rows); err != nil {
		return nil, fmt.Errorf("position risk: %w", err)
	}
	return rows, nil
}

func parsePositionRow(row types.PositionRisk) (*types.PositionSnapshot, error) {
	amt, err := decimal.NewFromString(row.PositionAmt)
	if err != nil {
		return nil, fmt.Errorf("parse positionAmt %q: %w", row.PositionAmt, err)
	}
	if amt.IsZero() {
		return nil, nil
	}
	entry, err := decimal.NewFromString(row.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("parse entryPrice %q: %w", row.EntryPrice, err)
	}

	side := types.LONG
	if amt.Sign() < 0 {
		side = types.SHORT
	}
	switch row.PositionSide {
	case string(types.LONG):
		side = types.LONG
	case string(types.SHORT):
		side = types.SHORT
	}

	snap := &types.PositionSnapshot{
		Symbol:     row.Symbol,
		Side:       side,
		Size:       amt.Abs(),
		EntryPrice: entry,
	}
	if row.UnRealizedProfit != "" {
		if snap.UnrealizedPnL, err = decimal.NewFromString(row.UnRealizedProfit); err != nil {
			return nil, fmt.Errorf("parse unRealizedProfit %q: %w", row.UnRealizedProfit, err)
		}
	}
	if row.Leverage != "" {
		if snap.Leverage, err = strconv.Atoi(row.Leverage); err != nil {
			return nil, fmt.Errorf("parse leverage %q: %w", row.Leverage, err)
		}
	}
	return snap, nil
}

// OpenOrders lists the symbol's live orders.
func (c *Client) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)

	var orders []types.OpenOrder
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &orders); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	return orders, nil
}

// LastPrice fetches the most recent trade price over REST. Used at startup
// and as a fallback while the stream has no cached price.
func (c *Client) LastPrice(ctx context.Context) (decimal.Decimal, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)

	var tp types.TickerPrice
	if err := c.call(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &tp); err != nil {
		return decimal.Zero, fmt.Errorf("ticker price: %w", err)
	}
	price, err := decimal.NewFromString(tp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", tp.Price, err)
	}
	return price, nil
}

// OpenMarket submits a MARKET order. The quantity must already be rounded;
// it is formatted with the instrument's precision on the wire.
func (c *Client) OpenMarket(ctx context.Context, side types.Side, qty decimal.Decimal, posSide types.PositionSide) (*types.OrderAck, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would open market order",
			"side", side, "qty", c.inst.FormatQty(qty), "position_side", posSide)
		return c.fakeAck(types.OrderMarket, side, posSide), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(posSide))
	params.Set("type", string(types.OrderMarket))
	params.Set("quantity", c.inst.FormatQty(qty))
	params.Set("newClientOrderId", newClientOrderID())

	var ack types.OrderAck
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, fmt.Errorf("market %s %s: %w", side, c.inst.FormatQty(qty), err)
	}
	metrics.IncOrder(string(types.OrderMarket))
	c.logger.Info("market order submitted",
		"side", side, "qty", c.inst.FormatQty(qty), "position_side", posSide, "order_id", ack.OrderID)
	return &ack, nil
}

// PlaceStopMarket places a close-position protective stop for one hedge
// leg. It triggers on mark price with price protection so a manipulated
// last-trade print cannot fire it.
func (c *Client) PlaceStopMarket(ctx context.Context, posSide types.PositionSide, stopPrice decimal.Decimal) (*types.OrderAck, error) {
	side := types.SELL
	if posSide == types.SHORT {
		side = types.BUY
	}
	stop := c.inst.SnapPrice(stopPrice)

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place stop-market",
			"position_side", posSide, "stop_price", c.inst.FormatPrice(stop))
		return c.fakeAck(types.OrderStopMarket, side, posSide), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("side", string(side))
	params.Set("positionSide", string(posSide))
	params.Set("type", string(types.OrderStopMarket))
	params.Set("stopPrice", c.inst.FormatPrice(stop))
	params.Set("closePosition", "true")
	params.Set("timeInForce", string(types.GTEGTC))
	params.Set("workingType", string(types.MarkPrice))
	params.Set("priceProtect", "TRUE")
	params.Set("newClientOrderId", newClientOrderID())

	var ack types.OrderAck
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, fmt.Errorf("stop-market %s @ %s: %w", posSide, c.inst.FormatPrice(stop), err)
	}
	metrics.IncOrder(string(types.OrderStopMarket))
	c.logger.Info("stop-market placed",
		"position_side", posSide, "stop_price", c.inst.FormatPrice(stop), "order_id", ack.OrderID)
	return &ack, nil
}

// PlaceStopLimit places a reduce-only stop-limit order in one-way mode.
func (c *Client) PlaceStopLimit(ctx context.Context, side types.Side, qty, stopPrice, limitPrice decimal.Decimal) (*types.OrderAck, error) {
	stop := c.inst.SnapPrice(stopPrice)
	limit := c.inst.SnapPrice(limitPrice)

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place stop-limit",
			"side", side, "qty", c.inst.FormatQty(qty),
			"stop_price", c.inst.FormatPrice(stop), "limit_price", c.inst.FormatPrice(limit))
		return c.fakeAck(types.OrderStop, side, types.BOTH), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("side", string(side))
	params.Set("type", string(types.OrderStop))
	params.Set("quantity", c.inst.FormatQty(qty))
	params.Set("stopPrice", c.inst.FormatPrice(stop))
	params.Set("price", c.inst.FormatPrice(limit))
	params.Set("timeInForce", string(types.GTC))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", newClientOrderID())

	var ack types.OrderAck
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, fmt.Errorf("stop-limit %s @ %s/%s: %w",
			side, c.inst.FormatPrice(stop), c.inst.FormatPrice(limit), err)
	}
	metrics.IncOrder(string(types.OrderStop))
	c.logger.Info("stop-limit placed",
		"side", side, "qty", c.inst.FormatQty(qty),
		"stop_price", c.inst.FormatPrice(stop), "limit_price", c.inst.FormatPrice(limit),
		"order_id", ack.OrderID)
	return &ack, nil
}

// PlaceLimit places a reduce-only limit order in one-way mode.
func (c *Client) PlaceLimit(ctx context.Context, side types.Side, qty, price decimal.Decimal) (*types.OrderAck, error) {
	limit := c.inst.SnapPrice(price)

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place limit",
			"side", side, "qty", c.inst.FormatQty(qty), "price", c.inst.FormatPrice(limit))
		return c.fakeAck(types.OrderLimit, side, types.BOTH), nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("side", string(side))
	params.Set("type", string(types.OrderLimit))
	params.Set("quantity", c.inst.FormatQty(qty))
	params.Set("price", c.inst.FormatPrice(limit))
	params.Set("timeInForce", string(types.GTC))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", newClientOrderID())

	var ack types.OrderAck
	if err := c.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, fmt.Errorf("limit %s %s @ %s: %w",
			side, c.inst.FormatQty(qty), c.inst.FormatPrice(limit), err)
	}
	metrics.IncOrder(string(types.OrderLimit))
	c.logger.Info("limit order placed",
		"side", side, "qty", c.inst.FormatQty(qty), "price", c.inst.FormatPrice(limit),
		"order_id", ack.OrderID)
	return &ack, nil
}

// CancelOrder cancels one order by venue ID. A target that already
// filled or was cancelled is treated as success.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	err := c.call(ctx, http.MethodDelete, "/fapi/v1/order", params, true, nil)
	var ve *types.VenueError
	if errors.As(err, &ve) && ve.Code == types.CodeOrderNotFound {
		c.logger.Debug("cancel target already gone", "order_id", orderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// CancelStops cancels every open stop order (STOP and STOP_MARKET),
// optionally filtered to one hedge leg. Returns how many were cancelled.
func (c *Client) CancelStops(ctx context.Context, posSide types.PositionSide) (int, error) {
	return c.cancelByType(ctx, posSide, func(t string) bool {
		return t == string(types.OrderStop) || t == string(types.OrderStopMarket)
	})
}

// CancelLimits cancels every open limit order on the symbol. Returns how
// many were cancelled.
func (c *Client) CancelLimits(ctx context.Context) (int, error) {
	return c.cancelByType(ctx, types.BOTH, func(t string) bool {
		return t == string(types.OrderLimit)
	})
}

func (c *Client) cancelByType(ctx context.Context, posSide types.PositionSide, match func(string) bool) (int, error) {
	orders, err := c.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, o := range orders {
		if !match(o.Type) {
			continue
		}
		if posSide != types.BOTH && o.PositionSide != string(posSide) {
			continue
		}
		if err := c.CancelOrder(ctx, o.OrderID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	if cancelled > 0 {
		c.logger.Info("orders cancelled", "count", cancelled)
	}
	return cancelled, nil
}

func (c *Client) fakeAck(typ types.OrderType, side types.Side, posSide types.PositionSide) *types.OrderAck {
	return &types.OrderAck{
		OrderID:       time.Now().UnixNano(),
		ClientOrderID: newClientOrderID(),
		Symbol:        c.symbol,
		Status:        "NEW",
		Side:          string(side),
		PositionSide:  string(posSide),
		Type:          string(typ),
	}
}

// newClientOrderID tags each order so the venue can deduplicate a retried
// submission.
func newClientOrderID() string {
	return uuid.NewString()
}

// call performs one REST call with bounded retry on transient failures.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	wait := c.retryWait
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.do(ctx, method, path, params, signed, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt == maxAttempts {
			return err
		}
		c.logger.Warn("venue request failed, retrying",
			"method", method, "path", path, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > retryMaxWait {
			wait = retryMaxWait
		}
	}
	return lastErr
}

// do executes a single attempt. Signed requests get a fresh timestamp and
// signature; the signature covers the query string exactly as transmitted,
// so the URL is assembled by hand rather than through resty query params.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if signed {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		q.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}
	query := q.Encode()
	if signed {
		query += "&signature=" + c.signer.Sign(query)
	}
	target := path
	if query != "" {
		target += "?" + query
	}

	var venueErr types.VenueError
	req := c.http.R().
		SetContext(ctx).
		SetError(&venueErr)
	if signed {
		req.SetHeader("X-MBX-APIKEY", c.signer.APIKey())
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() == http.StatusOK {
		return nil
	}
	if venueErr.Code != 0 || venueErr.Msg != "" {
		return &venueErr
	}
	return &statusError{status: resp.StatusCode(), body: resp.String()}
}

// statusError is a non-200 response without a parseable venue error body.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// isTransient reports whether a failed attempt is worth retrying. Venue
// errors are semantic verdicts and final, except rate limiting and a
// timestamp that drifted outside the recvWindow (fresh signing fixes it).
func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError || se.status == http.StatusTooManyRequests
	}
	var ve *types.VenueError
	if errors.As(err, &ve) {
		switch ve.Code {
		case -1003, -1021:
			return true
		}
		return false
	}
	return true
}
