package strategy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"signalbot/internal/config"
	"signalbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ethInstrument() types.InstrumentInfo {
	return types.InstrumentInfo{
		Symbol:         "ETHUSDT",
		QuoteAsset:     "USDT",
		StepSize:       dec("0.001"),
		MinQty:         dec("0.001"),
		QtyPrecision:   3,
		TickSize:       dec("0.01"),
		PricePrecision: 2,
	}
}

func testConfig(strat config.Strategy) *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			PositionSize: 1000,
			Leverage:     4,
			Symbol:       "ETHUSDT",
			Strategy:     strat,
		},
		Trailing: config.TrailingConfig{ActivationPercent: 2, StopPercent: 1, OffsetTicks: 100},
		Hedging:  config.HedgingConfig{ActivationPnL: -5, SLPnL: -3, TriggerPnL: 5, TPPnL: 2, MaxFailures: 2},
		Take:     config.TakeConfig{TP1Percent: 2, Qty1Percent: 50, TP2Percent: 4, Qty2Percent: 50},
	}
}

// fakeOrder records the arguments of one order placement.
type fakeOrder struct {
	side    types.Side
	posSide types.PositionSide
	qty     decimal.Decimal
	price   decimal.Decimal
	stop    decimal.Decimal
}

// fakeVenue is an in-memory venue double. Tests mutate its fields directly
// and inspect the recorded calls. With fillOnOpen set, market orders
// mutate the position table the way the venue would net them.
type fakeVenue struct {
	instrument types.InstrumentInfo
	positions  []types.PositionSnapshot
	orders     []types.OpenOrder
	restPrice  decimal.Decimal
	dual       bool

	fillOnOpen bool
	fillEntry  decimal.Decimal

	posErr    error
	openErr   error
	ordersErr error
	modeErr   error

	markets     []fakeOrder
	stopMarkets []fakeOrder
	stopLimits  []fakeOrder
	limits      []fakeOrder
	cancelled   []int64
	stopSweeps  int
	limitSweeps int
	modeSets    int

	nextID int64
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{instrument: ethInstrument(), dual: true, nextID: 1000}
}

func (v *fakeVenue) Symbol() string                   { return v.instrument.Symbol }
func (v *fakeVenue) Instrument() types.InstrumentInfo { return v.instrument }

func (v *fakeVenue) Positions(ctx context.Context) ([]types.PositionSnapshot, error) {
	if v.posErr != nil {
		return nil, v.posErr
	}
	out := make([]types.PositionSnapshot, len(v.positions))
	copy(out, v.positions)
	return out, nil
}

func (v *fakeVenue) CurrentPosition(ctx context.Context, side types.PositionSide) (*types.PositionSnapshot, error) {
	if v.posErr != nil {
		return nil, v.posErr
	}
	for i := range v.positions {
		if side != types.BOTH && v.positions[i].Side != side {
			continue
		}
		snap := v.positions[i]
		return &snap, nil
	}
	return nil, nil
}

func (v *fakeVenue) ExactEntryPrice(ctx context.Context, side types.PositionSide) (decimal.Decimal, error) {
	snap, err := v.CurrentPosition(ctx, side)
	if err != nil {
		return decimal.Zero, err
	}
	if snap == nil {
		return decimal.Zero, errors.New("no open position")
	}
	return snap.EntryPrice, nil
}

func (v *fakeVenue) OpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	if v.ordersErr != nil {
		return nil, v.ordersErr
	}
	out := make([]types.OpenOrder, len(v.orders))
	copy(out, v.orders)
	return out, nil
}

func (v *fakeVenue) LastPrice(ctx context.Context) (decimal.Decimal, error) {
	if v.restPrice.IsZero() {
		return decimal.Zero, errors.New("no rest price configured")
	}
	return v.restPrice, nil
}

func (v *fakeVenue) PositionMode(ctx context.Context) (bool, error) { return v.dual, nil }

func (v *fakeVenue) SetPositionMode(ctx context.Context, dual bool) error {
	v.modeSets++
	if v.modeErr != nil {
		return v.modeErr
	}
	v.dual = dual
	return nil
}

func (v *fakeVenue) OpenMarket(ctx context.Context, side types.Side, qty decimal.Decimal, posSide types.PositionSide) (*types.OrderAck, error) {
	if v.openErr != nil {
		return nil, v.openErr
	}
	v.markets = append(v.markets, fakeOrder{side: side, posSide: posSide, qty: qty})
	v.applyFill(side, qty, posSide)
	return v.ack()
}

func (v *fakeVenue) PlaceStopMarket(ctx context.Context, posSide types.PositionSide, stopPrice decimal.Decimal) (*types.OrderAck, error) {
	v.stopMarkets = append(v.stopMarkets, fakeOrder{posSide: posSide, stop: stopPrice})
	return v.ack()
}

func (v *fakeVenue) PlaceStopLimit(ctx context.Context, side types.Side, qty, stopPrice, limitPrice decimal.Decimal) (*types.OrderAck, error) {
	v.stopLimits = append(v.stopLimits, fakeOrder{side: side, qty: qty, stop: stopPrice, price: limitPrice})
	return v.ack()
}

func (v *fakeVenue) PlaceLimit(ctx context.Context, side types.Side, qty, price decimal.Decimal) (*types.OrderAck, error) {
	v.limits = append(v.limits, fakeOrder{side: side, qty: qty, price: price})
	return v.ack()
}

func (v *fakeVenue) CancelOrder(ctx context.Context, orderID int64) error {
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

func (v *fakeVenue) CancelStops(ctx context.Context, posSide types.PositionSide) (int, error) {
	v.stopSweeps++
	n := 0
	kept := v.orders[:0]
	for _, o := range v.orders {
		stop := o.Type == string(types.OrderStop) || o.Type == string(types.OrderStopMarket)
		if stop && (posSide == types.BOTH || o.PositionSide == string(posSide)) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	v.orders = kept
	return n, nil
}

func (v *fakeVenue) CancelLimits(ctx context.Context) (int, error) {
	v.limitSweeps++
	n := 0
	kept := v.orders[:0]
	for _, o := range v.orders {
		if o.Type == string(types.OrderLimit) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	v.orders = kept
	return n, nil
}

func (v *fakeVenue) ack() (*types.OrderAck, error) {
	v.nextID++
	return &types.OrderAck{OrderID: v.nextID, Symbol: v.instrument.Symbol, Status: "NEW"}, nil
}

// applyFill nets a market order into the position table: one-way orders net
// against the single leg, hedge-mode orders grow or shrink their own leg.
func (v *fakeVenue) applyFill(side types.Side, qty decimal.Decimal, posSide types.PositionSide) {
	if !v.fillOnOpen {
		return
	}
	if posSide == types.BOTH {
		cur := decimal.Zero
		if len(v.positions) > 0 {
			cur = v.positions[0].Size
			if v.positions[0].Side == types.SHORT {
				cur = cur.Neg()
			}
		}
		delta := qty
		if side == types.SELL {
			delta = qty.Neg()
		}
		net := cur.Add(delta)
		if net.IsZero() {
			v.positions = nil
			return
		}
		legSide := types.LONG
		if net.Sign() < 0 {
			legSide = types.SHORT
		}
		v.positions = []types.PositionSnapshot{{
			Symbol: v.instrument.Symbol, Side: legSide, Size: net.Abs(), EntryPrice: v.fillEntry,
		}}
		return
	}

	idx := -1
	for i := range v.positions {
		if v.positions[i].Side == posSide {
			idx = i
			break
		}
	}
	if side == openSide(posSide) {
		if idx >= 0 {
			v.positions[idx].Size = v.positions[idx].Size.Add(qty)
			return
		}
		v.positions = append(v.positions, types.PositionSnapshot{
			Symbol: v.instrument.Symbol, Side: posSide, Size: qty, EntryPrice: v.fillEntry,
		})
		return
	}
	if idx >= 0 {
		left := v.positions[idx].Size.Sub(qty)
		if left.Sign() <= 0 {
			v.positions = append(v.positions[:idx], v.positions[idx+1:]...)
			return
		}
		v.positions[idx].Size = left
	}
}

// staticPrice is a PriceCache stub.
type staticPrice struct {
	price decimal.Decimal
	ok    bool
}

func (s staticPrice) LastPrice() (decimal.Decimal, bool) { return s.price, s.ok }

func newTestRunner(t *testing.T, strat config.Strategy, fv *fakeVenue, price string) *Runner {
	t.Helper()
	cache := staticPrice{}
	if price != "" {
		cache = staticPrice{price: dec(price), ok: true}
	}
	r, err := New(testConfig(strat), fv, cache, make(chan types.PriceEvent), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func frame(price string) types.PriceEvent {
	return types.PriceEvent{Price: dec(price)}
}

// ----------------------------------------------------------------------------
// Parsing
// ----------------------------------------------------------------------------

func TestParseAction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body   string
		want   types.Action
		wantOK bool
	}{
		{"buy", types.ActionBuy, true},
		{"sell", types.ActionSell, true},
		{"BUY ETHUSDT @ 3950", types.ActionBuy, true},
		{"  Sell now\n", types.ActionSell, true},
		{"buy or sell, up to you", types.ActionBuy, true},
		{"hold", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.body, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseAction(tt.body)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("ParseAction(%q) = (%q, %v), want (%q, %v)", tt.body, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Verdict pipeline (classic variant)
// ----------------------------------------------------------------------------

func TestProcessOpensLong(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")

	res := r.process(context.Background(), "buy")

	if res.Status != types.SignalSuccess {
		t.Fatalf("status = %q, want success (message %q)", res.Status, res.Message)
	}
	if res.Signal == nil || res.Signal.Action != types.ActionBuy || res.Signal.Symbol != "ETHUSDT" {
		t.Fatalf("signal payload = %+v", res.Signal)
	}
	if len(fv.markets) != 1 {
		t.Fatalf("market orders = %d, want 1", len(fv.markets))
	}
	got := fv.markets[0]
	if got.side != types.BUY || got.posSide != types.BOTH {
		t.Errorf("order = %s %s, want BUY BOTH", got.side, got.posSide)
	}
	// (1000 * 4) / 4000 = 1.000 on a 0.001 lot grid.
	if !got.qty.Equal(dec("1.000")) {
		t.Errorf("quantity = %s, want 1.000", got.qty)
	}
	if r.lastAction != types.ActionBuy || !r.lastQuantity.Equal(dec("1.000")) {
		t.Errorf("state = (%s, %s), want (buy, 1.000)", r.lastAction, r.lastQuantity)
	}
}

func TestProcessReversesWithSingleOrder(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.positions = []types.PositionSnapshot{{Symbol: "ETHUSDT", Side: types.LONG, Size: dec("1.000"), EntryPrice: dec("4000")}}
	r := newTestRunner(t, config.StrategyClassic, fv, "3900")
	r.lastAction = types.ActionBuy
	r.lastQuantity = dec("1.000")

	res := r.process(context.Background(), "sell")

	if res.Status != types.SignalSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if len(fv.markets) != 1 {
		t.Fatalf("market orders = %d, want exactly 1", len(fv.markets))
	}
	// New quantity (1000*4)/3900 floors to 1.025; one order closes the old
	// 1.000 and opens the new 1.025.
	got := fv.markets[0]
	if got.side != types.SELL || !got.qty.Equal(dec("2.025")) {
		t.Errorf("order = %s %s, want SELL 2.025", got.side, got.qty)
	}
	if r.lastAction != types.ActionSell || !r.lastQuantity.Equal(dec("1.025")) {
		t.Errorf("state = (%s, %s), want (sell, 1.025)", r.lastAction, r.lastQuantity)
	}
}

func TestProcessReversalWithUnknownQuantityDoubles(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.positions = []types.PositionSnapshot{{Symbol: "ETHUSDT", Side: types.LONG, Size: dec("1.000"), EntryPrice: dec("4000")}}
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")
	r.lastAction = types.ActionBuy

	if res := r.process(context.Background(), "sell"); res.Status != types.SignalSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if len(fv.markets) != 1 || !fv.markets[0].qty.Equal(dec("2.000")) {
		t.Fatalf("orders = %+v, want one SELL 2.000", fv.markets)
	}
}

func TestProcessIgnoresDuplicate(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")
	r.lastAction = types.ActionBuy

	res := r.process(context.Background(), "buy")

	if res.Status != types.SignalIgnored {
		t.Fatalf("status = %q, want ignored", res.Status)
	}
	if len(fv.markets) != 0 {
		t.Fatalf("duplicate reached the venue: %+v", fv.markets)
	}
}

func TestProcessRejectsUnparseable(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")
	r.lastAction = types.ActionBuy

	res := r.process(context.Background(), "hold my beer")

	if res.Status != types.SignalError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if r.lastAction != types.ActionBuy {
		t.Errorf("lastAction changed to %q on a rejected body", r.lastAction)
	}
	if len(fv.markets) != 0 {
		t.Errorf("unparseable body reached the venue: %+v", fv.markets)
	}
}

// A signal whose order fails still claims the action slot: replaying the
// same body must hit the duplicate filter, not open a second position.
func TestProcessRecordsActionBeforeExecution(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.openErr = errors.New("venue down")
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")

	if res := r.process(context.Background(), "buy"); res.Status != types.SignalError {
		t.Fatalf("status = %q, want error", res.Status)
	}
	if r.lastAction != types.ActionBuy {
		t.Fatalf("lastAction = %q, want buy recorded despite the failure", r.lastAction)
	}

	fv.openErr = nil
	if res := r.process(context.Background(), "buy"); res.Status != types.SignalIgnored {
		t.Fatalf("replay status = %q, want ignored", res.Status)
	}
	if len(fv.markets) != 0 {
		t.Fatalf("replayed signal reached the venue: %+v", fv.markets)
	}
}

func TestProcessSameDirectionPositionIsNoOp(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.positions = []types.PositionSnapshot{{Symbol: "ETHUSDT", Side: types.LONG, Size: dec("1.000"), EntryPrice: dec("4000")}}
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")
	r.lastAction = types.ActionSell // filter reset by a restart

	res := r.process(context.Background(), "buy")

	if res.Status != types.SignalSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}
	if len(fv.markets) != 0 {
		t.Fatalf("no-op signal placed orders: %+v", fv.markets)
	}
}

func TestCurrentPriceFallsBackToREST(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.restPrice = dec("4000")
	r := newTestRunner(t, config.StrategyClassic, fv, "")

	got, err := r.currentPrice(context.Background())
	if err != nil {
		t.Fatalf("currentPrice: %v", err)
	}
	if !got.Equal(dec("4000")) {
		t.Fatalf("price = %s, want 4000 from REST", got)
	}
}

// ----------------------------------------------------------------------------
// Restore and lifecycle
// ----------------------------------------------------------------------------

func TestRestoreAdoptsOpenPosition(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.positions = []types.PositionSnapshot{{Symbol: "ETHUSDT", Side: types.SHORT, Size: dec("1.500"), EntryPrice: dec("3900")}}
	r := newTestRunner(t, config.StrategyClassic, fv, "3900")

	if err := r.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if r.lastAction != types.ActionSell || !r.lastQuantity.Equal(dec("1.500")) {
		t.Fatalf("state = (%s, %s), want (sell, 1.500)", r.lastAction, r.lastQuantity)
	}

	// The next sell is a duplicate of the restored direction.
	if res := r.process(context.Background(), "sell"); res.Status != types.SignalIgnored {
		t.Fatalf("status = %q, want ignored after restore", res.Status)
	}
}

func TestRestoreFlatStart(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")

	if err := r.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if r.lastAction != "" || !r.lastQuantity.IsZero() {
		t.Fatalf("state = (%q, %s), want empty", r.lastAction, r.lastQuantity)
	}
}

func TestRunServesSubmitAndCleansUp(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	fv.orders = []types.OpenOrder{{OrderID: 7, Type: string(types.OrderStopMarket), PositionSide: "SHORT"}}
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	res := r.Submit(ctx, "buy")
	if res.Status != types.SignalSuccess {
		t.Fatalf("status = %q, want success", res.Status)
	}

	cancel()
	<-done

	if fv.stopSweeps == 0 {
		t.Errorf("shutdown did not cancel stop orders")
	}
	if len(fv.orders) != 0 {
		t.Errorf("stop order survived shutdown: %+v", fv.orders)
	}
}

func TestStatusSnapshot(t *testing.T) {
	t.Parallel()
	fv := newFakeVenue()
	r := newTestRunner(t, config.StrategyClassic, fv, "4000")

	r.process(context.Background(), "buy")
	r.publishStatus()

	st := r.Status()
	if st.Variant != "classic" || st.LastAction != types.ActionBuy {
		t.Fatalf("status = %+v", st)
	}
	if !st.LastQuantity.Equal(dec("1.000")) {
		t.Errorf("last quantity = %s, want 1.000", st.LastQuantity)
	}
}
