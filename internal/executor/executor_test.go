package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"coinpilot/conf"
	"coinpilot/internal/exchange"
	"coinpilot/internal/model"
	"coinpilot/internal/risk"
	"coinpilot/internal/state"
	"coinpilot/pkg/notify"

	model2 "github.com/nntaoli-project/goex/v2/model"
)

// fakeExchange 按脚本应答的交易所桩。
// statuses 按订单ID给出依次返回的查询结果，耗尽后重复最后一个
type fakeExchange struct {
	lastPrice    float64
	lastPriceErr error

	placed    []*model.Order
	placeErrs []error // 每次 PlaceOrder 消耗一个，耗尽后成功
	nextID    int

	statuses  map[string][]*model.OrderResult
	statusIdx map[string]int

	open      []model.OpenOrder
	openErrs  []error // 每次 GetOpenOrders 消耗一个，耗尽后成功
	openCalls int
	cancelled []string

	balance *model.Balance
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		statuses:  make(map[string][]*model.OrderResult),
		statusIdx: make(map[string]int),
	}
}

func (f *fakeExchange) GetLastPrice(symbol string) (float64, error) {
	return f.lastPrice, f.lastPriceErr
}

func (f *fakeExchange) GetKlineRecords(symbol string, period model2.KlinePeriod, size int) ([]model.Kline, error) {
	return nil, nil
}

func (f *fakeExchange) GetOrderBook(symbol string, depth int) (*model.OrderBookSnapshot, error) {
	return nil, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, order *model.Order) (string, error) {
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	cp := *order
	f.placed = append(f.placed, &cp)
	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeExchange) GetOrderStatus(orderID, symbol string) (*model.OrderResult, error) {
	seq := f.statuses[orderID]
	if len(seq) == 0 {
		return nil, exchange.ErrOrderNotFound
	}
	i := f.statusIdx[orderID]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.statusIdx[orderID] = i + 1
	return seq[i], nil
}

func (f *fakeExchange) CancelOrder(orderID, symbol string) error {
	f.cancelled = append(f.cancelled, orderID)
	kept := f.open[:0]
	for _, o := range f.open {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	f.open = kept
	return nil
}

func (f *fakeExchange) GetOpenOrders(symbol string) ([]model.OpenOrder, error) {
	f.openCalls++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]model.OpenOrder, len(f.open))
	copy(out, f.open)
	return out, nil
}

func (f *fakeExchange) GetBalance(ctx context.Context, coin string) (*model.Balance, error) {
	if f.balance == nil {
		return &model.Balance{Coin: coin}, nil
	}
	return f.balance, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time        { return c.t }
func (c *fakeClock) Sleep(d time.Duration) { c.t = c.t.Add(d) }

type recordingNotifier struct{ events []notify.Event }

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) {
	n.events = append(n.events, ev)
}
func (n *recordingNotifier) Close() {}

func testExecCfg() conf.TradingConfig {
	return conf.TradingConfig{
		Symbols:          []string{"BTC-USDT"},
		FeeRate:          0.001,
		MaxTotalInvest:   300,
		MinOrderNotional: 5,
		LimitWait:        time.Second,
		PollInterval:     400 * time.Millisecond,
		ChaseTolerance:   0.005,
		SweepMaxAge:      10 * time.Minute,
	}
}

func newTestExecutor(fx *fakeExchange, cfg conf.TradingConfig) (*Executor, *fakeClock, *state.Store) {
	clock := &fakeClock{t: time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)}
	store := state.NewStore(nil)
	e := New(fx, nil, risk.NewController(cfg), store, nil, nil, cfg)
	e.now = clock.Now
	e.sleep = clock.Sleep
	return e, clock, store
}

func filledResult(id string, volume, price float64) *model.OrderResult {
	return &model.OrderResult{
		OrderID:      id,
		State:        model.OrderFilled,
		Quantity:     volume,
		FilledVolume: volume,
		AvgFillPrice: price,
	}
}

func pendingResult(id string, quantity float64) *model.OrderResult {
	return &model.OrderResult{
		OrderID:      id,
		State:        model.OrderPending,
		Quantity:     quantity,
		AvgFillPrice: math.NaN(),
	}
}

func TestSellSettlesLoss(t *testing.T) {
	fx := newFakeExchange()
	fx.balance = &model.Balance{Coin: "BTC", Available: 1}
	fx.statuses["1"] = []*model.OrderResult{filledResult("1", 1, 90)}

	e, _, _ := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.HoldingVolume = 1

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalSell, Price: 90}
	if err := e.Execute(context.Background(), d, ic, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(fx.placed) != 1 || fx.placed[0].Side != model.Sell || fx.placed[0].OrderType != model.Market {
		t.Fatalf("unexpected orders: %+v", fx.placed)
	}
	if ic.RealizedProfit >= 0 {
		t.Fatalf("realized = %v, want loss", ic.RealizedProfit)
	}
	if ic.ConsecutiveLosses != 1 {
		t.Fatalf("losses = %d, want 1", ic.ConsecutiveLosses)
	}
	if ic.AvgBuyPrice != 0 || ic.HoldingVolume != 0 {
		t.Fatalf("position not reset: %+v", ic)
	}
}

func TestSellProfitKeepsLossCount(t *testing.T) {
	fx := newFakeExchange()
	fx.balance = &model.Balance{Coin: "BTC", Available: 1}
	fx.statuses["1"] = []*model.OrderResult{filledResult("1", 1, 110)}

	e, _, _ := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.HoldingVolume = 1

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalSell, Price: 110}
	if err := e.Execute(context.Background(), d, ic, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ic.RealizedProfit <= 0 {
		t.Fatalf("realized = %v, want profit", ic.RealizedProfit)
	}
	if ic.ConsecutiveLosses != 0 {
		t.Fatalf("losses = %d, want 0", ic.ConsecutiveLosses)
	}
	if ic.AvgBuyPrice != 0 {
		t.Fatal("full exit should reset position")
	}
}

func TestPartialSellConsolidatesDust(t *testing.T) {
	cfg := testExecCfg()
	cfg.MinOrderNotional = 6

	fx := newFakeExchange()
	fx.balance = &model.Balance{Coin: "BTC", Available: 1}
	fx.statuses["1"] = []*model.OrderResult{filledResult("1", 1, 10)}

	e, _, _ := newTestExecutor(fx, cfg)
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 9
	ic.HoldingVolume = 1

	// 半仓后剩余市值 5 低于最小下单额 → 一次卖干净
	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalSellPartial, SellRatio: 0.5, Price: 10}
	if err := e.Execute(context.Background(), d, ic, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(fx.placed) != 1 || fx.placed[0].Quantity != 1 {
		t.Fatalf("expected full-volume sell, got %+v", fx.placed)
	}
	if ic.HoldingVolume != 0 || ic.AvgBuyPrice != 0 {
		t.Fatalf("position not reset after consolidation: %+v", ic)
	}
}

func TestLimitBuyTimeoutChasesMarket(t *testing.T) {
	fx := newFakeExchange()
	fx.lastPrice = 100
	fx.statuses["1"] = []*model.OrderResult{pendingResult("1", 3)}
	fx.statuses["2"] = []*model.OrderResult{filledResult("2", 3, 100.2)}

	e, _, store := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	snap := &model.AccountSnapshot{Cash: 600}
	prices := map[string]float64{"BTC-USDT": 100}

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalBuy, Price: 100}
	if err := e.Execute(context.Background(), d, ic, snap, prices); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(fx.placed) != 2 {
		t.Fatalf("orders = %d, want limit + chase market", len(fx.placed))
	}
	if fx.placed[0].OrderType != model.Limit || fx.placed[0].Price != 100 {
		t.Fatalf("first order should be limit @100: %+v", fx.placed[0])
	}
	if fx.placed[1].OrderType != model.Market || fx.placed[1].Notional != 300 {
		t.Fatalf("chase order should be market for full notional: %+v", fx.placed[1])
	}
	if len(fx.cancelled) != 1 || fx.cancelled[0] != "1" {
		t.Fatalf("limit order should be cancelled first: %v", fx.cancelled)
	}
	if ic.AvgBuyPrice != 100.2 || ic.HoldingVolume != 3 {
		t.Fatalf("buy not settled from market fill: %+v", ic)
	}

	cached, _ := store.Get(context.Background(), "BTC-USDT")
	if cached.AvgBuyPrice != 100.2 {
		t.Fatal("settled context should be persisted to the store")
	}
}

func TestChaseAbortedOnPriceDrift(t *testing.T) {
	fx := newFakeExchange()
	fx.lastPrice = 102 // 漂移 2% 超出容差
	fx.statuses["1"] = []*model.OrderResult{pendingResult("1", 3)}

	e, _, _ := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	snap := &model.AccountSnapshot{Cash: 600}

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalBuy, Price: 100}
	if err := e.Execute(context.Background(), d, ic, snap, map[string]float64{"BTC-USDT": 100}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(fx.placed) != 1 {
		t.Fatalf("orders = %d, chase should be skipped", len(fx.placed))
	}
	if ic.AvgBuyPrice != 0 {
		t.Fatalf("nothing filled, context should be untouched: %+v", ic)
	}
}

func TestBuySkippedBelowMinNotional(t *testing.T) {
	fx := newFakeExchange()
	e, _, _ := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	snap := &model.AccountSnapshot{Cash: 4} // 可投 4 < 最小下单额 5

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalBuy, Price: 100}
	if err := e.Execute(context.Background(), d, ic, snap, map[string]float64{"BTC-USDT": 100}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(fx.placed) != 0 {
		t.Fatalf("orders = %d, want none", len(fx.placed))
	}
}

func TestPlaceOrderRetriesRateLimit(t *testing.T) {
	fx := newFakeExchange()
	fx.balance = &model.Balance{Coin: "BTC", Available: 1}
	limited := fmt.Errorf("place: %w", exchange.ErrRateLimited)
	fx.placeErrs = []error{limited, limited}
	fx.statuses["1"] = []*model.OrderResult{filledResult("1", 1, 110)}

	e, _, _ := newTestExecutor(fx, testExecCfg())
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.HoldingVolume = 1

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalSell, Price: 110}
	if err := e.Execute(context.Background(), d, ic, nil, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(fx.placed) != 1 {
		t.Fatalf("order should succeed on third attempt, placed=%d", len(fx.placed))
	}
}

func TestPlaceOrderFailsFastOnOtherError(t *testing.T) {
	fx := newFakeExchange()
	fx.balance = &model.Balance{Coin: "BTC", Available: 1}
	fatal := errors.New("insufficient balance")
	fx.placeErrs = []error{fatal, fatal, fatal}

	notifier := &recordingNotifier{}
	cfg := testExecCfg()
	clock := &fakeClock{t: time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)}
	e := New(fx, nil, risk.NewController(cfg), state.NewStore(nil), nil, notifier, cfg)
	e.now = clock.Now
	e.sleep = clock.Sleep

	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.HoldingVolume = 1

	d := &model.TradeDecision{Symbol: "BTC-USDT", Signal: model.SignalSell, Price: 110}
	err := e.Execute(context.Background(), d, ic, nil, nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want wrapped place error", err)
	}
	if len(fx.placeErrs) != 2 {
		t.Fatalf("non-ratelimit error must not be retried, remaining errs=%d", len(fx.placeErrs))
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != "order_failed" {
		t.Fatalf("expected order_failed event, got %+v", notifier.events)
	}
}

func TestSweepStaleOrders(t *testing.T) {
	fx := newFakeExchange()
	e, clock, _ := newTestExecutor(fx, testExecCfg())

	fx.open = []model.OpenOrder{
		{OrderID: "stale", Symbol: "BTC-USDT", Price: 95, CreatedAt: clock.t.Add(-20 * time.Minute)},
		{OrderID: "fresh", Symbol: "BTC-USDT", Price: 99, CreatedAt: clock.t.Add(-time.Minute)},
	}

	e.SweepStaleOrders(context.Background(), []string{"BTC-USDT"})
	if len(fx.cancelled) != 1 || fx.cancelled[0] != "stale" {
		t.Fatalf("cancelled = %v, want only the stale order", fx.cancelled)
	}

	// 幂等：再扫一遍不会重复撤单
	e.SweepStaleOrders(context.Background(), []string{"BTC-USDT"})
	if len(fx.cancelled) != 1 {
		t.Fatalf("second sweep cancelled again: %v", fx.cancelled)
	}
}

func TestSweepRetriesRateLimitedListing(t *testing.T) {
	fx := newFakeExchange()
	e, clock, _ := newTestExecutor(fx, testExecCfg())

	// 前两次列挂单被限流，第三次成功
	limited := fmt.Errorf("list: %w", exchange.ErrRateLimited)
	fx.openErrs = []error{limited, limited}
	fx.open = []model.OpenOrder{
		{OrderID: "stale", Symbol: "BTC-USDT", Price: 95, CreatedAt: clock.t.Add(-20 * time.Minute)},
	}

	e.SweepStaleOrders(context.Background(), []string{"BTC-USDT"})
	if len(fx.cancelled) != 1 || fx.cancelled[0] != "stale" {
		t.Fatalf("cancelled = %v, sweep should survive rate limiting", fx.cancelled)
	}
	if fx.openCalls < 3 {
		t.Fatalf("openCalls = %d, want the two limited attempts retried", fx.openCalls)
	}
}
