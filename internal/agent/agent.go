package agent

import (
	"context"
	"sync"
	"time"

	model2 "github.com/nntaoli-project/goex/v2/model"

	"coinpilot/conf"
	"coinpilot/internal/account"
	"coinpilot/internal/engine"
	"coinpilot/internal/exchange"
	"coinpilot/internal/executor"
	"coinpilot/internal/model"
	"coinpilot/internal/state"
	"coinpilot/pkg/cache"
	"coinpilot/pkg/logger"
	"coinpilot/pkg/notify"
)

// 评估主循环：按固定节奏为每个标的拉行情、跑信号引擎、派发执行。
// 每个标的一把独占锁，上一轮没跑完的标的本轮跳过

const (
	orderBookWindow = 30 // 盘口观测滚动窗口长度
	orderBookDepth  = 5
	sweepEveryNTick = 10 // 每 N 轮扫一次残留挂单

	bars1m  = 100
	bars5m  = 200
	bars15m = 100
)

type Recorder interface {
	Record(result any) error
}

type Agent struct {
	cfg      conf.TradingConfig
	ex       exchange.Exchange
	acct     *account.Service
	store    *state.Store
	engine   *engine.Engine
	exec     *executor.Executor
	notifier notify.Notifier
	recorder Recorder

	// 决策产出后的回调，状态推送用，可为空
	OnDecision func(model.TradeDecision)

	bookMu sync.Mutex
	books  map[string][]model.OrderBookSnapshot

	now func() time.Time
}

func New(cfg conf.TradingConfig, ex exchange.Exchange, acct *account.Service,
	store *state.Store, eng *engine.Engine, exec *executor.Executor,
	notifier notify.Notifier, rec Recorder) *Agent {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Agent{
		cfg:      cfg,
		ex:       ex,
		acct:     acct,
		store:    store,
		engine:   eng,
		exec:     exec,
		notifier: notifier,
		recorder: rec,
		books:    make(map[string][]model.OrderBookSnapshot),
		now:      time.Now,
	}
}

// Run 阻塞运行直到 ctx 取消
func (a *Agent) Run(ctx context.Context) {
	if err := a.store.Warmup(ctx); err != nil {
		logger.Errorf("上下文预热失败: %v", err)
	}
	logger.Info("agent started",
		logger.Pair("symbols", a.cfg.Symbols),
		logger.Pair("interval", a.cfg.TickInterval.String()))

	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	tick := 0
	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("agent stopped")
			return
		case <-ticker.C:
			tick++
			if tick%sweepEveryNTick == 0 {
				a.exec.SweepStaleOrders(ctx, a.cfg.Symbols)
			}
			a.runCycle(ctx)
		}
	}
}

// runCycle 一轮评估：先串行取价和账户快照，再并发评估各标的
func (a *Agent) runCycle(ctx context.Context) {
	prices := make(map[string]float64, len(a.cfg.Symbols))
	for _, symbol := range a.cfg.Symbols {
		p, err := a.ex.GetLastPrice(symbol)
		if err != nil {
			logger.Errorf("%s 取价失败: %v", symbol, err)
			continue
		}
		prices[symbol] = p
	}

	snap, err := a.acct.Snapshot(ctx, a.cfg.Symbols)
	if err != nil {
		logger.Errorf("账户快照失败，本轮跳过: %v", err)
		return
	}

	maxConc := a.cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 1
	}
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	for _, symbol := range a.cfg.Symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(symbol string, price float64) {
			defer wg.Done()
			defer func() { <-sem }()
			a.evalSymbol(ctx, symbol, price, snap, prices)
		}(symbol, price)
	}
	wg.Wait()
}

func (a *Agent) evalSymbol(ctx context.Context, symbol string, price float64,
	snap *model.AccountSnapshot, prices map[string]float64) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("symbol evaluation panic",
				logger.Pair("symbol", symbol),
				logger.Pair("panic", r))
		}
	}()

	if !a.store.TryAcquire(symbol) {
		logger.Warnf("%s 上一轮评估未结束 → 本轮跳过", symbol)
		return
	}
	defer a.store.Release(symbol)

	ic, err := a.store.Get(ctx, symbol)
	if err != nil {
		logger.Errorf("%s 加载上下文失败: %v", symbol, err)
		return
	}

	ms, err := a.fetchMarket(symbol, price)
	if err != nil {
		logger.Errorf("%s 行情拉取失败: %v", symbol, err)
		return
	}

	pos, err := a.acct.Position(ctx, symbol, ic.AvgBuyPrice)
	if err != nil {
		logger.Errorf("%s 持仓查询失败: %v", symbol, err)
		return
	}
	pos = a.store.Reconcile(ic, pos, price, a.cfg.EntryPriceFallback)

	volumeRatio, err := a.acct.VolumeRatio(ctx, symbol)
	if err != nil {
		logger.Errorf("%s 仓位占比计算失败: %v", symbol, err)
		volumeRatio = 0
	}

	dec := a.engine.Evaluate(engine.Input{
		Snapshot:          ms,
		Position:          pos,
		Ctx:               ic,
		VolumeRatio:       volumeRatio,
		CurrentInvestment: pos.Quantity * price,
		Now:               a.now(),
	})

	// 引擎可能改了冷却/峰值等字段，先落库再执行
	if err := a.store.Persist(ctx, ic); err != nil {
		logger.Errorf("%s 上下文持久化失败: %v", symbol, err)
	}

	a.publishDecision(ctx, &dec)

	if !dec.Actionable() {
		logger.Debug("no action",
			logger.Pair("symbol", symbol),
			logger.Pair("message", dec.Message))
		return
	}

	logger.Info("decision",
		logger.Pair("symbol", symbol),
		logger.Pair("signal", string(dec.Signal)),
		logger.Pair("message", dec.Message),
		logger.Pair("price", dec.Price))

	if err := a.exec.Execute(ctx, &dec, ic, snap, prices); err != nil {
		logger.Errorf("%s 执行失败: %v", symbol, err)
	}
}

// fetchMarket 拉三个周期的K线和一次盘口观测，盘口进滚动窗口后聚合
func (a *Agent) fetchMarket(symbol string, price float64) (*model.MarketSnapshot, error) {
	k1m, err := a.ex.GetKlineRecords(symbol, model2.Kline_1min, bars1m)
	if err != nil {
		return nil, err
	}
	k5m, err := a.ex.GetKlineRecords(symbol, model2.Kline_5min, bars5m)
	if err != nil {
		return nil, err
	}
	k15m, err := a.ex.GetKlineRecords(symbol, model2.Kline_15min, bars15m)
	if err != nil {
		return nil, err
	}

	ob, err := a.ex.GetOrderBook(symbol, orderBookDepth)
	if err != nil {
		// 盘口失败不阻塞评估，用已有窗口凑合
		logger.Warnf("%s 盘口拉取失败: %v", symbol, err)
	}
	agg := a.pushOrderBook(symbol, ob)

	return &model.MarketSnapshot{
		Symbol: symbol,
		Price:  price,
		Klines: map[model.Timeframe][]model.Kline{
			model.Timeframe1m:  k1m,
			model.Timeframe5m:  k5m,
			model.Timeframe15m: k15m,
		},
		OrderBook: agg,
		Timestamp: a.now(),
	}, nil
}

func (a *Agent) pushOrderBook(symbol string, ob *model.OrderBookSnapshot) *model.OrderBookAggregate {
	a.bookMu.Lock()
	defer a.bookMu.Unlock()

	window := a.books[symbol]
	if ob != nil {
		window = append(window, *ob)
		if len(window) > orderBookWindow {
			window = window[len(window)-orderBookWindow:]
		}
		a.books[symbol] = window
	}
	if len(window) == 0 {
		return nil
	}
	return model.AggregateOrderBook(window)
}

// publishDecision 把决策写进缓存、落盘、推给订阅方
func (a *Agent) publishDecision(ctx context.Context, dec *model.TradeDecision) {
	if cache.Ready() {
		ttl := a.cfg.TickInterval * 3
		if err := cache.SetLatestDecision(ctx, dec.Symbol, dec, ttl); err != nil {
			logger.Errorf("%s 决策缓存写入失败: %v", dec.Symbol, err)
		}
	}

	if a.recorder != nil {
		if err := a.recorder.Record(dec); err != nil {
			logger.Errorf("%s 决策记录失败: %v", dec.Symbol, err)
		}
	}

	if dec.Actionable() {
		a.notifier.Notify(ctx, notify.Event{
			Type:      "decision",
			Symbol:    dec.Symbol,
			Timestamp: a.now(),
			Payload:   dec,
		})
	}

	if a.OnDecision != nil {
		a.OnDecision(*dec)
	}
}
