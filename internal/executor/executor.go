package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"coinpilot/conf"
	"coinpilot/internal/account"
	"coinpilot/internal/dao"
	"coinpilot/internal/exchange"
	"coinpilot/internal/model"
	"coinpilot/internal/risk"
	"coinpilot/internal/state"
	"coinpilot/pkg/logger"
	"coinpilot/pkg/notify"
	"coinpilot/pkg/retry"
)

// 订单执行与结算。买入走限价 + 超时追单，卖出走市价。
// 上下文的持仓账目（均价、已实现盈亏、连亏计数）只在这里根据确认成交更新

type Executor struct {
	ex       exchange.Exchange
	acct     *account.Service
	risk     *risk.Controller
	store    *state.Store
	trades   *dao.TradeDao
	notifier notify.Notifier
	cfg      conf.TradingConfig

	// 可注入，测试时替换
	now   func() time.Time
	sleep func(time.Duration)
}

func New(ex exchange.Exchange, acct *account.Service, rc *risk.Controller,
	store *state.Store, trades *dao.TradeDao, notifier notify.Notifier, cfg conf.TradingConfig) *Executor {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Executor{
		ex:       ex,
		acct:     acct,
		risk:     rc,
		store:    store,
		trades:   trades,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Execute 按决策信号下单并结算。无信号决策直接忽略
func (e *Executor) Execute(ctx context.Context, d *model.TradeDecision,
	ic *model.InstrumentContext, snap *model.AccountSnapshot, prices map[string]float64) error {
	switch d.Signal {
	case model.SignalBuy:
		return e.buy(ctx, d, ic, snap, prices)
	case model.SignalSell:
		return e.sell(ctx, d, ic, 1.0)
	case model.SignalSellPartial:
		ratio := d.SellRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1.0
		}
		return e.sell(ctx, d, ic, ratio)
	default:
		return nil
	}
}

func (e *Executor) buy(ctx context.Context, d *model.TradeDecision,
	ic *model.InstrumentContext, snap *model.AccountSnapshot, prices map[string]float64) error {
	symbol := d.Symbol

	amount := e.risk.InvestmentAmount(snap, symbol, prices)
	if d.InvestRatio > 0 {
		amount *= d.InvestRatio
	}
	if amount < e.cfg.MinOrderNotional {
		logger.Infof("%s 买入金额 %.2f 低于最小下单额 %.2f → 跳过",
			symbol, amount, e.cfg.MinOrderNotional)
		return nil
	}

	limitPrice := NormalizePrice(d.Price)
	if limitPrice <= 0 {
		return fmt.Errorf("buy %s: invalid limit price %.8f", symbol, d.Price)
	}
	order := &model.Order{
		Symbol:    symbol,
		Side:      model.Buy,
		Price:     limitPrice,
		Quantity:  amount / limitPrice,
		OrderType: model.Limit,
		Timestamp: e.now(),
	}

	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.recordFailure(ctx, symbol, "buy", d.Message, err)
		return err
	}
	logger.Info("limit buy placed",
		logger.Pair("symbol", symbol),
		logger.Pair("orderId", orderID),
		logger.Pair("price", limitPrice),
		logger.Pair("amount", amount))

	res := e.awaitFill(ctx, orderID, symbol)
	if res != nil && res.Filled() {
		return e.settleBuy(ctx, ic, res, d.Message, limitPrice)
	}

	// 没等到全部成交：先撤单，已成交的那部分照常入账
	e.cancelAndConfirm(ctx, orderID, symbol)

	res, err = e.statusWithRetry(orderID, symbol)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logger.Errorf("%s 撤单后查询订单 %s 失败: %v", symbol, orderID, err)
	}
	var filledNotional float64
	if res != nil && res.FilledVolume > 0 {
		if err := e.settleBuy(ctx, ic, res, d.Message, limitPrice); err != nil {
			return err
		}
		filledNotional = res.FilledVolume * limitPrice
		if res.HasFillPrice() {
			filledNotional = res.FilledVolume * res.AvgFillPrice
		}
	}

	remaining := amount - filledNotional
	if remaining < e.cfg.MinOrderNotional {
		return nil
	}

	// 追单：价格没跑远才允许转市价
	last, err := e.ex.GetLastPrice(symbol)
	if err != nil {
		logger.Errorf("%s 追单前取价失败: %v", symbol, err)
		return nil
	}
	drift := math.Abs(last-limitPrice) / limitPrice
	if drift > e.cfg.ChaseTolerance {
		logger.Warnf("%s 限价单超时且价格漂移 %.4f 超出容差 %.4f → 放弃追单",
			symbol, drift, e.cfg.ChaseTolerance)
		return nil
	}

	market := &model.Order{
		Symbol:    symbol,
		Side:      model.Buy,
		Notional:  remaining,
		OrderType: model.Market,
		Timestamp: e.now(),
	}
	marketID, err := e.placeWithRetry(ctx, market)
	if err != nil {
		e.recordFailure(ctx, symbol, "buy", d.Message, err)
		return err
	}
	logger.Info("chase market buy placed",
		logger.Pair("symbol", symbol),
		logger.Pair("orderId", marketID),
		logger.Pair("notional", remaining))

	res = e.awaitFill(ctx, marketID, symbol)
	if res == nil || res.FilledVolume <= 0 {
		logger.Warnf("%s 市价追单 %s 未确认成交", symbol, marketID)
		return nil
	}
	return e.settleBuy(ctx, ic, res, d.Message, last)
}

func (e *Executor) sell(ctx context.Context, d *model.TradeDecision,
	ic *model.InstrumentContext, ratio float64) error {
	symbol := d.Symbol

	// 下单前重新查余额，上下文账目可能落后于实际仓位
	bal, err := e.ex.GetBalance(ctx, account.BaseCoin(symbol))
	if err != nil {
		return fmt.Errorf("sell %s: query balance: %w", symbol, err)
	}
	volume := bal.Available
	if volume <= 0 {
		logger.Warnf("%s 卖出信号但无可用余额", symbol)
		return nil
	}
	if ratio < 1 {
		part := volume * ratio
		// 卖剩的不足最小下单额就一次卖干净
		if (volume-part)*d.Price < e.cfg.MinOrderNotional {
			part = volume
		}
		volume = part
	}
	if volume*d.Price < e.cfg.MinOrderNotional {
		logger.Infof("%s 卖出金额 %.2f 低于最小下单额 → 跳过", symbol, volume*d.Price)
		return nil
	}

	order := &model.Order{
		Symbol:    symbol,
		Side:      model.Sell,
		Quantity:  volume,
		OrderType: model.Market,
		Timestamp: e.now(),
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.recordFailure(ctx, symbol, string(d.Signal), d.Message, err)
		return err
	}
	logger.Info("market sell placed",
		logger.Pair("symbol", symbol),
		logger.Pair("orderId", orderID),
		logger.Pair("volume", volume),
		logger.Pair("ratio", ratio))

	res := e.awaitFill(ctx, orderID, symbol)
	if res == nil || res.FilledVolume <= 0 {
		logger.Warnf("%s 市价卖单 %s 未确认成交", symbol, orderID)
		return nil
	}
	return e.settleSell(ctx, ic, res, d, ratio)
}

// settleBuy 按确认成交更新持仓均价
func (e *Executor) settleBuy(ctx context.Context, ic *model.InstrumentContext,
	res *model.OrderResult, message string, fallbackPrice float64) error {
	filled := res.FilledVolume
	if filled <= 0 {
		return nil
	}
	price := res.AvgFillPrice
	if math.IsNaN(price) || price <= 0 {
		price = fallbackPrice
	}

	if ic.AvgBuyPrice > 0 && ic.HoldingVolume > 0 {
		total := ic.HoldingVolume + filled
		ic.AvgBuyPrice = (ic.AvgBuyPrice*ic.HoldingVolume + price*filled) / total
		ic.HoldingVolume = total
	} else {
		ic.AvgBuyPrice = price
		ic.HoldingVolume = filled
	}

	if err := e.store.Persist(ctx, ic); err != nil {
		logger.Errorf("%s 买入结算持久化失败: %v", ic.Symbol, err)
	}
	e.insertTrade(ctx, &model.TradeRecord{
		Symbol:  ic.Symbol,
		Action:  "buy",
		OrderID: res.OrderID,
		Price:   price,
		Volume:  filled,
		Message: message,
	})
	e.notifyFill(ctx, "buy_filled", ic.Symbol, res, price, 0)

	logger.Info("buy settled",
		logger.Pair("symbol", ic.Symbol),
		logger.Pair("orderId", res.OrderID),
		logger.Pair("fillPrice", price),
		logger.Pair("volume", filled),
		logger.Pair("avgBuyPrice", ic.AvgBuyPrice))
	return nil
}

// settleSell 按确认成交结算盈亏。全部清仓且已实现亏损才计入连亏
func (e *Executor) settleSell(ctx context.Context, ic *model.InstrumentContext,
	res *model.OrderResult, d *model.TradeDecision, ratio float64) error {
	filled := res.FilledVolume
	price := res.AvgFillPrice
	if math.IsNaN(price) || price <= 0 {
		price = d.Price
	}

	var realized float64
	if ic.AvgBuyPrice > 0 {
		fee := e.cfg.FeeRate
		realized = (price*(1-fee) - ic.AvgBuyPrice*(1+fee)) * filled
		ic.RealizedProfit += realized
	}

	remaining := ic.HoldingVolume - filled
	if remaining < 0 {
		remaining = 0
	}
	ic.HoldingVolume = remaining

	fullExit := ratio >= 1 || remaining*price < e.cfg.MinOrderNotional
	if fullExit {
		if ic.AvgBuyPrice > 0 && realized <= 0 {
			ic.RecordLoss(e.now())
			logger.Warnf("%s 清仓亏损 %.4f，连亏计数 → %d",
				ic.Symbol, realized, ic.ConsecutiveLosses)
		}
		ic.ResetPosition()
	}

	if err := e.store.Persist(ctx, ic); err != nil {
		logger.Errorf("%s 卖出结算持久化失败: %v", ic.Symbol, err)
	}
	e.insertTrade(ctx, &model.TradeRecord{
		Symbol:  ic.Symbol,
		Action:  string(d.Signal),
		OrderID: res.OrderID,
		Price:   price,
		Volume:  filled,
		Profit:  realized,
		Message: d.Message,
	})
	e.notifyFill(ctx, "sell_filled", ic.Symbol, res, price, realized)

	logger.Info("sell settled",
		logger.Pair("symbol", ic.Symbol),
		logger.Pair("orderId", res.OrderID),
		logger.Pair("fillPrice", price),
		logger.Pair("volume", filled),
		logger.Pair("realized", realized),
		logger.Pair("fullExit", fullExit))
	return nil
}

// awaitFill 轮询订单直到完全成交、终态或超时，返回最后一次查询结果
func (e *Executor) awaitFill(ctx context.Context, orderID, symbol string) *model.OrderResult {
	deadline := e.now().Add(e.cfg.LimitWait)
	var last *model.OrderResult
	for {
		res, err := e.statusWithRetry(orderID, symbol)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				return last
			}
			logger.Errorf("%s 查询订单 %s 失败: %v", symbol, orderID, err)
		} else {
			last = res
			if res.Filled() || res.State.Final() {
				return res
			}
		}
		if e.now().After(deadline) || ctx.Err() != nil {
			return last
		}
		e.sleep(e.cfg.PollInterval)
	}
}

// cancelAndConfirm 撤单并等它从挂单列表消失
func (e *Executor) cancelAndConfirm(ctx context.Context, orderID, symbol string) bool {
	p := retry.New(3, time.Second)
	p.Sleep = e.sleep
	err := p.Do(func() error {
		err := e.ex.CancelOrder(orderID, symbol)
		if err == nil || errors.Is(err, exchange.ErrOrderNotFound) {
			return nil
		}
		if !errors.Is(err, exchange.ErrRateLimited) {
			return retry.Stop(err)
		}
		return err
	})
	if err != nil {
		logger.Errorf("%s 撤单 %s 失败: %v", symbol, orderID, err)
	}

	for i := 0; i < 5; i++ {
		open, err := e.ex.GetOpenOrders(symbol)
		if err == nil {
			found := false
			for _, o := range open {
				if o.OrderID == orderID {
					found = true
					break
				}
			}
			if !found {
				return true
			}
		}
		if ctx.Err() != nil {
			return false
		}
		e.sleep(e.cfg.PollInterval)
	}
	logger.Warnf("%s 订单 %s 撤单后仍在挂单列表", symbol, orderID)
	return false
}

func (e *Executor) placeWithRetry(ctx context.Context, order *model.Order) (string, error) {
	var orderID string
	p := retry.New(3, time.Second)
	p.Sleep = e.sleep
	err := p.Do(func() error {
		id, err := e.ex.PlaceOrder(ctx, order)
		if err == nil {
			orderID = id
			return nil
		}
		// 只有限频错误值得重试，其他错误重复下单有重复成交风险
		if !errors.Is(err, exchange.ErrRateLimited) {
			return retry.Stop(err)
		}
		return err
	})
	return orderID, err
}

func (e *Executor) openOrdersWithRetry(symbol string) ([]model.OpenOrder, error) {
	var open []model.OpenOrder
	p := retry.New(3, time.Second)
	p.Sleep = e.sleep
	err := p.Do(func() error {
		o, err := e.ex.GetOpenOrders(symbol)
		if err == nil {
			open = o
			return nil
		}
		if !errors.Is(err, exchange.ErrRateLimited) {
			return retry.Stop(err)
		}
		return err
	})
	return open, err
}

func (e *Executor) statusWithRetry(orderID, symbol string) (*model.OrderResult, error) {
	var res *model.OrderResult
	p := retry.New(3, time.Second)
	p.Sleep = e.sleep
	err := p.Do(func() error {
		r, err := e.ex.GetOrderStatus(orderID, symbol)
		if err == nil {
			res = r
			return nil
		}
		if !errors.Is(err, exchange.ErrRateLimited) {
			return retry.Stop(err)
		}
		return err
	})
	return res, err
}

func (e *Executor) insertTrade(ctx context.Context, rec *model.TradeRecord) {
	if e.trades == nil {
		return
	}
	if err := e.trades.Insert(ctx, rec); err != nil {
		logger.Errorf("%s 成交记录入库失败: %v", rec.Symbol, err)
	}
}

func (e *Executor) recordFailure(ctx context.Context, symbol, action, message string, cause error) {
	e.insertTrade(ctx, &model.TradeRecord{
		Symbol:  symbol,
		Action:  action,
		Message: fmt.Sprintf("%s（下单失败: %v）", message, cause),
	})
	e.notifier.Notify(ctx, notify.Event{
		Type:      "order_failed",
		Symbol:    symbol,
		Timestamp: e.now(),
		Payload: map[string]any{
			"action": action,
			"error":  cause.Error(),
		},
	})
}

// notifyFill 成交事件推送。均价未知时省略价格字段，保持 payload 可序列化
func (e *Executor) notifyFill(ctx context.Context, typ, symbol string,
	res *model.OrderResult, price, realized float64) {
	payload := map[string]any{
		"orderId": res.OrderID,
		"volume":  res.FilledVolume,
	}
	if !math.IsNaN(price) && price > 0 {
		payload["price"] = price
	}
	if typ == "sell_filled" {
		payload["profit"] = realized
	}
	e.notifier.Notify(ctx, notify.Event{
		Type:      typ,
		Symbol:    symbol,
		Timestamp: e.now(),
		Payload:   payload,
	})
}
