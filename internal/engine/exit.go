package engine

import (
	"fmt"
	"math"
	"time"

	"coinpilot/internal/model"
	"coinpilot/pkg/logger"
)

// 卖出侧：持有覆盖（强趋势、买盘墙、冷却）优先于有序卖出条件表

// 卖出命中消息
const (
	MsgExitRecentLow = "跌破近期15根低点 → 止损清仓"
	MsgExitTrailing  = "触发移动止盈 → 清仓"
	MsgExit1mCrash   = "1分钟急跌 → 部分止盈"
	MsgExitSellSurge = "5分钟下行 + 卖压激增 → 清仓"
	MsgExitFixedTP   = "到达+1%目标 → 部分止盈"
	MsgExitATRStop   = "ATR止损触发"
)

// partialSellRatio 第几次部分止盈卖多大比例，先大后小
func partialSellRatio(count int) float64 {
	switch count {
	case 0:
		return 0.4
	case 1:
		return 0.3
	default:
		return 0.1
	}
}

// computeStopTake 波动率自适应的止损/止盈价，扣掉一来一回的手续费
func computeStopTake(buyPrice, atr, feeRate float64) (stopLoss, takeProfit float64) {
	minStop := buyPrice * (1 - 0.02)  // 最少容忍 -2%
	minTake := buyPrice * (1 + 0.005) // 最少 +0.5% 才算止盈

	if atr <= 0 || math.IsNaN(atr) {
		atr = buyPrice * 0.005
	}

	// 低价标的的绝对波动小，给更宽的止损带
	atrMultiplier := 3.0
	if buyPrice < 5000 {
		atrMultiplier = 5.0
	}

	stopLoss = math.Max(buyPrice-atr*atrMultiplier, minStop) * (1 - feeRate)
	takeProfit = math.Max(buyPrice+atr*4, minTake) * (1 - feeRate)

	// 买卖两腿手续费
	stopLoss *= 1 - feeRate*2
	takeProfit *= 1 - feeRate*2
	return
}

// computeFixedTakeProfit 固定+1%的部分止盈目标价
func computeFixedTakeProfit(buyPrice, feeRate float64) float64 {
	return buyPrice * 1.01 * (1 - feeRate*2)
}

type exitRule struct {
	match  func(*exitCtx) bool
	signal model.Signal
	reason string
}

// exitCtx 卖出评估工作区
type exitCtx struct {
	*evalCtx
	stopLoss      float64
	takeProfit    float64
	fixedTP       float64
	netProfit     float64 // 单位数量的税后盈亏
	peak          float64 // 本轮评估开始时的峰值
	criticalPrice bool    // 价格急跌
	criticalBook  bool    // 盘口卖压急增
	crash1m       bool    // 1分钟级崩溃
}

// 顺序即优先级
var exitRules = []exitRule{
	// 跌破近期低点，无条件止损
	{func(x *exitCtx) bool {
		return x.f.Price < x.f.RecentLow15*0.99
	}, model.SignalSell, MsgExitRecentLow},

	// 移动止盈：有过像样的涨幅又回撤，且仍有盈利
	{func(x *exitCtx) bool {
		return x.peak > x.buyPrice*1.015 && x.f.Price < x.peak*0.988 && x.netProfit > 0
	}, model.SignalSell, MsgExitTrailing},

	// 1分钟急跌，保住一部分利润
	{func(x *exitCtx) bool { return x.crash1m }, model.SignalSellPartial, MsgExit1mCrash},

	// 5分钟走弱 + 卖压异常
	{func(x *exitCtx) bool {
		f := x.f
		return f.PriceFalling && !f.IsBullish &&
			(f.SellSurge || f.FlowStrength < 0.5) &&
			x.netProfit > x.buyPrice*0.002 &&
			!(f.MACD > 0 && f.ADX > 25 && f.Price > x.buyPrice*1.005)
	}, model.SignalSell, MsgExitSellSurge},

	// 固定目标价分批止盈，两次之间至少间隔3分钟
	{func(x *exitCtx) bool {
		last := x.in.Ctx.LastPartialSellAt
		return x.f.Price >= x.fixedTP &&
			(last == nil || x.now.Sub(*last) > 180*time.Second)
	}, model.SignalSellPartial, MsgExitFixedTP},

	// ATR 止损，带幅度闸门防止小波动扫损
	{func(x *exitCtx) bool {
		move := math.Abs(x.f.Price - x.buyPrice)
		return x.f.Price < x.stopLoss &&
			(move > math.Max(x.buyPrice*0.01, x.f.ATR*2) || move > x.f.ATR*1.5)
	}, model.SignalSell, MsgExitATRStop},
}

// evaluateExit 持仓状态的卖出评估
func (c *evalCtx) evaluateExit() (model.TradeDecision, bool) {
	ctx := c.in.Ctx
	f := c.f
	hold := func(msg string) (model.TradeDecision, bool) {
		return model.TradeDecision{Symbol: ctx.Symbol, Signal: model.SignalNone, Message: msg, Price: f.Price}, true
	}

	if c.buyPrice <= 0 {
		logger.Warnf("%s 持仓但无均价信息 → 卖出评估跳过", ctx.Symbol)
		return hold(MsgHoldNoAvgPrice)
	}

	x := &exitCtx{evalCtx: c}
	x.stopLoss, x.takeProfit = computeStopTake(c.buyPrice, f.ATR, c.cfg.FeeRate)
	x.fixedTP = computeFixedTakeProfit(c.buyPrice, c.cfg.FeeRate)
	x.netProfit = f.Price*(1-c.cfg.FeeRate) - c.buyPrice*(1+c.cfg.FeeRate)

	// 峰值维护：条件判断用本轮之前的峰值，更新值留给下一轮
	x.peak = ctx.PeakPrice
	if x.peak <= 0 {
		x.peak = f.Price
	}
	if f.Price > ctx.PeakPrice {
		ctx.PeakPrice = f.Price
	}

	x.criticalPrice = f.Price < f.RecentLow15*0.99
	x.criticalBook = f.PriceFalling && !f.IsBullish && (f.SellSurge || f.FlowStrength < 0.6)
	x.crash1m = (f.RSI1mDrop || f.Breaking1mSup) && x.netProfit > c.buyPrice*0.001

	// 强上升趋势里不碰仓位，急跌信号也先放一放
	if f.MACD > 0 && f.ADX > 25 && f.Price > c.buyPrice*1.005 {
		return hold(MsgHoldTrend)
	}

	// 急跌但下方有强买盘，先观望
	if x.criticalBook && f.BuySpike {
		return hold(MsgHoldBuyWall)
	}

	// 刚做过部分止盈，没有恶化信号就不急着清仓
	if last := ctx.LastPartialSellAt; last != nil &&
		c.now.Sub(*last) < 180*time.Second &&
		!(x.criticalPrice || x.criticalBook || x.crash1m) {
		return hold(MsgHoldPartialCool)
	}

	// 移动止盈的形态满足但算下来是亏的：宁可继续持有也不锁定亏损
	if x.peak > c.buyPrice*1.015 && f.Price < x.peak*0.988 && x.netProfit <= 0 {
		logger.Warnf("%s 移动止盈形态但净收益 %.4f ≤ 0 → 持有", ctx.Symbol, x.netProfit)
		return hold(MsgHoldTrailingLoss)
	}

	for _, rule := range exitRules {
		if !rule.match(x) {
			continue
		}
		logger.Warn("exit condition matched",
			logger.Pair("symbol", ctx.Symbol),
			logger.Pair("signal", string(rule.signal)),
			logger.Pair("reason", rule.reason),
			logger.Pair("netProfit", x.netProfit))

		partialCount := ctx.PartialSellCount
		ctx.PeakPrice = 0
		ctx.LastPartialSellAt = nil
		ctx.PartialSellCount = 0

		d := model.TradeDecision{
			Symbol:     ctx.Symbol,
			Signal:     rule.signal,
			Message:    rule.reason,
			Price:      f.Price,
			StopLoss:   x.stopLoss,
			TakeProfit: x.takeProfit,
		}
		if rule.signal == model.SignalSellPartial {
			d.SellRatio = partialSellRatio(partialCount)
			ctx.PartialSellCount = partialCount + 1
			t := c.now
			ctx.LastPartialSellAt = &t
			if ctx.ConsecutiveLosses >= 2 {
				ctx.ConsecutiveLosses -= 2
			} else {
				ctx.ConsecutiveLosses = 0
			}
		}
		if rule.reason == MsgExitATRStop {
			d.Message = fmt.Sprintf("%s（止损价: %.2f）", MsgExitATRStop, x.stopLoss)
		}
		return d, true
	}

	return model.TradeDecision{}, false
}
