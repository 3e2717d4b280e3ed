package engine

import (
	"time"

	"coinpilot/internal/model"
	"coinpilot/pkg/logger"
)

// 买入侧：先过闸门（冷却、额度、急涨），再走有序条件表

// 进场命中消息
const (
	MsgEntryDip           = "均价回落或强信号进场"
	MsgEntryPartialRejoin = "部分止盈后1%以内回补"
	MsgEntryUptrendRejoin = "部分止盈后上涨2%以上 → 顺势再进场"
	MsgEntryFollowUp      = "部分止盈后仓位回补 → 顺势再进场"
	MsgEntryPartial       = "部分止盈后仓位回补买入"
	MsgEntryLowExposure   = "仓位不足50% → 允许加仓"
	MsgEntryRebuy         = "超卖回补买入"
	MsgEntryTrend         = "ADX强趋势 + MACD上行"
	MsgEntryLossRecovery  = "连亏5次后超卖反弹进场"
	MsgEntryForced        = "连亏强制进场"
	MsgEntrySlowRebound   = "缓慢反弹买入"
	MsgEntryBollinger     = "布林下轨反弹"
	MsgEntryComposite     = "复合条件买入"
	MsgEntryStochRebound  = "随机指标反弹买入"
	MsgEntryBearRebound   = "下跌行情反弹买入"
)

// prepareEntryFlags 计算各类再进场/加仓形态
func (c *evalCtx) prepareEntryFlags() {
	f := c.f
	ctx := c.in.Ctx
	buy := c.buyPrice

	// 持仓但仓位过轻，且价格回落到均价下方
	c.lowVolumeEntry = c.holding &&
		c.in.VolumeRatio < 0.5 &&
		f.Price < buy*0.985

	partials := ctx.PartialSellCount > 0

	c.partialReentry = partials &&
		c.in.VolumeRatio < 1.0 &&
		f.Price < buy*0.985

	c.partialReentryException = partials &&
		c.in.VolumeRatio < 1.0 &&
		f.ADX > 25 && f.MACD > 0 && f.BuySpike

	c.partialReentryFollowUp = partials &&
		c.in.VolumeRatio < 0.5 &&
		f.ADX > 25 && f.MACD > 0 && f.RSI5m > 50 && f.FlowStrength > 1.05

	// 部分止盈后价格反而走高，顺势追回
	c.partialReentryUptrend = partials &&
		f.Price > buy*1.02 &&
		f.ADX > 25 && f.MACD > 0 && f.FlowStrength > 1.05

	c.ignorePriceLimit = c.strongEntrySignal() || relaxedHours(c.now)
}

// strongEntrySignal 强信号组合，可以无视价格回落要求
func (c *evalCtx) strongEntrySignal() bool {
	f := c.f
	switch {
	// 过卖 + MACD + 买盘放量
	case f.RSI5m < 35 && f.MACD > 0 && f.BuySpike && f.FlowStrength > 1.1:
		return true
	// 随机指标金叉 + 买方占优
	case f.StochK > f.StochD && f.StochK > 20 && f.FlowStrength > 1.2 && f.MACD > -0.05:
		return true
	// 强趋势确认
	case f.ADX > 25 && f.MACD > 0 && f.RSI5m > 50 && f.FlowStrength > 1.1:
		return true
	// 强趋势 + 连续阳线
	case f.ADX > 25 && f.MACD > 0 && f.BullishCandles >= 2 && f.FlowStrength > 1.1:
		return true
	// 低仓位 + 弱超卖
	case c.in.VolumeRatio < 0.3 && f.RSI5m < 40 && f.MACD > 0 && f.ADX > 20:
		return true
	// 1分钟 RSI 急跌后开始反弹
	case f.RSI1mDrop && f.RSI5m < 30 && f.MACD > 0:
		return true
	}
	return false
}

// ignoreCooldown 特别强的信号可以无视进场冷却
func (c *evalCtx) ignoreCooldown() bool {
	f := c.f
	return (f.ADX > 25 && f.MACD > 0 && f.RSI5m > 50 && f.FlowStrength > 1.1) ||
		(f.RSI1mDrop && f.RSI5m < 30 && f.MACD > 0) ||
		(f.BuySpike && f.MACD > 0 && f.BullishCandles >= 2)
}

// entryEligible 空仓，或某种形态允许在持仓状态下补仓
func (c *evalCtx) entryEligible() bool {
	return !c.holding ||
		c.partialReentry ||
		c.partialReentryException ||
		c.partialReentryFollowUp ||
		c.partialReentryUptrend ||
		c.lowVolumeEntry
}

type entryRule struct {
	match  func(*evalCtx) bool
	reason string
}

// 顺序即优先级，第一条命中生效
var entryRules = []entryRule{
	{func(c *evalCtx) bool {
		return (!c.partialReentry && (c.f.Price-c.buyPrice)/c.buyPrice < -0.015) || c.ignorePriceLimit
	}, MsgEntryDip},
	{func(c *evalCtx) bool {
		return (c.partialReentry && c.f.Price <= c.buyPrice*1.01) || c.ignorePriceLimit
	}, MsgEntryPartialRejoin},
	{func(c *evalCtx) bool { return c.partialReentryUptrend }, MsgEntryUptrendRejoin},
	{func(c *evalCtx) bool { return c.partialReentryFollowUp }, MsgEntryFollowUp},
	{func(c *evalCtx) bool { return c.partialReentry }, MsgEntryPartial},
	{func(c *evalCtx) bool { return c.lowVolumeEntry }, MsgEntryLowExposure},
	{func(c *evalCtx) bool {
		return !c.partialReentry && (c.f.Price-c.buyPrice)/c.buyPrice < -0.015 &&
			c.f.RSI5m < 30 && c.f.MACD > 0 && c.f.BuySpike
	}, MsgEntryRebuy},
	{func(c *evalCtx) bool { return c.f.ADX > 25 && c.f.MACD > 0 }, MsgEntryTrend},
	{func(c *evalCtx) bool {
		return c.in.Ctx.ConsecutiveLosses >= 5 && c.f.RSI5m < 25 && c.f.MACD > 0.1 && c.f.BuySpike
	}, MsgEntryLossRecovery},
	{func(c *evalCtx) bool {
		return c.in.Ctx.ConsecutiveLosses > 3 && c.f.RSI5m < 25 && c.f.MACD > 0
	}, MsgEntryForced},
	{func(c *evalCtx) bool {
		return c.f.RSI5m < 35 && c.f.Price <= c.f.BBLower && c.f.BullishCandles >= 2 && c.f.FlowStrength < 1.2
	}, MsgEntrySlowRebound},
	{func(c *evalCtx) bool {
		return c.f.Price <= c.f.BBLower && c.f.RSI5m < 35 && c.f.BuySpike
	}, MsgEntryBollinger},
	{func(c *evalCtx) bool {
		return (c.f.RSI5m < 35 && c.f.Price <= c.f.BBLower) ||
			(c.f.FlowStrength > 1.3 && c.f.StochK > c.f.StochD) ||
			(c.f.IsBullish && c.f.MACD > -0.05)
	}, MsgEntryComposite},
	{func(c *evalCtx) bool {
		return c.f.StochK > 20 && (c.f.StochK-c.f.StochD) > 10 && c.f.StochK > c.f.StochKPrev && c.f.BuySpike
	}, MsgEntryStochRebound},
	{func(c *evalCtx) bool {
		return !c.f.IsBullish && c.f.RSI5m < 30 && c.f.Price > c.f.RecentLow20 && c.f.StochK < 20
	}, MsgEntryBearRebound},
}

// evaluateEntry 买入闸门 + 条件表。返回 (decision, true) 表示本轮评估到此结束
func (c *evalCtx) evaluateEntry() (model.TradeDecision, bool) {
	ctx := c.in.Ctx
	f := c.f
	none := func(msg string) (model.TradeDecision, bool) {
		return model.TradeDecision{Symbol: ctx.Symbol, Signal: model.SignalNone, Message: msg, Price: f.Price}, true
	}

	// 刚清仓的标的短时间内不允许立刻回场
	if !c.holding && ctx.AvgBuyPrice > 0 && ctx.LastLossAt != nil &&
		c.now.Sub(*ctx.LastLossAt) < 60*time.Second {
		return none(MsgPostSellBlock)
	}

	// 止损后的冷却窗口随波动放大，越震荡等得越久
	if ctx.LastLossAt != nil {
		wait := clampSeconds(f.ATR*30, 180, 600)
		since := c.now.Sub(*ctx.LastLossAt)
		if since < wait {
			logger.Warnf("%s 止损后冷却 %v/%v → 禁止买入", ctx.Symbol, since.Truncate(time.Second), wait)
			return none(MsgLossCooldown)
		}
		// 冷却期安全度过，连亏计数清零
		ctx.ConsecutiveLosses = 0
		ctx.LastLossAt = nil
	}

	if maxPer := c.cfg.MaxTotalInvest * c.cfg.MaxInvestRatio; maxPer > 0 && c.in.CurrentInvestment >= maxPer {
		return none(MsgExposureCap)
	}

	// 急涨追高保护
	if c.f.PriceChange5 > 0.05 {
		return none(MsgSurgeGuard)
	}

	if ctx.LastEntryAt != nil {
		cooldown := clampSeconds(f.ATR*25, 120, 600)
		if c.now.Sub(*ctx.LastEntryAt) < cooldown {
			if c.ignoreCooldown() || relaxedHours(c.now) {
				logger.Infof("%s 强信号 → 无视进场冷却", ctx.Symbol)
			} else {
				return none(MsgEntryCooldown)
			}
		}
	}

	for _, rule := range entryRules {
		if !rule.match(c) {
			continue
		}
		logger.Info("entry condition matched",
			logger.Pair("symbol", ctx.Symbol),
			logger.Pair("reason", rule.reason),
			logger.Pair("rsi5m", f.RSI5m),
			logger.Pair("macd", f.MACD),
			logger.Pair("flow", f.FlowStrength))

		isPartialRejoin := c.partialReentry
		ctx.RewardEntry(c.now)
		ctx.PeakPrice = f.Price

		ratio := 0.1
		if !isPartialRejoin {
			// 连亏越多投得越少，下限10%
			ratio = 1.0 - float64(ctx.ConsecutiveLosses)*0.1
			if ratio < 0.1 {
				ratio = 0.1
			}
		}

		return model.TradeDecision{
			Symbol:      ctx.Symbol,
			Signal:      model.SignalBuy,
			Message:     rule.reason,
			Price:       f.Price,
			InvestRatio: ratio,
		}, true
	}

	// 没命中任何买入条件。持仓时继续走卖出评估
	if c.holding {
		return model.TradeDecision{}, false
	}
	return none(MsgNoSignal)
}
