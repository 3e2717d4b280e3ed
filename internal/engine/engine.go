package engine

import (
	"time"

	"coinpilot/conf"
	"coinpilot/internal/indicator"
	"coinpilot/internal/model"
	"coinpilot/pkg/logger"
)

// 信号引擎：市场快照 + 标的上下文 + 持仓 -> 交易决策。
// 买卖条件各是一张有序规则表，从上到下第一条命中的生效，
// 排在前面的规则代表更高置信度的形态

// 阻断/持有类消息
const (
	MsgInsufficientData = "数据不足 → 不操作"
	MsgInternalFault    = "引擎内部错误 → 不操作"
	MsgPostSellBlock    = "清仓后60秒内 → 禁止再进场"
	MsgLossCooldown     = "止损后冷却中 → 禁止买入"
	MsgExposureCap      = "持仓超出额度上限 → 禁止买入"
	MsgSurgeGuard       = "短时间急涨5%以上 → 暂缓进场"
	MsgEntryCooldown    = "进场冷却中 → 禁止买入"
	MsgHoldTrend        = "上升趋势 → 持有"
	MsgHoldBuyWall      = "急跌但买盘强劲 → 持有"
	MsgHoldPartialCool  = "部分止盈冷却中 → 暂不清仓"
	MsgHoldTrailingLoss = "移动止盈条件但仍亏损 → 持有"
	MsgHoldNoAvgPrice   = "无均价信息 → 暂不卖出"
	MsgNoSignal         = "未命中任何买入条件"
)

type Engine struct {
	cfg conf.TradingConfig
}

func New(cfg conf.TradingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Input 单标的单次评估的全部输入
type Input struct {
	Snapshot *model.MarketSnapshot
	Position *model.Position
	Ctx      *model.InstrumentContext

	// 持仓市值占账户总值的比例 0~1
	VolumeRatio float64
	// 标的当前持仓市值（计价币）
	CurrentInvestment float64

	Now time.Time
}

// evalCtx 一次评估的工作区
type evalCtx struct {
	in  *Input
	f   *indicator.Features
	cfg *conf.TradingConfig
	now time.Time

	buyPrice float64 // 均价，没有任何来源时为 0
	holding  bool

	partialReentry          bool
	partialReentryException bool
	partialReentryFollowUp  bool
	partialReentryUptrend   bool
	lowVolumeEntry          bool
	ignorePriceLimit        bool
}

// Evaluate 产出决策并把上下文变更写到 in.Ctx，由调用方负责持久化。
// 任何内部故障都不往上抛，降级为无信号
func (e *Engine) Evaluate(in Input) (d model.TradeDecision) {
	symbol := in.Ctx.Symbol
	d = model.TradeDecision{Symbol: symbol, Signal: model.SignalNone}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("engine evaluate panic",
				logger.Pair("symbol", symbol),
				logger.Pair("panic", r))
			d = model.TradeDecision{Symbol: symbol, Signal: model.SignalNone, Message: MsgInternalFault}
		}
	}()

	f, err := indicator.Compute(in.Snapshot)
	if err != nil {
		d.Message = MsgInsufficientData
		return
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	c := &evalCtx{in: &in, f: f, cfg: &e.cfg, now: now}
	c.holding = in.Position.Holding()
	c.buyPrice = resolveBuyPrice(&in, f.Price, e.cfg.EntryPriceFallback)
	d.Price = f.Price

	c.prepareEntryFlags()

	if c.entryEligible() {
		if dec, done := c.evaluateEntry(); done {
			return dec
		}
	}

	if c.holding {
		if dec, done := c.evaluateExit(); done {
			return dec
		}
	}

	d.Message = MsgNoSignal
	return
}

// resolveBuyPrice 均价来源优先级：持仓投影 > 上下文记忆 > 现价兜底（可配置关闭）
func resolveBuyPrice(in *Input, price float64, allowFallback bool) float64 {
	if in.Position != nil && in.Position.AvgBuyPrice > 0 {
		return in.Position.AvgBuyPrice
	}
	if in.Ctx.AvgBuyPrice > 0 {
		return in.Ctx.AvgBuyPrice
	}
	if allowFallback {
		return price
	}
	return 0
}

func clampSeconds(v, lo, hi float64) time.Duration {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return time.Duration(v * float64(time.Second))
}

// 交易活跃时段进场条件放宽
func relaxedHours(now time.Time) bool {
	h := now.Hour()
	return (h >= 9 && h < 11) || (h >= 20 && h <= 23)
}
