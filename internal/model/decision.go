package model

type Signal string

const (
	// 无操作，Message 里保留原因
	SignalNone Signal = ""
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
	// 部分止盈
	SignalSellPartial Signal = "sell_partial"
)

// TradeDecision 一次评估的产出。字段只在对应信号下有意义：
// SellRatio 只随 sell_partial 出现，InvestRatio 只随 buy 出现
type TradeDecision struct {
	Symbol      string  `json:"symbol"`
	Signal      Signal  `json:"signal"`
	Message     string  `json:"message"` // 命中的规则说明，含阻断原因
	Price       float64 `json:"price"`   // 决策时的参考价
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	SellRatio   float64 `json:"sell_ratio,omitempty"`   // 0~1，部分止盈的卖出比例
	InvestRatio float64 `json:"invest_ratio,omitempty"` // 0~1，买入时的资金折减系数
}

// Actionable 是否需要走下单流程
func (d *TradeDecision) Actionable() bool {
	return d.Signal == SignalBuy || d.Signal == SignalSell || d.Signal == SignalSellPartial
}
