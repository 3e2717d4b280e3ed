package model

import "time"

// InstrumentContext 单标的的决策记忆，跨进程重启持久化。
// 交易所账户是持仓数量与均价的权威来源，这里只存交易所查不到的部分：
// 连亏计数、冷却时间、峰值价格、分批止盈进度
type InstrumentContext struct {
	Symbol string `gorm:"column:symbol;primaryKey" json:"symbol"`

	// 连续亏损次数，全部清仓且已实现亏损时 +1
	ConsecutiveLosses int        `gorm:"column:consecutive_losses" json:"consecutive_losses"`
	LastLossAt        *time.Time `gorm:"column:last_loss_at" json:"last_loss_at,omitempty"`
	LastEntryAt       *time.Time `gorm:"column:last_entry_at" json:"last_entry_at,omitempty"`

	// 持仓期间的最高价，移动止盈用
	PeakPrice float64 `gorm:"column:peak_price" json:"peak_price"`

	// 分批止盈进度
	PartialSellCount  int        `gorm:"column:partial_sell_count" json:"partial_sell_count"`
	LastPartialSellAt *time.Time `gorm:"column:last_partial_sell_at" json:"last_partial_sell_at,omitempty"`

	AvgBuyPrice    float64 `gorm:"column:avg_buy_price" json:"avg_buy_price"`     // 成交确认后的加权均价
	RealizedProfit float64 `gorm:"column:realized_profit" json:"realized_profit"` // 累计已实现盈亏
	HoldingVolume  float64 `gorm:"column:holding_volume" json:"holding_volume"`   // 本地持仓记账，交易所为准

	UpdatedAt time.Time `json:"updated_at"`
}

func (InstrumentContext) TableName() string {
	return "instrument_context"
}

// NewInstrumentContext 返回中性初始状态
func NewInstrumentContext(symbol string) *InstrumentContext {
	return &InstrumentContext{Symbol: symbol}
}

// ResetPosition 清空持仓相关记忆，连亏计数保留
func (c *InstrumentContext) ResetPosition() {
	c.PeakPrice = 0
	c.PartialSellCount = 0
	c.LastPartialSellAt = nil
	c.AvgBuyPrice = 0
	c.HoldingVolume = 0
}

// RecordLoss 全部清仓且亏损时调用
func (c *InstrumentContext) RecordLoss(now time.Time) {
	c.ConsecutiveLosses++
	t := now
	c.LastLossAt = &t
}

// RewardEntry 新仓建立后减轻连亏惩罚，进场本身就是信号转强
func (c *InstrumentContext) RewardEntry(now time.Time) {
	c.ConsecutiveLosses -= 2
	if c.ConsecutiveLosses < 0 {
		c.ConsecutiveLosses = 0
	}
	t := now
	c.LastEntryAt = &t
	c.PartialSellCount = 0
	c.LastPartialSellAt = nil
}

// Position 交易所账户投影出的现货持仓
type Position struct {
	Symbol      string  `json:"symbol"`
	Quantity    float64 `json:"quantity"`
	AvgBuyPrice float64 `json:"avg_buy_price"` // 交易所无记录时为 0
}

// Holding 是否持有有效仓位
func (p *Position) Holding() bool {
	return p != nil && p.Quantity > 0
}
