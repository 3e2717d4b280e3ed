package model

import (
	"math"
	"time"
)

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

type OrderType string

const (
	// 市价购买
	Market OrderType = "market"
	// 限价购买
	Limit OrderType = "limit"
)

// OrderState 订单生命周期状态
type OrderState string

const (
	OrderPending    OrderState = "pending"
	OrderPartFilled OrderState = "part_filled"
	OrderFilled     OrderState = "filled"
	OrderCancelled  OrderState = "cancelled"
	OrderFailed     OrderState = "failed"
)

// Final 是否为终态
func (s OrderState) Final() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

type Order struct {
	Symbol        string // BTC/USDT
	Side          OrderSide
	Price         float64 // 限价单价格，市价单为 0
	Quantity      float64 // 以币为单位；市价买入时为 0，用 Notional
	Notional      float64 // 市价买入金额，以计价币为单位
	OrderType     OrderType
	ClientOrderId string
	Timestamp     time.Time
}

// Fill 单笔成交
type Fill struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// OrderResult 订单查询/结算结果
type OrderResult struct {
	OrderID      string     `json:"order_id"`
	Symbol       string     `json:"symbol"`
	Side         OrderSide  `json:"side"`
	State        OrderState `json:"state"`
	Quantity     float64    `json:"quantity"`
	FilledVolume float64    `json:"filled_volume"`
	AvgFillPrice float64    `json:"avg_fill_price"` // 无成交时为 NaN
	Fills        []Fill     `json:"fills,omitempty"`
}

// Filled 是否完全成交
func (r *OrderResult) Filled() bool {
	return r.State == OrderFilled || (r.Quantity > 0 && r.FilledVolume >= r.Quantity)
}

// HasFillPrice 均价是否已知
func (r *OrderResult) HasFillPrice() bool {
	return !math.IsNaN(r.AvgFillPrice) && r.AvgFillPrice > 0
}

// VWAP 按成交量加权的平均成交价。
// 没有任何成交时均价是未知的，返回 NaN 而不是 0
func VWAP(fills []Fill) float64 {
	var notional, volume float64
	for _, f := range fills {
		notional += f.Price * f.Volume
		volume += f.Volume
	}
	if volume <= 0 {
		return math.NaN()
	}
	return notional / volume
}

// OpenOrder 交易所侧的未完结挂单
type OpenOrder struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

// TradeRecord 成交流水，落库供审计与状态接口
type TradeRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Symbol    string    `gorm:"column:symbol;index" json:"symbol"`
	Action    string    `gorm:"column:action" json:"action"` // buy / sell / sell_partial
	OrderID   string    `gorm:"column:order_id" json:"order_id"`
	Price     float64   `gorm:"column:price" json:"price"` // 成交均价
	Volume    float64   `gorm:"column:volume" json:"volume"`
	Profit    float64   `gorm:"column:profit" json:"profit"` // 卖出时的已实现盈亏
	Message   string    `gorm:"column:message" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (TradeRecord) TableName() string {
	return "trade_record"
}
