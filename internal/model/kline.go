package model

import (
	"math"
	"time"
)

// Timeframe K线周期
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
)

type Kline struct {
	Timestamp time.Time `json:"time"`
	Open      float64   `json:"open"`
	Close     float64   `json:"close"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Vol       float64   `json:"vol"`     // 成交量 以币为单位
	VolCcy    float64   `json:"vol_ccy"` // 成交额 以USDT为单位
}

// OrderBookSnapshot 单次盘口观测，五档挂单量合计
type OrderBookSnapshot struct {
	BuyVolume  float64   `json:"buy_volume"`  // 买盘挂单量合计
	SellVolume float64   `json:"sell_volume"` // 卖盘挂单量合计
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	Timestamp  time.Time `json:"timestamp"`
}

// OrderBookAggregate 盘口滚动窗口聚合，买卖压力判断的输入
type OrderBookAggregate struct {
	BuyVolume            float64 `json:"buy_volume"`  // 最新买盘挂单量
	SellVolume           float64 `json:"sell_volume"` // 最新卖盘挂单量
	BuyVolumeSum         float64 `json:"buy_volume_sum"`
	SellVolumeSum        float64 `json:"sell_volume_sum"`
	BuyVolumeMean        float64 `json:"buy_volume_mean"`
	SellVolumeMean       float64 `json:"sell_volume_mean"`
	SellVolumeRecentMean float64 `json:"sell_volume_recent_mean"` // 最近5次均值，卖压突增检测
}

// AggregateOrderBook 把一段时间内的盘口观测聚合成引擎输入
func AggregateOrderBook(window []OrderBookSnapshot) *OrderBookAggregate {
	agg := &OrderBookAggregate{}
	if len(window) == 0 {
		return agg
	}
	for _, ob := range window {
		agg.BuyVolumeSum += ob.BuyVolume
		agg.SellVolumeSum += ob.SellVolume
	}
	n := float64(len(window))
	agg.BuyVolumeMean = agg.BuyVolumeSum / n
	agg.SellVolumeMean = agg.SellVolumeSum / n

	last := window[len(window)-1]
	agg.BuyVolume = last.BuyVolume
	agg.SellVolume = last.SellVolume

	recent := window
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var recentSell float64
	for _, ob := range recent {
		recentSell += ob.SellVolume
	}
	agg.SellVolumeRecentMean = recentSell / float64(len(recent))
	return agg
}

// FlowStrength 窗口内买卖力量比，>1 表示买方占优；无卖压时按 1 处理
func (ob *OrderBookAggregate) FlowStrength() float64 {
	s := ob.BuyVolumeSum / (ob.SellVolumeSum + 1e-9)
	if math.IsNaN(s) || ob.BuyVolumeSum == 0 && ob.SellVolumeSum == 0 {
		return 1
	}
	return s
}

// BuySpike 最新买盘挂单量是否显著放大
func (ob *OrderBookAggregate) BuySpike() bool {
	return ob.BuyVolumeMean > 0 && ob.BuyVolume > ob.BuyVolumeMean*2
}

// SellSurge 近端卖压是否突增
func (ob *OrderBookAggregate) SellSurge() bool {
	return ob.SellVolumeMean > 0 && ob.SellVolumeRecentMean > ob.SellVolumeMean*3
}

// MarketSnapshot 单标的单次评估的全部市场输入
type MarketSnapshot struct {
	Symbol    string                `json:"symbol"`
	Price     float64               `json:"price"` // 最新成交价
	Klines    map[Timeframe][]Kline `json:"-"`     // 周期 -> K线，旧在前新在后
	OrderBook *OrderBookAggregate   `json:"order_book,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Bars 返回指定周期的K线，没有时为 nil
func (s *MarketSnapshot) Bars(tf Timeframe) []Kline {
	if s.Klines == nil {
		return nil
	}
	return s.Klines[tf]
}
