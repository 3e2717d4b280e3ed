package indicator

import (
	"errors"
	"math"

	"coinpilot/internal/model"

	"github.com/markcheno/go-talib"
)

// 技术指标流水线：K线 + 盘口 -> 特征集合
// 所有滚动计算只看历史窗口，序列最后一个元素代表"现在"

// ErrInsufficientData K线数量不足，引擎据此直接返回无信号
var ErrInsufficientData = errors.New("insufficient kline data")

// 各周期最少K线数量
const (
	MinBars1m  = 14
	MinBars5m  = 200
	MinBars15m = 100
)

// Features 引擎评估需要的全部技术特征
type Features struct {
	Price float64 // 5m 最新收盘价

	RSI5m     float64
	RSI1m     float64
	RSI1mPrev float64

	BBLower float64 // 布林带下轨 (20, 2σ)

	StochK     float64
	StochD     float64
	StochKPrev float64

	MACD     float64 // (12,26,9) 主线
	MACDHist float64

	// 长周期 MACD (50,200,9) 柱状图，金叉检测用
	LongMACDHist     float64
	LongMACDHistPrev float64
	LongMACDSlope    float64

	ADX float64
	ATR float64

	RecentLow20 float64 // 5m 低点滚动最小值(20)
	RecentLow15 float64 // 5m 低点滚动最小值(15)

	BullishCandles int  // 最近3根5m阳线数量
	IsBullish      bool // 最新5m是否阳线
	PriceFalling   bool // 最新5m收盘低于前一根

	PriceChange5 float64 // 最近5根5m涨幅

	// 1m 短线崩溃信号
	RSI1mDrop     bool // RSI<30 且仍在下行
	Breaking1mSup bool // 跌破前5根1m低点

	// 盘口
	FlowStrength float64 // 买卖力量比，未定义时为 1
	BuySpike     bool
	SellSurge    bool
}

// StrongUptrend 强上升趋势共振：ADX + MACD 同向
func (f *Features) StrongUptrend() bool {
	return f.ADX > 25 && f.MACD > 0
}

// Compute 从快照计算特征。K线不足返回 ErrInsufficientData
func Compute(snap *model.MarketSnapshot) (*Features, error) {
	bars1m := snap.Bars(model.Timeframe1m)
	bars5m := snap.Bars(model.Timeframe5m)
	bars15m := snap.Bars(model.Timeframe15m)

	if len(bars1m) < MinBars1m || len(bars5m) < MinBars5m || len(bars15m) < MinBars15m {
		return nil, ErrInsufficientData
	}

	closes5 := extract(bars5m, func(k model.Kline) float64 { return k.Close })
	opens5 := extract(bars5m, func(k model.Kline) float64 { return k.Open })
	highs5 := extract(bars5m, func(k model.Kline) float64 { return k.High })
	lows5 := extract(bars5m, func(k model.Kline) float64 { return k.Low })
	closes1 := extract(bars1m, func(k model.Kline) float64 { return k.Close })
	lows1 := extract(bars1m, func(k model.Kline) float64 { return k.Low })

	f := &Features{Price: last(closes5)}

	rsi5 := talib.Rsi(closes5, 14)
	f.RSI5m = lastOr(rsi5, 50)

	rsi1 := talib.Rsi(closes1, 14)
	f.RSI1m = lastOr(rsi1, 50)
	f.RSI1mPrev = prevOr(rsi1, 50)

	_, _, bbLower := talib.BBands(closes5, 20, 2.0, 2.0, 0)
	f.BBLower = lastOr(bbLower, f.Price)

	k, d := talib.Stoch(highs5, lows5, closes5, 14, 3, 0, 3, 0)
	f.StochK = last(k)
	f.StochD = last(d)
	f.StochKPrev = prev(k)

	macd, _, hist := talib.Macd(closes5, 12, 26, 9)
	f.MACD = last(macd)
	f.MACDHist = last(hist)

	_, _, longHist := talib.Macd(closes5, 50, 200, 9)
	f.LongMACDHist = lastOr(longHist, 0)
	f.LongMACDHistPrev = prevOr(longHist, 0)
	f.LongMACDSlope = f.LongMACDHist - f.LongMACDHistPrev

	f.ADX = last(talib.Adx(highs5, lows5, closes5, 14))
	f.ATR = last(talib.Atr(highs5, lows5, closes5, 14))

	f.RecentLow20 = last(talib.Min(lows5, 20))
	f.RecentLow15 = last(talib.Min(lows5, 15))

	for i := len(bars5m) - 3; i < len(bars5m); i++ {
		if bars5m[i].Close > bars5m[i].Open {
			f.BullishCandles++
		}
	}
	f.IsBullish = last(closes5) > last(opens5)
	f.PriceFalling = last(closes5) < prev(closes5)
	f.PriceChange5 = last(closes5)/closes5[len(closes5)-6] - 1

	f.RSI1mDrop = f.RSI1m < 30 && f.RSI1m < f.RSI1mPrev
	// rolling(5).min() 的前一格：不含最新一根的近5根1m低点
	sup := talib.Min(lows1, 5)
	f.Breaking1mSup = last(closes1) < prev(sup)

	f.FlowStrength = 1
	if ob := snap.OrderBook; ob != nil {
		f.FlowStrength = ob.FlowStrength()
		f.BuySpike = ob.BuySpike()
		f.SellSurge = ob.SellSurge()
	}

	if f.invalid() {
		return nil, ErrInsufficientData
	}
	return f, nil
}

// invalid 指标出现 NaN 时整体降级为数据不足
func (f *Features) invalid() bool {
	for _, v := range []float64{
		f.Price, f.RSI5m, f.RSI1m, f.StochK, f.StochD,
		f.MACD, f.ADX, f.ATR, f.RecentLow20, f.RecentLow15, f.FlowStrength,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func extract(bars []model.Kline, fn func(model.Kline) float64) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = fn(b)
	}
	return out
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	return v[len(v)-1]
}

func prev(v []float64) float64 {
	if len(v) < 2 {
		return math.NaN()
	}
	return v[len(v)-2]
}

func lastOr(v []float64, def float64) float64 {
	x := last(v)
	if math.IsNaN(x) {
		return def
	}
	return x
}

func prevOr(v []float64, def float64) float64 {
	x := prev(v)
	if math.IsNaN(x) {
		return def
	}
	return x
}
