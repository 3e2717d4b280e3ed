package engine

import (
	"math"
	"testing"
	"time"

	"coinpilot/conf"
	"coinpilot/internal/indicator"
	"coinpilot/internal/model"
)

// 固定在平峰时段，避免活跃时段的放宽逻辑干扰用例
var testNow = time.Date(2025, 6, 3, 14, 30, 0, 0, time.UTC)

func testConfig() conf.TradingConfig {
	cfg := conf.TradingConfig{
		Symbols:        []string{"BTC-USDT"},
		MaxTotalInvest: 1000,
	}
	cfg.ApplyDefaults()
	return cfg
}

// neutralFeatures 不触发任何买卖条件的中性特征
func neutralFeatures(price float64) *indicator.Features {
	return &indicator.Features{
		Price:        price,
		RSI5m:        50,
		RSI1m:        50,
		RSI1mPrev:    50,
		BBLower:      price * 0.95,
		StochK:       40,
		StochD:       50,
		StochKPrev:   40,
		MACD:         -1,
		ADX:          10,
		ATR:          1,
		RecentLow20:  price * 0.9,
		RecentLow15:  price * 0.9,
		IsBullish:    false,
		FlowStrength: 1,
	}
}

func newEvalCtx(t *testing.T, f *indicator.Features, ic *model.InstrumentContext,
	holding bool, buyPrice float64) *evalCtx {
	t.Helper()
	cfg := testConfig()
	qty := 0.0
	if holding {
		qty = 1.0
	}
	in := &Input{
		Snapshot: &model.MarketSnapshot{Symbol: ic.Symbol},
		Position: &model.Position{Symbol: ic.Symbol, Quantity: qty, AvgBuyPrice: buyPrice},
		Ctx:      ic,
		Now:      testNow,
	}
	c := &evalCtx{
		in:       in,
		f:        f,
		cfg:      &cfg,
		now:      testNow,
		buyPrice: buyPrice,
		holding:  holding,
	}
	c.prepareEntryFlags()
	return c
}

func TestEvaluateInsufficientData(t *testing.T) {
	eng := New(testConfig())
	ic := model.NewInstrumentContext("BTC-USDT")
	dec := eng.Evaluate(Input{
		Snapshot: &model.MarketSnapshot{Symbol: "BTC-USDT"},
		Position: &model.Position{Symbol: "BTC-USDT"},
		Ctx:      ic,
		Now:      testNow,
	})
	if dec.Signal != model.SignalNone {
		t.Fatalf("signal = %q, want none", dec.Signal)
	}
	if dec.Message != MsgInsufficientData {
		t.Fatalf("message = %q, want %q", dec.Message, MsgInsufficientData)
	}
}

func TestPostSellBlock(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	at := testNow.Add(-30 * time.Second)
	ic.LastLossAt = &at

	c := newEvalCtx(t, neutralFeatures(100), ic, false, 100)
	dec, done := c.evaluateEntry()
	if !done || dec.Message != MsgPostSellBlock {
		t.Fatalf("got (%+v, %v), want post-sell block", dec, done)
	}
}

func TestLossCooldownBlocksThenResets(t *testing.T) {
	f := neutralFeatures(100)
	f.ATR = 10 // 冷却 clamp(300, 180, 600) = 300s

	ic := model.NewInstrumentContext("BTC-USDT")
	ic.ConsecutiveLosses = 3
	at := testNow.Add(-100 * time.Second)
	ic.LastLossAt = &at

	c := newEvalCtx(t, f, ic, false, 100)
	dec, done := c.evaluateEntry()
	if !done || dec.Message != MsgLossCooldown {
		t.Fatalf("got (%+v, %v), want loss cooldown", dec, done)
	}
	if ic.ConsecutiveLosses != 3 {
		t.Fatalf("cooldown must not touch loss count, got %d", ic.ConsecutiveLosses)
	}

	// 冷却期过了，连亏计数清零
	at = testNow.Add(-301 * time.Second)
	ic.LastLossAt = &at
	c = newEvalCtx(t, f, ic, false, 100)
	dec, done = c.evaluateEntry()
	if !done || dec.Message != MsgNoSignal {
		t.Fatalf("got (%+v, %v), want no signal", dec, done)
	}
	if ic.ConsecutiveLosses != 0 || ic.LastLossAt != nil {
		t.Fatalf("losses should reset after cooldown: %d %v", ic.ConsecutiveLosses, ic.LastLossAt)
	}
}

func TestExposureCap(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	c := newEvalCtx(t, neutralFeatures(100), ic, false, 100)
	c.in.CurrentInvestment = 300 // = 1000 * 0.3

	dec, done := c.evaluateEntry()
	if !done || dec.Message != MsgExposureCap {
		t.Fatalf("got (%+v, %v), want exposure cap", dec, done)
	}
}

func TestSurgeGuard(t *testing.T) {
	f := neutralFeatures(100)
	f.PriceChange5 = 0.06

	ic := model.NewInstrumentContext("BTC-USDT")
	c := newEvalCtx(t, f, ic, false, 100)
	dec, done := c.evaluateEntry()
	if !done || dec.Message != MsgSurgeGuard {
		t.Fatalf("got (%+v, %v), want surge guard", dec, done)
	}
}

func TestEntryCooldown(t *testing.T) {
	f := neutralFeatures(100)
	f.ATR = 10 // 冷却 clamp(250, 120, 600) = 250s

	ic := model.NewInstrumentContext("BTC-USDT")
	at := testNow.Add(-60 * time.Second)
	ic.LastEntryAt = &at

	c := newEvalCtx(t, f, ic, false, 100)
	dec, done := c.evaluateEntry()
	if !done || dec.Message != MsgEntryCooldown {
		t.Fatalf("got (%+v, %v), want entry cooldown", dec, done)
	}
}

func TestEntryDipBuy(t *testing.T) {
	// 现价较均价回落 2.9%
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 103
	c := newEvalCtx(t, neutralFeatures(100), ic, false, 103)

	dec, done := c.evaluateEntry()
	if !done || dec.Signal != model.SignalBuy {
		t.Fatalf("got (%+v, %v), want buy", dec, done)
	}
	if dec.Message != MsgEntryDip {
		t.Fatalf("message = %q, want %q", dec.Message, MsgEntryDip)
	}
	if dec.InvestRatio != 1.0 {
		t.Fatalf("invest ratio = %v, want 1.0", dec.InvestRatio)
	}
	if ic.PeakPrice != 100 {
		t.Fatalf("peak price = %v, want entry price", ic.PeakPrice)
	}
	if ic.LastEntryAt == nil {
		t.Fatal("entry must stamp LastEntryAt")
	}
}

func TestEntryInvestRatioShrinksWithLosses(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 103
	ic.ConsecutiveLosses = 5 // RewardEntry 后为 3 → 投入 70%
	c := newEvalCtx(t, neutralFeatures(100), ic, false, 103)

	dec, done := c.evaluateEntry()
	if !done || dec.Signal != model.SignalBuy {
		t.Fatalf("got (%+v, %v), want buy", dec, done)
	}
	if math.Abs(dec.InvestRatio-0.7) > 1e-9 {
		t.Fatalf("invest ratio = %v, want 0.7", dec.InvestRatio)
	}
}

func TestPartialRejoinBuysSmall(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.PartialSellCount = 1
	f := neutralFeatures(98) // < 100*0.985

	c := newEvalCtx(t, f, ic, true, 100)
	c.in.VolumeRatio = 0.4
	c.prepareEntryFlags()
	if !c.partialReentry {
		t.Fatal("expected partial reentry flag")
	}

	dec, done := c.evaluateEntry()
	if !done || dec.Signal != model.SignalBuy {
		t.Fatalf("got (%+v, %v), want buy", dec, done)
	}
	if dec.Message != MsgEntryPartialRejoin {
		t.Fatalf("message = %q, want %q", dec.Message, MsgEntryPartialRejoin)
	}
	if dec.InvestRatio != 0.1 {
		t.Fatalf("partial rejoin ratio = %v, want 0.1", dec.InvestRatio)
	}
	if ic.PartialSellCount != 0 {
		t.Fatal("entry should clear partial sell count")
	}
}

func TestEntryNotEligibleWhileFullyInvested(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	c := newEvalCtx(t, neutralFeatures(101), ic, true, 100)
	c.in.VolumeRatio = 1.0
	c.prepareEntryFlags()

	if c.entryEligible() {
		t.Fatal("full position without reentry pattern should not be entry eligible")
	}
}

func TestExitTrailingStop(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.PeakPrice = 110

	f := neutralFeatures(105) // 从峰值回撤 >1.2%，仍有盈利
	c := newEvalCtx(t, f, ic, true, 100)

	dec, done := c.evaluateExit()
	if !done || dec.Signal != model.SignalSell {
		t.Fatalf("got (%+v, %v), want sell", dec, done)
	}
	if dec.Message != MsgExitTrailing {
		t.Fatalf("message = %q, want %q", dec.Message, MsgExitTrailing)
	}
	if ic.PeakPrice != 0 {
		t.Fatalf("peak must clear on exit, got %v", ic.PeakPrice)
	}
	if dec.StopLoss <= 0 || dec.TakeProfit <= dec.StopLoss {
		t.Fatalf("stop/take = %v/%v", dec.StopLoss, dec.TakeProfit)
	}
}

func TestExitTrailingSuppressedWhenLosing(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 106
	ic.PeakPrice = 110

	f := neutralFeatures(105) // 形态满足但税后仍是亏的
	c := newEvalCtx(t, f, ic, true, 106)

	dec, done := c.evaluateExit()
	if !done || dec.Signal != model.SignalNone {
		t.Fatalf("got (%+v, %v), want hold", dec, done)
	}
	if dec.Message != MsgHoldTrailingLoss {
		t.Fatalf("message = %q, want %q", dec.Message, MsgHoldTrailingLoss)
	}
	if ic.PeakPrice != 110 {
		t.Fatalf("hold must not clear peak, got %v", ic.PeakPrice)
	}
}

func TestExitRecentLowStop(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100

	f := neutralFeatures(100)
	f.RecentLow15 = 106 // 100 < 106*0.99

	c := newEvalCtx(t, f, ic, true, 100)
	dec, done := c.evaluateExit()
	if !done || dec.Signal != model.SignalSell || dec.Message != MsgExitRecentLow {
		t.Fatalf("got (%+v, %v), want recent-low stop", dec, done)
	}
}

func TestExitFixedTakeProfitPartial(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.ConsecutiveLosses = 3

	f := neutralFeatures(101) // > 100*1.01*(1-2*fee)
	c := newEvalCtx(t, f, ic, true, 100)

	dec, done := c.evaluateExit()
	if !done || dec.Signal != model.SignalSellPartial {
		t.Fatalf("got (%+v, %v), want partial sell", dec, done)
	}
	if dec.Message != MsgExitFixedTP {
		t.Fatalf("message = %q, want %q", dec.Message, MsgExitFixedTP)
	}
	if dec.SellRatio != 0.4 {
		t.Fatalf("first partial ratio = %v, want 0.4", dec.SellRatio)
	}
	if ic.PartialSellCount != 1 || ic.LastPartialSellAt == nil {
		t.Fatalf("partial bookkeeping: count=%d at=%v", ic.PartialSellCount, ic.LastPartialSellAt)
	}
	if ic.ConsecutiveLosses != 1 {
		t.Fatalf("partial profit should ease losses: %d, want 1", ic.ConsecutiveLosses)
	}
}

func TestPartialSellRatioProgression(t *testing.T) {
	cases := []struct {
		count int
		want  float64
	}{
		{0, 0.4}, {1, 0.3}, {2, 0.1}, {3, 0.1}, {7, 0.1},
	}
	for _, c := range cases {
		if got := partialSellRatio(c.count); got != c.want {
			t.Errorf("partialSellRatio(%d) = %v, want %v", c.count, got, c.want)
		}
	}
}

func TestHoldPartialCooldown(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100
	ic.PartialSellCount = 1
	at := testNow.Add(-60 * time.Second)
	ic.LastPartialSellAt = &at

	f := neutralFeatures(101)
	c := newEvalCtx(t, f, ic, true, 100)
	c.in.VolumeRatio = 1.0
	c.prepareEntryFlags()

	dec, done := c.evaluateExit()
	if !done || dec.Message != MsgHoldPartialCool {
		t.Fatalf("got (%+v, %v), want partial cooldown hold", dec, done)
	}
}

func TestHoldStrongUptrend(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100

	f := neutralFeatures(106)
	f.MACD = 1
	f.ADX = 30

	c := newEvalCtx(t, f, ic, true, 100)
	dec, done := c.evaluateExit()
	if !done || dec.Message != MsgHoldTrend {
		t.Fatalf("got (%+v, %v), want uptrend hold", dec, done)
	}
}

func TestHoldBuyWall(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100

	f := neutralFeatures(100)
	f.PriceFalling = true
	f.SellSurge = true
	f.BuySpike = true

	c := newEvalCtx(t, f, ic, true, 100)
	dec, done := c.evaluateExit()
	if !done || dec.Message != MsgHoldBuyWall {
		t.Fatalf("got (%+v, %v), want buy wall hold", dec, done)
	}
}

func TestExitATRStop(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	ic.AvgBuyPrice = 100

	f := neutralFeatures(95)
	f.RecentLow15 = 94 // 不触发近期低点规则

	c := newEvalCtx(t, f, ic, true, 100)
	dec, done := c.evaluateExit()
	if !done || dec.Signal != model.SignalSell {
		t.Fatalf("got (%+v, %v), want ATR stop sell", dec, done)
	}
	if len(dec.Message) == 0 || dec.Message[:len(MsgExitATRStop)] != MsgExitATRStop {
		t.Fatalf("message = %q, want prefix %q", dec.Message, MsgExitATRStop)
	}
}

func TestExitNoAvgPrice(t *testing.T) {
	ic := model.NewInstrumentContext("BTC-USDT")
	c := newEvalCtx(t, neutralFeatures(100), ic, true, 0)

	dec, done := c.evaluateExit()
	if !done || dec.Message != MsgHoldNoAvgPrice {
		t.Fatalf("got (%+v, %v), want no-avg-price hold", dec, done)
	}
}

func TestComputeStopTake(t *testing.T) {
	fee := 0.0005

	// ATR 很大时止损被 -2% 下限托住
	stop, take := computeStopTake(10000, 100, fee)
	wantStop := 9800 * (1 - fee) * (1 - 2*fee)
	if math.Abs(stop-wantStop) > 1e-6 {
		t.Fatalf("stop = %v, want %v", stop, wantStop)
	}
	if take <= stop {
		t.Fatalf("take %v should exceed stop %v", take, stop)
	}

	// ATR 正常时走 3 倍 ATR
	stop, _ = computeStopTake(10000, 20, fee)
	wantStop = 9940 * (1 - fee) * (1 - 2*fee)
	if math.Abs(stop-wantStop) > 1e-6 {
		t.Fatalf("atr stop = %v, want %v", stop, wantStop)
	}

	// 低价标的用更宽的 5 倍
	stopLow, _ := computeStopTake(1000, 2, fee)
	wantStopLow := 990 * (1 - fee) * (1 - 2*fee)
	if math.Abs(stopLow-wantStopLow) > 1e-6 {
		t.Fatalf("low-price stop = %v, want %v", stopLow, wantStopLow)
	}
}

func TestClampSeconds(t *testing.T) {
	if got := clampSeconds(100, 180, 600); got != 180*time.Second {
		t.Fatalf("clamp below = %v", got)
	}
	if got := clampSeconds(1000, 180, 600); got != 600*time.Second {
		t.Fatalf("clamp above = %v", got)
	}
	if got := clampSeconds(300, 180, 600); got != 300*time.Second {
		t.Fatalf("clamp mid = %v", got)
	}
}

func TestRelaxedHours(t *testing.T) {
	if relaxedHours(time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)) {
		t.Fatal("14:00 should not be relaxed")
	}
	if !relaxedHours(time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)) {
		t.Fatal("10:00 should be relaxed")
	}
	if !relaxedHours(time.Date(2025, 6, 3, 21, 0, 0, 0, time.UTC)) {
		t.Fatal("21:00 should be relaxed")
	}
}
