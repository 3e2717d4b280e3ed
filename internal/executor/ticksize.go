package executor

import (
	"github.com/shopspring/decimal"
)

// 限价单价格必须落在交易所的最小报价单位上，
// 价格档位越高步进越粗

type tickTier struct {
	upper float64 // 不含
	step  float64
}

var tickTiers = []tickTier{
	{2000, 1},
	{5000, 5},
	{10000, 10},
	{50000, 50},
	{100000, 100},
	{500000, 500},
}

// TickSize 价格所在档位的最小步进
func TickSize(price float64) float64 {
	for _, t := range tickTiers {
		if price < t.upper {
			return t.step
		}
	}
	return 1000
}

// NormalizePrice 把价格向下对齐到合法步进，用 decimal 避免浮点截断误差
func NormalizePrice(price float64) float64 {
	if price <= 0 {
		return 0
	}
	step := decimal.NewFromFloat(TickSize(price))
	p := decimal.NewFromFloat(price)
	f, _ := p.Div(step).Floor().Mul(step).Float64()
	return f
}
