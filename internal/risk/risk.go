package risk

import (
	"coinpilot/conf"
	"coinpilot/internal/model"
	"coinpilot/pkg/logger"
)

// 资金风控：把可用现金分摊到尚未建仓的标的上，
// 单标的受额度上限约束，全部建仓后投资额为 0
type Controller struct {
	cfg conf.TradingConfig
}

func NewController(cfg conf.TradingConfig) *Controller {
	return &Controller{cfg: cfg}
}

// holdingNotional 标的当前持仓市值
func holdingNotional(snap *model.AccountSnapshot, symbol string, price float64) float64 {
	coin := baseCoin(symbol)
	bal := snap.HoldingOf(coin)
	if bal == nil {
		return 0
	}
	return (bal.Available + bal.Frozen) * price
}

func baseCoin(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' || symbol[i] == '-' {
			return symbol[:i]
		}
	}
	return symbol
}

// InvestmentAmount 计算本次买入可投金额。
// prices 提供各标的现价用于估算持仓市值
func (c *Controller) InvestmentAmount(snap *model.AccountSnapshot, symbol string, prices map[string]float64) float64 {
	minNotional := c.cfg.MinOrderNotional

	// 已经有像样仓位的标的不再重复建仓
	if holdingNotional(snap, symbol, prices[symbol]) > minNotional {
		logger.Infof("%s 已持仓 → 跳过买入", symbol)
		return 0
	}

	holding := 0
	for _, s := range c.cfg.Symbols {
		if holdingNotional(snap, s, prices[s]) > minNotional {
			holding++
		}
	}
	remaining := len(c.cfg.Symbols) - holding
	if remaining <= 0 {
		logger.Info("全部标的已持仓 → 跳过买入")
		return 0
	}

	totalLimit := snap.Cash
	if c.cfg.MaxTotalInvest > 0 && c.cfg.MaxTotalInvest < totalLimit {
		totalLimit = c.cfg.MaxTotalInvest
	}
	amount := totalLimit / float64(len(c.cfg.Symbols))
	if c.cfg.MaxInvestPerSymbol > 0 && amount > c.cfg.MaxInvestPerSymbol {
		amount = c.cfg.MaxInvestPerSymbol
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// MaxPerSymbolNotional 单标的持仓市值上限，引擎的敞口闸门用
func (c *Controller) MaxPerSymbolNotional() float64 {
	return c.cfg.MaxTotalInvest * c.cfg.MaxInvestRatio
}
