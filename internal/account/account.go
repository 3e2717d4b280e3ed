package account

import (
	"context"
	"strings"

	"coinpilot/internal/exchange"
	"coinpilot/internal/model"
)

// 账户视图：现金、持仓、仓位占比都从交易所查询，交易所是唯一权威

type Service struct {
	ex        exchange.Exchange
	quoteCoin string // 计价币，一般是 USDT
}

func NewService(ex exchange.Exchange, quoteCoin string) *Service {
	if quoteCoin == "" {
		quoteCoin = "USDT"
	}
	return &Service{ex: ex, quoteCoin: quoteCoin}
}

// BaseCoin "BTC/USDT" -> "BTC"
func BaseCoin(symbol string) string {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) == 1 {
		parts = strings.SplitN(symbol, "-", 2)
	}
	return parts[0]
}

// Cash 计价币可用余额
func (s *Service) Cash(ctx context.Context) (float64, error) {
	bal, err := s.ex.GetBalance(ctx, s.quoteCoin)
	if err != nil {
		return 0, err
	}
	return bal.Available, nil
}

// Position 交易所账户投影出的现货持仓。
// 交易所无均价记录时 AvgBuyPrice 为 0，由上层决定怎么兜底
func (s *Service) Position(ctx context.Context, symbol string, avgFromCtx float64) (*model.Position, error) {
	coin := BaseCoin(symbol)
	bal, err := s.ex.GetBalance(ctx, coin)
	if err != nil {
		return nil, err
	}
	return &model.Position{
		Symbol:      symbol,
		Quantity:    bal.Available + bal.Frozen,
		AvgBuyPrice: avgFromCtx,
	}, nil
}

// Snapshot 现金 + 指定标的列表的持仓
func (s *Service) Snapshot(ctx context.Context, symbols []string) (*model.AccountSnapshot, error) {
	cash, err := s.Cash(ctx)
	if err != nil {
		return nil, err
	}
	snap := &model.AccountSnapshot{
		Cash:     cash,
		Holdings: make(map[string]*model.Balance, len(symbols)),
	}
	for _, symbol := range symbols {
		coin := BaseCoin(symbol)
		if _, ok := snap.Holdings[coin]; ok {
			continue
		}
		bal, err := s.ex.GetBalance(ctx, coin)
		if err != nil {
			return nil, err
		}
		snap.Holdings[coin] = bal
	}
	return snap, nil
}

// VolumeRatio 单标的持仓市值占账户总值的比例，风控的仓位上限用
func (s *Service) VolumeRatio(ctx context.Context, symbol string) (float64, error) {
	coin := BaseCoin(symbol)
	bal, err := s.ex.GetBalance(ctx, coin)
	if err != nil {
		return 0, err
	}
	qty := bal.Available + bal.Frozen
	if qty <= 0 {
		return 0, nil
	}
	price, err := s.ex.GetLastPrice(symbol)
	if err != nil {
		return 0, err
	}
	cash, err := s.Cash(ctx)
	if err != nil {
		return 0, err
	}
	holding := qty * price
	total := holding + cash
	if total <= 0 {
		return 0, nil
	}
	return holding / total, nil
}
