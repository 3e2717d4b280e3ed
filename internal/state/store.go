package state

import (
	"context"
	"sync"

	"coinpilot/internal/dao"
	"coinpilot/internal/model"
	"coinpilot/pkg/logger"
)

// Store 管理每个标的的决策上下文。
// 内存缓存 + 同步落库：上下文在锁内完成持久化后才释放，
// 进程崩溃最多丢失一次未完成的评估
type Store struct {
	d *dao.ContextDao

	mu    sync.Mutex
	cache map[string]*model.InstrumentContext
	locks map[string]*sync.Mutex
	busy  map[string]bool
}

func NewStore(d *dao.ContextDao) *Store {
	return &Store{
		d:     d,
		cache: make(map[string]*model.InstrumentContext),
		locks: make(map[string]*sync.Mutex),
		busy:  make(map[string]bool),
	}
}

// Warmup 启动时加载全部已持久化的上下文
func (s *Store) Warmup(ctx context.Context) error {
	if s.d == nil {
		return nil
	}
	items, err := s.d.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		ic := items[i]
		s.cache[ic.Symbol] = &ic
	}
	return nil
}

// TryAcquire 尝试独占一个标的。上一轮还没结束时返回 false，调用方直接跳过本轮
func (s *Store) TryAcquire(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[symbol] {
		return false
	}
	s.busy[symbol] = true
	return true
}

// Release 释放标的占用
func (s *Store) Release(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[symbol] = false
}

// Get 返回标的上下文，缓存未命中时查库，没有记录时返回中性初始状态
func (s *Store) Get(ctx context.Context, symbol string) (*model.InstrumentContext, error) {
	s.mu.Lock()
	if ic, ok := s.cache[symbol]; ok {
		s.mu.Unlock()
		return ic, nil
	}
	s.mu.Unlock()

	var ic *model.InstrumentContext
	if s.d != nil {
		loaded, err := s.d.Load(ctx, symbol)
		if err != nil {
			return nil, err
		}
		ic = loaded
	}
	if ic == nil {
		ic = model.NewInstrumentContext(symbol)
	}

	s.mu.Lock()
	s.cache[symbol] = ic
	s.mu.Unlock()
	return ic, nil
}

// Persist 同步落库。落库失败时上下文仍在内存里，下一轮会重试
func (s *Store) Persist(ctx context.Context, ic *model.InstrumentContext) error {
	s.mu.Lock()
	s.cache[ic.Symbol] = ic
	s.mu.Unlock()
	if s.d == nil {
		return nil
	}
	return s.d.Save(ctx, ic)
}

// Reconcile 交易所持仓与本地记忆对账，交易所永远是持仓的权威。
// 返回修正后的持仓（包含均价兜底）
func (s *Store) Reconcile(ic *model.InstrumentContext, pos *model.Position, lastPrice float64, allowFallback bool) *model.Position {
	if pos == nil {
		pos = &model.Position{Symbol: ic.Symbol}
	}

	if pos.Quantity <= 0 && ic.AvgBuyPrice > 0 {
		// 本地认为有仓位但交易所没有：仓位被外部卖出，清掉本地记忆
		logger.Warn("position memory stale, resetting",
			logger.Pair("symbol", ic.Symbol),
			logger.Pair("memoryAvg", ic.AvgBuyPrice))
		ic.ResetPosition()
		return pos
	}

	if pos.Quantity > 0 {
		switch {
		case pos.AvgBuyPrice > 0:
			ic.AvgBuyPrice = pos.AvgBuyPrice
		case ic.AvgBuyPrice > 0:
			pos.AvgBuyPrice = ic.AvgBuyPrice
		case allowFallback && lastPrice > 0:
			// 交易所和本地都没有均价记录，用现价兜底，盈亏从零起算
			logger.Warn("no avg buy price, falling back to last price",
				logger.Pair("symbol", ic.Symbol),
				logger.Pair("price", lastPrice))
			pos.AvgBuyPrice = lastPrice
			ic.AvgBuyPrice = lastPrice
		}
		ic.HoldingVolume = pos.Quantity
	}
	return pos
}
