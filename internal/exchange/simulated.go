package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"coinpilot/internal/model"

	"github.com/google/uuid"
	gmodel "github.com/nntaoli-project/goex/v2/model"
)

// 模拟交易所，本地联调和测试用。
// 限价单默认挂起，市价单立即按当前价成交；
// 可以通过 FillOrder / SetKlines 脚本化行为
type Simulated struct {
	mu sync.Mutex

	prices  map[string]float64
	klines  map[string]map[gmodel.KlinePeriod][]model.Kline
	books   map[string]*model.OrderBookSnapshot
	orders  map[string]*model.OrderResult
	created map[string]time.Time
	balance map[string]*model.Balance

	// AutoFillLimit 为 true 时限价单也立即成交
	AutoFillLimit bool
	Now           func() time.Time
}

func NewSimulated() *Simulated {
	return &Simulated{
		prices:  make(map[string]float64),
		klines:  make(map[string]map[gmodel.KlinePeriod][]model.Kline),
		books:   make(map[string]*model.OrderBookSnapshot),
		orders:  make(map[string]*model.OrderResult),
		created: make(map[string]time.Time),
		balance: make(map[string]*model.Balance),
		Now:     time.Now,
	}
}

// 设置初始价格
func (s *Simulated) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *Simulated) SetKlines(symbol string, period gmodel.KlinePeriod, klines []model.Kline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.klines[symbol] == nil {
		s.klines[symbol] = make(map[gmodel.KlinePeriod][]model.Kline)
	}
	s.klines[symbol][period] = klines
}

func (s *Simulated) SetOrderBook(symbol string, book *model.OrderBookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[symbol] = book
}

func (s *Simulated) SetBalance(coin string, available float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance[coin] = &model.Balance{Coin: coin, Available: available}
}

// FillOrder 脚本化成交，测试里驱动订单走向终态
func (s *Simulated) FillOrder(orderID string, fills ...model.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return
	}
	o.Fills = append(o.Fills, fills...)
	for _, f := range fills {
		o.FilledVolume += f.Volume
	}
	o.AvgFillPrice = model.VWAP(o.Fills)
	if o.Quantity > 0 && o.FilledVolume >= o.Quantity {
		o.State = model.OrderFilled
	} else if o.FilledVolume > 0 {
		o.State = model.OrderPartFilled
	}
}

func (s *Simulated) GetLastPrice(symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		// 没有初始化时随机一个价格并记录
		price = 10000 + rand.Float64()*2000
		s.prices[symbol] = price
	}
	return price, nil
}

func (s *Simulated) GetKlineRecords(symbol string, period gmodel.KlinePeriod, size int) ([]model.Kline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPeriod, ok := s.klines[symbol]
	if !ok {
		return nil, nil
	}
	klines := byPeriod[period]
	if size > 0 && len(klines) > size {
		klines = klines[len(klines)-size:]
	}
	return klines, nil
}

func (s *Simulated) GetOrderBook(symbol string, depth int) (*model.OrderBookSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if book, ok := s.books[symbol]; ok {
		return book, nil
	}
	return &model.OrderBookSnapshot{}, nil
}

func (s *Simulated) PlaceOrder(ctx context.Context, order *model.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID := uuid.NewString()
	price := order.Price
	if order.OrderType == model.Market {
		price = s.prices[order.Symbol]
	}
	qty := order.Quantity
	if order.OrderType == model.Market && order.Side == model.Buy && qty == 0 && price > 0 {
		qty = order.Notional / price
	}

	result := &model.OrderResult{
		OrderID:      orderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		State:        model.OrderPending,
		Quantity:     qty,
		AvgFillPrice: model.VWAP(nil),
	}
	s.orders[orderID] = result
	s.created[orderID] = s.Now()

	if order.OrderType == model.Market || s.AutoFillLimit {
		result.Fills = []model.Fill{{Price: price, Volume: qty}}
		result.FilledVolume = qty
		result.AvgFillPrice = model.VWAP(result.Fills)
		result.State = model.OrderFilled
	}
	return orderID, nil
}

func (s *Simulated) GetOrderStatus(orderID, symbol string) (*model.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("GetOrderStatus: %w", ErrOrderNotFound)
	}
	cp := *result
	cp.Fills = append([]model.Fill(nil), result.Fills...)
	return &cp, nil
}

func (s *Simulated) CancelOrder(orderID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("CancelOrder: %w", ErrOrderNotFound)
	}
	if !o.State.Final() {
		o.State = model.OrderCancelled
	}
	return nil
}

func (s *Simulated) GetOpenOrders(symbol string) ([]model.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []model.OpenOrder
	for id, o := range s.orders {
		if o.Symbol != symbol || o.State.Final() {
			continue
		}
		items = append(items, model.OpenOrder{
			OrderID:   id,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Quantity:  o.Quantity,
			CreatedAt: s.created[id],
		})
	}
	return items, nil
}

func (s *Simulated) GetBalance(ctx context.Context, coin string) (*model.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balance[coin]; ok {
		cp := *b
		return &cp, nil
	}
	return &model.Balance{Coin: coin}, nil
}
