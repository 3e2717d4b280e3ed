package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"coinpilot/internal/model"
	"coinpilot/pkg/logger"

	"github.com/google/uuid"
	goexv2 "github.com/nntaoli-project/goex/v2"
	gmodel "github.com/nntaoli-project/goex/v2/model"
	"github.com/nntaoli-project/goex/v2/okx/spot"
	"github.com/nntaoli-project/goex/v2/options"
	"github.com/spf13/cast"
)

// OKX 现货接入，基于 goex
type OkxSpot struct {
	prv goexv2.IPrvRest
	pub *spot.Spot

	mu    sync.Mutex
	pairs map[string]gmodel.CurrencyPair // symbol -> pair 缓存
}

func NewOkxSpot(conf ...options.ApiOption) *OkxSpot {
	pub := goexv2.OKx.Spot
	return &OkxSpot{
		prv:   pub.NewPrvApi(conf...),
		pub:   pub,
		pairs: make(map[string]gmodel.CurrencyPair),
	}
}

// symbol 格式转换: "BTC/USDT" -> goex 需要的 CurrencyPair
func (e *OkxSpot) toCurrencyPair(symbol string) (gmodel.CurrencyPair, error) {
	e.mu.Lock()
	if pair, ok := e.pairs[symbol]; ok {
		e.mu.Unlock()
		return pair, nil
	}
	e.mu.Unlock()

	parts := strings.Split(symbol, "/")
	if len(parts) == 1 {
		parts = strings.Split(symbol, "-")
	}
	if len(parts) < 2 {
		return gmodel.CurrencyPair{}, fmt.Errorf("invalid symbol format: %s", symbol)
	}
	pair, err := e.pub.NewCurrencyPair(parts[0], parts[1])
	if err != nil {
		return gmodel.CurrencyPair{}, err
	}

	e.mu.Lock()
	e.pairs[symbol] = pair
	e.mu.Unlock()
	return pair, nil
}

// 获取最新价格
func (e *OkxSpot) GetLastPrice(symbol string) (float64, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return 0, err
	}
	ticker, _, err := e.pub.GetTicker(pair)
	if err != nil {
		return 0, wrapErr("GetTicker", err)
	}
	if ticker == nil {
		return 0, errors.New("failed to get ticker")
	}
	return ticker.Last, nil
}

func (e *OkxSpot) GetKlineRecords(symbol string, period gmodel.KlinePeriod, size int) ([]model.Kline, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return nil, err
	}

	var opts []gmodel.OptionParameter
	if size > 0 {
		opts = append(opts, gmodel.OptionParameter{
			Key:   "limit",
			Value: strconv.Itoa(size),
		})
	}
	info, _, err := e.pub.GetKline(pair, period, opts...)
	if err != nil {
		return nil, wrapErr("GetKline", err)
	}

	// okx 返回从新到旧，指标计算需要从旧到新
	items := make([]model.Kline, 0, len(info))
	for i := len(info) - 1; i >= 0; i-- {
		item := info[i]
		items = append(items, model.Kline{
			Timestamp: time.UnixMilli(item.Timestamp),
			Open:      item.Open,
			Close:     item.Close,
			High:      item.High,
			Low:       item.Low,
			Vol:       item.Vol,
		})
	}
	return items, nil
}

func (e *OkxSpot) GetOrderBook(symbol string, depth int) (*model.OrderBookSnapshot, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 5
	}
	book, _, err := e.pub.GetDepth(pair, depth)
	if err != nil {
		return nil, wrapErr("GetDepth", err)
	}

	ob := &model.OrderBookSnapshot{Timestamp: time.Now()}
	for _, bid := range book.Bids {
		ob.BuyVolume += bid.Amount
	}
	for _, ask := range book.Asks {
		ob.SellVolume += ask.Amount
	}
	if len(book.Bids) > 0 {
		ob.BestBid = book.Bids[0].Price
	}
	if len(book.Asks) > 0 {
		ob.BestAsk = book.Asks[0].Price
	}
	return ob, nil
}

// 下单购买
// 注意限价和市价的数量单位不相同：限价时单位为币本身，市价买入时单位为USDT金额
func (e *OkxSpot) PlaceOrder(ctx context.Context, order *model.Order) (string, error) {
	pair, err := e.toCurrencyPair(order.Symbol)
	if err != nil {
		return "", err
	}

	var side gmodel.OrderSide
	switch order.Side {
	case model.Buy:
		side = gmodel.Spot_Buy
	case model.Sell:
		side = gmodel.Spot_Sell
	default:
		return "", errors.New("invalid order side")
	}

	var orderType gmodel.OrderType
	qty := order.Quantity
	switch order.OrderType {
	case model.Limit:
		orderType = gmodel.OrderType_Limit
	case model.Market:
		orderType = gmodel.OrderType_Market
		if order.Side == model.Buy {
			qty = order.Notional
		}
	default:
		return "", errors.New("invalid order type")
	}

	clientID := order.ClientOrderId
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	opts := []gmodel.OptionParameter{
		{Key: "clOrdId", Value: clientID},
	}
	// 市价买入按金额计量
	if orderType == gmodel.OrderType_Market && order.Side == model.Buy {
		opts = append(opts, gmodel.OptionParameter{Key: "tgtCcy", Value: "quote_ccy"})
	}

	created, resp, err := e.prv.CreateOrder(pair, qty, order.Price, side, orderType, opts...)
	if err != nil {
		logger.Warnf("CreateOrder error, body=%s", string(resp))
		return "", wrapErr("CreateOrder", err)
	}
	return created.Id, nil
}

// 获取订单状态
func (e *OkxSpot) GetOrderStatus(orderID, symbol string) (*model.OrderResult, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return nil, err
	}
	info, _, err := e.prv.GetOrderInfo(pair, orderID)
	if err != nil {
		if strings.Contains(err.Error(), "51603") { // okx: 订单不存在
			return nil, fmt.Errorf("GetOrderInfo: %w", ErrOrderNotFound)
		}
		return nil, wrapErr("GetOrderInfo", err)
	}

	result := &model.OrderResult{
		OrderID:      info.Id,
		Symbol:       symbol,
		State:        mapOrderState(info.Status.String(), info.ExecutedQty, info.Qty),
		Quantity:     info.Qty,
		FilledVolume: info.ExecutedQty,
	}
	if info.ExecutedQty > 0 {
		fills, err := e.getOrderFills(orderID, pair.Symbol)
		if err != nil {
			// 成交明细拿不到时退化为单笔均价成交
			logger.Warnf("get fills for order %s failed: %v", orderID, err)
			fills = []model.Fill{{Price: info.PriceAvg, Volume: info.ExecutedQty}}
		}
		result.Fills = fills
	}
	result.AvgFillPrice = model.VWAP(result.Fills)
	if info.Side == gmodel.Spot_Sell {
		result.Side = model.Sell
	} else {
		result.Side = model.Buy
	}
	return result, nil
}

// 撤销订单
func (e *OkxSpot) CancelOrder(orderID, symbol string) error {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return err
	}
	_, err = e.prv.CancelOrder(pair, orderID)
	return wrapErr("CancelOrder", err)
}

// 未完结挂单
func (e *OkxSpot) GetOpenOrders(symbol string) ([]model.OpenOrder, error) {
	pair, err := e.toCurrencyPair(symbol)
	if err != nil {
		return nil, err
	}
	orders, _, err := e.prv.GetPendingOrders(pair)
	if err != nil {
		return nil, wrapErr("GetPendingOrders", err)
	}

	items := make([]model.OpenOrder, 0, len(orders))
	for _, o := range orders {
		side := model.Buy
		if o.Side == gmodel.Spot_Sell {
			side = model.Sell
		}
		items = append(items, model.OpenOrder{
			OrderID:   o.Id,
			Symbol:    symbol,
			Side:      side,
			Price:     o.Price,
			Quantity:  o.Qty,
			CreatedAt: time.UnixMilli(o.CreatedAt),
		})
	}
	return items, nil
}

// 指定币种余额
func (e *OkxSpot) GetBalance(ctx context.Context, coin string) (*model.Balance, error) {
	// goex私有方法没有context，临时用超时控制
	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	type result struct {
		bal map[string]gmodel.Account
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bal, _, err := e.prv.GetAccount(coin)
		ch <- result{bal, err}
	}()

	select {
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, wrapErr("GetAccount", r.err)
		}
		acc, ok := r.bal[coin]
		if !ok {
			return &model.Balance{Coin: coin}, nil
		}
		return &model.Balance{
			Coin:      acc.Coin,
			Available: acc.AvailableBalance,
			Frozen:    acc.FrozenBalance,
		}, nil
	}
}

// getOrderFills 通过原始接口取成交明细，goex 未封装该端点
func (e *OkxSpot) getOrderFills(orderID, instID string) ([]model.Fill, error) {
	prv, ok := e.prv.(*spot.PrvApi)
	if !ok {
		return nil, errors.New("fills endpoint requires okx prv api")
	}
	reqUrl := fmt.Sprintf("%s%s", prv.UriOpts.Endpoint, "/api/v5/trade/fills")

	params := url.Values{}
	params.Set("instType", "SPOT")
	params.Set("instId", instID)
	params.Set("ordId", orderID)

	data, _, err := prv.DoAuthRequest(http.MethodGet, reqUrl, &params, nil)
	if err != nil {
		return nil, err
	}
	return parseFills(data)
}

// parseFills 解析 fills 端点返回的 data 数组，数值字段都是字符串
func parseFills(data []byte) ([]model.Fill, error) {
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal fills: %w", err)
	}
	var fills []model.Fill
	for _, m := range raw {
		fills = append(fills, model.Fill{
			Price:  cast.ToFloat64(m["fillPx"]),
			Volume: cast.ToFloat64(m["fillSz"]),
		})
	}
	return fills, nil
}

// mapOrderState 优先看成交数量，状态字符串只用来识别撤单
func mapOrderState(status string, executed, qty float64) model.OrderState {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "cancel"):
		return model.OrderCancelled
	case qty > 0 && executed >= qty:
		return model.OrderFilled
	case strings.Contains(s, "finish") || strings.Contains(s, "fill") && !strings.Contains(s, "part"):
		return model.OrderFilled
	case executed > 0:
		return model.OrderPartFilled
	default:
		return model.OrderPending
	}
}
