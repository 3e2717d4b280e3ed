package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coinpilot/internal/model"

	model2 "github.com/nntaoli-project/goex/v2/model"
)

// ErrRateLimited 交易所限流，调用方可以有界重试
var ErrRateLimited = errors.New("exchange rate limited")

// ErrOrderNotFound 订单不存在（已成交后被归档或ID错误）
var ErrOrderNotFound = errors.New("order not found")

type Exchange interface {
	// 获取最新价格
	GetLastPrice(symbol string) (float64, error)
	/*
		获取k线数据
		比如取 BTC/USDT 现货 5分钟K线，返回顺序是从旧到新
		klines, err := ex.GetKlineRecords("BTC/USDT", model2.Kline_5min, 200)
	*/
	GetKlineRecords(symbol string, period model2.KlinePeriod, size int) ([]model.Kline, error)
	// 获取盘口观测（五档挂单量合计）
	GetOrderBook(symbol string, depth int) (*model.OrderBookSnapshot, error)
	// 下单，返回交易所订单ID
	PlaceOrder(ctx context.Context, order *model.Order) (string, error)
	// 获取订单状态
	GetOrderStatus(orderID, symbol string) (*model.OrderResult, error)
	// 撤销订单
	CancelOrder(orderID, symbol string) error
	// 未完结挂单
	GetOpenOrders(symbol string) ([]model.OpenOrder, error)
	// 指定币种余额
	GetBalance(ctx context.Context, coin string) (*model.Balance, error)
}

// wrapErr 归一化交易所错误，限流错误可被 errors.Is 识别
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "Too Many Requests") ||
		strings.Contains(msg, "50011") { // okx 限流错误码
		return fmt.Errorf("%s: %w: %v", op, ErrRateLimited, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
