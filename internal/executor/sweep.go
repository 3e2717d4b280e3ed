package executor

import (
	"context"

	"coinpilot/pkg/logger"
)

// SweepStaleOrders 清理超龄残留挂单。进程重启或撤单失败都可能留下
// 孤儿限价单，周期性扫一遍保证不会有过期价格的单子一直挂着。
// 幂等：没有超龄挂单时什么都不做
func (e *Executor) SweepStaleOrders(ctx context.Context, symbols []string) {
	maxAge := e.cfg.SweepMaxAge
	if maxAge <= 0 {
		return
	}
	now := e.now()

	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		// 限流时有界重试，扫描不能因为一次429被整轮跳过
		open, err := e.openOrdersWithRetry(symbol)
		if err != nil {
			logger.Errorf("%s 挂单扫描失败: %v", symbol, err)
			continue
		}
		for _, o := range open {
			age := now.Sub(o.CreatedAt)
			if age < maxAge {
				continue
			}
			logger.Warn("cancel stale order",
				logger.Pair("symbol", symbol),
				logger.Pair("orderId", o.OrderID),
				logger.Pair("price", o.Price),
				logger.Pair("age", age.String()))
			if ok := e.cancelAndConfirm(ctx, o.OrderID, symbol); !ok {
				logger.Errorf("%s 残留挂单 %s 撤销未确认", symbol, o.OrderID)
			}
		}
	}
}
