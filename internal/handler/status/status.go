package status

import (
	"errors"
	"strconv"

	"coinpilot/conf"
	"coinpilot/internal/account"
	"coinpilot/internal/dao"
	"coinpilot/internal/model"
	"coinpilot/internal/state"
	"coinpilot/pkg/cache"
	"coinpilot/pkg/response"

	"github.com/gin-gonic/gin"
)

// 运行状态查询接口：账户概况、各标的上下文、最近决策和成交流水

var errSymbolRequired = errors.New("symbol is required")

type Handler struct {
	cfg    conf.TradingConfig
	acct   *account.Service
	store  *state.Store
	trades *dao.TradeDao
}

func NewHandler(cfg conf.TradingConfig, acct *account.Service, store *state.Store, trades *dao.TradeDao) *Handler {
	return &Handler{cfg: cfg, acct: acct, store: store, trades: trades}
}

type symbolStatus struct {
	Symbol            string  `json:"symbol"`
	AvgBuyPrice       float64 `json:"avg_buy_price"`
	HoldingVolume     float64 `json:"holding_volume"`
	RealizedProfit    float64 `json:"realized_profit"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	PartialSellCount  int     `json:"partial_sell_count"`
	PeakPrice         float64 `json:"peak_price"`
}

// AccountGet 账户现金 + 各标的持仓账目
func (h *Handler) AccountGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		snap, err := h.acct.Snapshot(ctx, h.cfg.Symbols)
		if err != nil {
			response.JSON(c, err, nil)
			return
		}

		items := make([]symbolStatus, 0, len(h.cfg.Symbols))
		for _, symbol := range h.cfg.Symbols {
			ic, err := h.store.Get(ctx, symbol)
			if err != nil {
				continue
			}
			items = append(items, symbolStatus{
				Symbol:            symbol,
				AvgBuyPrice:       ic.AvgBuyPrice,
				HoldingVolume:     ic.HoldingVolume,
				RealizedProfit:    ic.RealizedProfit,
				ConsecutiveLosses: ic.ConsecutiveLosses,
				PartialSellCount:  ic.PartialSellCount,
				PeakPrice:         ic.PeakPrice,
			})
		}
		response.JSON(c, nil, gin.H{
			"cash":    snap.Cash,
			"symbols": items,
		})
	}
}

// DecisionGet 指定标的最近一次的决策快照
func (h *Handler) DecisionGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")
		if symbol == "" {
			response.JSON(c, errSymbolRequired, nil)
			return
		}
		if !cache.Ready() {
			response.JSON(c, nil, nil)
			return
		}
		raw, err := cache.GetLatestDecision(c.Request.Context(), symbol)
		if err != nil {
			response.JSON(c, err, nil)
			return
		}
		response.JSON(c, nil, raw)
	}
}

// TradesGet 最近成交流水，symbol 为空时返回全部标的
func (h *Handler) TradesGet() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Query("symbol")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		if h.trades == nil {
			response.JSON(c, nil, []model.TradeRecord{})
			return
		}
		items, err := h.trades.ListRecent(c.Request.Context(), symbol, limit)
		if err != nil {
			response.JSON(c, err, nil)
			return
		}
		response.JSON(c, nil, items)
	}
}
