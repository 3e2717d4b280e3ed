package router

import (
	"coinpilot/internal/handler/status"
	"coinpilot/internal/middleware"

	"github.com/gin-gonic/gin"
)

type ApiRouter struct {
	statusHandler *status.Handler
	wsHub         *status.WsHub
}

func NewApiRouter(sh *status.Handler, hub *status.WsHub) *ApiRouter {
	return &ApiRouter{statusHandler: sh, wsHub: hub}
}

func (api *ApiRouter) Load(g *gin.Engine) {
	base := g.Group("/api/v1")

	s := base.Group("/status", middleware.AntiDuplicateMiddleware())
	{
		// 账户资金与各标的持仓账目
		s.GET("/account", api.statusHandler.AccountGet())
		// 最近一次的决策快照
		s.GET("/decision", api.statusHandler.DecisionGet())
		// 成交流水
		s.GET("/trades", api.statusHandler.TradesGet())
	}

	w := base.Group("/stream")
	{
		w.GET("/ws", api.wsHub.ServeWS) // 通过websocket订阅实时决策
	}
}
