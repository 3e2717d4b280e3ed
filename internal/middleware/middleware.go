package middleware

import (
	"coinpilot/internal/handler/ping"

	"github.com/gin-gonic/gin"
)

// 全局中间件和基础路由，独立于业务路由加载

type Middleware struct{}

func NewMiddleware() *Middleware {
	return &Middleware{}
}

func (m *Middleware) Load(g *gin.Engine) {
	g.Use(gin.Recovery())
	g.Use(RequestId())
	g.Use(Logger)
	g.Use(NoCache())
	g.Use(Options())
	g.Use(Secure())

	g.GET("/ping", ping.Ping())
}
