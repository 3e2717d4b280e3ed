package api

import (
	"github.com/nntaoli-project/goex/v2/options"
	"gorm.io/gorm"

	"coinpilot/conf"
	"coinpilot/internal/account"
	"coinpilot/internal/agent"
	"coinpilot/internal/dao"
	"coinpilot/internal/engine"
	"coinpilot/internal/exchange"
	"coinpilot/internal/executor"
	"coinpilot/internal/handler/status"
	"coinpilot/internal/risk"
	"coinpilot/internal/router"
	"coinpilot/internal/state"
	"coinpilot/pkg/notify"
	"coinpilot/pkg/recorder"
)

// InitRouter 组装依赖链并返回业务路由和评估主循环
func InitRouter(db *gorm.DB) (Router, *agent.Agent, notify.Notifier) {
	appCfg := conf.AppConfig
	trading := appCfg.Trading

	// 没配置API密钥时落到本地模拟交易所，可以无凭证跑通整条链路
	var ex exchange.Exchange
	if appCfg.Okx.ApiKey == "" {
		ex = exchange.NewSimulated()
	} else {
		ex = exchange.NewOkxSpot(
			options.WithApiKey(appCfg.Okx.ApiKey),
			options.WithApiSecretKey(appCfg.Okx.SecretKey),
			options.WithPassphrase(appCfg.Okx.Password),
		)
	}

	contextDao := dao.NewContextDao(db)
	tradeDao := dao.NewTradeDao(db)

	store := state.NewStore(contextDao)
	acct := account.NewService(ex, "USDT")
	riskCtl := risk.NewController(trading)
	eng := engine.New(trading)

	var notifier notify.Notifier = notify.NopNotifier{}
	if appCfg.Kafka.Broker != "" {
		notifier = notify.NewKafkaNotifier(appCfg.Kafka.Broker, appCfg.Kafka.Topic)
	}

	exec := executor.New(ex, acct, riskCtl, store, tradeDao, notifier, trading)

	rec := recorder.NewJSONFileRecorder("logs/decision-log.json")
	ag := agent.New(trading, ex, acct, store, eng, exec, notifier, rec)

	hub := status.NewWsHub()
	ag.OnDecision = hub.Broadcast

	statusHandler := status.NewHandler(trading, acct, store, tradeDao)
	apiRouter := router.NewApiRouter(statusHandler, hub)

	return apiRouter, ag, notifier
}
