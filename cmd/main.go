package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/nntaoli-project/goex/v2"

	api "coinpilot/cmd/coinpilot"
	"coinpilot/conf"
	"coinpilot/internal/middleware"
	"coinpilot/internal/model"
	"coinpilot/pkg/cache"
	"coinpilot/pkg/db"
	"coinpilot/pkg/logger"
)

func main() {

	// 加载配置文件
	err := conf.LoadConfig("conf/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appCfg := conf.AppConfig
	logger.InitLogger(&appCfg.Log, appCfg.AppName)
	if conf.AppConfig.Simulated {
		// 设置为模拟环境
		goex.DefaultHttpCli.SetHeaders("x-simulated-trading", "1")
	}

	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUser == "" || dbPass == "" || dbHost == "" {
		dbUser = conf.AppConfig.Username
		dbPass = conf.AppConfig.Db.Password
		dbHost = conf.AppConfig.Host
		dbPort = conf.AppConfig.Port
		dbName = conf.AppConfig.DbName
	}

	// 初始化数据库
	datasource := db.Init(db.Config{
		User:      dbUser,
		Password:  dbPass,
		Host:      dbHost,
		Port:      dbPort,
		DBName:    dbName,
		ParseTime: true,
	})
	if err := datasource.AutoMigrate(&model.InstrumentContext{}, &model.TradeRecord{}); err != nil {
		log.Fatalf("Failed to migrate tables: %v", err)
	}

	redisHost := os.Getenv("REDIS_HOST")
	redisPort := os.Getenv("REDIS_PORT")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisAddr := fmt.Sprintf("%s:%s", redisHost, redisPort)
	if redisHost == "" || redisPort == "" {
		redisAddr = conf.AppConfig.Redis.Addr
	}
	if redisPassword != "" {
		appCfg.Redis.Password = redisPassword
	}
	appCfg.Redis.Addr = redisAddr

	// 初始化redis缓存，没配地址就只用内存态
	if appCfg.Redis.Addr != "" && appCfg.Redis.Addr != ":" {
		cache.InitRedis(appCfg.Redis)
	}

	srvRouter, ag, notifier := api.InitRouter(datasource)

	// 评估主循环独立于http服务运行
	agentCtx, cancelAgent := context.WithCancel(context.Background())
	go ag.Run(agentCtx)

	// 创建并启动服务
	srv := api.NewServer(&appCfg)
	srv.RegisterOnShutdown(func() {
		cancelAgent()
		notifier.Close()
		if datasource != nil {
			// 关闭主库链接
			if m, err := datasource.DB(); err == nil {
				_ = m.Close()
			}
		}

		cache.CloseRedis()
		logger.Sync()
	})

	srv.Run(middleware.NewMiddleware(), srvRouter)
}
