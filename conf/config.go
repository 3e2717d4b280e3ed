package conf

import (
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"time"
)

// 配置加载（API密钥、交易参数等）

type Okx struct {
	ApiKey    string `yaml:"apiKey"`
	SecretKey string `yaml:"secretKey"`
	Password  string `yaml:"password"`
	Simulated bool   `yaml:"simulated"`
}

type Db struct {
	DbName   string `yaml:"dbname"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// TradingConfig 交易参数，资金上限与下单节奏都在这里
type TradingConfig struct {
	Symbols []string `yaml:"symbols"` // 交易标的，如 BTC/USDT

	FeeRate            float64 `yaml:"fee-rate"`              // 单边手续费率
	MaxTotalInvest     float64 `yaml:"max-total-invest"`      // 总投入上限（计价币）
	MaxInvestPerSymbol float64 `yaml:"max-invest-per-symbol"` // 单标的单次投入上限
	MaxInvestRatio     float64 `yaml:"max-invest-ratio"`      // 单标的最大仓位占比
	MinOrderNotional   float64 `yaml:"min-order-notional"`    // 交易所最小下单金额

	TickInterval   time.Duration `yaml:"tick-interval"`   // 评估周期
	LimitWait      time.Duration `yaml:"limit-wait"`      // 限价单成交等待时长
	PollInterval   time.Duration `yaml:"poll-interval"`   // 订单状态轮询间隔
	ChaseTolerance float64       `yaml:"chase-tolerance"` // 限价转市价的价格漂移容差
	SweepMaxAge    time.Duration `yaml:"sweep-max-age"`   // 残留挂单的最大存活时长

	// 账户无均价记录时是否允许用最新成交价兜底
	EntryPriceFallback bool `yaml:"entry-price-fallback"`

	MaxConcurrent int `yaml:"max-concurrent"` // 同时评估的最大标的数
}

type LogConfig struct {
	Level      string `yaml:"level"`
	FileName   string `yaml:"file-name"`
	TimeFormat string `yaml:"time-format"`
	MaxSize    int    `yaml:"max-size"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAge     int    `yaml:"max-age"`
	Compress   bool   `yaml:"compress"`
	LocalTime  bool   `yaml:"local-time"`
	Console    bool   `yaml:"console"`
}

// RedisConfig is used to configure redis
type RedisConfig struct {
	Addr         string `yaml:"address"`
	Password     string `yaml:"password"`
	Db           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool-size"`
	MinIdleConns int    `yaml:"min-idle-conns"`
	IdleTimeout  int    `yaml:"idle-timeout"`
}

type KafkaConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

type Config struct {
	AppName      string `yaml:"app_name"`
	Listen       string `yaml:"listen"`
	Mode         string `yaml:"mode"`
	MaxPingCount int    `yaml:"max-ping-count"`

	Okx     `yaml:"okx"`
	Db      `yaml:"database"`
	Trading TradingConfig `yaml:"trading"`
	Log     LogConfig     `yaml:"log"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

var AppConfig Config

func LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("Read config file error %w", err)
	}
	if err := yaml.Unmarshal(data, &AppConfig); err != nil {
		return fmt.Errorf("Unmarshal config yaml error: %w", err)
	}
	AppConfig.Trading.ApplyDefaults()
	return nil
}

// ApplyDefaults 填充未配置项的默认值
func (t *TradingConfig) ApplyDefaults() {
	if t.FeeRate <= 0 {
		t.FeeRate = 0.0005
	}
	if t.MaxInvestRatio <= 0 {
		t.MaxInvestRatio = 0.3
	}
	if t.MinOrderNotional <= 0 {
		t.MinOrderNotional = 5
	}
	if t.TickInterval <= 0 {
		t.TickInterval = time.Minute
	}
	if t.LimitWait <= 0 {
		t.LimitWait = 10 * time.Second
	}
	if t.PollInterval <= 0 {
		t.PollInterval = time.Second
	}
	if t.ChaseTolerance <= 0 {
		t.ChaseTolerance = 0.005
	}
	if t.SweepMaxAge <= 0 {
		t.SweepMaxAge = 10 * time.Minute
	}
	if t.MaxConcurrent <= 0 {
		t.MaxConcurrent = 3
	}
}
