package config

import (
	"time"

	"tradeguard/infrastructure/logger"
	"tradeguard/internal/circuit"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/risk"
)

// AppConfig 进程运行配置
type AppConfig struct {
	Env        string            `yaml:"env"`
	Logging    logger.Config     `yaml:"logging"`
	Store      StoreConfig       `yaml:"store"`
	Breaker    risk.Config       `yaml:"breaker"`
	KillSwitch killswitch.Config `yaml:"kill_switch"`
	Circuit    circuit.Config    `yaml:"circuit"`
	Failover   FailoverConfig    `yaml:"failover"`
	Endpoints  []EndpointConfig  `yaml:"endpoints"`
	Alerts     AlertConfig       `yaml:"alerts"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	API        APIConfig         `yaml:"api"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	HotReload  HotReloadConfig   `yaml:"hot_reload"`
}

// 记录存储后端
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// StoreConfig 持久化配置
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, file, postgres
	Dir    string `yaml:"dir"`    // file 驱动的目录
	DSN    string `yaml:"dsn"`    // postgres 连接串，建议走环境变量
}

// 端点类型
const (
	EndpointREST = "rest"
	EndpointStub = "stub"
)

// EndpointConfig 单个执行端点，列表顺序即优先级
type EndpointConfig struct {
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"` // rest, stub
	BaseURL   string          `yaml:"base_url"`
	APIKey    string          `yaml:"api_key"`
	APISecret string          `yaml:"api_secret"`
	RateLimit float64         `yaml:"rate_limit"` // 每秒请求数，0 为不限速
	Burst     int             `yaml:"burst"`
	Timeout   time.Duration   `yaml:"timeout"`
	Circuit   *circuit.Config `yaml:"circuit,omitempty"` // 为空时使用全局 circuit
	// stub 端点的初始权益
	StubEquity float64 `yaml:"stub_equity"`
}

// FailoverConfig 路由配置
type FailoverConfig struct {
	CallTimeout         time.Duration `yaml:"call_timeout"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"` // 0 关闭定时探测
}

// AlertConfig 告警通道配置
type AlertConfig struct {
	ThrottleInterval time.Duration  `yaml:"throttle_interval"`
	Console          bool           `yaml:"console"`
	WebSocket        bool           `yaml:"websocket"`
	Telegram         TelegramConfig `yaml:"telegram"`
}

// TelegramConfig Telegram 通道
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	MinPriority string `yaml:"min_priority"`
}

// TelemetryConfig 定时遥测采集
type TelemetryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	IndexSymbol      string        `yaml:"index_symbol"`      // 用于计算市场日涨跌
	VolatilitySymbol string        `yaml:"volatility_symbol"` // 波动率指数报价代码，空为不采集
	ReturnWindow     int           `yaml:"return_window"`     // 实现波动率的收益样本数
	HistoricalVol    float64       `yaml:"historical_vol"`    // 年化历史波动率基准，0 为不计算突增
	// 行情直连的端点名，经独立熔断器读取报价，不占用执行端点的熔断计数；空则走路由
	QuoteEndpoint string `yaml:"quote_endpoint"`
}

// APIConfig HTTP 控制接口
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig 指标暴露
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          `yaml:"enabled"`
	CooldownTime time.Duration `yaml:"cooldown"` // 冷却时间，避免频繁更新
}

// Default 返回完整默认配置
func Default() AppConfig {
	return AppConfig{
		Env:        "dev",
		Logging:    logger.DefaultConfig(),
		Store:      StoreConfig{Driver: StoreFile, Dir: "data/state"},
		Breaker:    risk.DefaultConfig(),
		KillSwitch: killswitch.DefaultConfig(),
		Circuit:    circuit.DefaultConfig(),
		Failover: FailoverConfig{
			CallTimeout:         10 * time.Second,
			HealthCheckInterval: time.Minute,
		},
		Alerts: AlertConfig{
			ThrottleInterval: 5 * time.Minute,
			WebSocket:        true,
			Telegram:         TelegramConfig{MinPriority: "high"},
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			Interval:     time.Minute,
			IndexSymbol:  "SPY",
			ReturnWindow: 30,
		},
		API:       APIConfig{Enabled: true, Addr: "127.0.0.1:8088"},
		Metrics:   MetricsConfig{Enabled: true, Addr: "127.0.0.1:9102", Path: "/metrics"},
		HotReload: HotReloadConfig{Enabled: true, CooldownTime: 5 * time.Second},
	}
}
