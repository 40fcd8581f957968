package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/logger"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/api"
	"tradeguard/internal/circuit"
	"tradeguard/internal/config"
	"tradeguard/internal/failover"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/risk"
	"tradeguard/internal/safety"
	"tradeguard/internal/store"
	"tradeguard/internal/store/postgres"
	"tradeguard/internal/telemetry"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	hub     *alert.Hub
	store   store.RecordStore
	pgPool  *postgres.Pool

	// 执行端点
	brokers  map[string]gateway.Broker
	circuits map[string]*circuit.Circuit
	router   *failover.Router

	// 安全组件
	killSwitch *killswitch.KillSwitch
	breaker    *risk.Breaker
	gateway    *safety.Gateway
	collector  *telemetry.Collector
	reloader   *config.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 加载 .env 与配置文件后创建容器
func New(configPath string) (*Container, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建容器，不启用热更新
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		brokers:   make(map[string]gateway.Broker),
		circuits:  make(map[string]*circuit.Circuit),
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(ctx); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildEndpoints(ctx); err != nil {
		return fmt.Errorf("build endpoints failed: %w", err)
	}

	if err := c.buildSafety(); err != nil {
		return fmt.Errorf("build safety failed: %w", err)
	}

	if err := c.buildTelemetry(); err != nil {
		return fmt.Errorf("build telemetry failed: %w", err)
	}

	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.Strings("endpoints", c.router.Endpoints()),
		zap.Strings("components", c.lifecycle.Names()),
	)
	return nil
}

func (c *Container) buildInfrastructure(ctx context.Context) error {
	log, err := logger.New(c.cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = log
	c.monitor = monitor.New(monitor.DefaultConfig())

	sink := func(event string, fields map[string]interface{}) {
		c.logger.WithFields(fields).Named("store").Debug(event)
	}
	st, pool, err := OpenStore(ctx, c.cfg.Store, sink)
	if err != nil {
		return err
	}
	c.store, c.pgPool = st, pool

	channels, hub, err := AlertChannels(c.cfg.Alerts, c.logger)
	if err != nil {
		return err
	}
	c.hub = hub
	c.alerts = alert.NewManager(channels, c.cfg.Alerts.ThrottleInterval)
	return nil
}

// OpenStore 按驱动打开记录存储；postgres 驱动同时返回连接池，由调用方关闭
func OpenStore(ctx context.Context, cfg config.StoreConfig, sink store.EventSink) (store.RecordStore, *postgres.Pool, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return store.NewMemory(sink), nil, nil
	case config.StoreFile:
		fs, err := store.NewFile(cfg.Dir, sink)
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		rs, err := postgres.NewRecordStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return rs, pool, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// AlertChannels 按配置创建告警通道；启用 websocket 时一并返回 Hub
func AlertChannels(cfg config.AlertConfig, log *logger.Logger) ([]alert.Channel, *alert.Hub, error) {
	channels := []alert.Channel{alert.NewLogChannel("log", log.Named("alert"))}
	if cfg.Console {
		channels = append(channels, alert.NewConsoleChannel("console"))
	}
	var hub *alert.Hub
	if cfg.WebSocket {
		hub = alert.NewHub("websocket", log.Named("alert_hub"))
		channels = append(channels, hub)
	}
	if tg := cfg.Telegram; tg.Enabled {
		ch, err := alert.NewTelegramChannel("telegram", tg.Token, tg.ChatID, alert.Priority(tg.MinPriority))
		if err != nil {
			return nil, nil, fmt.Errorf("create telegram channel failed: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, hub, nil
}

func (c *Container) buildEndpoints(ctx context.Context) error {
	endpoints := make([]failover.Endpoint, 0, len(c.cfg.Endpoints))
	for _, ec := range c.cfg.Endpoints {
		b, err := c.newBroker(ec)
		if err != nil {
			return err
		}
		cc := c.cfg.Circuit
		if ec.Circuit != nil {
			cc = *ec.Circuit
		}
		cb := c.newCircuit(ctx, ec.Name, cc)
		c.brokers[ec.Name] = b
		c.circuits[ec.Name] = cb
		endpoints = append(endpoints, failover.Endpoint{Name: ec.Name, Broker: b, Circuit: cb})
	}

	router, err := failover.New(endpoints,
		failover.WithLogger(c.logger.Logger),
		failover.WithMonitor(c.monitor),
		failover.WithCallTimeout(c.cfg.Failover.CallTimeout),
	)
	if err != nil {
		return err
	}
	c.router = router
	return nil
}

func (c *Container) newCircuit(ctx context.Context, name string, cfg circuit.Config) *circuit.Circuit {
	cb := circuit.New(name, cfg,
		circuit.WithStore(c.store),
		circuit.WithAlerts(c.alerts),
		circuit.WithLogger(c.logger.Logger),
		circuit.WithMonitor(c.monitor),
	)
	// 恢复失败时从关闭状态起步
	if err := cb.Restore(ctx); err != nil {
		c.logger.Warn("restore circuit state failed", zap.String("circuit", name), zap.Error(err))
	}
	return cb
}

func (c *Container) newBroker(ec config.EndpointConfig) (gateway.Broker, error) {
	switch ec.Kind {
	case config.EndpointREST:
		client := gateway.NewDefaultHTTPClient()
		if ec.Timeout > 0 {
			client.Timeout = ec.Timeout
		}
		b := &gateway.RESTBroker{
			Name:       ec.Name,
			BaseURL:    ec.BaseURL,
			APIKey:     ec.APIKey,
			Secret:     ec.APISecret,
			HTTPClient: client,
			Metrics:    c.monitor,
		}
		if ec.RateLimit > 0 {
			b.Limiter = gateway.NewTokenBucketLimiter(ec.RateLimit, ec.Burst)
		}
		return b, nil
	case config.EndpointStub:
		return gateway.NewStubBroker(gateway.Account{
			Equity:      ec.StubEquity,
			Cash:        ec.StubEquity,
			BuyingPower: ec.StubEquity,
			Status:      "ACTIVE",
			LastEquity:  ec.StubEquity,
		}), nil
	default:
		return nil, fmt.Errorf("endpoint %s: unknown kind %q", ec.Name, ec.Kind)
	}
}

func (c *Container) buildSafety() error {
	c.killSwitch = killswitch.New(c.cfg.KillSwitch,
		killswitch.WithStore(c.store),
		killswitch.WithAlerts(c.alerts),
		killswitch.WithLogger(c.logger.Logger),
		killswitch.WithMonitor(c.monitor),
	)

	breaker, err := risk.New(c.cfg.Breaker,
		risk.WithStore(c.store),
		risk.WithAlerts(c.alerts),
		risk.WithLogger(c.logger.Logger),
		risk.WithMonitor(c.monitor),
	)
	if err != nil {
		return err
	}
	c.breaker = breaker

	gw, err := safety.New(c.killSwitch, c.breaker, c.router,
		safety.WithAlerts(c.alerts),
		safety.WithLogger(c.logger.Logger),
		safety.WithMonitor(c.monitor),
	)
	if err != nil {
		return err
	}
	c.gateway = gw
	return nil
}

func (c *Container) buildTelemetry() error {
	tc := c.cfg.Telemetry
	if !tc.Enabled {
		return nil
	}

	var source telemetry.Source = c.router
	if tc.QuoteEndpoint != "" {
		b, ok := c.brokers[tc.QuoteEndpoint]
		if !ok {
			return fmt.Errorf("quote endpoint %q not configured", tc.QuoteEndpoint)
		}
		// 行情使用独立熔断器，不影响执行端点的熔断计数
		name := "telemetry/" + tc.QuoteEndpoint
		cb := c.newCircuit(context.Background(), name, c.circuits[tc.QuoteEndpoint].Config())
		source = telemetry.SplitSource{
			Accounts: c.router,
			Quotes:   gateway.NewGuardedBroker(b, cb),
			Name:     tc.QuoteEndpoint,
		}
	}

	collector, err := telemetry.New(source, c.breaker, telemetry.Config{
		Interval:         tc.Interval,
		IndexSymbol:      tc.IndexSymbol,
		VolatilitySymbol: tc.VolatilitySymbol,
		ReturnWindow:     tc.ReturnWindow,
		HistoricalVol:    tc.HistoricalVol,
		Location:         c.breaker.Location(),
	},
		telemetry.WithStore(c.store),
		telemetry.WithLogger(c.logger.Logger),
		telemetry.WithReviewHook(c.reviewOnHardStop),
	)
	if err != nil {
		return err
	}
	c.collector = collector
	return nil
}

// reviewOnHardStop 定时评估转入 HARD_STOP 时自动复核持仓
func (c *Container) reviewOnHardStop(ctx context.Context, dec risk.Decision) {
	rv, err := c.gateway.ReviewPositions(ctx)
	if err != nil {
		c.logger.Error("position review after hard stop failed",
			zap.String("tier", dec.Tier.String()), zap.Error(err))
		return
	}
	c.logger.Info("position review after hard stop",
		zap.String("tier", rv.Tier.String()),
		zap.Int("positions", len(rv.Positions)),
		zap.String("endpoint", rv.Endpoint))
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" || !c.cfg.HotReload.Enabled {
		return nil
	}
	reloader, err := config.NewHotReloader(c.configPath, c.cfg.HotReload, c.logger.Logger)
	if err != nil {
		return err
	}
	reloader.RegisterApplier("breaker_thresholds", config.BreakerApplier(c.breaker))
	c.reloader = reloader
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.pgPool != nil {
		pool := c.pgPool
		c.lifecycle.Register(&funcComponent{
			name: "postgres",
			stop: func() error { pool.Close(); return nil },
		})
	}

	if c.hub != nil {
		hub := c.hub
		c.lifecycle.Register(&funcComponent{
			name: "alert_hub",
			stop: func() error { hub.Close(); return nil },
		})
	}

	if c.collector != nil {
		c.lifecycle.Register(newJob("telemetry", c.collector.Run))
	}

	if c.cfg.Failover.HealthCheckInterval > 0 {
		c.lifecycle.Register(newJob("health_check", c.runHealthChecks))
	}

	if c.reloader != nil {
		c.lifecycle.Register(&funcComponent{
			name:  "hot_reload",
			start: c.reloader.Start,
			stop:  c.reloader.Stop,
		})
	}

	if c.cfg.API.Enabled {
		c.lifecycle.Register(&httpServerComponent{
			name:    "api",
			handler: c.APIHandler(),
			addr:    c.cfg.API.Addr,
			logger:  c.logger.Logger,
		})
	}

	if c.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(c.cfg.Metrics.Path, c.monitor.Handler())
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics",
			handler: mux,
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger.Logger,
		})
	}
}

// APIHandler 控制接口的 http.Handler
func (c *Container) APIHandler() http.Handler {
	opts := []api.Option{
		api.WithLogger(c.logger.Logger),
		api.WithMonitor(c.monitor),
		api.WithHealth(c.HealthCheck),
	}
	if c.collector != nil {
		opts = append(opts, api.WithTradeRecorder(&tradeLog{rec: c.collector, log: c.logger}))
	}
	if c.hub != nil {
		opts = append(opts, api.WithAlertStream(c.hub))
	}
	return api.NewServer(c.gateway, opts...).Handler()
}

// runHealthChecks 定时探测所有端点，首选端点变化时记录切换
func (c *Container) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Failover.HealthCheckInterval)
	defer ticker.Stop()

	prev, _ := c.router.Preferred()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := c.router.HealthCheck(ctx, failover.AccountProbe)
			healthy := 0
			for _, h := range results {
				if h.Healthy {
					healthy++
				}
			}
			cur, ok := c.router.Preferred()
			if cur != prev {
				c.logger.LogFailover(cur, map[string]interface{}{
					"previous":  prev,
					"available": ok,
					"healthy":   healthy,
					"total":     len(results),
				})
				prev = cur
			}
		}
	}
}

// tradeLog 记录平仓结果后转交采集器
type tradeLog struct {
	rec api.TradeRecorder
	log *logger.Logger
}

func (t *tradeLog) RecordTradeResult(ctx context.Context, pnl float64) (int, error) {
	streak, err := t.rec.RecordTradeResult(ctx, pnl)
	if err != nil {
		return streak, err
	}
	t.log.LogTrade("trade_result", map[string]interface{}{
		"pnl":                pnl,
		"consecutive_losses": streak,
	})
	return streak, nil
}

// Start 启动所有组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting all components")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return err
	}
	c.logger.Info("all components started")
	return nil
}

// Stop 停止所有组件
func (c *Container) Stop() error {
	if c.logger == nil {
		return nil
	}
	c.logger.Info("stopping all components")
	err := c.lifecycle.StopAll()
	c.logger.Info("all components stopped")
	// stdout 的 Sync 在部分平台会报错，忽略
	_ = c.logger.Close()
	return err
}

// HealthCheck 检查组件与端点可用性
func (c *Container) HealthCheck() error {
	if err := c.lifecycle.CheckHealth(); err != nil {
		return err
	}
	if _, ok := c.router.Preferred(); !ok {
		return errors.New("no endpoint available")
	}
	return nil
}

// Config 返回配置
func (c *Container) Config() *config.AppConfig { return c.cfg }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Gateway 返回安全网关
func (c *Container) Gateway() *safety.Gateway { return c.gateway }

// Collector 返回遥测采集器，未启用时为 nil
func (c *Container) Collector() *telemetry.Collector { return c.collector }

// Store 返回记录存储
func (c *Container) Store() store.RecordStore { return c.store }
