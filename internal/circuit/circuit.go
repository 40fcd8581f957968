package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/clock"
	"tradeguard/internal/store"
)

// Config 熔断器配置
type Config struct {
	Threshold int           `yaml:"threshold"` // 连续失败多少次后打开
	Cooldown  time.Duration `yaml:"cooldown"`  // 打开后多久允许探测
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  300 * time.Second,
	}
}

// State 熔断器持久化状态
type State struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Open                bool       `json:"open"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Option 可选依赖注入
type Option func(*Circuit)

// WithStore 启用写穿持久化
func WithStore(s store.RecordStore) Option {
	return func(c *Circuit) { c.store = s }
}

// WithAlerts 设置告警出口
func WithAlerts(s alert.Sink) Option {
	return func(c *Circuit) { c.alerts = s }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(c *Circuit) { c.logger = l }
}

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Circuit) { c.clock = clk }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(c *Circuit) { c.metrics = m }
}

// Circuit 连续失败计数熔断器。
// 打开后拒绝调用，冷却期结束后的第一次 Allow 直接复位并放行探测，
// 不存在半开计数阶段。内部不做重试。
type Circuit struct {
	name string
	cfg  Config

	state State
	mu    sync.Mutex

	store   store.RecordStore
	alerts  alert.Sink
	logger  *zap.Logger
	clock   clock.Clock
	metrics *monitor.Monitor
}

// New 创建熔断器
func New(name string, cfg Config, opts ...Option) *Circuit {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	c := &Circuit{
		name:   name,
		cfg:    cfg,
		alerts: alert.Nop{},
		logger: zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("circuit", name))
	c.metrics.SetCircuitOpen(name, false)
	return c
}

// Name 返回熔断器名称（通常是端点名）
func (c *Circuit) Name() string { return c.name }

// Config 返回生效配置
func (c *Circuit) Config() Config { return c.cfg }

// Restore 从存储加载上次状态。无记录时保持初始状态。
func (c *Circuit) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var st State
	if err := c.store.Get(ctx, store.CircuitKey(c.name), &st); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore circuit %s: %w", c.name, err)
	}
	if st.ConsecutiveFailures < 0 {
		st.ConsecutiveFailures = 0
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.metrics.SetCircuitOpen(c.name, st.Open)
	return nil
}

// Allow 判断是否允许调用。
// 打开且冷却未结束返回 false；冷却已结束则复位计数并返回 true。
func (c *Circuit) Allow(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Open {
		return true
	}
	if c.state.OpenedAt != nil && c.clock.Now().Sub(*c.state.OpenedAt) < c.cfg.Cooldown {
		return false
	}

	c.state.Open = false
	c.state.ConsecutiveFailures = 0
	c.state.OpenedAt = nil
	c.logger.Info("circuit cooldown elapsed, allowing probe")
	c.metrics.SetCircuitOpen(c.name, false)
	c.persist(ctx)
	return true
}

// RecordSuccess 成功后清零计数并关闭熔断
func (c *Circuit) RecordSuccess(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.ConsecutiveFailures == 0 && !c.state.Open {
		return
	}
	wasOpen := c.state.Open
	c.state = State{}
	if wasOpen {
		c.logger.Info("circuit closed after success")
		c.metrics.SetCircuitOpen(c.name, false)
	}
	c.persist(ctx)
}

// RecordFailure 记录一次失败，达到阈值时打开并发送 high 告警（每次打开只发一次）
func (c *Circuit) RecordFailure(ctx context.Context, reason error) {
	c.mu.Lock()
	c.state.ConsecutiveFailures++
	if reason != nil {
		c.state.LastError = reason.Error()
	}
	c.metrics.RecordCircuitFailure(c.name)

	opened := false
	if !c.state.Open && c.state.ConsecutiveFailures >= c.cfg.Threshold {
		now := c.clock.Now()
		c.state.Open = true
		c.state.OpenedAt = &now
		opened = true
		c.metrics.SetCircuitOpen(c.name, true)
	}
	failures := c.state.ConsecutiveFailures
	lastErr := c.state.LastError
	c.persist(ctx)
	c.mu.Unlock()

	if !opened {
		c.logger.Warn("circuit failure recorded",
			zap.Int("consecutive_failures", failures),
			zap.String("error", lastErr))
		return
	}

	c.logger.Error("circuit opened",
		zap.Int("consecutive_failures", failures),
		zap.Duration("cooldown", c.cfg.Cooldown),
		zap.String("error", lastErr))
	c.alerts.Send(ctx,
		fmt.Sprintf("Circuit opened: %s", c.name),
		fmt.Sprintf("%d consecutive failures, calls suspended for %s. Last error: %s", failures, c.cfg.Cooldown, lastErr),
		alert.PriorityHigh,
		map[string]interface{}{
			"circuit":              c.name,
			"consecutive_failures": failures,
			"cooldown_seconds":     c.cfg.Cooldown.Seconds(),
		})
}

// Call 执行操作，通过熔断器
func (c *Circuit) Call(ctx context.Context, fn func(context.Context) error) error {
	if !c.Allow(ctx) {
		return fmt.Errorf("%w: %s, retry in %v", ErrOpen, c.name, c.Remaining())
	}
	if err := fn(ctx); err != nil {
		c.RecordFailure(ctx, err)
		return err
	}
	c.RecordSuccess(ctx)
	return nil
}

// Remaining 返回剩余冷却时间，未打开时为 0
func (c *Circuit) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Open || c.state.OpenedAt == nil {
		return 0
	}
	left := c.cfg.Cooldown - c.clock.Now().Sub(*c.state.OpenedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot 返回状态副本
func (c *Circuit) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.OpenedAt != nil {
		t := *st.OpenedAt
		st.OpenedAt = &t
	}
	return st
}

// Available 下一次 Allow 是否会放行，不改变状态
func (c *Circuit) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Open || c.state.OpenedAt == nil {
		return true
	}
	return c.clock.Now().Sub(*c.state.OpenedAt) >= c.cfg.Cooldown
}

// IsOpen 判断是否处于打开状态（不触发探测）
func (c *Circuit) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Open
}

// Reset 重置熔断器（谨慎使用）
func (c *Circuit) Reset(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{}
	c.metrics.SetCircuitOpen(c.name, false)
	c.logger.Info("circuit reset")
	c.persist(ctx)
}

// persist 写穿存储，失败只记日志。调用方持锁。
func (c *Circuit) persist(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, store.CircuitKey(c.name), c.state); err != nil {
		c.logger.Warn("persist circuit state failed", zap.Error(err))
		c.metrics.RecordPersistenceError(store.CircuitKey(c.name))
	}
}
