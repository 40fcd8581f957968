package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/internal/clock"
	"tradeguard/internal/risk"
	"tradeguard/internal/store"
)

// ErrInvalidConfig 采集配置非法
var ErrInvalidConfig = errors.New("invalid telemetry config")

// 一年交易时间（秒），用于年化实现波动率
const tradingSecondsPerYear = 252 * 6.5 * 3600

// Source 采集需要的读取能力，由路由器提供
type Source interface {
	GetAccount(ctx context.Context) (gateway.Account, string, error)
	GetQuote(ctx context.Context, symbol string) (gateway.Quote, string, error)
}

// Evaluator 接收遥测的风控
type Evaluator interface {
	Evaluate(ctx context.Context, tel risk.Telemetry) risk.Decision
}

// Config 采集配置
type Config struct {
	Interval         time.Duration
	IndexSymbol      string
	VolatilitySymbol string
	ReturnWindow     int
	HistoricalVol    float64
	Location         *time.Location
}

// DayAnchor 当日基准，跨重启持久化
type DayAnchor struct {
	TradingDay        string     `json:"trading_day"`
	OpenEquity        float64    `json:"open_equity"`
	IndexOpen         float64    `json:"index_open,omitempty"`
	LastIndex         float64    `json:"last_index,omitempty"`
	Returns           []float64  `json:"returns,omitempty"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	LastTradeAt       *time.Time `json:"last_trade_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Option 可选依赖注入
type Option func(*Collector)

// WithStore 设置持久化存储
func WithStore(s store.RecordStore) Option {
	return func(c *Collector) { c.store = s }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// WithClock 注入时钟
func WithClock(clk clock.Clock) Option {
	return func(c *Collector) { c.clock = clk }
}

// WithReviewHook 定时评估转入 HARD_STOP 时回调一次，用于触发持仓复核
func WithReviewHook(fn func(ctx context.Context, dec risk.Decision)) Option {
	return func(c *Collector) { c.onReview = fn }
}

// Collector 定时采集账户与行情，组装 Telemetry 交给风控评估。
// 当日盈亏以开盘权益为基准，市场涨跌以指数前收盘（或当日首个报价）为基准。
type Collector struct {
	cfg    Config
	source Source
	eval   Evaluator

	mu     sync.Mutex
	anchor DayAnchor
	last   *risk.Decision

	onReview func(ctx context.Context, dec risk.Decision)

	store  store.RecordStore
	logger *zap.Logger
	clock  clock.Clock
}

// New 创建采集器
func New(source Source, eval Evaluator, cfg Config, opts ...Option) (*Collector, error) {
	if source == nil || eval == nil {
		return nil, fmt.Errorf("%w: source and evaluator are required", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidConfig)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	c := &Collector{
		cfg:    cfg,
		source: source,
		eval:   eval,
		logger: zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("telemetry")
	return c, nil
}

// Run 按周期采集并评估，直到 ctx 结束
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Collector) tick(ctx context.Context) {
	if _, err := c.Tick(ctx); err != nil {
		c.logger.Warn("telemetry tick skipped, breaker keeps last state", zap.Error(err))
	}
}

// Tick 采集一次并交给风控评估。账户不可读或遥测非法时不评估。
func (c *Collector) Tick(ctx context.Context) (risk.Decision, error) {
	tel, err := c.Collect(ctx)
	if err != nil {
		return risk.Decision{}, err
	}
	if err := tel.Validate(); err != nil {
		return risk.Decision{}, err
	}
	dec := c.eval.Evaluate(ctx, tel)

	c.mu.Lock()
	c.last = &dec
	c.mu.Unlock()

	if dec.Changed {
		c.logger.Info("risk tier changed by scheduled evaluation",
			zap.String("from", dec.Previous.String()),
			zap.String("to", dec.Tier.String()),
			zap.String("reason", dec.Reason))
		if dec.FlagForReview && c.onReview != nil {
			c.onReview(ctx, dec)
		}
	}
	return dec, nil
}

// LastDecision 最近一次定时评估结果
func (c *Collector) LastDecision() (risk.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return risk.Decision{}, false
	}
	return *c.last, true
}

// Collect 读取账户与行情组装遥测，并更新当日基准。
// 可选信号读取失败只留空对应字段。
func (c *Collector) Collect(ctx context.Context) (risk.Telemetry, error) {
	acct, endpoint, err := c.source.GetAccount(ctx)
	if err != nil {
		return risk.Telemetry{}, fmt.Errorf("read account: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	a := c.loadLocked(ctx)
	if day := c.tradingDay(now); a.TradingDay != day || a.OpenEquity <= 0 {
		a = c.rollLocked(a, day, acct)
	}

	tel := risk.Telemetry{
		PortfolioValue:    acct.Equity,
		DailyPnL:          acct.Equity - a.OpenEquity,
		ConsecutiveLosses: a.ConsecutiveLosses,
	}

	if c.cfg.IndexSymbol != "" {
		if q, _, err := c.source.GetQuote(ctx, c.cfg.IndexSymbol); err != nil {
			c.logger.Debug("index quote unavailable", zap.String("symbol", c.cfg.IndexSymbol), zap.Error(err))
		} else if px := q.Mid(); px > 0 {
			if a.IndexOpen <= 0 {
				a.IndexOpen = q.PrevClose
				if a.IndexOpen <= 0 {
					a.IndexOpen = px
				}
			}
			tel.MarketMove = risk.Float((px - a.IndexOpen) / a.IndexOpen)
			if a.LastIndex > 0 && c.cfg.ReturnWindow > 0 {
				a.Returns = store.AppendCapped(a.Returns, math.Log(px/a.LastIndex), c.cfg.ReturnWindow)
			}
			a.LastIndex = px
		}
	}

	if c.cfg.VolatilitySymbol != "" {
		if q, _, err := c.source.GetQuote(ctx, c.cfg.VolatilitySymbol); err != nil {
			c.logger.Debug("volatility index unavailable", zap.String("symbol", c.cfg.VolatilitySymbol), zap.Error(err))
		} else if v := q.Mid(); v > 0 {
			tel.VolatilityIndex = risk.Float(v)
		}
	}

	if c.cfg.HistoricalVol > 0 {
		if rv, ok := annualizedVol(a.Returns, c.cfg.Interval); ok {
			tel.RealizedVol = risk.Float(rv)
			tel.HistoricalVol = risk.Float(c.cfg.HistoricalVol)
		}
	}

	a.UpdatedAt = now
	c.persistLocked(ctx, a)

	c.logger.Debug("telemetry collected",
		zap.String("endpoint", endpoint),
		zap.Float64("equity", tel.PortfolioValue),
		zap.Float64("daily_pnl", tel.DailyPnL),
		zap.Int("consecutive_losses", tel.ConsecutiveLosses))
	return tel, nil
}

// RecordTradeResult 记录一笔平仓结果，亏损累加连亏计数，盈利清零，持平不变
func (c *Collector) RecordTradeResult(ctx context.Context, pnl float64) (int, error) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return 0, fmt.Errorf("%w: trade pnl must be finite", ErrInvalidConfig)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	a := c.loadLocked(ctx)
	if day := c.tradingDay(now); a.TradingDay != day {
		// 新交易日的首笔结果先于首次采集：只切日，权益基准留给 Collect
		a = DayAnchor{TradingDay: day}
	}
	switch {
	case pnl < 0:
		a.ConsecutiveLosses++
	case pnl > 0:
		a.ConsecutiveLosses = 0
	}
	a.LastTradeAt = &now
	a.UpdatedAt = now
	c.persistLocked(ctx, a)

	c.logger.Info("trade result recorded",
		zap.Float64("pnl", pnl),
		zap.Int("consecutive_losses", a.ConsecutiveLosses))
	return a.ConsecutiveLosses, nil
}

// Anchor 返回当日基准
func (c *Collector) Anchor(ctx context.Context) DayAnchor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

// rollLocked 锚定当日权益。连亏计数按日清零，与风控的日切基线保持一致；
// 当日已由 RecordTradeResult 切日时保留已记录的连亏。
func (c *Collector) rollLocked(prev DayAnchor, day string, acct gateway.Account) DayAnchor {
	open := acct.LastEquity
	if open <= 0 {
		open = acct.Equity
	}
	next := DayAnchor{TradingDay: day}
	if prev.TradingDay == day {
		next = prev
	}
	next.OpenEquity = open
	c.logger.Info("trading day anchored",
		zap.String("day", day),
		zap.String("previous_day", prev.TradingDay),
		zap.Float64("open_equity", open),
		zap.Int("consecutive_losses", next.ConsecutiveLosses))
	return next
}

func (c *Collector) tradingDay(now time.Time) string {
	return now.In(c.cfg.Location).Format("2006-01-02")
}

func (c *Collector) loadLocked(ctx context.Context) DayAnchor {
	if c.store == nil {
		return c.copyAnchor()
	}
	var a DayAnchor
	err := c.store.Get(ctx, store.KeyTelemetryDay, &a)
	switch {
	case err == nil:
		c.anchor = a
	case errors.Is(err, store.ErrNotFound):
	default:
		c.logger.Warn("load telemetry anchor failed, using in-memory copy", zap.Error(err))
	}
	return c.copyAnchor()
}

func (c *Collector) copyAnchor() DayAnchor {
	a := c.anchor
	a.Returns = append([]float64(nil), c.anchor.Returns...)
	return a
}

func (c *Collector) persistLocked(ctx context.Context, a DayAnchor) {
	c.anchor = a
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, store.KeyTelemetryDay, a); err != nil {
		c.logger.Warn("persist telemetry anchor failed", zap.Error(err))
	}
}

// annualizedVol 对数收益的样本标准差按采样周期年化，至少两个样本
func annualizedVol(returns []float64, interval time.Duration) (float64, bool) {
	n := len(returns)
	if n < 2 || interval <= 0 {
		return 0, false
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(n)
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	std := math.Sqrt(ss / float64(n-1))
	return std * math.Sqrt(tradingSecondsPerYear/interval.Seconds()), true
}
