package safety

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/clock"
	"tradeguard/internal/failover"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/risk"
)

// Option 可选依赖注入
type Option func(*Gateway)

// WithAlerts 设置告警出口
func WithAlerts(s alert.Sink) Option {
	return func(g *Gateway) { g.alerts = s }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// Gateway 交易前的统一安全入口。
// 依次询问 kill switch、风险熔断与端点路由，任一拒绝即拒绝。
type Gateway struct {
	ks      *killswitch.KillSwitch
	breaker *risk.Breaker
	router  *failover.Router

	alerts  alert.Sink
	logger  *zap.Logger
	metrics *monitor.Monitor
	clock   clock.Clock
}

// New 创建安全网关
func New(ks *killswitch.KillSwitch, breaker *risk.Breaker, router *failover.Router, opts ...Option) (*Gateway, error) {
	var missing []string
	if ks == nil {
		missing = append(missing, "kill switch")
	}
	if breaker == nil {
		missing = append(missing, "risk breaker")
	}
	if router == nil {
		missing = append(missing, "router")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingComponent, strings.Join(missing, ", "))
	}

	g := &Gateway{
		ks:      ks,
		breaker: breaker,
		router:  router,
		alerts:  alert.Nop{},
		logger:  zap.NewNop(),
		clock:   clock.Real(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("safety")
	return g, nil
}

// KillSwitch 返回 kill switch
func (g *Gateway) KillSwitch() *killswitch.KillSwitch { return g.ks }

// Breaker 返回风险熔断器
func (g *Gateway) Breaker() *risk.Breaker { return g.breaker }

// Router 返回端点路由
func (g *Gateway) Router() *failover.Router { return g.router }

// Authorize 判断一次交易意图能否执行、以多大规模、走哪个端点
func (g *Gateway) Authorize(ctx context.Context, in Intent) Authorization {
	auth := g.authorize(ctx, in)
	g.metrics.RecordAuthorization(string(in.Kind), auth.Allowed, string(auth.Source))

	fields := []zap.Field{
		zap.String("kind", string(in.Kind)),
		zap.String("symbol", in.Symbol),
		zap.String("requester", in.Requester),
		zap.String("source", string(auth.Source)),
		zap.String("tier", auth.Tier.String()),
		zap.Float64("size_multiplier", auth.SizeMultiplier),
		zap.String("reason", auth.Reason),
	}
	if auth.Allowed {
		g.logger.Debug("trade authorized", append(fields, zap.String("endpoint", auth.Endpoint))...)
	} else {
		g.logger.Info("trade denied", fields...)
	}
	return auth
}

func (g *Gateway) authorize(ctx context.Context, in Intent) Authorization {
	now := g.clock.Now()

	// kill switch 优先，且不触发风险评估
	if v := g.ks.Check(ctx); v.Active {
		return Authorization{
			Reason:       fmt.Sprintf("kill switch active (%s): %s", v.Surface, v.Reason),
			Source:       SourceKillSwitch,
			Kind:         in.Kind,
			Tier:         risk.TierHalt,
			Action:       risk.ActionFullHalt,
			AuthorizedAt: now,
		}
	}

	var (
		perm   risk.Permission
		review bool
	)
	if in.Telemetry != nil {
		dec := g.breaker.Evaluate(ctx, *in.Telemetry)
		perm = dec.Permits(in.Kind)
		review = dec.FlagForReview
	} else {
		perm = g.breaker.CheckBeforeTrade(ctx, in.Kind)
		review = perm.Action == risk.ActionHardStop
	}

	auth := Authorization{
		Allowed:        perm.Allowed,
		Reason:         perm.Reason,
		Source:         SourceRiskBreaker,
		Kind:           in.Kind,
		Tier:           perm.Tier,
		Action:         perm.Action,
		SizeMultiplier: perm.SizeMultiplier,
		FlagForReview:  review,
		AuthorizedAt:   now,
	}
	if !perm.Allowed {
		return auth
	}

	endpoint, ok := g.router.Preferred()
	if !ok {
		auth.Allowed = false
		auth.Source = SourceRouter
		auth.SizeMultiplier = 0
		auth.Reason = fmt.Sprintf("no execution endpoint available: all circuits open (%s)",
			strings.Join(g.router.Endpoints(), ", "))
		return auth
	}
	auth.Source = SourceNone
	auth.Endpoint = endpoint
	return auth
}

// SubmitOrder 授权后下单。开仓按风险系数缩小规模，平仓保持原规模。
func (g *Gateway) SubmitOrder(ctx context.Context, in Intent, req gateway.OrderRequest) (OrderResult, error) {
	if in.Symbol == "" {
		in.Symbol = req.Symbol
	}
	if err := req.Validate(); err != nil {
		return OrderResult{Request: req}, err
	}

	auth := g.Authorize(ctx, in)
	res := OrderResult{Authorization: auth, Request: req}
	if !auth.Allowed {
		return res, &DeniedError{Authorization: auth}
	}

	if in.Kind == risk.KindEntry && auth.SizeMultiplier < 1 {
		res.Request = req.Scale(auth.SizeMultiplier)
	}

	order, used, err := g.router.SubmitOrder(ctx, res.Request)
	if err != nil {
		g.logger.Error("order submission failed",
			zap.String("symbol", req.Symbol),
			zap.String("kind", string(in.Kind)),
			zap.Error(err))
		return res, fmt.Errorf("submit order: %w", err)
	}
	res.Order = order
	res.Endpoint = used
	g.logger.Info("order submitted",
		zap.String("order_id", order.ID),
		zap.String("symbol", req.Symbol),
		zap.String("endpoint", used),
		zap.Float64("qty", res.Request.Qty),
		zap.Float64("notional", res.Request.Notional),
		zap.Float64("size_multiplier", auth.SizeMultiplier))
	return res, nil
}

// ReviewPositions 在 HARD_STOP 下拉取持仓并发送 high 告警，其他等级不做任何事
func (g *Gateway) ReviewPositions(ctx context.Context) (Review, error) {
	st := g.breaker.Status(ctx)
	rv := Review{Tier: st.Tier, Action: st.Action}
	if st.Action != risk.ActionHardStop {
		return rv, nil
	}
	rv.Required = true

	positions, used, err := g.router.GetPositions(ctx)
	if err != nil {
		g.logger.Error("position review fetch failed", zap.Error(err))
		g.alerts.Send(ctx,
			"Position review required",
			fmt.Sprintf("Risk breaker is %s but positions could not be fetched: %v", st.Action, err),
			alert.PriorityHigh,
			map[string]interface{}{"tier": st.Tier.String()})
		return rv, fmt.Errorf("review positions: %w", err)
	}
	rv.Positions = positions
	rv.Endpoint = used

	lines := make([]string, 0, len(positions))
	for _, p := range positions {
		lines = append(lines, fmt.Sprintf("%s qty=%g value=%.2f upl=%.2f", p.Symbol, p.Qty, p.MarketValue, p.UnrealizedPL))
	}
	msg := fmt.Sprintf("Risk breaker is %s (%s). %d open positions flagged for review.", st.Action, st.Tier, len(positions))
	if len(lines) > 0 {
		msg += "\n" + strings.Join(lines, "\n")
	}
	g.alerts.Send(ctx, "Position review required", msg, alert.PriorityHigh, map[string]interface{}{
		"tier":      st.Tier.String(),
		"positions": len(positions),
		"endpoint":  used,
	})
	g.logger.Warn("positions flagged for review",
		zap.String("tier", st.Tier.String()),
		zap.Int("positions", len(positions)))
	return rv, nil
}

// Snapshot 汇总 kill switch、风险熔断与端点状态
func (g *Gateway) Snapshot(ctx context.Context) Snapshot {
	preferred, _ := g.router.Preferred()
	return Snapshot{
		KillSwitch: g.ks.Status(ctx),
		Breaker:    g.breaker.Status(ctx),
		Endpoints:  g.router.Status(),
		Preferred:  preferred,
		TakenAt:    g.clock.Now(),
	}
}
