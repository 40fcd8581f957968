package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/clock"
	"tradeguard/internal/store"
)

// Option 可选依赖注入
type Option func(*Breaker)

// WithStore 设置持久化存储
func WithStore(s store.RecordStore) Option {
	return func(b *Breaker) { b.store = s }
}

// WithAlerts 设置告警出口
func WithAlerts(s alert.Sink) Option {
	return func(b *Breaker) { b.alerts = s }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(b *Breaker) { b.metrics = m }
}

// Breaker 分级风控熔断器。
//
// 每次 Evaluate 依次执行：交易日切换、自动降级、按当前遥测重新分级，
// 生效等级取新触发等级与（降级后）粘滞等级的较大值。
// 所有写入由 mu 串行化；每次调用都会先从存储重新读取状态，读取失败时使用内存副本。
type Breaker struct {
	cfg   Config
	loc   *time.Location
	state State
	mu    sync.Mutex

	store   store.RecordStore
	alerts  alert.Sink
	logger  *zap.Logger
	clock   clock.Clock
	metrics *monitor.Monitor
}

type pendingAlert struct {
	title    string
	message  string
	priority alert.Priority
	data     map[string]interface{}
}

// New 创建分级熔断器
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	b := &Breaker{
		cfg:    cfg,
		loc:    loc,
		state:  initialState(),
		alerts: alert.Nop{},
		logger: zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("risk_breaker")
	b.metrics.UpdateRiskTier(int(TierNormal), 1.0)
	return b, nil
}

// Evaluate 用最新遥测评估风险等级并写穿持久化。
// 遥测非法时不分类、不恢复、不落盘，按当前缓存状态返回。
func (b *Breaker) Evaluate(ctx context.Context, tel Telemetry) Decision {
	if err := tel.Validate(); err != nil {
		return b.rejectTelemetry(ctx, err)
	}

	b.mu.Lock()

	now := b.clock.Now()
	st := b.loadLocked(ctx)
	previous := st.Tier
	var notes []pendingAlert

	b.rolloverLocked(&st, now)

	fresh, triggers, mult := classify(tel, b.cfg.Thresholds)

	recovered := false
	if from, to, ok := b.recoverLocked(&st, tel, fresh, now); ok {
		recovered = true
		notes = append(notes, pendingAlert{
			title:    fmt.Sprintf("Risk tier recovered: %s -> %s", from, to),
			message:  fmt.Sprintf("Dwell time elapsed and recovery conditions hold; trading restrictions relaxed to %s.", to.Action()),
			priority: alert.PriorityMedium,
			data:     map[string]interface{}{"from": from.String(), "to": to.String()},
		})
	}

	effective := maxTier(fresh, st.Tier)
	critical := false

	if effective != st.Tier {
		tr, _ := topTrigger(effective, triggers)
		st.History = store.AppendCapped(st.History, TriggerEvent{
			Timestamp: now,
			From:      st.Tier,
			Tier:      effective,
			Action:    effective.Action(),
			Reason:    tr.Reason,
			Observed:  tr.Observed,
			Threshold: tr.Threshold,
		}, store.HistoryLimit)
		st.EnteredAt[effective] = now
		b.metrics.RecordTransition(st.Tier.String(), effective.String())
		if effective == TierHalt {
			st.Halted = true
			critical = true
		}
		if p, ok := escalationPriority(effective); ok {
			notes = append(notes, pendingAlert{
				title:    fmt.Sprintf("Risk tier %s: %s", effective, effective.Action()),
				message:  describe(effective, fresh, triggers),
				priority: p,
				data: map[string]interface{}{
					"from":      st.Tier.String(),
					"tier":      effective.String(),
					"action":    string(effective.Action()),
					"triggers":  triggerStrings(triggers),
					"threshold": tr.Threshold,
					"observed":  tr.Observed,
				},
			})
		}
		b.logger.Warn("risk tier escalated",
			zap.String("from", st.Tier.String()),
			zap.String("to", effective.String()),
			zap.String("reason", string(tr.Reason)),
			zap.Float64("observed", tr.Observed),
			zap.Float64("threshold", tr.Threshold))
		st.Tier = effective
	}

	st.Action = effective.Action()
	if effective == fresh {
		st.SizeMultiplier = mult
	} else {
		st.SizeMultiplier = multiplierFor(effective, nil, b.cfg.Thresholds)
	}
	st.ActiveTriggers = triggers
	st.Reason = describe(effective, fresh, triggers)
	st.UpdatedAt = now

	attempts := 1
	pctx := ctx
	if critical {
		attempts = b.cfg.PersistAttempts
		pctx = context.WithoutCancel(ctx)
	}
	if err := b.persistLocked(pctx, st, attempts); err != nil && critical {
		b.logger.Error("FULL_HALT transition not persisted, holding in memory", zap.Error(err))
	}
	b.state = st

	b.metrics.RecordEvaluation()
	b.metrics.UpdateRiskTier(int(st.Tier), st.SizeMultiplier)

	dec := Decision{
		Tier:           st.Tier,
		Action:         st.Action,
		SizeMultiplier: st.SizeMultiplier,
		Triggers:       append([]Trigger(nil), triggers...),
		Reason:         st.Reason,
		Previous:       previous,
		Changed:        st.Tier != previous,
		Recovered:      recovered,
		FlagForReview:  st.Action == ActionHardStop,
		EvaluatedAt:    now,
	}
	b.mu.Unlock()

	b.dispatch(ctx, notes)
	return dec
}

func (b *Breaker) rejectTelemetry(ctx context.Context, err error) Decision {
	b.mu.Lock()
	st := b.loadLocked(ctx)
	b.mu.Unlock()

	b.logger.Warn("telemetry rejected, risk state unchanged",
		zap.Error(err),
		zap.String("tier", st.Tier.String()))
	return Decision{
		Tier:           st.Tier,
		Action:         st.Action,
		SizeMultiplier: st.SizeMultiplier,
		Reason:         err.Error(),
		Previous:       st.Tier,
		FlagForReview:  st.Action == ActionHardStop,
		EvaluatedAt:    b.clock.Now(),
		Rejected:       true,
	}
}

// CheckBeforeTrade 基于已缓存状态判断能否下单，不重新评估
func (b *Breaker) CheckBeforeTrade(ctx context.Context, kind TradeKind) Permission {
	b.mu.Lock()
	st := b.loadLocked(ctx)
	b.mu.Unlock()
	return permit(kind, st.Tier, st.Action, st.SizeMultiplier, st.Reason)
}

// Permits 按本次评估结果判断某类交易是否放行
func (d Decision) Permits(kind TradeKind) Permission {
	if d.Rejected {
		return Permission{Kind: kind, Tier: d.Tier, Action: d.Action, Reason: d.Reason}
	}
	return permit(kind, d.Tier, d.Action, d.SizeMultiplier, d.Reason)
}

func permit(kind TradeKind, tier Tier, action Action, mult float64, reason string) Permission {
	p := Permission{
		Kind:           kind,
		Tier:           tier,
		Action:         action,
		SizeMultiplier: mult,
	}

	switch {
	case !kind.Valid():
		p.Reason = fmt.Sprintf("unknown trade kind %q", kind)
	case action == ActionFullHalt:
		p.Reason = fmt.Sprintf("risk breaker %s (%s): all trading halted, manual reset required; %s", action, tier, reason)
	case kind == KindExit:
		p.Allowed = true
		p.SizeMultiplier = 1.0
		p.Reason = fmt.Sprintf("exits allowed under %s", action)
	case action.AllowsEntries():
		p.Allowed = true
		p.Reason = fmt.Sprintf("entries allowed under %s at size x%.2f", action, mult)
	default:
		p.Reason = fmt.Sprintf("risk breaker %s (%s): entries blocked, exits allowed; %s", action, tier, reason)
	}
	if !p.Allowed {
		p.SizeMultiplier = 0
	}
	return p
}

// ManualReset 强制恢复 NORMAL 并清除 halted 标记，理由必填并持久化审计
func (b *Breaker) ManualReset(ctx context.Context, by, justification string) error {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return ErrJustificationRequired
	}
	if strings.TrimSpace(by) == "" {
		by = "unknown"
	}

	b.mu.Lock()
	now := b.clock.Now()
	st := b.loadLocked(ctx)
	from := st.Tier

	next := initialState()
	next.TradingDay = b.tradingDay(now)
	next.LastReset = &ResetRecord{By: by, Justification: justification, At: now, FromTier: from}
	next.History = store.AppendCapped(st.History, TriggerEvent{
		Timestamp: now,
		From:      from,
		Tier:      TierNormal,
		Action:    ActionAllow,
		Reason:    ReasonManualReset,
		Note:      fmt.Sprintf("by %s: %s", by, justification),
	}, store.HistoryLimit)
	next.Reason = fmt.Sprintf("manual reset by %s", by)
	next.UpdatedAt = now

	if err := b.persistLocked(context.WithoutCancel(ctx), next, b.cfg.PersistAttempts); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("manual reset: %w", err)
	}
	b.state = next
	if from != TierNormal {
		b.metrics.RecordTransition(from.String(), TierNormal.String())
	}
	b.metrics.UpdateRiskTier(int(TierNormal), 1.0)
	b.mu.Unlock()

	b.logger.Warn("risk breaker manually reset",
		zap.String("by", by),
		zap.String("from", from.String()),
		zap.String("justification", justification))
	b.alerts.Send(ctx,
		"Risk breaker manually reset",
		fmt.Sprintf("%s reset the breaker from %s to NORMAL: %s", by, from, justification),
		alert.PriorityHigh,
		map[string]interface{}{"by": by, "from": from.String(), "justification": justification})
	return nil
}

// Status 返回当前状态快照
func (b *Breaker) Status(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked(ctx)
}

// UpdateThresholds 热更新阈值，校验失败时保持原值
func (b *Breaker) UpdateThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.cfg.Thresholds = th
	b.mu.Unlock()
	b.logger.Info("risk thresholds updated",
		zap.Float64("loss_halt", th.LossHalt),
		zap.Float64("vix_critical", th.VIXCritical),
		zap.Int("streak_critical", th.StreakCritical))
	return nil
}

// Thresholds 返回当前阈值
func (b *Breaker) Thresholds() Thresholds {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Thresholds
}

// Location 返回交易日时区
func (b *Breaker) Location() *time.Location { return b.loc }

// loadLocked 从存储重新读取；无记录或读取失败时使用内存副本。调用方持锁。
func (b *Breaker) loadLocked(ctx context.Context) State {
	if b.store == nil {
		return b.state.clone()
	}
	var st State
	err := b.store.Get(ctx, store.KeyBreakerState, &st)
	switch {
	case err == nil:
		st.normalize()
		b.state = st
	case errors.Is(err, store.ErrNotFound):
	default:
		b.logger.Warn("load breaker state failed, using in-memory copy", zap.Error(err))
		b.metrics.RecordPersistenceError(store.KeyBreakerState)
	}
	return b.state.clone()
}

// persistLocked 写穿存储，attempts 次内成功即返回。调用方持锁。
func (b *Breaker) persistLocked(ctx context.Context, st State, attempts int) error {
	if b.store == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = b.store.Put(ctx, store.KeyBreakerState, st); err == nil {
			return nil
		}
		b.logger.Warn("persist breaker state failed",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
		if i < attempts && !sleepCtx(ctx, b.cfg.PersistBackoff*time.Duration(i)) {
			break
		}
	}
	b.metrics.RecordPersistenceError(store.KeyBreakerState)
	return fmt.Errorf("persist breaker state after %d attempts: %w", attempts, err)
}

// sleepCtx 等待 d，ctx 结束时返回 false
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *Breaker) dispatch(ctx context.Context, notes []pendingAlert) {
	for _, n := range notes {
		b.alerts.Send(ctx, n.title, n.message, n.priority, n.data)
	}
}

func (b *Breaker) tradingDay(now time.Time) string {
	return now.In(b.loc).Format("2006-01-02")
}

// escalationPriority 升级告警级别
func escalationPriority(t Tier) (alert.Priority, bool) {
	switch t {
	case TierHalt:
		return alert.PriorityCritical, true
	case TierCritical:
		return alert.PriorityHigh, true
	case TierWarning:
		return alert.PriorityMedium, true
	case TierCaution:
		return alert.PriorityLow, true
	}
	return "", false
}

func describe(effective, fresh Tier, triggers []Trigger) string {
	if effective == TierNormal {
		return "no thresholds crossed"
	}
	var parts []string
	for _, tr := range triggers {
		if tr.Tier == effective {
			parts = append(parts, tr.String())
		}
	}
	if effective > fresh {
		held := fmt.Sprintf("holding %s until dwell time and recovery conditions are met", effective)
		if len(triggers) > 0 {
			return held + "; current: " + strings.Join(triggerStrings(triggers), ", ")
		}
		return held
	}
	return strings.Join(parts, ", ")
}

func triggerStrings(triggers []Trigger) []string {
	out := make([]string, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, tr.String())
	}
	return out
}
