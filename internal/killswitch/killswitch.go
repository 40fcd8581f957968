package killswitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/clock"
	"tradeguard/internal/store"
)

// DefaultEnvVar 默认的环境变量覆盖开关
const DefaultEnvVar = "TRADEGUARD_KILL_SWITCH"

// Config kill switch 配置
type Config struct {
	EnvVar          string        `yaml:"env_var"`
	MarkerPath      string        `yaml:"marker_path"`
	PersistAttempts int           `yaml:"persist_attempts"`
	PersistBackoff  time.Duration `yaml:"persist_backoff"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		EnvVar:          DefaultEnvVar,
		MarkerPath:      "data/KILL_SWITCH",
		PersistAttempts: 3,
		PersistBackoff:  100 * time.Millisecond,
	}
}

// Option 可选依赖注入
type Option func(*KillSwitch)

// WithStore 设置持久化存储
func WithStore(s store.RecordStore) Option {
	return func(k *KillSwitch) { k.store = s }
}

// WithAlerts 设置告警出口
func WithAlerts(s alert.Sink) Option {
	return func(k *KillSwitch) { k.alerts = s }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(k *KillSwitch) { k.logger = l }
}

// WithClock 注入时钟
func WithClock(c clock.Clock) Option {
	return func(k *KillSwitch) { k.clock = c }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(k *KillSwitch) { k.metrics = m }
}

// WithSurface 追加额外的激活来源，排在内置来源之后
func WithSurface(s Surface) Option {
	return func(k *KillSwitch) { k.extra = append(k.extra, s) }
}

// KillSwitch 全局紧急停止开关。
// 检查顺序：环境变量 -> 哨兵文件 -> 持久化开关 -> 额外来源，任一触发即生效。
// 自动解除在检查时惰性执行，没有后台定时器。
type KillSwitch struct {
	cfg    Config
	env    *EnvSurface
	marker *MarkerSurface
	extra  []Surface

	opMu    sync.Mutex // 串行化读改写
	stateMu sync.Mutex // 保护 state
	state   State

	store   store.RecordStore
	alerts  alert.Sink
	logger  *zap.Logger
	clock   clock.Clock
	metrics *monitor.Monitor
}

// New 创建 kill switch
func New(cfg Config, opts ...Option) *KillSwitch {
	def := DefaultConfig()
	if cfg.PersistAttempts < 2 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.PersistBackoff < 0 {
		cfg.PersistBackoff = 0
	}
	k := &KillSwitch{
		cfg:    cfg,
		env:    NewEnvSurface(cfg.EnvVar),
		marker: NewMarkerSurface(cfg.MarkerPath),
		alerts: alert.Nop{},
		logger: zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = k.logger.Named("kill_switch")
	return k
}

// Surfaces 按检查顺序返回所有来源
func (k *KillSwitch) Surfaces() []Surface {
	out := []Surface{k.env, k.marker, flagSurface{ks: k}}
	return append(out, k.extra...)
}

// IsActive 是否生效
func (k *KillSwitch) IsActive(ctx context.Context) bool {
	return k.Check(ctx).Active
}

// Check 返回第一个触发的来源。来源出错按触发处理。
func (k *KillSwitch) Check(ctx context.Context) Verdict {
	k.expire(ctx)

	v := Verdict{}
	for _, s := range k.Surfaces() {
		tripped, reason, err := s.Tripped(ctx)
		if err != nil {
			k.logger.Error("kill switch surface check failed, treating as tripped",
				zap.String("surface", s.Name()), zap.Error(err))
			v = Verdict{Active: true, Surface: s.Name(), Reason: fmt.Sprintf("surface %s unreadable: %v", s.Name(), err)}
			break
		}
		if tripped {
			v = Verdict{Active: true, Surface: s.Name(), Reason: reason}
			break
		}
	}
	k.metrics.SetKillSwitch(v.Active)
	return v
}

// Status 返回每个来源的检查结果和持久化状态
func (k *KillSwitch) Status(ctx context.Context) Status {
	k.expire(ctx)

	out := Status{}
	for _, s := range k.Surfaces() {
		tripped, reason, err := s.Tripped(ctx)
		ss := SurfaceStatus{Name: s.Name(), Tripped: tripped, Reason: reason}
		if err != nil {
			ss.Tripped = true
			ss.Error = err.Error()
		}
		out.Active = out.Active || ss.Tripped
		out.Surfaces = append(out.Surfaces, ss)
	}
	out.State = k.load(ctx)
	k.metrics.SetKillSwitch(out.Active)
	return out
}

// Activate 激活。重复调用幂等：更新激活信息、重写哨兵文件、再次发送 critical 告警。
// autoDisableAfter > 0 时到期后在下一次检查自动解除。
func (k *KillSwitch) Activate(ctx context.Context, by, reason string, autoDisableAfter time.Duration) (ActivationReceipt, error) {
	by = defaultString(by, "unknown")
	reason = defaultString(reason, "manual activation")

	k.opMu.Lock()
	now := k.clock.Now()
	st := k.load(ctx)
	already := st.Active

	act := &Activation{
		ID:     uuid.NewString(),
		By:     by,
		Reason: reason,
		At:     now,
	}
	if autoDisableAfter > 0 {
		deadline := now.Add(autoDisableAfter)
		act.AutoDisableAt = &deadline
	}
	st.Active = true
	st.Activation = act
	st.History = store.AppendCapped(st.History, HistoryEntry{
		ID: act.ID, Event: EventActivated, By: by, Reason: reason, At: now,
	}, store.HistoryLimit)
	st.UpdatedAt = now

	receipt := ActivationReceipt{
		ID:            act.ID,
		AlreadyActive: already,
		ActivatedAt:   now,
		AutoDisableAt: act.AutoDisableAt,
	}

	var errs []error
	if err := k.marker.Write(Marker{
		ID: act.ID, By: by, Reason: reason, ActivatedAt: now, AutoDisableAt: act.AutoDisableAt,
	}); err != nil {
		k.logger.Error("write kill switch marker failed", zap.Error(err))
		errs = append(errs, err)
	} else {
		receipt.MarkerWritten = true
	}
	if err := k.persist(context.WithoutCancel(ctx), st); err != nil {
		errs = append(errs, err)
	} else {
		receipt.Persisted = true
	}
	k.setState(st)
	k.opMu.Unlock()

	k.metrics.RecordKillSwitchActivation()
	k.metrics.SetKillSwitch(true)
	k.logger.Error("KILL SWITCH ACTIVATED",
		zap.String("id", act.ID),
		zap.String("by", by),
		zap.String("reason", reason),
		zap.Bool("already_active", already),
		zap.Duration("auto_disable_after", autoDisableAfter))

	data := map[string]interface{}{"id": act.ID, "by": by, "reason": reason}
	if act.AutoDisableAt != nil {
		data["auto_disable_at"] = act.AutoDisableAt.Format(time.RFC3339)
	}
	receipt.Alerts = k.alerts.Send(ctx,
		"KILL SWITCH ACTIVATED",
		fmt.Sprintf("All trading halted by %s: %s", by, reason),
		alert.PriorityCritical, data)

	if len(errs) > 0 {
		return receipt, fmt.Errorf("activate kill switch: %w", errors.Join(errs...))
	}
	return receipt, nil
}

// Deactivate 解除。未生效时返回 already_inactive；
// 环境变量等外部来源无法在进程内清除，会出现在 StillTripped 中。
func (k *KillSwitch) Deactivate(ctx context.Context, by, reason string) (DeactivationReceipt, error) {
	by = defaultString(by, "unknown")
	reason = defaultString(reason, "manual deactivation")

	k.expire(ctx)

	k.opMu.Lock()
	now := k.clock.Now()
	st := k.load(ctx)
	markerPresent, _, markerErr := k.marker.Tripped(ctx)

	if !st.Active && !markerPresent && markerErr == nil {
		k.opMu.Unlock()
		receipt := DeactivationReceipt{Status: StatusAlreadyInactive, DeactivatedAt: now}
		receipt.StillTripped = k.stillTripped(ctx)
		return receipt, nil
	}

	id := uuid.NewString()
	st.Active = false
	st.Activation = nil
	st.History = store.AppendCapped(st.History, HistoryEntry{
		ID: id, Event: EventDeactivated, By: by, Reason: reason, At: now,
	}, store.HistoryLimit)
	st.UpdatedAt = now

	receipt := DeactivationReceipt{ID: id, Status: StatusDeactivated, DeactivatedAt: now}
	var errs []error
	removed, err := k.marker.Remove()
	if err != nil {
		k.logger.Error("remove kill switch marker failed", zap.Error(err))
		errs = append(errs, err)
	}
	receipt.MarkerRemoved = removed
	if err := k.persist(context.WithoutCancel(ctx), st); err != nil {
		errs = append(errs, err)
	} else {
		receipt.Persisted = true
	}
	k.setState(st)
	k.opMu.Unlock()

	receipt.StillTripped = k.stillTripped(ctx)
	active := len(receipt.StillTripped) > 0
	k.metrics.SetKillSwitch(active)
	k.logger.Warn("kill switch deactivated",
		zap.String("by", by),
		zap.String("reason", reason),
		zap.Strings("still_tripped", receipt.StillTripped))

	msg := fmt.Sprintf("Kill switch cleared by %s: %s", by, reason)
	if active {
		msg += fmt.Sprintf(" (still tripped by: %s)", strings.Join(receipt.StillTripped, ", "))
	}
	receipt.Alerts = k.alerts.Send(ctx, "Kill switch deactivated", msg, alert.PriorityMedium,
		map[string]interface{}{"id": id, "by": by, "reason": reason, "still_tripped": receipt.StillTripped})

	if len(errs) > 0 {
		return receipt, fmt.Errorf("deactivate kill switch: %w", errors.Join(errs...))
	}
	return receipt, nil
}

// expire 过期自动解除
func (k *KillSwitch) expire(ctx context.Context) {
	k.opMu.Lock()
	now := k.clock.Now()
	st := k.load(ctx)
	if !st.Active || st.Activation == nil || st.Activation.AutoDisableAt == nil || now.Before(*st.Activation.AutoDisableAt) {
		k.opMu.Unlock()
		return
	}

	prev := st.Activation
	st.Active = false
	st.Activation = nil
	st.History = store.AppendCapped(st.History, HistoryEntry{
		ID: prev.ID, Event: EventAutoDisabled, By: "system", Reason: "timeout expired", At: now,
	}, store.HistoryLimit)
	st.UpdatedAt = now

	if _, err := k.marker.Remove(); err != nil {
		k.logger.Error("remove kill switch marker on expiry failed", zap.Error(err))
	}
	if err := k.persist(context.WithoutCancel(ctx), st); err != nil {
		k.logger.Error("persist kill switch expiry failed", zap.Error(err))
	}
	k.setState(st)
	k.opMu.Unlock()

	k.logger.Warn("kill switch auto-disabled",
		zap.String("id", prev.ID),
		zap.Time("deadline", *prev.AutoDisableAt))
	k.alerts.Send(ctx, "Kill switch auto-disabled",
		fmt.Sprintf("Activation by %s (%s) expired: timeout expired", prev.By, prev.Reason),
		alert.PriorityMedium,
		map[string]interface{}{"id": prev.ID, "reason": "timeout expired"})
}

// stillTripped 列出当前仍触发的来源名称
func (k *KillSwitch) stillTripped(ctx context.Context) []string {
	var names []string
	for _, s := range k.Surfaces() {
		tripped, _, err := s.Tripped(ctx)
		if tripped || err != nil {
			names = append(names, s.Name())
		}
	}
	return names
}

// load 从存储重新读取；无记录或读取失败时使用内存副本
func (k *KillSwitch) load(ctx context.Context) State {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	if k.store != nil {
		var st State
		err := k.store.Get(ctx, store.KeyKillSwitchState, &st)
		switch {
		case err == nil:
			k.state = st
		case errors.Is(err, store.ErrNotFound):
		default:
			k.logger.Warn("load kill switch state failed, using in-memory copy", zap.Error(err))
			k.metrics.RecordPersistenceError(store.KeyKillSwitchState)
		}
	}
	return k.state.clone()
}

func (k *KillSwitch) setState(st State) {
	k.stateMu.Lock()
	k.state = st.clone()
	k.stateMu.Unlock()
}

// persist 带重试写入
func (k *KillSwitch) persist(ctx context.Context, st State) error {
	if k.store == nil {
		return nil
	}
	var err error
	for i := 1; i <= k.cfg.PersistAttempts; i++ {
		if err = k.store.Put(ctx, store.KeyKillSwitchState, st); err == nil {
			return nil
		}
		k.logger.Warn("persist kill switch state failed",
			zap.Int("attempt", i), zap.Error(err))
		if i < k.cfg.PersistAttempts && k.cfg.PersistBackoff > 0 {
			t := time.NewTimer(k.cfg.PersistBackoff * time.Duration(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	k.metrics.RecordPersistenceError(store.KeyKillSwitchState)
	return fmt.Errorf("persist kill switch state after %d attempts: %w", k.cfg.PersistAttempts, err)
}

func defaultString(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
