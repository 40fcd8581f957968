package risk

import (
	"fmt"
	"time"
)

// Thresholds 各等级触发阈值。亏损与市场波动为小数（0.03 即 3%）。
type Thresholds struct {
	LossCaution  float64 `yaml:"loss_caution" json:"loss_caution"`
	LossWarning  float64 `yaml:"loss_warning" json:"loss_warning"`
	LossCritical float64 `yaml:"loss_critical" json:"loss_critical"`
	LossHalt     float64 `yaml:"loss_halt" json:"loss_halt"`

	VIXCaution  float64 `yaml:"vix_caution" json:"vix_caution"`
	VIXWarning  float64 `yaml:"vix_warning" json:"vix_warning"`
	VIXCritical float64 `yaml:"vix_critical" json:"vix_critical"`

	StreakCaution  int `yaml:"streak_caution" json:"streak_caution"`
	StreakWarning  int `yaml:"streak_warning" json:"streak_warning"`
	StreakCritical int `yaml:"streak_critical" json:"streak_critical"`

	MoveCaution float64 `yaml:"move_caution" json:"move_caution"`
	MoveWarning float64 `yaml:"move_warning" json:"move_warning"`
	MoveHalt    float64 `yaml:"move_halt" json:"move_halt"`

	SpikeRatio float64 `yaml:"spike_ratio" json:"spike_ratio"`

	// CAUTION 下的仓位系数；仅由市场波动触发时使用 MoveCautionMultiplier
	CautionMultiplier     float64 `yaml:"caution_multiplier" json:"caution_multiplier"`
	MoveCautionMultiplier float64 `yaml:"move_caution_multiplier" json:"move_caution_multiplier"`
}

// DefaultThresholds 返回默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		LossCaution:  0.01,
		LossWarning:  0.02,
		LossCritical: 0.03,
		LossHalt:     0.05,

		VIXCaution:  20,
		VIXWarning:  25,
		VIXCritical: 30,

		StreakCaution:  3,
		StreakWarning:  5,
		StreakCritical: 7,

		MoveCaution: 0.03,
		MoveWarning: 0.05,
		MoveHalt:    0.07,

		SpikeRatio: 2.0,

		CautionMultiplier:     0.5,
		MoveCautionMultiplier: 0.7,
	}
}

// Validate 检查阈值严格递增且系数在 (0,1) 内
func (t Thresholds) Validate() error {
	if !(t.LossCaution > 0 && t.LossCaution < t.LossWarning && t.LossWarning < t.LossCritical && t.LossCritical < t.LossHalt) {
		return fmt.Errorf("%w: daily loss levels must be positive and increasing", ErrInvalidThresholds)
	}
	if !(t.VIXCaution > 0 && t.VIXCaution < t.VIXWarning && t.VIXWarning < t.VIXCritical) {
		return fmt.Errorf("%w: volatility index levels must be positive and increasing", ErrInvalidThresholds)
	}
	if !(t.StreakCaution > 0 && t.StreakCaution < t.StreakWarning && t.StreakWarning < t.StreakCritical) {
		return fmt.Errorf("%w: loss streak levels must be positive and increasing", ErrInvalidThresholds)
	}
	if !(t.MoveCaution > 0 && t.MoveCaution < t.MoveWarning && t.MoveWarning < t.MoveHalt) {
		return fmt.Errorf("%w: market move levels must be positive and increasing", ErrInvalidThresholds)
	}
	if t.SpikeRatio <= 1 {
		return fmt.Errorf("%w: spike ratio must be above 1", ErrInvalidThresholds)
	}
	if t.CautionMultiplier <= 0 || t.CautionMultiplier >= 1 || t.MoveCautionMultiplier <= 0 || t.MoveCautionMultiplier >= 1 {
		return fmt.Errorf("%w: caution multipliers must be in (0,1)", ErrInvalidThresholds)
	}
	return nil
}

// Recovery 自动降级参数
type Recovery struct {
	HaltDwell     time.Duration `yaml:"halt_dwell" json:"halt_dwell"`
	CriticalDwell time.Duration `yaml:"critical_dwell" json:"critical_dwell"`
	WarningDwell  time.Duration `yaml:"warning_dwell" json:"warning_dwell"`
	CautionDwell  time.Duration `yaml:"caution_dwell" json:"caution_dwell"`

	// HALT/CRITICAL 降级条件：当日亏损不超过 LossThreshold，且波动率指数低于 VIXLevel（或缺失）
	LossThreshold float64 `yaml:"loss_threshold" json:"loss_threshold"`
	VIXLevel      float64 `yaml:"vix_level" json:"vix_level"`
}

// DefaultRecovery 返回默认降级参数
func DefaultRecovery() Recovery {
	return Recovery{
		HaltDwell:     60 * time.Minute,
		CriticalDwell: 30 * time.Minute,
		WarningDwell:  15 * time.Minute,
		CautionDwell:  5 * time.Minute,
		LossThreshold: 0.01,
		VIXLevel:      25,
	}
}

// Validate 检查降级参数
func (r Recovery) Validate() error {
	if r.HaltDwell <= 0 || r.CriticalDwell <= 0 || r.WarningDwell <= 0 || r.CautionDwell <= 0 {
		return fmt.Errorf("%w: dwell times must be positive", ErrInvalidThresholds)
	}
	if r.LossThreshold < 0 || r.VIXLevel <= 0 {
		return fmt.Errorf("%w: recovery conditions out of range", ErrInvalidThresholds)
	}
	return nil
}

// dwell 返回等级的最短停留时间，NORMAL 无需停留
func (r Recovery) dwell(t Tier) time.Duration {
	switch t {
	case TierHalt:
		return r.HaltDwell
	case TierCritical:
		return r.CriticalDwell
	case TierWarning:
		return r.WarningDwell
	case TierCaution:
		return r.CautionDwell
	}
	return 0
}

// Config 风控熔断配置
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Recovery   Recovery   `yaml:"recovery"`
	Timezone   string     `yaml:"timezone"` // 交易日切换所用时区

	// 进入 FULL_HALT 与人工复位时的持久化重试
	PersistAttempts int           `yaml:"persist_attempts"`
	PersistBackoff  time.Duration `yaml:"persist_backoff"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Thresholds:      DefaultThresholds(),
		Recovery:        DefaultRecovery(),
		Timezone:        "America/New_York",
		PersistAttempts: 3,
		PersistBackoff:  100 * time.Millisecond,
	}
}

// Validate 校验整体配置
func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Recovery.Validate(); err != nil {
		return err
	}
	if c.PersistAttempts < 2 {
		return fmt.Errorf("%w: persist attempts must be at least 2", ErrInvalidThresholds)
	}
	if c.PersistBackoff < 0 {
		return fmt.Errorf("%w: persist backoff must not be negative", ErrInvalidThresholds)
	}
	return nil
}
