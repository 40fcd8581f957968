package risk

import (
	"fmt"
	"strings"
)

// Tier 风险等级，数值越大越严格
type Tier int

const (
	TierNormal Tier = iota
	TierCaution
	TierWarning
	TierCritical
	TierHalt
)

// String 返回等级名称
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "NORMAL"
	case TierCaution:
		return "CAUTION"
	case TierWarning:
		return "WARNING"
	case TierCritical:
		return "CRITICAL"
	case TierHalt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// ParseTier 解析等级名称（大小写不敏感）
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL":
		return TierNormal, nil
	case "CAUTION":
		return TierCaution, nil
	case "WARNING":
		return TierWarning, nil
	case "CRITICAL":
		return TierCritical, nil
	case "HALT":
		return TierHalt, nil
	}
	return TierNormal, fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// MarshalText 持久化为名称，兼作 JSON map key
func (t Tier) MarshalText() ([]byte, error) {
	if t < TierNormal || t > TierHalt {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Action 返回等级对应的动作
func (t Tier) Action() Action {
	switch t {
	case TierCaution:
		return ActionReduceSize
	case TierWarning:
		return ActionSoftPause
	case TierCritical:
		return ActionHardStop
	case TierHalt:
		return ActionFullHalt
	default:
		return ActionAllow
	}
}

// Action 风控动作，由等级唯一决定
type Action string

const (
	ActionAllow      Action = "ALLOW"
	ActionReduceSize Action = "REDUCE_SIZE"
	ActionSoftPause  Action = "SOFT_PAUSE"
	ActionHardStop   Action = "HARD_STOP"
	ActionFullHalt   Action = "FULL_HALT"
)

// AllowsEntries 是否允许开新仓
func (a Action) AllowsEntries() bool {
	return a == ActionAllow || a == ActionReduceSize
}

// AllowsExits 是否允许平仓
func (a Action) AllowsExits() bool {
	return a != ActionFullHalt
}

// Reason 触发原因
type Reason string

const (
	ReasonDailyLoss         Reason = "daily_loss_pct"
	ReasonVolatilityIndex   Reason = "volatility_index"
	ReasonConsecutiveLosses Reason = "consecutive_losses"
	ReasonMarketMove        Reason = "market_move"
	ReasonVolatilitySpike   Reason = "volatility_spike"

	// 非阈值类事件
	ReasonRecovery    Reason = "recovery"
	ReasonManualReset Reason = "manual_reset"
	ReasonDailyReset  Reason = "daily_reset"
)

// TradeKind 交易意图
type TradeKind string

const (
	KindEntry TradeKind = "entry"
	KindExit  TradeKind = "exit"
)

// Valid 判断是否为已知意图
func (k TradeKind) Valid() bool {
	return k == KindEntry || k == KindExit
}

func maxTier(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}
