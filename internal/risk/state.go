package risk

import (
	"fmt"
	"time"
)

// Trigger 单个信号越过的最高阈值
type Trigger struct {
	Tier      Tier    `json:"tier"`
	Reason    Reason  `json:"reason"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// String 返回可读描述，比例类信号以百分比显示
func (t Trigger) String() string {
	switch t.Reason {
	case ReasonDailyLoss, ReasonMarketMove:
		return fmt.Sprintf("%s %.2f%% >= %.2f%% (%s)", t.Reason, t.Observed*100, t.Threshold*100, t.Tier)
	case ReasonConsecutiveLosses:
		return fmt.Sprintf("%s %d >= %d (%s)", t.Reason, int(t.Observed), int(t.Threshold), t.Tier)
	default:
		return fmt.Sprintf("%s %.2f >= %.2f (%s)", t.Reason, t.Observed, t.Threshold, t.Tier)
	}
}

// TriggerEvent 追加式审计记录，写入后不再修改
type TriggerEvent struct {
	Timestamp time.Time `json:"timestamp"`
	From      Tier      `json:"from"`
	Tier      Tier      `json:"tier"`
	Action    Action    `json:"action"`
	Reason    Reason    `json:"reason"`
	Observed  float64   `json:"observed"`
	Threshold float64   `json:"threshold"`
	Note      string    `json:"note,omitempty"`
}

// ResetRecord 最近一次人工复位
type ResetRecord struct {
	By            string    `json:"by"`
	Justification string    `json:"justification"`
	At            time.Time `json:"at"`
	FromTier      Tier      `json:"from_tier"`
}

// State 持久化的熔断状态（key: breaker-state）
type State struct {
	Tier           Tier               `json:"tier"`
	Action         Action             `json:"action"`
	SizeMultiplier float64            `json:"size_multiplier"`
	ActiveTriggers []Trigger          `json:"active_triggers"`
	Reason         string             `json:"reason,omitempty"`
	EnteredAt      map[Tier]time.Time `json:"entered_at"`
	Halted         bool               `json:"halted"`
	TradingDay     string             `json:"trading_day"` // 时区内日期 YYYY-MM-DD
	History        []TriggerEvent     `json:"history"`
	LastReset      *ResetRecord       `json:"last_reset,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func initialState() State {
	return State{
		Tier:           TierNormal,
		Action:         ActionAllow,
		SizeMultiplier: 1.0,
		EnteredAt:      make(map[Tier]time.Time),
	}
}

// clone 深拷贝，避免调用方修改内部状态
func (s State) clone() State {
	out := s
	out.ActiveTriggers = append([]Trigger(nil), s.ActiveTriggers...)
	out.History = append([]TriggerEvent(nil), s.History...)
	out.EnteredAt = make(map[Tier]time.Time, len(s.EnteredAt))
	for k, v := range s.EnteredAt {
		out.EnteredAt[k] = v
	}
	if s.LastReset != nil {
		r := *s.LastReset
		out.LastReset = &r
	}
	return out
}

// normalize 修补旧记录或外部写入导致的缺省字段
func (s *State) normalize() {
	if s.EnteredAt == nil {
		s.EnteredAt = make(map[Tier]time.Time)
	}
	if s.Tier < TierNormal || s.Tier > TierHalt {
		s.Tier = TierHalt
	}
	s.Action = s.Tier.Action()
	if s.Halted && s.Tier < TierHalt {
		s.Tier = TierHalt
		s.Action = ActionFullHalt
	}
	if !s.Action.AllowsEntries() {
		s.SizeMultiplier = 0
	} else if s.SizeMultiplier <= 0 || s.SizeMultiplier > 1 {
		if s.Tier == TierNormal {
			s.SizeMultiplier = 1.0
		} else {
			s.SizeMultiplier = DefaultThresholds().CautionMultiplier
		}
	}
}

// Decision 一次评估的结果
type Decision struct {
	Tier           Tier      `json:"tier"`
	Action         Action    `json:"action"`
	SizeMultiplier float64   `json:"size_multiplier"`
	Triggers       []Trigger `json:"active_triggers"`
	Reason         string    `json:"reason"`
	Previous       Tier      `json:"previous"`
	Changed        bool      `json:"changed"`
	Recovered      bool      `json:"recovered"`
	FlagForReview  bool      `json:"flag_for_review"` // HARD_STOP 下需要人工复核持仓
	EvaluatedAt    time.Time `json:"evaluated_at"`
	Rejected       bool      `json:"rejected,omitempty"` // 遥测非法，未参与评估
}

// Permission 交易前检查结果
type Permission struct {
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason"`
	Kind           TradeKind `json:"kind"`
	Tier           Tier      `json:"tier"`
	Action         Action    `json:"action"`
	SizeMultiplier float64   `json:"size_multiplier"`
}
