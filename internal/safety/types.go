package safety

import (
	"time"

	"tradeguard/gateway"
	"tradeguard/internal/failover"
	"tradeguard/internal/killswitch"
	"tradeguard/internal/risk"
)

// Source 给出授权结论的组件
type Source string

const (
	SourceNone        Source = "none"
	SourceKillSwitch  Source = "kill_switch"
	SourceRiskBreaker Source = "risk_breaker"
	SourceRouter      Source = "router"
)

// Intent 一次交易意图。Telemetry 非空时先重新评估风险等级，
// 否则按已缓存的等级判断。
type Intent struct {
	Kind      risk.TradeKind  `json:"kind"`
	Symbol    string          `json:"symbol,omitempty"`
	Requester string          `json:"requester,omitempty"`
	Telemetry *risk.Telemetry `json:"telemetry,omitempty"`
}

// Authorization 授权结论
type Authorization struct {
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason"`
	Source         Source         `json:"source"`
	Kind           risk.TradeKind `json:"kind"`
	Tier           risk.Tier      `json:"tier"`
	Action         risk.Action    `json:"action"`
	SizeMultiplier float64        `json:"size_multiplier"`
	Endpoint       string         `json:"endpoint,omitempty"`
	FlagForReview  bool           `json:"flag_for_review,omitempty"`
	AuthorizedAt   time.Time      `json:"authorized_at"`
}

// OrderResult 经网关下单的结果
type OrderResult struct {
	Authorization Authorization        `json:"authorization"`
	Request       gateway.OrderRequest `json:"request"`
	Order         gateway.Order        `json:"order"`
	Endpoint      string               `json:"endpoint"`
}

// Review HARD_STOP 下的持仓复核
type Review struct {
	Required  bool               `json:"required"`
	Tier      risk.Tier          `json:"tier"`
	Action    risk.Action        `json:"action"`
	Positions []gateway.Position `json:"positions,omitempty"`
	Endpoint  string             `json:"endpoint,omitempty"`
}

// Snapshot 汇总视图
type Snapshot struct {
	KillSwitch killswitch.Status         `json:"kill_switch"`
	Breaker    risk.State                `json:"breaker"`
	Endpoints  []failover.EndpointStatus `json:"endpoints"`
	Preferred  string                    `json:"preferred_endpoint,omitempty"`
	TakenAt    time.Time                 `json:"taken_at"`
}
