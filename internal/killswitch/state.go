package killswitch

import (
	"time"

	"tradeguard/infrastructure/alert"
)

// 历史事件类型
const (
	EventActivated    = "activated"
	EventDeactivated  = "deactivated"
	EventAutoDisabled = "auto_disabled"
)

// DeactivationStatus 解除结果
const (
	StatusDeactivated     = "deactivated"
	StatusAlreadyInactive = "already_inactive"
)

// Activation 当前激活信息
type Activation struct {
	ID            string     `json:"id"`
	By            string     `json:"by"`
	Reason        string     `json:"reason"`
	At            time.Time  `json:"at"`
	AutoDisableAt *time.Time `json:"auto_disable_at,omitempty"`
}

// HistoryEntry 激活/解除记录
type HistoryEntry struct {
	ID     string    `json:"id"`
	Event  string    `json:"event"`
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// State 持久化状态（key: kill-switch-state）
type State struct {
	Active     bool           `json:"active"`
	Activation *Activation    `json:"activation,omitempty"`
	History    []HistoryEntry `json:"history"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	out.History = append([]HistoryEntry(nil), s.History...)
	if s.Activation != nil {
		a := *s.Activation
		if a.AutoDisableAt != nil {
			t := *a.AutoDisableAt
			a.AutoDisableAt = &t
		}
		out.Activation = &a
	}
	return out
}

// ActivationReceipt 激活回执
type ActivationReceipt struct {
	ID            string                 `json:"id"`
	AlreadyActive bool                   `json:"already_active"`
	ActivatedAt   time.Time              `json:"activated_at"`
	AutoDisableAt *time.Time             `json:"auto_disable_at,omitempty"`
	MarkerWritten bool                   `json:"marker_written"`
	Persisted     bool                   `json:"persisted"`
	Alerts        []alert.DeliveryResult `json:"alerts,omitempty"`
}

// DeactivationReceipt 解除回执。StillTripped 列出解除后仍在触发的来源（例如环境变量）。
type DeactivationReceipt struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	DeactivatedAt time.Time              `json:"deactivated_at"`
	MarkerRemoved bool                   `json:"marker_removed"`
	Persisted     bool                   `json:"persisted"`
	StillTripped  []string               `json:"still_tripped,omitempty"`
	Alerts        []alert.DeliveryResult `json:"alerts,omitempty"`
}

// SurfaceStatus 单个来源的检查结果
type SurfaceStatus struct {
	Name    string `json:"name"`
	Tripped bool   `json:"tripped"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Verdict 一次检查的结论，Surface 为第一个触发的来源
type Verdict struct {
	Active  bool   `json:"active"`
	Surface string `json:"surface,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Status 完整状态
type Status struct {
	Active   bool            `json:"active"`
	Surfaces []SurfaceStatus `json:"surfaces"`
	State    State           `json:"state"`
}
