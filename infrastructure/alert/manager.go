package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority 告警优先级。
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank 数值越大越紧急，未知优先级视为 low。
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Valid 判断是否为已知优先级
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Alert 告警信息
type Alert struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Priority  Priority               `json:"priority"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Channel 告警通道接口
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// DeliveryResult 单个通道的投递结果
type DeliveryResult struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Throttled bool   `json:"throttled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Sink 各安全组件依赖的告警契约。
type Sink interface {
	Send(ctx context.Context, title, message string, priority Priority, data map[string]interface{}) []DeliveryResult
}

// Nop 丢弃所有告警。
type Nop struct{}

func (Nop) Send(context.Context, string, string, Priority, map[string]interface{}) []DeliveryResult {
	return nil
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	mu       sync.RWMutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lastTime, exists := t.lastSent[key]

	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}

	return false
}

// Reset 重置限流器
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// Send 实现 Sink，返回每个通道的投递结果。
func (m *Manager) Send(ctx context.Context, title, message string, priority Priority, data map[string]interface{}) []DeliveryResult {
	if !priority.Valid() {
		priority = PriorityLow
	}
	return m.SendAlert(ctx, Alert{
		Title:    title,
		Message:  message,
		Priority: priority,
		Fields:   data,
	})
}

// SendAlert 发送告警。critical 不受限流影响。
func (m *Manager) SendAlert(ctx context.Context, alert Alert) []DeliveryResult {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]DeliveryResult, 0, len(m.channels))

	key := fmt.Sprintf("%s:%s", alert.Priority, alert.Title)
	if alert.Priority != PriorityCritical && !m.throttle.Allow(key) {
		for _, ch := range m.channels {
			results = append(results, DeliveryResult{Channel: ch.Name(), Throttled: true})
		}
		return results
	}

	for _, ch := range m.channels {
		res := DeliveryResult{Channel: ch.Name()}
		if err := ch.Send(ctx, alert); err != nil {
			res.Error = fmt.Sprintf("channel %s failed: %v", ch.Name(), err)
		} else {
			res.Delivered = true
		}
		results = append(results, res)
	}
	return results
}

// SendCritical 发送 critical 告警
func (m *Manager) SendCritical(ctx context.Context, title, message string, fields map[string]interface{}) []DeliveryResult {
	return m.Send(ctx, title, message, PriorityCritical, fields)
}

// SendHigh 发送 high 告警
func (m *Manager) SendHigh(ctx context.Context, title, message string, fields map[string]interface{}) []DeliveryResult {
	return m.Send(ctx, title, message, PriorityHigh, fields)
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// RemoveChannel 移除告警通道
func (m *Manager) RemoveChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	m.channels = filtered
}

// GetChannels 获取所有通道
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}

// AnyDelivered 至少一个通道投递成功
func AnyDelivered(results []DeliveryResult) bool {
	for _, r := range results {
		if r.Delivered {
			return true
		}
	}
	return false
}
