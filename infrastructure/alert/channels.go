package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// LogChannel 日志告警通道
type LogChannel struct {
	logger *zap.Logger
	name   string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{
		logger: logger.With(zap.String("channel", name)),
		name:   name,
	}
}

// Send 发送告警到日志
func (c *LogChannel) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("priority", string(alert.Priority)),
		zap.Time("ts", alert.Timestamp),
	}
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Priority {
	case PriorityCritical, PriorityHigh:
		c.logger.Error(alert.Message, fields...)
	case PriorityMedium:
		c.logger.Warn(alert.Message, fields...)
	default:
		c.logger.Info(alert.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}

// ConsoleChannel 控制台告警通道（彩色输出）
type ConsoleChannel struct {
	name string
}

// NewConsoleChannel 创建控制台告警通道
func NewConsoleChannel(name string) *ConsoleChannel {
	return &ConsoleChannel{
		name: name,
	}
}

// Send 发送告警到控制台（带颜色）
func (c *ConsoleChannel) Send(_ context.Context, alert Alert) error {
	fmt.Println(formatConsole(alert))
	return nil
}

func formatConsole(alert Alert) string {
	colorReset := "\033[0m"
	colorCode := ""

	switch alert.Priority {
	case PriorityLow:
		colorCode = "\033[32m" // 绿色
	case PriorityMedium:
		colorCode = "\033[33m" // 黄色
	case PriorityHigh:
		colorCode = "\033[31m" // 红色
	case PriorityCritical:
		colorCode = "\033[35m" // 紫色
	default:
		colorCode = colorReset
	}

	msg := fmt.Sprintf("%s[%s]%s %s - %s: %s",
		colorCode,
		strings.ToUpper(string(alert.Priority)),
		colorReset,
		alert.Timestamp.Format("2006-01-02 15:04:05"),
		alert.Title,
		alert.Message,
	)
	if len(alert.Fields) > 0 {
		msg += " | " + formatFields(alert.Fields)
	}
	return msg
}

// formatFields 按 key 排序输出，保证同一告警格式稳定。
func formatFields(fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

// Name 返回通道名称
func (c *ConsoleChannel) Name() string {
	return c.name
}

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{
		name:   name,
		alerts: make([]Alert, 0),
	}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(_ context.Context, alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

// Name 返回通道名称
func (c *MockChannel) Name() string {
	return c.name
}

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

// ByPriority 返回指定优先级的告警
func (c *MockChannel) ByPriority(p Priority) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Alert
	for _, a := range c.alerts {
		if a.Priority == p {
			out = append(out, a)
		}
	}
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	c.shouldErr = shouldErr
	c.mu.Unlock()
}

// Clear 清空告警记录
func (c *MockChannel) Clear() {
	c.mu.Lock()
	c.alerts = make([]Alert, 0)
	c.mu.Unlock()
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// Recorder 直接实现 Sink 的测试替身，无限流。
type Recorder struct {
	mock *MockChannel
}

// NewRecorder 创建记录型 Sink
func NewRecorder() *Recorder {
	return &Recorder{mock: NewMockChannel("recorder")}
}

func (r *Recorder) Send(ctx context.Context, title, message string, priority Priority, data map[string]interface{}) []DeliveryResult {
	_ = r.mock.Send(ctx, Alert{Title: title, Message: message, Priority: priority, Fields: data})
	return []DeliveryResult{{Channel: r.mock.Name(), Delivered: true}}
}

// Alerts 返回收到的告警
func (r *Recorder) Alerts() []Alert { return r.mock.GetAlerts() }

// ByPriority 返回指定优先级的告警
func (r *Recorder) ByPriority(p Priority) []Alert { return r.mock.ByPriority(p) }
