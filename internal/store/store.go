package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// 逻辑记录名。每条记录独立寻址，互不争用。
const (
	KeyBreakerState    = "breaker-state"
	KeyKillSwitchState = "kill-switch-state"
	KeyTelemetryDay    = "telemetry-day"
	circuitKeyPrefix   = "circuit/"
)

// HistoryLimit 各类事件日志的保留上限，超出后淘汰最旧的记录。
const HistoryLimit = 100

// CircuitKey 返回单个端点熔断状态的记录名。
func CircuitKey(endpoint string) string {
	return circuitKeyPrefix + endpoint
}

// RecordStore 持久化 key -> JSON 文档，不要求查询能力。
// 实现需保证单 key 的 last-writer-wins 语义。
type RecordStore interface {
	// Get 将 key 对应文档解码到 dst，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string, dst interface{}) error
	// Put 以 JSON 编码覆盖写入 doc。
	Put(ctx context.Context, key string, doc interface{}) error
}

// EventSink 接收存储层事件（写入、失败），用于日志/指标。
type EventSink func(event string, fields map[string]interface{})

// AppendCapped 追加后裁剪到最多 limit 条，保留最新的。
func AppendCapped[T any](list []T, item T, limit int) []T {
	list = append(list, item)
	if limit > 0 && len(list) > limit {
		list = append([]T(nil), list[len(list)-limit:]...)
	}
	return list
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, "..") || strings.ContainsAny(key, "\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Memory 内存实现，测试与无持久化部署使用。
// 存放编码后的字节，避免调用方共享可变结构。
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte
	sink    EventSink

	// 故障注入：非 nil 时 Get/Put 直接返回该错误。
	failErr error
}

// NewMemory 创建内存存储。
func NewMemory(sink EventSink) *Memory {
	return &Memory{
		records: make(map[string][]byte),
		sink:    sink,
	}
}

func (m *Memory) Get(_ context.Context, key string, dst interface{}) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.RLock()
	raw, ok := m.records[key]
	failErr := m.failErr
	m.mu.RUnlock()
	if failErr != nil {
		return failErr
	}
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode record %s: %w", key, err)
	}
	return nil
}

func (m *Memory) Put(_ context.Context, key string, doc interface{}) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	m.mu.Lock()
	if m.failErr != nil {
		err := m.failErr
		m.mu.Unlock()
		m.logEvent("put_failed", map[string]interface{}{"key": key, "error": err.Error()})
		return err
	}
	m.records[key] = raw
	m.mu.Unlock()
	m.logEvent("put", map[string]interface{}{"key": key, "bytes": len(raw)})
	return nil
}

// SetFailure 让后续读写返回 err；传 nil 恢复正常。
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// Keys 返回已写入的 key（无序）。
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys
}

func (m *Memory) logEvent(event string, fields map[string]interface{}) {
	if m == nil || m.sink == nil {
		return
	}
	m.sink(event, fields)
}
