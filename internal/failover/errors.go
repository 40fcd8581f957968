package failover

import (
	"errors"
	"fmt"
	"strings"

	"tradeguard/gateway"
)

var (
	// ErrNoEndpoint 没有可执行的端点（全部熔断或全部失败）
	ErrNoEndpoint = errors.New("no endpoint available")

	// ErrInvalidOrder 下单参数非法，不会尝试任何端点
	ErrInvalidOrder = gateway.ErrInvalidOrder

	// ErrInvalidRegistry 端点配置非法
	ErrInvalidRegistry = errors.New("invalid endpoint registry")
)

// ExhaustedError 所有候选端点均不可用。调用方应视为无法执行，而不是部分结果。
type ExhaustedError struct {
	Op        string
	Attempted []string // 实际调用过的端点，按顺序
	Skipped   []string // 因熔断跳过的端点
	Last      error    // 最后一次失败，全部熔断时为 nil
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v", e.Op, ErrNoEndpoint)
	if len(e.Attempted) > 0 {
		fmt.Fprintf(&b, " (attempted: %s)", strings.Join(e.Attempted, ", "))
	}
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, " (circuit open: %s)", strings.Join(e.Skipped, ", "))
	}
	if e.Last != nil {
		fmt.Fprintf(&b, ": last error: %v", e.Last)
	}
	return b.String()
}

// Unwrap 同时暴露 ErrNoEndpoint 与最后一次错误
func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrNoEndpoint}
	}
	return []error{ErrNoEndpoint, e.Last}
}

// StoppedError 端点失败后未换端点重试。下单时表示订单可能已被受理或已被券商明确拒绝，
// 调用方应先核对订单状态再决定是否重下。
type StoppedError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("%s on %s failed without failover: %v", e.Op, e.Endpoint, e.Err)
}

func (e *StoppedError) Unwrap() error { return e.Err }
