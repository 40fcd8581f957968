package failover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/internal/circuit"
)

// Probe 健康检查操作
type Probe func(ctx context.Context, b gateway.Broker) error

// AccountProbe 默认探测：读取账户
func AccountProbe(ctx context.Context, b gateway.Broker) error {
	_, err := b.GetAccount(ctx)
	return err
}

// EndpointHealth 单个端点的探测结果
type EndpointHealth struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Error     string        `json:"error,omitempty"`
	LatencyMs float64       `json:"latency_ms"`
	Circuit   circuit.State `json:"circuit"`
	CheckedAt time.Time     `json:"checked_at"`
}

// EndpointStatus 不探测的状态视图
type EndpointStatus struct {
	Name      string        `json:"name"`
	Available bool          `json:"available"`
	Circuit   circuit.State `json:"circuit"`
}

// HealthCheck 探测每一个端点，无视熔断状态，结果计入各自熔断器。
// 这是路由器唯一绕过熔断门控的入口。
func (r *Router) HealthCheck(ctx context.Context, probe Probe) map[string]EndpointHealth {
	if probe == nil {
		probe = AccountProbe
	}
	out := make(map[string]EndpointHealth, len(r.endpoints))
	for _, ep := range r.endpoints {
		h := EndpointHealth{Name: ep.Name, CheckedAt: time.Now()}
		if ep.Broker == nil {
			h.Error = "no broker configured"
			h.Circuit = ep.Circuit.Snapshot()
			out[ep.Name] = h
			continue
		}

		start := time.Now()
		_, err := r.invoke(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, probe(ctx, ep.Broker)
		})
		h.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		r.metrics.RecordFailoverAttempt(ep.Name, "health_check", err == nil, time.Since(start).Seconds())

		if err != nil {
			ep.Circuit.RecordFailure(ctx, err)
			h.Error = err.Error()
			r.logger.Warn("health probe failed", zap.String("endpoint", ep.Name), zap.Error(err))
		} else {
			ep.Circuit.RecordSuccess(ctx)
			h.Healthy = true
		}
		h.Circuit = ep.Circuit.Snapshot()
		out[ep.Name] = h
	}
	return out
}

// Status 返回各端点当前熔断状态，按优先级排列
func (r *Router) Status() []EndpointStatus {
	out := make([]EndpointStatus, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, EndpointStatus{
			Name:      ep.Name,
			Available: ep.Circuit.Available(),
			Circuit:   ep.Circuit.Snapshot(),
		})
	}
	return out
}
