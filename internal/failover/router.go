package failover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"tradeguard/gateway"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/circuit"
)

// Endpoint 一个命名的执行端点，绑定唯一的熔断器
type Endpoint struct {
	Name    string
	Broker  gateway.Broker
	Circuit *circuit.Circuit
}

// Call 在单个端点上执行的操作
type Call func(ctx context.Context) (interface{}, error)

// Result 执行结果
type Result struct {
	Value     interface{}
	Endpoint  string
	Attempted []string
}

// Option 可选依赖注入
type Option func(*Router)

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMonitor 注入指标
func WithMonitor(m *monitor.Monitor) Option {
	return func(r *Router) { r.metrics = m }
}

// WithCallTimeout 为每次端点调用设置超时
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) { r.callTimeout = d }
}

// Router 按固定优先级顺序尝试端点，失败即切换下一个，不并发竞速。
// 端点列表在构造后不再变化。
type Router struct {
	endpoints   []Endpoint
	logger      *zap.Logger
	metrics     *monitor.Monitor
	callTimeout time.Duration
}

// New 创建路由器，端点顺序即优先级
func New(endpoints []Endpoint, opts ...Option) (*Router, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: at least one endpoint required", ErrInvalidRegistry)
	}
	seen := make(map[string]bool, len(endpoints))
	for _, ep := range endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("%w: endpoint name required", ErrInvalidRegistry)
		}
		if seen[ep.Name] {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidRegistry, ep.Name)
		}
		if ep.Circuit == nil {
			return nil, fmt.Errorf("%w: endpoint %q has no circuit", ErrInvalidRegistry, ep.Name)
		}
		seen[ep.Name] = true
	}
	r := &Router{
		endpoints: append([]Endpoint(nil), endpoints...),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("failover")
	return r, nil
}

// Endpoints 按优先级返回端点名
func (r *Router) Endpoints() []string {
	names := make([]string, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		names = append(names, ep.Name)
	}
	return names
}

// Preferred 返回下一次调用会首先尝试的端点，不触发探测
func (r *Router) Preferred() (string, bool) {
	for _, ep := range r.endpoints {
		if ep.Circuit.Available() {
			return ep.Name, true
		}
	}
	return "", false
}

// Execute 依次尝试有对应操作且熔断放行的端点，第一个成功即返回。
// 每次失败（包括超时、取消与 panic）都记入该端点的熔断器；ctx 结束后不再尝试后续端点。
func (r *Router) Execute(ctx context.Context, op string, calls map[string]Call) (Result, error) {
	return r.run(ctx, op, calls, nil)
}

// run 同 Execute。canFailover 非空时，失败后先判断能否换下一个端点，不能则直接返回 *StoppedError。
func (r *Router) run(ctx context.Context, op string, calls map[string]Call, canFailover func(error) bool) (Result, error) {
	var (
		attempted []string
		skipped   []string
		last      error
	)
	for _, ep := range r.endpoints {
		if err := ctx.Err(); err != nil {
			if last == nil {
				last = err
			}
			break
		}
		call, ok := calls[ep.Name]
		if !ok || call == nil {
			continue
		}
		if !ep.Circuit.Allow(ctx) {
			skipped = append(skipped, ep.Name)
			continue
		}

		attempted = append(attempted, ep.Name)
		start := time.Now()
		val, err := r.invoke(ctx, call)
		r.metrics.RecordFailoverAttempt(ep.Name, op, err == nil, time.Since(start).Seconds())

		if err == nil {
			ep.Circuit.RecordSuccess(ctx)
			if len(attempted) > 1 || len(skipped) > 0 {
				r.logger.Warn("operation served by backup endpoint",
					zap.String("op", op),
					zap.String("endpoint", ep.Name),
					zap.Strings("failed", attempted[:len(attempted)-1]),
					zap.Strings("circuit_open", skipped))
			}
			return Result{Value: val, Endpoint: ep.Name, Attempted: attempted}, nil
		}

		if canFailover != nil && !canFailover(err) {
			// 券商明确拒绝说明端点本身可用
			if rejected(err) {
				ep.Circuit.RecordSuccess(ctx)
			} else {
				ep.Circuit.RecordFailure(ctx, err)
			}
			r.logger.Error("endpoint call failed, not failing over",
				zap.String("op", op),
				zap.String("endpoint", ep.Name),
				zap.Error(err))
			return Result{Endpoint: ep.Name, Attempted: attempted}, &StoppedError{Op: op, Endpoint: ep.Name, Err: err}
		}

		ep.Circuit.RecordFailure(ctx, err)
		last = err
		r.logger.Warn("endpoint call failed",
			zap.String("op", op),
			zap.String("endpoint", ep.Name),
			zap.Error(err))
	}

	r.metrics.RecordFailoverExhausted(op)
	exhausted := &ExhaustedError{Op: op, Attempted: attempted, Skipped: skipped, Last: last}
	r.logger.Error("no endpoint could serve operation", zap.Error(exhausted))
	return Result{Attempted: attempted}, exhausted
}

// invoke 调用单个端点，panic 转为错误
func (r *Router) invoke(ctx context.Context, call Call) (val interface{}, err error) {
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			val = nil
			err = fmt.Errorf("endpoint panic: %v", p)
		}
	}()
	return call(ctx)
}

func execute[T any](ctx context.Context, r *Router, op string, fn func(context.Context, gateway.Broker) (T, error)) (T, string, error) {
	return executeGuarded(ctx, r, op, nil, fn)
}

func executeGuarded[T any](ctx context.Context, r *Router, op string, canFailover func(error) bool, fn func(context.Context, gateway.Broker) (T, error)) (T, string, error) {
	calls := make(map[string]Call, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.Broker == nil {
			continue
		}
		b := ep.Broker
		calls[ep.Name] = func(ctx context.Context) (interface{}, error) {
			return fn(ctx, b)
		}
	}
	var zero T
	res, err := r.run(ctx, op, calls, canFailover)
	if err != nil {
		return zero, res.Endpoint, err
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, res.Endpoint, fmt.Errorf("%s: unexpected result type %T", op, res.Value)
	}
	return v, res.Endpoint, nil
}

// GetAccount 读取账户，返回实际使用的端点
func (r *Router) GetAccount(ctx context.Context) (gateway.Account, string, error) {
	return execute(ctx, r, "get_account", func(ctx context.Context, b gateway.Broker) (gateway.Account, error) {
		return b.GetAccount(ctx)
	})
}

// GetPositions 读取持仓
func (r *Router) GetPositions(ctx context.Context) ([]gateway.Position, string, error) {
	return execute(ctx, r, "get_positions", func(ctx context.Context, b gateway.Broker) ([]gateway.Position, error) {
		return b.GetPositions(ctx)
	})
}

// SubmitOrder 下单。参数非法时直接返回，不尝试任何端点。
// 只有确定订单未被受理的失败才换端点，其余失败以 *StoppedError 返回，避免重复下单。
func (r *Router) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (gateway.Order, string, error) {
	if err := req.Validate(); err != nil {
		return gateway.Order{}, "", err
	}
	return executeGuarded(ctx, r, "submit_order", submitCanFailover, func(ctx context.Context, b gateway.Broker) (gateway.Order, error) {
		return b.SubmitOrder(ctx, req)
	})
}

// submitCanFailover 下单失败能否换端点：券商返回暂时性状态码（429、5xx）或连接阶段失败。
// 超时、应答解析失败、非暂时性拒绝以及未知错误都可能已经下单或换端点也不会成功。
func submitCanFailover(err error) bool {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

// rejected 券商明确给出非暂时性拒绝
func rejected(err error) bool {
	var apiErr *gateway.APIError
	return errors.As(err, &apiErr) && !apiErr.Retryable()
}

// GetQuote 读取报价
func (r *Router) GetQuote(ctx context.Context, symbol string) (gateway.Quote, string, error) {
	return execute(ctx, r, "get_quote", func(ctx context.Context, b gateway.Broker) (gateway.Quote, error) {
		return b.GetQuote(ctx, symbol)
	})
}
