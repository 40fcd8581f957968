package gateway

import (
	"context"

	"tradeguard/internal/circuit"
)

// GuardedBroker 用单个熔断器包住整个券商连接，连续失败后拒绝所有调用。
// 参数校验错误不计入失败。
type GuardedBroker struct {
	inner   Broker
	circuit *circuit.Circuit
}

// NewGuardedBroker 创建带熔断的券商
func NewGuardedBroker(inner Broker, c *circuit.Circuit) *GuardedBroker {
	return &GuardedBroker{inner: inner, circuit: c}
}

// Circuit 返回底层熔断器
func (g *GuardedBroker) Circuit() *circuit.Circuit { return g.circuit }

func (g *GuardedBroker) GetAccount(ctx context.Context) (Account, error) {
	return guarded(ctx, g.circuit, g.inner.GetAccount)
}

func (g *GuardedBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return guarded(ctx, g.circuit, g.inner.GetPositions)
}

func (g *GuardedBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	return guarded(ctx, g.circuit, func(ctx context.Context) (Order, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
}

func (g *GuardedBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	return guarded(ctx, g.circuit, func(ctx context.Context) (Quote, error) {
		return g.inner.GetQuote(ctx, symbol)
	})
}

func guarded[T any](ctx context.Context, c *circuit.Circuit, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
