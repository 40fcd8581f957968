package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidOrder 下单参数非法，发生在任何网络调用之前
var ErrInvalidOrder = errors.New("invalid order")

// Broker 执行端点需要提供的能力
type Broker interface {
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// Account 账户概况
type Account struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
	Status      string  `json:"status"`
	// 前一交易日收盘权益，部分券商提供，用于计算当日盈亏
	LastEquity float64 `json:"last_equity,omitempty"`
}

// Position 持仓
type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	MarketValue  float64 `json:"market_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
	CostBasis    float64 `json:"cost_basis"`
}

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest 下单请求，Qty 与 Notional 二选一
type OrderRequest struct {
	Symbol     string    `json:"symbol"`
	Qty        float64   `json:"qty,omitempty"`
	Notional   float64   `json:"notional,omitempty"`
	Side       Side      `json:"side"`
	Type       OrderType `json:"type"`
	LimitPrice *float64  `json:"limit_price,omitempty"`
	ClientID   string    `json:"client_order_id,omitempty"`
}

// Validate 检查下单参数
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side must be buy or sell, got %q", ErrInvalidOrder, r.Side)
	}
	hasQty := r.Qty != 0
	hasNotional := r.Notional != 0
	switch {
	case hasQty && hasNotional:
		return fmt.Errorf("%w: qty and notional are mutually exclusive", ErrInvalidOrder)
	case hasQty && !positive(r.Qty):
		return fmt.Errorf("%w: qty must be positive, got %v", ErrInvalidOrder, r.Qty)
	case hasNotional && !positive(r.Notional):
		return fmt.Errorf("%w: notional must be positive, got %v", ErrInvalidOrder, r.Notional)
	case !hasQty && !hasNotional:
		return fmt.Errorf("%w: qty or notional required", ErrInvalidOrder)
	}
	switch r.Type {
	case OrderTypeMarket:
		if r.LimitPrice != nil {
			return fmt.Errorf("%w: market order must not carry a limit price", ErrInvalidOrder)
		}
	case OrderTypeLimit:
		if r.LimitPrice == nil || !positive(*r.LimitPrice) {
			return fmt.Errorf("%w: limit order needs a positive limit price", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, r.Type)
	}
	return nil
}

// Scale 按系数缩放数量或金额
func (r OrderRequest) Scale(multiplier float64) OrderRequest {
	out := r
	out.Qty = r.Qty * multiplier
	out.Notional = r.Notional * multiplier
	return out
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Order 下单结果
type Order struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	FilledPrice *float64 `json:"filled_price,omitempty"`
}

// Quote 报价
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
	// 前收盘价，用于计算市场日涨跌幅；缺失为 0
	PrevClose float64 `json:"prev_close,omitempty"`
}

// Mid 买卖中间价，缺一边时返回最新价
func (q Quote) Mid() float64 {
	if q.Bid > 0 && q.Ask > 0 {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}
