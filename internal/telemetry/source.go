package telemetry

import (
	"context"

	"tradeguard/gateway"
)

// SplitSource 账户经路由读取，报价直连单个行情端点
type SplitSource struct {
	Accounts Source
	Quotes   gateway.Broker
	Name     string
}

func (s SplitSource) GetAccount(ctx context.Context) (gateway.Account, string, error) {
	return s.Accounts.GetAccount(ctx)
}

func (s SplitSource) GetQuote(ctx context.Context, symbol string) (gateway.Quote, string, error) {
	q, err := s.Quotes.GetQuote(ctx, symbol)
	if err != nil {
		return gateway.Quote{}, "", err
	}
	return q, s.Name, nil
}
