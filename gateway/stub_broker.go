package gateway

import (
	"context"
	"fmt"
	"sync"
)

// StubBroker 内存券商，用于测试与演练。
type StubBroker struct {
	mu        sync.Mutex
	account   Account
	positions []Position
	quotes    map[string]Quote
	err       error
	calls     map[string]int
	orders    []OrderRequest
	seq       int
}

// NewStubBroker 创建内存券商
func NewStubBroker(acct Account) *StubBroker {
	return &StubBroker{
		account: acct,
		quotes:  make(map[string]Quote),
		calls:   make(map[string]int),
	}
}

// SetError 之后所有调用返回 err；nil 恢复
func (s *StubBroker) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SetAccount 更新账户
func (s *StubBroker) SetAccount(a Account) {
	s.mu.Lock()
	s.account = a
	s.mu.Unlock()
}

// SetPositions 更新持仓
func (s *StubBroker) SetPositions(p []Position) {
	s.mu.Lock()
	s.positions = append([]Position(nil), p...)
	s.mu.Unlock()
}

// SetQuote 设置报价
func (s *StubBroker) SetQuote(q Quote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()
}

// Calls 返回某操作被调用次数
func (s *StubBroker) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Orders 返回收到的订单
func (s *StubBroker) Orders() []OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OrderRequest(nil), s.orders...)
}

func (s *StubBroker) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

func (s *StubBroker) GetAccount(ctx context.Context) (Account, error) {
	if err := s.enter(ctx, "get_account"); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account, nil
}

func (s *StubBroker) GetPositions(ctx context.Context) ([]Position, error) {
	if err := s.enter(ctx, "get_positions"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Position(nil), s.positions...), nil
}

func (s *StubBroker) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := s.enter(ctx, "submit_order"); err != nil {
		return Order{}, err
	}
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.orders = append(s.orders, req)
	return Order{ID: fmt.Sprintf("stub-%d", s.seq), Status: "accepted"}, nil
}

func (s *StubBroker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := s.enter(ctx, "get_quote"); err != nil {
		return Quote{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}
