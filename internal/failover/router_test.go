package failover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/gateway"
	"tradeguard/internal/circuit"
	"tradeguard/internal/clock"
)

var errDown = errors.New("endpoint down")

type testRouter struct {
	router  *Router
	clock   *clock.Fake
	brokers map[string]*gateway.StubBroker
	circuit map[string]*circuit.Circuit
}

func newTestRouter(t *testing.T, opts ...Option) *testRouter {
	t.Helper()
	tr := &testRouter{
		clock:   clock.NewFake(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)),
		brokers: map[string]*gateway.StubBroker{},
		circuit: map[string]*circuit.Circuit{},
	}
	var eps []Endpoint
	for _, name := range []string{"primary", "secondary", "tertiary"} {
		b := gateway.NewStubBroker(gateway.Account{Equity: 100_000, Status: name})
		c := circuit.New(name, circuit.Config{Threshold: 2, Cooldown: time.Minute}, circuit.WithClock(tr.clock))
		tr.brokers[name] = b
		tr.circuit[name] = c
		eps = append(eps, Endpoint{Name: name, Broker: b, Circuit: c})
	}
	r, err := New(eps, opts...)
	require.NoError(t, err)
	tr.router = r
	return tr
}

func (tr *testRouter) open(names ...string) {
	for _, n := range names {
		for i := 0; i < 2; i++ {
			tr.circuit[n].RecordFailure(context.Background(), errDown)
		}
	}
}

func TestNewValidatesRegistry(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	c := circuit.New("a", circuit.Config{})
	_, err = New([]Endpoint{{Name: "a", Circuit: c}, {Name: "a", Circuit: c}})
	assert.ErrorIs(t, err, ErrInvalidRegistry)

	_, err = New([]Endpoint{{Name: "a"}})
	assert.ErrorIs(t, err, ErrInvalidRegistry)
}

func TestExecuteSkipsOpenCircuits(t *testing.T) {
	tr := newTestRouter(t)
	tr.open("primary", "secondary")

	called := map[string]int{}
	calls := map[string]Call{}
	for _, n := range []string{"primary", "secondary", "tertiary"} {
		n := n
		calls[n] = func(context.Context) (interface{}, error) {
			called[n]++
			return n + "-result", nil
		}
	}

	res, err := tr.router.Execute(context.Background(), "get_quote", calls)
	require.NoError(t, err)
	assert.Equal(t, "tertiary", res.Endpoint)
	assert.Equal(t, "tertiary-result", res.Value)
	assert.Equal(t, map[string]int{"tertiary": 1}, called)
}

func TestExecuteAllOpenInvokesNothing(t *testing.T) {
	tr := newTestRouter(t)
	tr.open("primary", "secondary", "tertiary")

	invoked := 0
	calls := map[string]Call{}
	for _, n := range tr.router.Endpoints() {
		calls[n] = func(context.Context) (interface{}, error) {
			invoked++
			return nil, nil
		}
	}

	_, err := tr.router.Execute(context.Background(), "submit_order", calls)
	require.Error(t, err)
	assert.Zero(t, invoked)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Empty(t, ex.Attempted)
	assert.Equal(t, []string{"primary", "secondary", "tertiary"}, ex.Skipped)
}

func TestExecuteFailsOverInOrder(t *testing.T) {
	tr := newTestRouter(t)
	var order []string
	calls := map[string]Call{
		"primary": func(context.Context) (interface{}, error) {
			order = append(order, "primary")
			return nil, errDown
		},
		"secondary": func(context.Context) (interface{}, error) {
			order = append(order, "secondary")
			return 42, nil
		},
		"tertiary": func(context.Context) (interface{}, error) {
			order = append(order, "tertiary")
			return 7, nil
		},
	}

	res, err := tr.router.Execute(context.Background(), "get_account", calls)
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Endpoint)
	assert.Equal(t, []string{"primary", "secondary"}, res.Attempted)
	assert.Equal(t, []string{"primary", "secondary"}, order)
	assert.Equal(t, 1, tr.circuit["primary"].Snapshot().ConsecutiveFailures)
}

func TestExecuteAllFailCarriesLastError(t *testing.T) {
	tr := newTestRouter(t)
	last := errors.New("tertiary timeout")
	calls := map[string]Call{
		"primary":   func(context.Context) (interface{}, error) { return nil, errDown },
		"secondary": func(context.Context) (interface{}, error) { return nil, errDown },
		"tertiary":  func(context.Context) (interface{}, error) { return nil, last },
	}

	_, err := tr.router.Execute(context.Background(), "get_account", calls)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, []string{"primary", "secondary", "tertiary"}, ex.Attempted)
	assert.ErrorIs(t, err, last)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestExecuteOnlyCallsProvidedEndpoints(t *testing.T) {
	tr := newTestRouter(t)
	res, err := tr.router.Execute(context.Background(), "get_quote", map[string]Call{
		"secondary": func(context.Context) (interface{}, error) { return "ok", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Endpoint)

	_, err = tr.router.Execute(context.Background(), "get_quote", map[string]Call{})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestCancelledContextIsFailureAndStops(t *testing.T) {
	tr := newTestRouter(t)
	ctx, cancel := context.WithCancel(context.Background())
	secondaryCalled := false

	_, err := tr.router.Execute(ctx, "submit_order", map[string]Call{
		"primary": func(ctx context.Context) (interface{}, error) {
			cancel()
			return nil, ctx.Err()
		},
		"secondary": func(context.Context) (interface{}, error) {
			secondaryCalled = true
			return "ok", nil
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, secondaryCalled)
	assert.Equal(t, 1, tr.circuit["primary"].Snapshot().ConsecutiveFailures)
}

func TestCallTimeoutRecordedAsFailure(t *testing.T) {
	tr := newTestRouter(t, WithCallTimeout(10*time.Millisecond))
	res, err := tr.router.Execute(context.Background(), "get_quote", map[string]Call{
		"primary": func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"secondary": func(context.Context) (interface{}, error) { return "ok", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Endpoint)
	assert.Equal(t, "context deadline exceeded", tr.circuit["primary"].Snapshot().LastError)
}

func TestPanicRecoveredAsFailure(t *testing.T) {
	tr := newTestRouter(t)
	res, err := tr.router.Execute(context.Background(), "get_quote", map[string]Call{
		"primary":   func(context.Context) (interface{}, error) { panic("nil map") },
		"secondary": func(context.Context) (interface{}, error) { return "ok", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "secondary", res.Endpoint)
	assert.Contains(t, tr.circuit["primary"].Snapshot().LastError, "panic")
}

func TestPreferred(t *testing.T) {
	tr := newTestRouter(t)
	name, ok := tr.router.Preferred()
	assert.True(t, ok)
	assert.Equal(t, "primary", name)

	tr.open("primary")
	name, _ = tr.router.Preferred()
	assert.Equal(t, "secondary", name)

	tr.open("secondary", "tertiary")
	_, ok = tr.router.Preferred()
	assert.False(t, ok)

	tr.clock.Advance(time.Minute)
	name, ok = tr.router.Preferred()
	assert.True(t, ok)
	assert.Equal(t, "primary", name)
}

func TestTypedHelpers(t *testing.T) {
	tr := newTestRouter(t)
	ctx := context.Background()
	tr.brokers["primary"].SetError(errDown)
	tr.brokers["secondary"].SetQuote(gateway.Quote{Symbol: "SPY", Last: 500})
	tr.brokers["secondary"].SetPositions([]gateway.Position{{Symbol: "SPY", Qty: 3}})

	acct, used, err := tr.router.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secondary", used)
	assert.Equal(t, "secondary", acct.Status)

	q, used, err := tr.router.GetQuote(ctx, "SPY")
	require.NoError(t, err)
	assert.Equal(t, "secondary", used)
	assert.Equal(t, 500.0, q.Last)

	pos, _, err := tr.router.GetPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, pos, 1)

	order, used, err := tr.router.SubmitOrder(ctx, gateway.OrderRequest{Symbol: "SPY", Qty: 1, Side: gateway.SideBuy, Type: gateway.OrderTypeMarket})
	require.NoError(t, err)
	assert.Equal(t, "secondary", used, "primary opened after two failures")
	assert.Zero(t, tr.brokers["primary"].Calls("submit_order"))
	assert.NotEmpty(t, order.ID)
}

var spyBuy = gateway.OrderRequest{Symbol: "SPY", Qty: 1, Side: gateway.SideBuy, Type: gateway.OrderTypeMarket}

func TestSubmitOrderFailsOverWhenNotAccepted(t *testing.T) {
	cases := map[string]error{
		"service unavailable": &gateway.APIError{Action: "submit_order", StatusCode: 503},
		"rate limited":        &gateway.APIError{Action: "submit_order", StatusCode: 429},
		"dial refused":        &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	}
	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			tr := newTestRouter(t)
			tr.brokers["primary"].SetError(cause)

			_, used, err := tr.router.SubmitOrder(context.Background(), spyBuy)
			require.NoError(t, err)
			assert.Equal(t, "secondary", used)
			assert.Equal(t, 1, tr.brokers["primary"].Calls("submit_order"))
			assert.Len(t, tr.brokers["secondary"].Orders(), 1)
		})
	}
}

func TestSubmitOrderDoesNotFailOverAmbiguousOrRejected(t *testing.T) {
	cases := []struct {
		name     string
		cause    error
		failures int
	}{
		{"rejected", &gateway.APIError{Action: "submit_order", StatusCode: 422, Body: "insufficient buying power"}, 0},
		{"deadline", fmt.Errorf("submit_order: %w", context.DeadlineExceeded), 1},
		{"bad response", errors.New("submit_order: decode response: unexpected EOF"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestRouter(t)
			tr.brokers["primary"].SetError(tc.cause)

			_, used, err := tr.router.SubmitOrder(context.Background(), spyBuy)
			require.Error(t, err)
			assert.Equal(t, "primary", used)
			assert.ErrorIs(t, err, tc.cause)
			assert.NotErrorIs(t, err, ErrNoEndpoint)

			var stopped *StoppedError
			require.True(t, errors.As(err, &stopped))
			assert.Equal(t, "primary", stopped.Endpoint)
			assert.Equal(t, "submit_order", stopped.Op)

			assert.Zero(t, tr.brokers["secondary"].Calls("submit_order"))
			assert.Zero(t, tr.brokers["tertiary"].Calls("submit_order"))
			assert.Equal(t, tc.failures, tr.circuit["primary"].Snapshot().ConsecutiveFailures)
		})
	}
}

func TestReadsStillFailOverOnAnyError(t *testing.T) {
	tr := newTestRouter(t)
	tr.brokers["primary"].SetError(&gateway.APIError{Action: "get_account", StatusCode: 401})

	_, used, err := tr.router.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secondary", used)
}

func TestSubmitOrderRejectsInvalidBeforeAnyAttempt(t *testing.T) {
	tr := newTestRouter(t)
	_, _, err := tr.router.SubmitOrder(context.Background(), gateway.OrderRequest{Symbol: "SPY", Qty: 0, Side: gateway.SideBuy, Type: gateway.OrderTypeMarket})
	assert.ErrorIs(t, err, ErrInvalidOrder)
	for _, b := range tr.brokers {
		assert.Zero(t, b.Calls("submit_order"))
	}
}

func TestHealthCheckBypassesCircuits(t *testing.T) {
	tr := newTestRouter(t)
	tr.open("primary", "secondary", "tertiary")
	tr.brokers["secondary"].SetError(errDown)

	health := tr.router.HealthCheck(context.Background(), nil)
	require.Len(t, health, 3)
	assert.True(t, health["primary"].Healthy)
	assert.False(t, health["primary"].Circuit.Open, "successful probe closes the circuit")
	assert.False(t, health["secondary"].Healthy)
	assert.Equal(t, "endpoint down", health["secondary"].Error)
	assert.True(t, health["secondary"].Circuit.Open)

	for _, name := range []string{"primary", "secondary", "tertiary"} {
		assert.Equal(t, 1, tr.brokers[name].Calls("get_account"))
	}

	st := tr.router.Status()
	require.Len(t, st, 3)
	assert.Equal(t, "primary", st[0].Name)
	assert.True(t, st[0].Available)
	assert.False(t, st[1].Available)
}
