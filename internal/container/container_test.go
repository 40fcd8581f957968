package container

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/gateway"
	"tradeguard/internal/config"
	"tradeguard/internal/risk"
	"tradeguard/internal/safety"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Store = config.StoreConfig{Driver: config.StoreMemory}
	cfg.KillSwitch.EnvVar = "TRADEGUARD_TEST_CONTAINER_KILL_SWITCH"
	cfg.KillSwitch.MarkerPath = filepath.Join(t.TempDir(), "KILL_SWITCH")
	cfg.Endpoints = []config.EndpointConfig{
		{Name: "primary", Kind: config.EndpointStub, StubEquity: 100_000},
		{Name: "paper", Kind: config.EndpointStub, StubEquity: 50_000},
	}
	cfg.Alerts.WebSocket = false
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.HotReload.Enabled = false
	cfg.Telemetry.Interval = 20 * time.Millisecond
	cfg.Telemetry.QuoteEndpoint = "paper"
	cfg.Failover.HealthCheckInterval = 20 * time.Millisecond
	return cfg
}

func TestBuildWiresSafetyStack(t *testing.T) {
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(context.Background()))
	defer c.Stop()

	require.NotNil(t, c.Gateway())
	require.NotNil(t, c.Collector())
	assert.Equal(t, []string{"primary", "paper"}, c.Gateway().Router().Endpoints())
	assert.Equal(t, []string{"telemetry", "health_check"}, c.lifecycle.Names())

	auth := c.Gateway().Authorize(context.Background(), safety.Intent{Kind: risk.KindEntry, Symbol: "AAPL"})
	assert.True(t, auth.Allowed)
	assert.Equal(t, "primary", auth.Endpoint)
}

func TestHardStopReviewHookPullsPositions(t *testing.T) {
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(context.Background()))
	defer c.Stop()
	ctx := context.Background()

	primary, ok := c.brokers["primary"].(*gateway.StubBroker)
	require.True(t, ok)

	dec := c.breaker.Evaluate(ctx, risk.Telemetry{PortfolioValue: 100_000, DailyPnL: -3_500})
	require.True(t, dec.Changed)
	require.True(t, dec.FlagForReview)

	c.reviewOnHardStop(ctx, dec)
	assert.Equal(t, 1, primary.Calls("get_positions"))
}

func TestBuildRejectsUnknownEndpointKind(t *testing.T) {
	cfg := testConfig(t)
	cfg.Endpoints[1].Kind = "carrier-pigeon"

	c := NewWithConfig(cfg)
	err := c.Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestStartStopRunsJobs(t *testing.T) {
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(context.Background()))

	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.HealthCheck())

	// 采集器至少完成一次评估
	assert.Eventually(t, func() bool {
		_, ok := c.Collector().LastDecision()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.Error(t, c.lifecycle.CheckHealth())
}

func TestAPIHandlerServesStatus(t *testing.T) {
	c := NewWithConfig(testConfig(t))
	require.NoError(t, c.Build(context.Background()))
	defer c.Stop()

	rec := httptest.NewRecorder()
	c.APIHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"preferred_endpoint":"primary"`)
}

type fakeComponent struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop() error {
	*f.log = append(*f.log, "stop:"+f.name)
	return nil
}

func (f *fakeComponent) Health() error { return nil }

func TestLifecycleStopsInReverseOrder(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
}

func TestLifecycleRollsBackOnStartFailure(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", log: &log})
	m.Register(&fakeComponent{name: "b", log: &log, startErr: errors.New("boom")})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b failed")
	assert.Equal(t, []string{"start:a", "stop:a"}, log)
}

func TestJobComponentStopCancelsRun(t *testing.T) {
	stopped := make(chan struct{})
	j := newJob("loop", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	assert.Error(t, j.Health())
	require.NoError(t, j.Start(context.Background()))
	assert.NoError(t, j.Health())
	require.NoError(t, j.Stop())

	select {
	case <-stopped:
	default:
		t.Fatal("job did not observe cancellation")
	}
	assert.NoError(t, j.Stop())
}
