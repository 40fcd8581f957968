package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/infrastructure/alert"
	"tradeguard/infrastructure/monitor"
	"tradeguard/internal/clock"
	"tradeguard/internal/store"
)

var errBoom = errors.New("boom")

func newTestCircuit(t *testing.T, opts ...Option) (*Circuit, *clock.Fake, *alert.Recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))
	rec := alert.NewRecorder()
	base := []Option{WithClock(clk), WithAlerts(rec)}
	c := New("primary", Config{Threshold: 3, Cooldown: 5 * time.Minute}, append(base, opts...)...)
	return c, clk, rec
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New("x", Config{})
	assert.Equal(t, 3, c.Config().Threshold)
	assert.Equal(t, 300*time.Second, c.Config().Cooldown)
}

func TestOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestCircuit(t)

	c.RecordFailure(ctx, errBoom)
	c.RecordFailure(ctx, errBoom)
	assert.True(t, c.Allow(ctx), "below threshold must stay closed")

	c.RecordFailure(ctx, errBoom)
	assert.False(t, c.Allow(ctx))
	assert.True(t, c.IsOpen())

	high := rec.ByPriority(alert.PriorityHigh)
	require.Len(t, high, 1)
	assert.Contains(t, high[0].Title, "primary")

	// 已打开时继续失败不重复告警
	c.RecordFailure(ctx, errBoom)
	assert.Len(t, rec.ByPriority(alert.PriorityHigh), 1)
}

func TestCooldownAllowsProbeAndResets(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newTestCircuit(t)

	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, errBoom)
	}
	clk.Advance(4*time.Minute + 59*time.Second)
	assert.False(t, c.Available())
	assert.False(t, c.Allow(ctx))

	clk.Advance(time.Second)
	assert.True(t, c.Available())
	assert.True(t, c.IsOpen(), "Available must not reset state")
	assert.True(t, c.Allow(ctx))

	st := c.Snapshot()
	assert.False(t, st.Open)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Nil(t, st.OpenedAt)

	// 探测后需要再次累计满阈值才会打开
	c.RecordFailure(ctx, errBoom)
	assert.True(t, c.Allow(ctx))
}

func TestSuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCircuit(t)

	c.RecordFailure(ctx, errBoom)
	c.RecordFailure(ctx, errBoom)
	c.RecordSuccess(ctx)
	c.RecordFailure(ctx, errBoom)
	c.RecordFailure(ctx, errBoom)

	assert.True(t, c.Allow(ctx))
	assert.Equal(t, 2, c.Snapshot().ConsecutiveFailures)
}

func TestCall(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCircuit(t)

	for i := 0; i < 3; i++ {
		err := c.Call(ctx, func(context.Context) error { return errBoom })
		assert.ErrorIs(t, err, errBoom)
	}

	called := false
	err := c.Call(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, 5*time.Minute, c.Remaining())
}

func TestPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	c, clk, _ := newTestCircuit(t, WithStore(mem))

	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, errBoom)
	}

	restored := New("primary", Config{Threshold: 3, Cooldown: 5 * time.Minute},
		WithStore(mem), WithClock(clk))
	require.NoError(t, restored.Restore(ctx))

	st := restored.Snapshot()
	assert.True(t, st.Open)
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, "boom", st.LastError)
	assert.False(t, restored.Allow(ctx))
}

func TestRestoreWithoutRecord(t *testing.T) {
	c, _, _ := newTestCircuit(t, WithStore(store.NewMemory(nil)))
	require.NoError(t, c.Restore(context.Background()))
	assert.False(t, c.IsOpen())
}

func TestPersistenceFailureDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(nil)
	mem.SetFailure(errors.New("disk full"))
	m := monitor.New(monitor.DefaultConfig())
	c, _, _ := newTestCircuit(t, WithStore(mem), WithMonitor(m))

	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, errBoom)
	}
	assert.False(t, c.Allow(ctx))
	assert.Error(t, c.Restore(ctx))
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	m := monitor.New(monitor.DefaultConfig())
	c, clk, _ := newTestCircuit(t, WithMonitor(m))

	for i := 0; i < 3; i++ {
		c.RecordFailure(ctx, errBoom)
	}
	n, err := testutil.GatherAndCount(m.Registry(), "tradeguard_safety_circuit_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(5 * time.Minute)
	assert.True(t, c.Allow(ctx))
	c.Reset(ctx)
	assert.False(t, c.IsOpen())
}
