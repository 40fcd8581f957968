package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/risk"
)

type recordingUpdater struct {
	mu      sync.Mutex
	applied []risk.Thresholds
	err     error
}

func (r *recordingUpdater) UpdateThresholds(th risk.Thresholds) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.applied = append(r.applied, th)
	return nil
}

func (r *recordingUpdater) last() (risk.Thresholds, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.applied) == 0 {
		return risk.Thresholds{}, 0
	}
	return r.applied[len(r.applied)-1], len(r.applied)
}

func newReloader(t *testing.T, content string, cooldown time.Duration) (*HotReloader, string) {
	t.Helper()
	path := writeTempConfig(t, content)
	h, err := NewHotReloader(path, HotReloadConfig{Enabled: true, CooldownTime: cooldown}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop() })
	return h, path
}

func TestReloadAppliesThresholds(t *testing.T) {
	h, path := newReloader(t, sampleConfig, 0)
	u := &recordingUpdater{}
	h.RegisterApplier("breaker", BreakerApplier(u))

	require.True(t, h.Reload())
	th, n := u.last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 0.06, th.LossHalt)

	updated := strings.Replace(sampleConfig, "loss_halt: 0.06", "loss_halt: 0.08", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.True(t, h.Reload())
	th, _ = u.last()
	assert.Equal(t, 0.08, th.LossHalt)
	assert.Equal(t, 2, h.Reloads())
	assert.False(t, h.GetLastReloadTime().IsZero())
}

func TestReloadRejectsInvalidFile(t *testing.T) {
	h, path := newReloader(t, sampleConfig, 0)
	u := &recordingUpdater{}
	h.RegisterApplier("breaker", BreakerApplier(u))
	require.True(t, h.Reload())

	broken := strings.Replace(sampleConfig, "loss_halt: 0.06", "loss_halt: 0.01", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))
	assert.False(t, h.Reload())
	assert.ErrorIs(t, h.LastError(), ErrInvalid)

	_, n := u.last()
	assert.Equal(t, 1, n, "invalid config never reaches the breaker")
}

func TestReloadCooldown(t *testing.T) {
	h, _ := newReloader(t, sampleConfig, time.Hour)
	assert.True(t, h.Reload())
	assert.False(t, h.Reload())
	assert.Equal(t, 1, h.Reloads())
}

func TestReloadApplierError(t *testing.T) {
	h, _ := newReloader(t, sampleConfig, 0)
	h.RegisterApplier("breaker", BreakerApplier(&recordingUpdater{err: errors.New("locked")}))
	assert.False(t, h.Reload())
	assert.Contains(t, h.LastError().Error(), "apply breaker")
}

func TestWatchPicksUpWrites(t *testing.T) {
	h, path := newReloader(t, sampleConfig, 0)
	u := &recordingUpdater{}
	h.RegisterApplier("breaker", BreakerApplier(u))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx))

	updated := strings.Replace(sampleConfig, "loss_halt: 0.06", "loss_halt: 0.09", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		th, _ := u.last()
		return th.LossHalt == 0.09
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDisabledReloaderDoesNotWatch(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	h, err := NewHotReloader(path, HotReloadConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
}
