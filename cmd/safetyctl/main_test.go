package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/config"
	"tradeguard/internal/risk"
)

func ctlConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.Store = config.StoreConfig{Driver: config.StoreFile, Dir: filepath.Join(dir, "state")}
	cfg.KillSwitch.EnvVar = "TRADEGUARD_TEST_CTL_KILL_SWITCH"
	cfg.KillSwitch.MarkerPath = filepath.Join(dir, "KILL_SWITCH")
	cfg.KillSwitch.PersistBackoff = 0
	cfg.Breaker.PersistBackoff = 0
	return cfg
}

type statusOutput struct {
	KillSwitch struct {
		Active bool `json:"active"`
	} `json:"kill_switch"`
	Breaker risk.State `json:"breaker"`
}

func status(t *testing.T, cfg config.AppConfig) statusOutput {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, execute(context.Background(), &buf, "status", cfg, options{}))
	var out statusOutput
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	return out
}

func TestKillAndUnkillPersistAcrossInvocations(t *testing.T) {
	cfg := ctlConfig(t)
	ctx := context.Background()

	assert.False(t, status(t, cfg).KillSwitch.Active)

	var buf bytes.Buffer
	require.NoError(t, execute(ctx, &buf, "kill", cfg, options{By: "ops", Reason: "broker outage"}))
	assert.Contains(t, buf.String(), `"marker_written": true`)
	_, err := os.Stat(cfg.KillSwitch.MarkerPath)
	require.NoError(t, err)

	assert.True(t, status(t, cfg).KillSwitch.Active)

	buf.Reset()
	require.NoError(t, execute(ctx, &buf, "unkill", cfg, options{By: "ops", Reason: "resolved"}))
	assert.Contains(t, buf.String(), `"status": "deactivated"`)
	assert.False(t, status(t, cfg).KillSwitch.Active)
}

func TestKillRequiresReason(t *testing.T) {
	err := execute(context.Background(), &bytes.Buffer{}, "kill", ctlConfig(t), options{By: "ops"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-reason")
}

func TestResetRequiresJustification(t *testing.T) {
	cfg := ctlConfig(t)
	err := execute(context.Background(), &bytes.Buffer{}, "reset", cfg, options{By: "ops"})
	assert.ErrorIs(t, err, risk.ErrJustificationRequired)

	var buf bytes.Buffer
	require.NoError(t, execute(context.Background(), &buf, "reset", cfg, options{By: "ops", Reason: "reviewed positions"}))
	assert.Equal(t, risk.TierNormal, status(t, cfg).Breaker.Tier)
}

func TestUnknownCommand(t *testing.T) {
	err := execute(context.Background(), &bytes.Buffer{}, "explode", ctlConfig(t), options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
