package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeguard/internal/circuit"
)

const sampleConfig = `
env: prod
store:
  driver: file
  dir: /var/lib/tradeguard
breaker:
  thresholds:
    loss_halt: 0.06
  recovery:
    halt_dwell: 90m
circuit:
  threshold: 4
  cooldown: 2m
endpoints:
  - name: primary
    kind: rest
    base_url: https://broker-a.test
    api_key: file-key
    api_secret: file-secret
    rate_limit: 5
    burst: 10
  - name: paper
    kind: stub
    stub_equity: 100000
    circuit:
      threshold: 2
      cooldown: 30s
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tradeguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, 0.06, cfg.Breaker.Thresholds.LossHalt)
	assert.Equal(t, 0.03, cfg.Breaker.Thresholds.LossCritical, "unspecified threshold keeps default")
	assert.Equal(t, 90*time.Minute, cfg.Breaker.Recovery.HaltDwell)
	assert.Equal(t, 30*time.Minute, cfg.Breaker.Recovery.CriticalDwell)
	assert.Equal(t, "America/New_York", cfg.Breaker.Timezone)
	assert.Equal(t, 4, cfg.Circuit.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.Circuit.Cooldown)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "primary", cfg.Endpoints[0].Name)
	assert.Nil(t, cfg.Endpoints[0].Circuit)
	require.NotNil(t, cfg.Endpoints[1].Circuit)
	assert.Equal(t, 30*time.Second, cfg.Endpoints[1].Circuit.Cooldown)
	assert.Equal(t, "data/KILL_SWITCH", cfg.KillSwitch.MarkerPath)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv("TRADEGUARD_PRIMARY_API_KEY", "env-key")
	t.Setenv("TRADEGUARD_PRIMARY_API_SECRET", "env-secret")
	t.Setenv(EnvPostgresDSN, "postgres://guard@db/guard")
	t.Setenv(EnvTelegramToken, "123:abc")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Endpoints[0].APIKey)
	assert.Equal(t, "env-secret", cfg.Endpoints[0].APISecret)
	assert.Equal(t, "postgres://guard@db/guard", cfg.Store.DSN)
	assert.Equal(t, "123:abc", cfg.Alerts.Telegram.Token)
}

func TestSecretsMayComeOnlyFromEnv(t *testing.T) {
	path := writeTempConfig(t, `
endpoints:
  - name: broker-b
    kind: rest
    base_url: https://broker-b.test
`)
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalid)

	t.Setenv("TRADEGUARD_BROKER_B_API_KEY", "k")
	t.Setenv("TRADEGUARD_BROKER_B_API_SECRET", "s")
	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Endpoints[0].APIKey)
}

func TestEndpointEnvKey(t *testing.T) {
	assert.Equal(t, "TRADEGUARD_PRIMARY_API_KEY", EndpointEnvKey("primary", "API_KEY"))
	assert.Equal(t, "TRADEGUARD_BROKER_B_API_SECRET", EndpointEnvKey("broker-b", "API_SECRET"))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TRADEGUARD_DOTENV_PROBE=from-file\n"), 0o600))
	t.Setenv("TRADEGUARD_DOTENV_PROBE", "")
	os.Unsetenv("TRADEGUARD_DOTENV_PROBE")

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "from-file", os.Getenv("TRADEGUARD_DOTENV_PROBE"))
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "env: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "env: dev\n"))
	assert.ErrorIs(t, err, ErrInvalid, "no endpoints configured")
}

func TestValidate(t *testing.T) {
	valid := func() AppConfig {
		cfg := Default()
		cfg.Endpoints = []EndpointConfig{{Name: "paper", Kind: EndpointStub}}
		return cfg
	}
	require.NoError(t, Validate(valid()))

	cases := map[string]func(*AppConfig){
		"empty env":        func(c *AppConfig) { c.Env = "" },
		"bad breaker":      func(c *AppConfig) { c.Breaker.Thresholds.LossWarning = 0.5 },
		"unknown store":    func(c *AppConfig) { c.Store.Driver = "redis" },
		"postgres w/o dsn": func(c *AppConfig) { c.Store.Driver = StorePostgres },
		"no surfaces":      func(c *AppConfig) { c.KillSwitch.MarkerPath, c.KillSwitch.EnvVar = "", "" },
		"zero threshold":   func(c *AppConfig) { c.Circuit.Threshold = 0 },
		"duplicate endpoint": func(c *AppConfig) {
			c.Endpoints = append(c.Endpoints, EndpointConfig{Name: "paper", Kind: EndpointStub})
		},
		"rest without secrets": func(c *AppConfig) {
			c.Endpoints = []EndpointConfig{{Name: "a", Kind: EndpointREST, BaseURL: "https://x"}}
		},
		"unknown kind":         func(c *AppConfig) { c.Endpoints[0].Kind = "fix" },
		"telegram w/o token":   func(c *AppConfig) { c.Alerts.Telegram.Enabled = true },
		"zero telemetry tick":  func(c *AppConfig) { c.Telemetry.Interval = 0 },
		"api without addr":     func(c *AppConfig) { c.API.Addr = "" },
		"unknown quote source": func(c *AppConfig) { c.Telemetry.QuoteEndpoint = "data" },
		"endpoint circuit bad": func(c *AppConfig) { c.Endpoints[0].Circuit = &circuit.Config{} },
		"relative metrics path": func(c *AppConfig) { c.Metrics.Path = "metrics" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalid)
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	for _, name := range []string{"primary", "secondary"} {
		t.Setenv(EndpointEnvKey(name, "API_KEY"), "key")
		t.Setenv(EndpointEnvKey(name, "API_SECRET"), "secret")
	}
	cfg, err := LoadWithEnvOverrides(filepath.Join("..", "..", "configs", "tradeguard.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", cfg.Telemetry.QuoteEndpoint)
	assert.Equal(t, 3, cfg.Endpoints[1].Circuit.Threshold)
	assert.Equal(t, time.Hour, cfg.Breaker.Recovery.HaltDwell)
}
