package config

import (
	"errors"
	"fmt"
	"strings"

	"tradeguard/infrastructure/alert"
)

// ErrInvalid 配置校验失败
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate 校验必填项与取值范围
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if err := cfg.Breaker.Validate(); err != nil {
		return fmt.Errorf("%w: breaker: %v", ErrInvalid, err)
	}

	switch cfg.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if cfg.Store.Dir == "" {
			return invalid("store.dir is required for file driver")
		}
	case StorePostgres:
		if cfg.Store.DSN == "" {
			return invalid("store.dsn is required for postgres driver (or %s)", EnvPostgresDSN)
		}
	default:
		return invalid("unknown store.driver %q", cfg.Store.Driver)
	}

	if cfg.KillSwitch.MarkerPath == "" && cfg.KillSwitch.EnvVar == "" {
		return invalid("kill_switch needs a marker_path or env_var")
	}
	if err := validateCircuit("circuit", cfg.Circuit.Threshold, cfg.Circuit.Cooldown.Seconds()); err != nil {
		return err
	}
	if cfg.Failover.CallTimeout < 0 || cfg.Failover.HealthCheckInterval < 0 {
		return invalid("failover durations must be >= 0")
	}

	if len(cfg.Endpoints) == 0 {
		return invalid("at least one endpoint is required")
	}
	seen := make(map[string]bool, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.Name == "" {
			return invalid("endpoint name is required")
		}
		if seen[ep.Name] {
			return invalid("duplicate endpoint %q", ep.Name)
		}
		seen[ep.Name] = true
		switch ep.Kind {
		case EndpointREST:
			if ep.BaseURL == "" {
				return invalid("endpoint %s base_url is required", ep.Name)
			}
			if ep.APIKey == "" || ep.APISecret == "" {
				return invalid("endpoint %s api_key/api_secret is required (or %s)", ep.Name, EndpointEnvKey(ep.Name, "API_KEY"))
			}
		case EndpointStub:
		default:
			return invalid("endpoint %s has unknown kind %q", ep.Name, ep.Kind)
		}
		if ep.RateLimit < 0 || ep.Burst < 0 || ep.Timeout < 0 {
			return invalid("endpoint %s limits must be >= 0", ep.Name)
		}
		if ep.Circuit != nil {
			if err := validateCircuit("endpoint "+ep.Name+" circuit", ep.Circuit.Threshold, ep.Circuit.Cooldown.Seconds()); err != nil {
				return err
			}
		}
	}

	if cfg.Alerts.ThrottleInterval < 0 {
		return invalid("alerts.throttle_interval must be >= 0")
	}
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if tg.Token == "" || tg.ChatID == 0 {
			return invalid("alerts.telegram needs token and chat_id (or %s)", EnvTelegramToken)
		}
		if tg.MinPriority != "" && !alert.Priority(tg.MinPriority).Valid() {
			return invalid("alerts.telegram.min_priority %q is not a priority", tg.MinPriority)
		}
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Interval <= 0 {
			return invalid("telemetry.interval must be > 0")
		}
		if cfg.Telemetry.ReturnWindow < 0 || cfg.Telemetry.HistoricalVol < 0 {
			return invalid("telemetry volatility settings must be >= 0")
		}
		if q := cfg.Telemetry.QuoteEndpoint; q != "" && !seen[q] {
			return invalid("telemetry.quote_endpoint %q is not a configured endpoint", q)
		}
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return invalid("api.addr is required when api is enabled")
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			return invalid("metrics.addr is required when metrics is enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return invalid("metrics.path must start with /")
		}
	}
	return nil
}

func validateCircuit(name string, threshold int, cooldownSeconds float64) error {
	if threshold <= 0 {
		return invalid("%s.threshold must be > 0", name)
	}
	if cooldownSeconds <= 0 {
		return invalid("%s.cooldown must be > 0", name)
	}
	return nil
}
