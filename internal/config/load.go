package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 环境变量覆盖，密钥不写进配置文件
const (
	EnvPrefix        = "TRADEGUARD_"
	EnvTelegramToken = EnvPrefix + "TELEGRAM_TOKEN"
	EnvPostgresDSN   = EnvPrefix + "POSTGRES_DSN"
)

// EndpointEnvKey 返回端点密钥的环境变量名，如 TRADEGUARD_PRIMARY_API_KEY
func EndpointEnvKey(endpoint, field string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(endpoint))
	return EnvPrefix + name + "_" + field
}

// Load 读取 YAML 并校验，未出现的字段保留默认值
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv 加载 .env 文件，不覆盖已存在的环境变量；文件不存在不算错误
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// LoadWithEnvOverrides 加载配置并用环境变量覆盖敏感字段后再校验，
// 密钥可以只出现在环境变量中
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnvOverrides(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnvOverrides 应用环境变量
func ApplyEnvOverrides(cfg *AppConfig) {
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if v := os.Getenv(EndpointEnvKey(ep.Name, "API_KEY")); v != "" {
			ep.APIKey = v
		}
		if v := os.Getenv(EndpointEnvKey(ep.Name, "API_SECRET")); v != "" {
			ep.APISecret = v
		}
		if v := os.Getenv(EndpointEnvKey(ep.Name, "BASE_URL")); v != "" {
			ep.BaseURL = v
		}
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		cfg.Alerts.Telegram.Token = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Store.DSN = v
	}
}
