package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} patterns in strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} patterns with environment variable values.
// Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSensitiveFields processes environment variable references in
// credential fields so keys and secrets can be stored as ${ENV_VAR}.
func expandSensitiveFields(cfg *Config) {
	cfg.Gateway.Auth.Secret = expandEnvVars(cfg.Gateway.Auth.Secret)
	cfg.Model.APIKey = expandEnvVars(cfg.Model.APIKey)
	cfg.Tools.Search.APIKey = expandEnvVars(cfg.Tools.Search.APIKey)
	cfg.Database.DSN = expandEnvVars(cfg.Database.DSN)
}

// Load reads the config file, applies environment overrides, and returns
// a merged Config. Missing files produce defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	expandSensitiveFields(&cfg)
	return cfg, nil
}

// LoadRaw reads the config file into a generic map for path-based access.
func LoadRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Message: "failed to parse config: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// SaveRaw writes a generic map back to a YAML config file.
func SaveRaw(path string, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyDefaults fills zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Issuer == "" {
		cfg.Gateway.Auth.Issuer = "seekchat"
	}
	if cfg.Gateway.Auth.TokenTTL == 0 {
		cfg.Gateway.Auth.TokenTTL = 24 * 30
	}
	if cfg.Gateway.RequestsPerSec == 0 {
		cfg.Gateway.RequestsPerSec = 5
	}
	if cfg.Gateway.Burst == 0 {
		cfg.Gateway.Burst = 20
	}
	if cfg.Gateway.TurnTimeoutSec == 0 {
		cfg.Gateway.TurnTimeoutSec = 300
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "openai"
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = DefaultModel
	}
	if cfg.Model.MaxSteps == 0 {
		cfg.Model.MaxSteps = DefaultMaxSteps
	}
	if cfg.Tools.Search.Count == 0 {
		cfg.Tools.Search.Count = 10
	}
	if cfg.Tools.Search.Country == "" {
		cfg.Tools.Search.Country = "us"
	}
	if cfg.Tools.Fetch.TimeoutSec == 0 {
		cfg.Tools.Fetch.TimeoutSec = 20
	}
	if cfg.Tools.Fetch.MaxBytes == 0 {
		cfg.Tools.Fetch.MaxBytes = 2 * 1024 * 1024
	}
	if cfg.Tools.Fetch.MaxChars == 0 {
		cfg.Tools.Fetch.MaxChars = 12000
	}
	if cfg.Tools.Fetch.Concurrency == 0 {
		cfg.Tools.Fetch.Concurrency = 4
	}
	if cfg.Quota.DailyLimit == 0 {
		cfg.Quota.DailyLimit = DefaultDailyLimit
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ConsoleStyle == "" {
		cfg.Logging.ConsoleStyle = "pretty"
	}
}

// applyEnvOverrides reads SEEKCHAT_* environment variables and overrides config values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEEKCHAT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("SEEKCHAT_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("SEEKCHAT_AUTH_SECRET"); v != "" {
		cfg.Gateway.Auth.Secret = v
	}
	if v := os.Getenv("SEEKCHAT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SEEKCHAT_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("SEEKCHAT_SEARCH_API_KEY"); v != "" {
		cfg.Tools.Search.APIKey = v
	}
	if v := os.Getenv("SEEKCHAT_DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quota.DailyLimit = n
		}
	}
	if v := os.Getenv("SEEKCHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
