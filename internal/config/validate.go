package config

import (
	"fmt"
	"slices"
	"time"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// minSecretLen is the shortest HS256 key accepted.
const minSecretLen = 32

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}

	validBinds := []string{"auto", "lan", "loopback", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}

	if cfg.Gateway.Auth.Secret == "" {
		add("gateway.auth.secret", "required (or set SEEKCHAT_AUTH_SECRET)")
	} else if len(cfg.Gateway.Auth.Secret) < minSecretLen {
		add("gateway.auth.secret", "must be at least %d bytes", minSecretLen)
	}

	if cfg.Gateway.TLS.Enabled && (cfg.Gateway.TLS.CertPath == "" || cfg.Gateway.TLS.KeyPath == "") {
		add("gateway.tls", "certPath and keyPath are required when TLS is enabled")
	}

	if cfg.Gateway.RequestsPerSec < 0 {
		add("gateway.requestsPerSec", "must not be negative")
	}

	// Database validation
	validDrivers := []string{"sqlite", "postgres"}
	if !slices.Contains(validDrivers, cfg.Database.Driver) {
		add("database.driver", "must be one of %v, got %q", validDrivers, cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		add("database.dsn", "required when driver is postgres")
	}

	// Model validation
	validProviders := []string{"openai", "ollama", "compatible"}
	if !slices.Contains(validProviders, cfg.Model.Provider) {
		add("model.provider", "must be one of %v, got %q", validProviders, cfg.Model.Provider)
	}
	if cfg.Model.Provider == "openai" && cfg.Model.APIKey == "" {
		add("model.apiKey", "required for provider openai")
	}
	if cfg.Model.Provider == "compatible" && cfg.Model.BaseURL == "" {
		add("model.baseUrl", "required for provider compatible")
	}
	if cfg.Model.MaxSteps < 1 {
		add("model.maxSteps", "must be at least 1, got %d", cfg.Model.MaxSteps)
	}

	// Tools validation
	if cfg.Tools.Search.APIKey == "" {
		add("tools.search.apiKey", "required (or set SEEKCHAT_SEARCH_API_KEY)")
	}
	if cfg.Tools.Search.Count < 1 || cfg.Tools.Search.Count > 20 {
		add("tools.search.count", "must be 1-20, got %d", cfg.Tools.Search.Count)
	}
	if cfg.Tools.Fetch.Concurrency < 1 {
		add("tools.fetch.concurrency", "must be at least 1, got %d", cfg.Tools.Fetch.Concurrency)
	}

	// Quota validation
	if cfg.Quota.DailyLimit < 1 {
		add("quota.dailyLimit", "must be at least 1, got %d", cfg.Quota.DailyLimit)
	}
	if cfg.Quota.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Quota.Timezone); err != nil {
			add("quota.timezone", "unknown time zone %q", cfg.Quota.Timezone)
		}
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}

	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	return issues
}

// Location resolves the quota time zone, falling back to server local time.
func (q QuotaConfig) Location() *time.Location {
	if q.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
