package config

// Config is the root configuration for seekchat.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	Model    ModelConfig    `yaml:"model,omitempty"`
	Tools    ToolsConfig    `yaml:"tools,omitempty"`
	Quota    QuotaConfig    `yaml:"quota,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// GatewayConfig controls the HTTP server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "auto" | "lan" | "loopback" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	TLS            GatewayTLS  `yaml:"tls,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
	RequestsPerSec float64     `yaml:"requestsPerSec,omitempty"` // per remote IP, before auth
	Burst          int         `yaml:"burst,omitempty"`
	TurnTimeoutSec int         `yaml:"turnTimeoutSec,omitempty"`
}

// GatewayAuth configures identity token verification.
type GatewayAuth struct {
	Secret   string `yaml:"secret,omitempty"` // HS256 signing key
	Issuer   string `yaml:"issuer,omitempty"`
	TokenTTL int    `yaml:"tokenTtlHours,omitempty"` // lifetime of tokens minted by `token issue`
}

// GatewayTLS configures TLS for the gateway.
type GatewayTLS struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	CertPath string `yaml:"certPath,omitempty"`
	KeyPath  string `yaml:"keyPath,omitempty"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // "sqlite" | "postgres"
	Path   string `yaml:"path,omitempty"`   // sqlite file; defaults under the data dir
	DSN    string `yaml:"dsn,omitempty"`    // postgres connection string
}

// ModelConfig configures the OpenAI-compatible model endpoint.
type ModelConfig struct {
	Provider    string   `yaml:"provider,omitempty"` // "openai" | "ollama" | "compatible"
	BaseURL     string   `yaml:"baseUrl,omitempty"`
	APIKey      string   `yaml:"apiKey,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Fallbacks   []string `yaml:"fallbacks,omitempty"`
	MaxTokens   int      `yaml:"maxTokens,omitempty"`
	Temperature *float32 `yaml:"temperature,omitempty"`
	MaxSteps    int      `yaml:"maxSteps,omitempty"`
	ExtraPrompt string   `yaml:"extraPrompt,omitempty"`
}

// ToolsConfig configures the search and page fetch tools.
type ToolsConfig struct {
	Search SearchConfig `yaml:"search,omitempty"`
	Fetch  FetchConfig  `yaml:"fetch,omitempty"`
}

// SearchConfig configures the web search tool.
type SearchConfig struct {
	APIKey   string `yaml:"apiKey,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Country  string `yaml:"country,omitempty"`
	Count    int    `yaml:"count,omitempty"`
}

// FetchConfig configures the bulk page fetch tool.
type FetchConfig struct {
	TimeoutSec   int  `yaml:"timeoutSec,omitempty"`
	MaxBytes     int  `yaml:"maxBytes,omitempty"`
	MaxChars     int  `yaml:"maxChars,omitempty"`
	Concurrency  int  `yaml:"concurrency,omitempty"`
	AllowPrivate bool `yaml:"allowPrivate,omitempty"`
}

// QuotaConfig configures the per-user daily request cap.
type QuotaConfig struct {
	DailyLimit int    `yaml:"dailyLimit,omitempty"`
	Timezone   string `yaml:"timezone,omitempty"` // IANA name; empty means server local time
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"` // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	File         string `yaml:"file,omitempty"`
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
