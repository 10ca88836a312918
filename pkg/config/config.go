package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration for the lomu server.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server,omitempty"`
	Database  DatabaseConfig  `yaml:"database" json:"database,omitempty"`
	Redis     RedisConfig     `yaml:"redis" json:"redis,omitempty"`
	NATS      NATSConfig      `yaml:"nats" json:"nats,omitempty"`
	Credits   CreditsConfig   `yaml:"credits" json:"credits,omitempty"`
	Approvals ApprovalsConfig `yaml:"approvals" json:"approvals,omitempty"`
	Agent     AgentConfig     `yaml:"agent" json:"agent,omitempty"`
	Stream    StreamConfig    `yaml:"stream" json:"stream,omitempty"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider,omitempty"`
	Security  SecurityConfig  `yaml:"security" json:"security,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry,omitempty"`
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace,omitempty"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig configures wallet, ledger and approval history storage
type DatabaseConfig struct {
	Type string `yaml:"type"` // "postgres", "sqlite", "memory"
	Path string `yaml:"path"` // For SQLite
	DSN  string `yaml:"dsn"`  // For Postgres
}

// RedisConfig configures the shared run-state store
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	RunStateTTL time.Duration `yaml:"run_state_ttl"`
}

// NATSConfig configures the optional event mirror
type NATSConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CreditsConfig holds the fixed billing ratios.
type CreditsConfig struct {
	TokensPerCredit   int64   `yaml:"tokens_per_credit"`
	CreditDollarValue float64 `yaml:"credit_dollar_value"`
	SignupAllocation  int64   `yaml:"signup_allocation"`
}

// ApprovalsConfig configures the human-in-the-loop gate
type ApprovalsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig configures the agent loop
type AgentConfig struct {
	MaxRounds               int           `yaml:"max_rounds"`
	EstimatedTokensPerRound int64         `yaml:"estimated_tokens_per_round"`
	ToolTimeout             time.Duration `yaml:"tool_timeout"`
	SensitiveTools          []string      `yaml:"sensitive_tools"`
	SystemPrompt            string        `yaml:"system_prompt"`
}

// StreamConfig configures the realtime channel on both ends
type StreamConfig struct {
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	SendBuffer   int           `yaml:"send_buffer"`
}

// ProviderConfig points at an OpenAI-compatible model endpoint
type ProviderConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	// DisableStreaming requests whole completions, so no text_chunk events
	// are produced.
	DisableStreaming bool `yaml:"disable_streaming"`
}

// SecurityConfig configures authentication and authorization
type SecurityConfig struct {
	EnableAuth     bool     `yaml:"enable_auth"`
	JWTSecret      string   `yaml:"jwt_secret" json:"jwt_secret,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS + websocket origin check
	AdminUsers     []string `yaml:"admin_users"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// WorkspaceConfig scopes the built-in file tools
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values missing from the file keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${LOMU_JWT_SECRET}) before parsing YAML
	expanded := os.ExpandEnv(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects configurations the ledger or loop cannot run with.
func (c *Config) Validate() error {
	if c.Credits.TokensPerCredit <= 0 {
		return fmt.Errorf("credits.tokens_per_credit must be positive")
	}
	if c.Credits.CreditDollarValue < 0 {
		return fmt.Errorf("credits.credit_dollar_value must not be negative")
	}
	if c.Agent.MaxRounds <= 0 {
		return fmt.Errorf("agent.max_rounds must be positive")
	}
	if c.Approvals.Timeout <= 0 {
		return fmt.Errorf("approvals.timeout must be positive")
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.max_attempts must be positive")
	}
	switch c.Database.Type {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Path: "./lomu.db",
		},
		Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			RunStateTTL: 24 * time.Hour,
		},
		NATS: NATSConfig{
			Enabled:    false,
			URL:        "nats://localhost:4222",
			StreamName: "LOMU",
			Timeout:    10 * time.Second,
		},
		Credits: CreditsConfig{
			TokensPerCredit:   1000,
			CreditDollarValue: 0.01,
			SignupAllocation:  0,
		},
		Approvals: ApprovalsConfig{
			Timeout: 5 * time.Minute,
		},
		Agent: AgentConfig{
			MaxRounds:               5,
			EstimatedTokensPerRound: 20000,
			ToolTimeout:             2 * time.Minute,
			SensitiveTools:          []string{"write_file", "delete_file"},
		},
		Stream: StreamConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  5,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			SendBuffer:   256,
		},
		Provider: ProviderConfig{
			Endpoint: "http://localhost:11434/v1",
			Model:    "gpt-4o-mini",
			Timeout:  120 * time.Second,
		},
		Security: SecurityConfig{
			EnableAuth:     true,
			AllowedOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "otel-collector:4317",
			ServiceName: "lomu",
		},
		Workspace: WorkspaceConfig{
			Root: "./workspaces",
		},
	}
}
