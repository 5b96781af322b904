// Package config provides unified configuration for schaubild.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Dotenv files (.env, API.env) merged into the process environment
//  4. Environment variable overrides (SCHAUBILD_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import "time"

// Config holds all configuration for schaubild.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Engine    EngineConfig    `yaml:"engine"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	MCP       MCPConfig       `yaml:"mcp"`
}

// LoggingConfig selects the slog handler and debug categories.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated categories, e.g. "llm,sandbox"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int           `yaml:"port"`                // default: 8080
	ReadTimeout       time.Duration `yaml:"read_timeout"`        // default: 30s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
	MaxBodySize       int64         `yaml:"max_body_size"`       // default: 1 MB
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"` // default: 4, 0 = unlimited
}

// LLMConfig holds the chat completion backend settings.
type LLMConfig struct {
	Backend       string        `yaml:"backend"`  // "openai" or "openaicompat", default: "openai"
	BaseURL       string        `yaml:"base_url"` // default: Groq's OpenAI-compatible endpoint
	APIKey        string        `yaml:"api_key"`
	APIKeyFile    string        `yaml:"api_key_file"` // _file variant for api_key
	Model         string        `yaml:"model"`        // default model for every call
	DescribeModel string        `yaml:"describe_model"`
	CodeModel     string        `yaml:"code_model"`
	RepairModel   string        `yaml:"repair_model"`
	Temperature   *float64      `yaml:"temperature"` // default: 0
	MaxTokens     *int          `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`        // default: 120s
	MaxRetries    int           `yaml:"max_retries"`    // default: 2
	RetryInterval time.Duration `yaml:"retry_interval"` // default: 2s
}

// EngineConfig holds repair loop settings.
type EngineConfig struct {
	DefaultRenderer string        `yaml:"default_renderer"`  // default: "python"
	Renderers       []string      `yaml:"renderers"`         // default: python, dot, mermaid
	MaxRepairs      int           `yaml:"max_repairs"`       // default: 2
	MaxRepairsLimit int           `yaml:"max_repairs_limit"` // per-request cap, default: 5
	MaxTopicLength  int           `yaml:"max_topic_length"`  // default: 2000
	GenerateTimeout time.Duration `yaml:"generate_timeout"`  // default: 2m
	RepairTimeout   time.Duration `yaml:"repair_timeout"`    // default: 2m
	ExecuteTimeout  time.Duration `yaml:"execute_timeout"`   // default: 60s
	StopOnRepeat    bool          `yaml:"stop_on_repeat"`
}

// SandboxConfig selects where candidate code runs.
type SandboxConfig struct {
	Mode          string           `yaml:"mode"` // "local" or "remote", default: "local"
	PythonBinary  string           `yaml:"python_binary"`
	MermaidBinary string           `yaml:"mermaid_binary"`
	WorkDir       string           `yaml:"work_dir"` // default: os.TempDir()
	RemoteURL     string           `yaml:"remote_url"`
	Kubernetes    KubernetesConfig `yaml:"kubernetes"`
	DOTLayout     string           `yaml:"dot_layout"` // default: "dot"
}

// KubernetesConfig acquires remote sandboxes through agent-sandbox claims.
type KubernetesConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Namespace string        `yaml:"namespace"`
	Template  string        `yaml:"template"`
	Port      int           `yaml:"port"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ArtifactsConfig holds the output directory for diagrams and transcripts.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"` // default: "artifacts"
}

// RetrievalConfig enables topic context from a local document directory.
type RetrievalConfig struct {
	Dir          string   `yaml:"dir"` // empty disables retrieval
	Patterns     []string `yaml:"patterns"`
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	TopK         int      `yaml:"top_k"`
}

// StorageConfig holds run history settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "memory", "postgres" or "none", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory store, default: 1000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt", default: "none"
	Tenant    string          `yaml:"tenant"`   // tenant for type=none
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key" json:"key"`
	KeyFile     string `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject     string `yaml:"subject" json:"subject"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	ServiceTier string `yaml:"service_tier" json:"service_tier"`
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Issuer      string `yaml:"issuer"`
	Audience    string `yaml:"audience"`
	Secret      string `yaml:"secret"`
	SecretFile  string `yaml:"secret_file"` // _file variant for secret
	JWKSURL     string `yaml:"jwks_url"`
	UserClaim   string `yaml:"user_claim"`
	TenantClaim string `yaml:"tenant_claim"`
	TierClaim   string `yaml:"tier_claim"`
}

// RateLimitConfig holds per-tier request budgets. A zero DefaultRPM with
// no tiers disables rate limiting.
type RateLimitConfig struct {
	DefaultRPM int                   `yaml:"default_rpm"`
	Tiers      map[string]TierConfig `yaml:"tiers"`
}

// TierConfig is the budget of one service tier.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// MCPConfig holds Model Context Protocol server settings.
type MCPConfig struct {
	Transport string `yaml:"transport"` // "stdio" or "http", default: "stdio"
	Port      int    `yaml:"port"`      // for transport=http, default: 8081
	Path      string `yaml:"path"`      // for transport=http, default: "/mcp"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	temperature := 0.0
	return Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       30 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxBodySize:       1 << 20,
			MaxConcurrentRuns: 4,
		},
		LLM: LLMConfig{
			Backend:       "openai",
			BaseURL:       "https://api.groq.com/openai/v1",
			Model:         "llama3-70b-8192",
			Temperature:   &temperature,
			Timeout:       120 * time.Second,
			MaxRetries:    2,
			RetryInterval: 2 * time.Second,
		},
		Engine: EngineConfig{
			DefaultRenderer: "python",
			Renderers:       []string{"python", "dot", "mermaid"},
			MaxRepairs:      2,
			MaxRepairsLimit: 5,
			MaxTopicLength:  2000,
			GenerateTimeout: 2 * time.Minute,
			RepairTimeout:   2 * time.Minute,
			ExecuteTimeout:  60 * time.Second,
		},
		Sandbox: SandboxConfig{
			Mode:      "local",
			DOTLayout: "dot",
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				Port:      8080,
				Timeout:   2 * time.Minute,
			},
		},
		Artifacts: ArtifactsConfig{
			Dir: "artifacts",
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 1000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Port:      8081,
			Path:      "/mcp",
		},
	}
}
