package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var knownRenderers = []string{"python", "dot", "mermaid"}

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxConcurrentRuns < 0 {
		add("server.max_concurrent_runs must be >= 0, got %d", c.Server.MaxConcurrentRuns)
	}

	switch c.LLM.Backend {
	case "openai", "openaicompat":
	default:
		add("llm.backend must be \"openai\" or \"openaicompat\", got %q", c.LLM.Backend)
	}
	if c.LLM.Backend == "openaicompat" && c.LLM.BaseURL == "" {
		add("llm.base_url is required when llm.backend is \"openaicompat\"")
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.MaxRetries < 0 {
		add("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries)
	}

	if len(c.Engine.Renderers) == 0 {
		add("engine.renderers must name at least one renderer")
	}
	for _, r := range c.Engine.Renderers {
		if !slices.Contains(knownRenderers, r) {
			add("engine.renderers: unknown renderer %q", r)
		}
	}
	if !slices.Contains(c.Engine.Renderers, c.Engine.DefaultRenderer) {
		add("engine.default_renderer %q is not in engine.renderers", c.Engine.DefaultRenderer)
	}
	if c.Engine.MaxRepairs < 0 {
		add("engine.max_repairs must be >= 0, got %d", c.Engine.MaxRepairs)
	}
	if c.Engine.MaxRepairsLimit < c.Engine.MaxRepairs {
		add("engine.max_repairs_limit (%d) must be >= engine.max_repairs (%d)", c.Engine.MaxRepairsLimit, c.Engine.MaxRepairs)
	}

	switch c.Sandbox.Mode {
	case "local":
	case "remote":
		if c.Sandbox.RemoteURL == "" && !c.Sandbox.Kubernetes.Enabled {
			add("sandbox.remote_url or sandbox.kubernetes.enabled is required when sandbox.mode is \"remote\"")
		}
		if c.Sandbox.Kubernetes.Enabled && c.Sandbox.Kubernetes.Template == "" {
			add("sandbox.kubernetes.template is required when sandbox.kubernetes.enabled is true")
		}
	default:
		add("sandbox.mode must be \"local\" or \"remote\", got %q", c.Sandbox.Mode)
	}

	if c.Artifacts.Dir == "" {
		add("artifacts.dir is required")
	}

	switch c.Storage.Type {
	case "memory", "none":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			add("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\"")
		}
	default:
		add("storage.type must be \"memory\", \"postgres\" or \"none\", got %q", c.Storage.Type)
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			add("auth.api_keys must not be empty when auth.type is \"apikey\"")
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				add("auth.api_keys[%d]: key or key_file is required", i)
			}
			if k.Subject == "" {
				add("auth.api_keys[%d]: subject is required", i)
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretFile == "" && c.Auth.JWT.JWKSURL == "" {
			add("auth.jwt.secret, auth.jwt.secret_file or auth.jwt.jwks_url is required when auth.type is \"jwt\"")
		}
	default:
		add("auth.type must be \"none\", \"apikey\" or \"jwt\", got %q", c.Auth.Type)
	}

	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		add("mcp.transport must be \"stdio\" or \"http\", got %q", c.MCP.Transport)
	}

	return errors.Join(errs...)
}
