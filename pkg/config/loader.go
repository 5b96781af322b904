package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DotenvFiles are merged into the process environment before overrides
// are applied. Variables already set in the environment win.
var DotenvFiles = []string{".env", "API.env"}

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, SCHAUBILD_CONFIG env, ./config.yaml, /etc/schaubild/config.yaml)
//  3. Dotenv files
//  4. Environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotenv(DotenvFiles); err != nil {
		return nil, err
	}

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// loadDotenv merges the given dotenv files that exist. godotenv.Load does
// not override variables that are already set.
func loadDotenv(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. SCHAUBILD_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/schaubild/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("SCHAUBILD_CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/schaubild/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
// Unknown keys are rejected so typos do not go unnoticed.
func loadYAMLFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envString, envInt and envDuration apply one variable when it is set.
func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

// applyEnvOverrides maps SCHAUBILD_* environment variables to config fields.
// The LLM key also falls back to GROQ_API_KEY and OPENAI_API_KEY, the names
// commonly kept in API.env.
func applyEnvOverrides(cfg *Config) error {
	envString("SCHAUBILD_LOG_FORMAT", &cfg.Logging.Format)

	envString("SCHAUBILD_LLM_BACKEND", &cfg.LLM.Backend)
	envString("SCHAUBILD_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envString("SCHAUBILD_LLM_MODEL", &cfg.LLM.Model)
	for _, name := range []string{"OPENAI_API_KEY", "GROQ_API_KEY", "SCHAUBILD_LLM_API_KEY"} {
		envString(name, &cfg.LLM.APIKey)
	}

	envString("SCHAUBILD_RENDERER", &cfg.Engine.DefaultRenderer)
	envString("SCHAUBILD_SANDBOX_MODE", &cfg.Sandbox.Mode)
	envString("SCHAUBILD_SANDBOX_URL", &cfg.Sandbox.RemoteURL)
	envString("SCHAUBILD_ARTIFACTS_DIR", &cfg.Artifacts.Dir)
	envString("SCHAUBILD_RETRIEVAL_DIR", &cfg.Retrieval.Dir)
	envString("SCHAUBILD_STORAGE", &cfg.Storage.Type)
	envString("SCHAUBILD_POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	envString("SCHAUBILD_AUTH_TYPE", &cfg.Auth.Type)
	envString("SCHAUBILD_JWT_SECRET", &cfg.Auth.JWT.Secret)
	envString("SCHAUBILD_MCP_TRANSPORT", &cfg.MCP.Transport)

	for name, dst := range map[string]*int{
		"SCHAUBILD_PORT":                &cfg.Server.Port,
		"SCHAUBILD_MAX_CONCURRENT_RUNS": &cfg.Server.MaxConcurrentRuns,
		"SCHAUBILD_MAX_REPAIRS":         &cfg.Engine.MaxRepairs,
		"SCHAUBILD_STORAGE_SIZE":        &cfg.Storage.MaxSize,
		"SCHAUBILD_MCP_PORT":            &cfg.MCP.Port,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}
	if err := envDuration("SCHAUBILD_EXECUTE_TIMEOUT", &cfg.Engine.ExecuteTimeout); err != nil {
		return err
	}

	// SCHAUBILD_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("SCHAUBILD_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return err
		}
		cfg.Auth.APIKeys = keys
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing SCHAUBILD_API_KEYS: %w", err)
	}
	return keys, nil
}

type secretRef struct {
	name  string
	file  string
	value *string
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	refs := []secretRef{
		{"llm.api_key_file", cfg.LLM.APIKeyFile, &cfg.LLM.APIKey},
		{"storage.postgres.dsn_file", cfg.Storage.Postgres.DSNFile, &cfg.Storage.Postgres.DSN},
		{"auth.jwt.secret_file", cfg.Auth.JWT.SecretFile, &cfg.Auth.JWT.Secret},
	}
	for i := range cfg.Auth.APIKeys {
		refs = append(refs, secretRef{
			fmt.Sprintf("auth.api_keys[%d].key_file", i),
			cfg.Auth.APIKeys[i].KeyFile,
			&cfg.Auth.APIKeys[i].Key,
		})
	}

	for _, ref := range refs {
		if ref.file == "" || *ref.value != "" {
			continue
		}
		val, err := readSecretFile(ref.file)
		if err != nil {
			return fmt.Errorf("%s: %w", ref.name, err)
		}
		*ref.value = val
	}
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
