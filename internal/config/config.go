// Package config loads chatcore's process configuration: default values,
// layered with an optional TOML file, layered with environment overrides.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chatcore/chatcore"
	"github.com/chatcore/chatcore/observer"
)

// Config is the top-level process configuration. Each field is one
// concern's sub-struct: model providers, database, tool servers,
// observability, rate limits.
type Config struct {
	Providers     map[string]ProviderConfig `toml:"providers"`
	Database      DatabaseConfig            `toml:"database"`
	Tools         []ToolServerConfig        `toml:"tools"`
	Observability ObservabilityConfig       `toml:"observability"`
	RateLimit     RateLimitConfig           `toml:"rate_limit"`
}

// ProviderConfig binds one named model provider entry (e.g. "gemini",
// "openai") to the credentials and defaults resolve.Config needs to build a
// live chatcore.Provider.
type ProviderConfig struct {
	Provider    string   `toml:"provider"` // "gemini", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey      string   `toml:"api_key"`
	Model       string   `toml:"model"`
	BaseURL     string   `toml:"base_url"`
	Temperature *float64 `toml:"temperature"`
	TopP        *float64 `toml:"top_p"`
	Thinking    *bool    `toml:"thinking"`
}

// DatabaseConfig selects and configures one of the two Store backends.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"

	// SQLite
	Path string `toml:"path"`

	// Postgres
	DSN string `toml:"dsn"`
}

// ToolServerConfig is the TOML-friendly mirror of chatcore.McpServer.
type ToolServerConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"` // "http", "stdio", "builtin"

	URL string `toml:"url"`

	Command   string            `toml:"command"`
	Args      []string          `toml:"args"`
	Env       map[string]string `toml:"env"`
	Cwd       string            `toml:"cwd"`
	Sandboxed bool              `toml:"sandboxed"`

	Kind            string `toml:"kind"`
	WorkspaceDir    string `toml:"workspace_dir"`
	MaxOutputBytes  int    `toml:"max_output_bytes"`
	ReviewTimeoutMS int    `toml:"review_timeout_ms"`
}

// McpServer converts a TOML tool server entry into the runtime descriptor.
func (t ToolServerConfig) McpServer() chatcore.McpServer {
	return chatcore.McpServer{
		Name:            t.Name,
		Type:            chatcore.McpServerType(t.Type),
		URL:             t.URL,
		Command:         t.Command,
		Args:            t.Args,
		Env:             t.Env,
		Cwd:             t.Cwd,
		Sandboxed:       t.Sandboxed,
		Kind:            chatcore.BuiltinKind(t.Kind),
		WorkspaceDir:    t.WorkspaceDir,
		MaxOutputBytes:  t.MaxOutputBytes,
		ReviewTimeoutMS: t.ReviewTimeoutMS,
	}
}

// ObservabilityConfig toggles the OTEL bootstrap and supplies per-model cost
// overrides fed to observer.Init.
type ObservabilityConfig struct {
	Enabled bool                             `toml:"enabled"`
	Pricing map[string]observer.ModelPricing `toml:"pricing"`
}

// RateLimitConfig carries RPM/TPM budgets. The global RPM and TPM are what
// cmd/server passes to chatcore.WithRateLimit; the per-provider entries in
// Providers are parsed from the TOML file but not applied by any code in
// this module.
type RateLimitConfig struct {
	RPM       int                      `toml:"rpm"`
	TPM       int                      `toml:"tpm"`
	Providers map[string]ProviderLimit `toml:"providers"`
}

// ProviderLimit is one provider name's RPM/TPM entry in RateLimitConfig.
type ProviderLimit struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

// Default returns the baseline configuration: a single Gemini provider entry
// and an embedded SQLite database, matching what a fresh checkout can run
// without any external services.
func Default() Config {
	return Config{
		Providers: map[string]ProviderConfig{
			"default": {
				Provider: "gemini",
				Model:    "gemini-2.5-flash",
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "chatcore.db",
		},
		RateLimit: RateLimitConfig{
			RPM: 60,
			TPM: 100000,
		},
	}
}

// Load builds a Config by starting from Default, overlaying a TOML file at
// path (if it exists), then overlaying environment variables. Environment
// overrides apply to the "default" provider entry's API key and model, the
// database DSN (which also selects the postgres driver) and path, and the
// observability toggle — per-provider and per-tool overrides belong in the
// TOML file.
func Load(path string) Config {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CHATCORE_PROVIDER_API_KEY"); v != "" {
		p := cfg.Providers["default"]
		p.APIKey = v
		cfg.Providers["default"] = p
	}
	if v := os.Getenv("CHATCORE_PROVIDER_MODEL"); v != "" {
		p := cfg.Providers["default"]
		p.Model = v
		cfg.Providers["default"] = p
	}
	if v := os.Getenv("CHATCORE_DATABASE_DSN"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CHATCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CHATCORE_OBSERVABILITY_ENABLED"); v == "true" {
		cfg.Observability.Enabled = true
	}

	return cfg
}
