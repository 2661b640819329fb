package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Providers["default"].Provider != "gemini" {
		t.Errorf("expected gemini, got %s", cfg.Providers["default"].Provider)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.RateLimit.RPM != 60 {
		t.Errorf("expected rpm 60, got %d", cfg.RateLimit.RPM)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[database]
driver = "postgres"
dsn = "postgres://localhost/chatcore"

[providers.default]
provider = "openai"
model = "gpt-4o"
api_key = "file-key"

[[tools]]
name = "search"
type = "http"
url = "https://tools.example.com/search"
`), 0644)

	cfg := Load(path)
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/chatcore" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Providers["default"].Provider != "openai" || cfg.Providers["default"].Model != "gpt-4o" {
		t.Errorf("unexpected provider config: %+v", cfg.Providers["default"])
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "search" {
		t.Errorf("expected one tool server, got %+v", cfg.Tools)
	}
	// Defaults preserved where the file is silent.
	if cfg.RateLimit.RPM != 60 {
		t.Errorf("default rpm should be preserved, got %d", cfg.RateLimit.RPM)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHATCORE_PROVIDER_API_KEY", "env-key")
	t.Setenv("CHATCORE_DATABASE_PATH", "/tmp/env.db")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Providers["default"].APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.Providers["default"].APIKey)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("expected /tmp/env.db, got %s", cfg.Database.Path)
	}
}

func TestToolServerConfigConversion(t *testing.T) {
	tc := ToolServerConfig{
		Name: "terminal", Type: "builtin", Kind: "terminal",
		WorkspaceDir: "/work", MaxOutputBytes: 4096, ReviewTimeoutMS: 5000,
	}
	srv := tc.McpServer()
	if srv.Name != "terminal" || string(srv.Type) != "builtin" || string(srv.Kind) != "terminal" {
		t.Errorf("unexpected conversion: %+v", srv)
	}
	if srv.WorkspaceDir != "/work" || srv.MaxOutputBytes != 4096 || srv.ReviewTimeoutMS != 5000 {
		t.Errorf("unexpected builtin fields: %+v", srv)
	}
}
