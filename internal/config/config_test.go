package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("http_addr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Store.Backend != "file" || cfg.Store.Path != "keywarden-state.json" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Events.Backend != "file" || cfg.Events.RetentionDays != 30 ||
		cfg.Events.MaxFileSizeMB != 100 || cfg.Events.CacheSize != 1000 {
		t.Errorf("events = %+v", cfg.Events)
	}
	if !cfg.Conditions.Enabled {
		t.Error("conditions should default to enabled")
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should default to disabled")
	}
}

func TestSetDefaultsSqlitePath(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg := Config{Store: StoreConfig{Backend: "sqlite"}}
	cfg.SetDefaults()
	if cfg.Store.Path != "keywarden.db" {
		t.Errorf("sqlite default path = %q", cfg.Store.Path)
	}
}

func TestSetDefaultsDoesNotOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg := Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:9090", LogLevel: "warn"},
		Store:  StoreConfig{Backend: "sqlite", Path: "/data/kw.db"},
	}
	cfg.SetDefaults()
	if cfg.Server.HTTPAddr != "0.0.0.0:9090" || cfg.Server.LogLevel != "warn" {
		t.Errorf("server overridden: %+v", cfg.Server)
	}
	if cfg.Store.Path != "/data/kw.db" {
		t.Errorf("store path overridden: %q", cfg.Store.Path)
	}
}

func TestSetDevDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Run("dev mode off is a no-op", func(t *testing.T) {
		var cfg Config
		cfg.SetDefaults()
		cfg.SetDevDefaults()
		if len(cfg.Auth.AdminKeys) != 0 {
			t.Error("dev keys injected without dev_mode")
		}
	})

	t.Run("dev mode on", func(t *testing.T) {
		cfg := Config{DevMode: true}
		cfg.SetDefaults()
		cfg.SetDevDefaults()
		if cfg.Server.LogLevel != "debug" {
			t.Errorf("log_level = %q", cfg.Server.LogLevel)
		}
		if len(cfg.Auth.AdminKeys) != 1 || cfg.Auth.AdminKeys[0].Name != "dev-admin" {
			t.Errorf("admin_keys = %+v", cfg.Auth.AdminKeys)
		}
		if cfg.Store.Backend != "memory" || cfg.Events.Backend != "memory" {
			t.Errorf("dev backends: store=%s events=%s", cfg.Store.Backend, cfg.Events.Backend)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("dev config should validate: %v", err)
		}
	})

	t.Run("dev mode keeps configured keys", func(t *testing.T) {
		cfg := Config{
			DevMode: true,
			Auth: AuthConfig{AdminKeys: []AdminKeyConfig{
				{Name: "ops", KeyHash: "sha256:" + hexDigits(64)},
			}},
		}
		cfg.SetDefaults()
		cfg.SetDevDefaults()
		if len(cfg.Auth.AdminKeys) != 1 || cfg.Auth.AdminKeys[0].Name != "ops" {
			t.Errorf("admin_keys = %+v", cfg.Auth.AdminKeys)
		}
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "keywarden.yaml")
	yaml := `
server:
  http_addr: "127.0.0.1:9191"
  log_level: warn
store:
  backend: sqlite
  path: ` + filepath.Join(dir, "kw.db") + `
events:
  backend: memory
auth:
  admin_keys:
    - name: ops
      key_hash: "sha256:` + hexDigits(64) + `"
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9191" || cfg.Server.LogLevel != "warn" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if cfg.Events.Backend != "memory" {
		t.Errorf("events backend = %q", cfg.Events.Backend)
	}
	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed = %q", ConfigFileUsed())
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("KEYWARDEN_SERVER_HTTP_ADDR", "127.0.0.1:7777")
	t.Setenv("KEYWARDEN_STORE_BACKEND", "memory")

	InitViper("")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:7777" {
		t.Errorf("env override ignored: %q", cfg.Server.HTTPAddr)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	dir := t.TempDir()
	if got := findConfigFileInPaths([]string{dir}); got != "" {
		t.Errorf("found %q in empty dir", got)
	}

	path := filepath.Join(dir, "keywarden.yml")
	if err := os.WriteFile(path, []byte("dev_mode: true\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := findConfigFileInPaths([]string{dir}); got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

// hexDigits returns n lowercase hex characters.
func hexDigits(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = "0123456789abcdef"[i%16]
	}
	return string(out)
}
