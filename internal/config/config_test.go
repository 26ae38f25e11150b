package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iksnae/session-vault/internal"
)

func TestDefault(t *testing.T) {
	cfg := Default("/tmp/vault")

	if cfg.Store.Path != filepath.Join("/tmp/vault", DefaultStoreFile) {
		t.Errorf("expected store under config dir, got %q", cfg.Store.Path)
	}
	if cfg.Store.AutoMigrate {
		t.Error("expected auto migrate to be off by default")
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Format != DefaultLogFormat {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.Tracing.Enabled {
		t.Error("expected tracing to be disabled by default")
	}
	if !cfg.Sources.Cursor.Enabled || !cfg.Sources.CursorAgent.Enabled {
		t.Error("expected cursor sources to be enabled by default")
	}
	if cfg.Sources.OpenWebUI.Enabled || cfg.Sources.Copilot.Enabled {
		t.Error("expected remote sources to be disabled by default")
	}
	s, err := cfg.ConflictStrategy()
	if err != nil || s != internal.Manual {
		t.Errorf("expected manual strategy, got %q (%v)", s, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty store path", func(c *Config) { c.Store.Path = " " }, "store.path"},
		{"unknown strategy", func(c *Config) { c.Sync.Strategy = "coin-flip" }, "sync.strategy"},
		{"lww alias", func(c *Config) { c.Sync.Strategy = "lww" }, ""},
		{"unknown level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"unknown exporter", func(c *Config) { c.Tracing.ExporterType = "zipkin" }, "tracing.exporter"},
		{"negative parallel", func(c *Config) { c.Harvest.Parallel = -1 }, "harvest.parallel"},
		{"negative chain", func(c *Config) { c.Checkpoints.MaxDeltaChain = -2 }, "max_delta_chain"},
		{"jsonfile without dir", func(c *Config) {
			c.Sources.JSONFiles = []JSONFileSource{{Name: "a"}}
		}, "dir is empty"},
		{"duplicate jsonfile", func(c *Config) {
			c.Sources.JSONFiles = []JSONFileSource{{Dir: "/a"}, {Dir: "/b"}}
		}, "duplicate name"},
		{"openwebui without url", func(c *Config) {
			c.Sources.OpenWebUI = HTTPSource{Enabled: true}
		}, "base_url"},
		{"copilot without user", func(c *Config) {
			c.Sources.Copilot.Enabled = true
		}, "user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoader_MissingFileIsDefault(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != filepath.Join(dir, DefaultStoreFile) {
		t.Errorf("unexpected store path %q", cfg.Store.Path)
	}

	if _, err := l.Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("expected an error for a missing explicit file")
	}
}

func TestLoader_LoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	data := `
store:
  path: /data/vault.db
sync:
  strategy: prefer-remote
sources:
  cursor:
    enabled: false
  jsonfile:
    - name: continue
      dir: /data/continue
      host_process: code
  copilot:
    enabled: true
    base_url: https://graph.example.com/v1.0
    user_id: u-1
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	l, _ := NewLoader(dir)
	cfg, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/data/vault.db" {
		t.Errorf("store path %q", cfg.Store.Path)
	}
	if s, _ := cfg.ConflictStrategy(); s != internal.PreferRemote {
		t.Errorf("strategy %q", s)
	}
	if cfg.Sources.Cursor.Enabled {
		t.Error("expected cursor to be disabled")
	}
	if !cfg.Sources.CursorAgent.Enabled {
		t.Error("expected unset sections to keep their defaults")
	}
	if len(cfg.Sources.JSONFiles) != 1 || cfg.Sources.JSONFiles[0].HostProcess != "code" {
		t.Errorf("jsonfile sources %+v", cfg.Sources.JSONFiles)
	}
	cp := cfg.Sources.Copilot
	if !cp.Enabled || cp.UserID != "u-1" || cp.TokenEnv != DefaultCopilotEnv {
		t.Errorf("copilot %+v", cp)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("expected default log level, got %q", cfg.Logging.Level)
	}
}

func TestLoader_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("sync:\n  strategy: whatever\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l, _ := NewLoader(dir)
	if _, err := l.Load(""); err == nil {
		t.Fatal("expected a validation error")
	}

	if err := os.WriteFile(path, []byte("store: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(""); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoader_SaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	l, _ := NewLoader(filepath.Join(dir, "nested"))
	cfg := Default(l.Dir())
	cfg.Sync.Strategy = string(internal.LastWriteWins)
	cfg.Sources.ChatGPT.Export = "/exports/chatgpt"

	if err := l.Save(cfg, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(l.DefaultPath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600, got %o", perm)
	}
	got, err := l.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Sync.Strategy != string(internal.LastWriteWins) || got.Sources.ChatGPT.Export != "/exports/chatgpt" {
		t.Errorf("round trip lost values: %+v", got)
	}
}

func TestHTTPSource_Token(t *testing.T) {
	t.Setenv("SV_TEST_TOKEN", " secret \n")
	if got := (HTTPSource{TokenEnv: "SV_TEST_TOKEN"}).Token(); got != "secret" {
		t.Errorf("token %q", got)
	}
	if got := (HTTPSource{}).Token(); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Errorf("got %q", got)
	}
	if got := ExpandHome("/abs"); got != "/abs" {
		t.Errorf("got %q", got)
	}
}
