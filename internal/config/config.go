// Package config holds the YAML configuration of session-vault.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/tracing"
)

// Config is the root configuration
type Config struct {
	Store       StoreConfig      `yaml:"store"`
	Logging     LoggingConfig    `yaml:"logging"`
	Tracing     tracing.Config   `yaml:"tracing"`
	Harvest     HarvestConfig    `yaml:"harvest"`
	Sync        SyncConfig       `yaml:"sync"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Sources     SourcesConfig    `yaml:"sources"`
}

// StoreConfig locates the canonical database
type StoreConfig struct {
	Path string `yaml:"path"`
	// AutoMigrate upgrades an older schema on open instead of failing
	AutoMigrate bool `yaml:"auto_migrate"`
}

// LoggingConfig selects the process logger
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// HarvestConfig tunes ingestion
type HarvestConfig struct {
	// Parallel bounds concurrent source fetches; 0 is unbounded
	Parallel int `yaml:"parallel"`
}

// SyncConfig holds sync defaults
type SyncConfig struct {
	Strategy string `yaml:"strategy"` // last-write-wins, prefer-local, prefer-remote, manual
	Force    bool   `yaml:"force"`
}

// CheckpointConfig tunes the checkpoint manager
type CheckpointConfig struct {
	MaxDeltaChain int `yaml:"max_delta_chain"`
}

// SourcesConfig lists the sources to register
type SourcesConfig struct {
	Cursor      CursorSource     `yaml:"cursor"`
	CursorAgent ToggleSource     `yaml:"cursor_agent"`
	JSONFiles   []JSONFileSource `yaml:"jsonfile"`
	ChatGPT     ChatGPTSource    `yaml:"chatgpt"`
	Copilot     CopilotSource    `yaml:"copilot"`
	OpenWebUI   HTTPSource       `yaml:"openwebui"`
}

// ToggleSource is a source with nothing to configure
type ToggleSource struct {
	Enabled bool `yaml:"enabled"`
}

// CursorSource is the editor's own storage
type CursorSource struct {
	Enabled bool `yaml:"enabled"`
	// BasePath overrides the detected editor User directory
	BasePath string `yaml:"base_path,omitempty"`
	// AgentPath overrides the detected CLI agent chats directory
	AgentPath string `yaml:"agent_path,omitempty"`
}

// JSONFileSource is a directory of session documents
type JSONFileSource struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
	// HostProcess names the application owning Dir; writes are refused
	// while it runs
	HostProcess string `yaml:"host_process,omitempty"`
}

// ChatGPTSource is an unpacked data export
type ChatGPTSource struct {
	Export string `yaml:"export"`
}

// HTTPSource is a remote API. The token is read from the environment
// variable named by TokenEnv.
type HTTPSource struct {
	Enabled  bool   `yaml:"enabled"`
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env,omitempty"`
}

// Token returns the configured token, empty when unset
func (s HTTPSource) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(s.TokenEnv))
}

// CopilotSource is the Graph interaction history of one user
type CopilotSource struct {
	HTTPSource `yaml:",inline"`
	UserID     string `yaml:"user_id"`
}

// Defaults
const (
	DefaultDirName       = ".session-vault"
	DefaultConfigFile    = "config.yaml"
	DefaultStoreFile     = "vault.db"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultHarvestFanout = 4
	DefaultOpenWebUIURL  = "http://localhost:8080"
	DefaultOpenWebUIEnv  = "OPENWEBUI_TOKEN"
	DefaultCopilotEnv    = "GRAPH_TOKEN"
)

// Default returns the configuration used when no file exists. dir is the
// configuration directory holding the store.
func Default(dir string) *Config {
	tc := tracing.DefaultConfig()
	tc.ServiceName = "session-vault"
	return &Config{
		Store:       StoreConfig{Path: filepath.Join(dir, DefaultStoreFile)},
		Logging:     LoggingConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Tracing:     tc,
		Harvest:     HarvestConfig{Parallel: DefaultHarvestFanout},
		Sync:        SyncConfig{Strategy: string(internal.Manual)},
		Checkpoints: CheckpointConfig{MaxDeltaChain: 8},
		Sources: SourcesConfig{
			Cursor:      CursorSource{Enabled: true},
			CursorAgent: ToggleSource{Enabled: true},
			OpenWebUI:   HTTPSource{BaseURL: DefaultOpenWebUIURL, TokenEnv: DefaultOpenWebUIEnv},
			Copilot:     CopilotSource{HTTPSource: HTTPSource{TokenEnv: DefaultCopilotEnv}},
		},
	}
}

// ConflictStrategy parses Sync.Strategy
func (c *Config) ConflictStrategy() (internal.ConflictStrategy, error) {
	return internal.ParseConflictStrategy(c.Sync.Strategy)
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is empty"))
	}
	if _, err := c.ConflictStrategy(); err != nil {
		errs = append(errs, fmt.Errorf("sync.strategy: %w", err))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	switch c.Tracing.ExporterType {
	case "", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter: unknown exporter %q", c.Tracing.ExporterType))
	}
	if c.Harvest.Parallel < 0 {
		errs = append(errs, errors.New("harvest.parallel must not be negative"))
	}
	if c.Checkpoints.MaxDeltaChain < 0 {
		errs = append(errs, errors.New("checkpoints.max_delta_chain must not be negative"))
	}

	names := map[string]bool{}
	for i, j := range c.Sources.JSONFiles {
		if strings.TrimSpace(j.Dir) == "" {
			errs = append(errs, fmt.Errorf("sources.jsonfile[%d]: dir is empty", i))
		}
		name := j.Name
		if name == "" {
			name = "jsonfile"
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("sources.jsonfile[%d]: duplicate name %q", i, name))
		}
		names[name] = true
	}
	if o := c.Sources.OpenWebUI; o.Enabled && strings.TrimSpace(o.BaseURL) == "" {
		errs = append(errs, errors.New("sources.openwebui: base_url is empty"))
	}
	if cp := c.Sources.Copilot; cp.Enabled && strings.TrimSpace(cp.UserID) == "" {
		errs = append(errs, errors.New("sources.copilot: user_id is empty"))
	}
	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
