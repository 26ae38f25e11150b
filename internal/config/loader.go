package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader reads and writes the configuration file
type Loader struct {
	dir string
}

// NewLoader creates a loader rooted at dir, ~/.session-vault when empty
func NewLoader(dir string) (*Loader, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return &Loader{dir: ExpandHome(dir)}, nil
}

// Dir returns the configuration directory
func (l *Loader) Dir() string { return l.dir }

// DefaultPath returns the default configuration file path
func (l *Loader) DefaultPath() string { return filepath.Join(l.dir, DefaultConfigFile) }

// Load reads path, or the default file when path is empty. A missing file
// yields the default configuration. The result is validated.
func (l *Loader) Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = l.DefaultPath()
	}
	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return Default(l.dir), nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("config file not found: %s", path)
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return l.parse(data)
}

func (l *Loader) parse(data []byte) (*Config, error) {
	cfg := Default(l.dir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Sources.Cursor.BasePath = ExpandHome(cfg.Sources.Cursor.BasePath)
	cfg.Sources.Cursor.AgentPath = ExpandHome(cfg.Sources.Cursor.AgentPath)
	cfg.Sources.ChatGPT.Export = ExpandHome(cfg.Sources.ChatGPT.Export)
	for i := range cfg.Sources.JSONFiles {
		cfg.Sources.JSONFiles[i].Dir = ExpandHome(cfg.Sources.JSONFiles[i].Dir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, or the default file when path is empty
func (l *Loader) Save(cfg *Config, path string) error {
	if path == "" {
		path = l.DefaultPath()
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	content := "# session-vault configuration\n#\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
