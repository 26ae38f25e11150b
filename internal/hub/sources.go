package hub

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/adapters"
	"github.com/iksnae/session-vault/internal/adapters/chatgpt"
	"github.com/iksnae/session-vault/internal/adapters/copilot"
	"github.com/iksnae/session-vault/internal/adapters/cursor"
	"github.com/iksnae/session-vault/internal/adapters/jsonfile"
	"github.com/iksnae/session-vault/internal/adapters/openwebui"
	"github.com/iksnae/session-vault/internal/config"
	"github.com/iksnae/session-vault/internal/hostprobe"
	"github.com/iksnae/session-vault/internal/pathid"
)

// SourceOptions control BuildRegistry
type SourceOptions struct {
	Logger   *zap.Logger
	Resolver *pathid.Resolver
	// HTTP is shared by the API adapters; nil uses the client default
	HTTP *http.Client
	// Detect finds the editor storage when the config names none
	Detect func() (cursor.StoragePaths, error)
}

// BuildRegistry registers every enabled source of cfg. Editor storage that
// was auto-detected but does not exist is left out quietly; anything that was
// configured explicitly and cannot be built is an error.
func BuildRegistry(cfg *config.Config, opts SourceOptions) (*adapters.Registry, error) {
	log := opts.Logger
	if log == nil {
		log = internal.L()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = pathid.NewResolver()
	}
	detect := opts.Detect
	if detect == nil {
		detect = cursor.DetectStoragePaths
	}

	reg := adapters.NewRegistry()
	var errs []error
	add := func(a adapters.Adapter) {
		if err := reg.Register(a); err != nil {
			errs = append(errs, err)
		}
	}

	src := cfg.Sources
	if src.Cursor.Enabled || src.CursorAgent.Enabled {
		paths, explicit, err := cursorPaths(src.Cursor, detect)
		switch {
		case err != nil:
			log.Debug("cursor storage not detected", zap.Error(err))
		default:
			if src.Cursor.Enabled {
				if explicit || paths.GlobalStorageExists() {
					add(cursor.New(cursor.Options{Paths: paths, Resolver: resolver, Probe: hostprobe.Cursor()}))
				} else {
					log.Debug("cursor storage missing", zap.String("path", paths.GlobalStorageDBPath()))
				}
			}
			if src.CursorAgent.Enabled {
				if explicit || dirExists(paths.AgentStoragePath) {
					add(cursor.NewAgentAdapter(paths))
				} else {
					log.Debug("cursor-agent storage missing", zap.String("path", paths.AgentStoragePath))
				}
			}
		}
	}

	for _, j := range src.JSONFiles {
		var probe hostprobe.Probe
		if j.HostProcess != "" {
			probe = &hostprobe.Process{Name: j.HostProcess, Names: []string{j.HostProcess}}
		}
		a, err := jsonfile.New(jsonfile.Options{Dir: j.Dir, Name: j.Name, Probe: probe, Resolver: resolver})
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", j.Name, err))
			continue
		}
		add(a)
	}

	if src.ChatGPT.Export != "" {
		add(chatgpt.New(src.ChatGPT.Export))
	}

	if cp := src.Copilot; cp.Enabled {
		base := cp.BaseURL
		if base == "" {
			base = copilot.DefaultBaseURL
		}
		a, err := copilot.New(copilot.Options{
			Client: adapters.NewClient(base, cp.Token(), opts.HTTP),
			UserID: cp.UserID,
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			add(a)
		}
	}

	if ow := src.OpenWebUI; ow.Enabled {
		a, err := openwebui.New(openwebui.Options{Client: adapters.NewClient(ow.BaseURL, ow.Token(), opts.HTTP)})
		if err != nil {
			errs = append(errs, err)
		} else {
			add(a)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return reg, nil
}

func cursorPaths(c config.CursorSource, detect func() (cursor.StoragePaths, error)) (cursor.StoragePaths, bool, error) {
	if c.BasePath != "" {
		agent := c.AgentPath
		if agent == "" {
			if detected, err := detect(); err == nil {
				agent = detected.AgentStoragePath
			}
		}
		return cursor.PathsFromBase(c.BasePath, agent), true, nil
	}
	paths, err := detect()
	if err != nil {
		return cursor.StoragePaths{}, false, err
	}
	if c.AgentPath != "" {
		paths.AgentStoragePath = c.AgentPath
	}
	return paths, false, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// WatchPaths maps each local source of cfg to the paths whose changes mean
// new data. Remote sources have nothing to watch and are left out.
func WatchPaths(cfg *config.Config, opts SourceOptions) map[string][]string {
	detect := opts.Detect
	if detect == nil {
		detect = cursor.DetectStoragePaths
	}
	out := make(map[string][]string)
	src := cfg.Sources
	if src.Cursor.Enabled || src.CursorAgent.Enabled {
		if paths, _, err := cursorPaths(src.Cursor, detect); err == nil {
			if src.Cursor.Enabled && paths.GlobalStorage != "" {
				out[cursor.Name] = []string{paths.GlobalStorage}
			}
			if src.CursorAgent.Enabled && paths.AgentStoragePath != "" {
				out[cursor.AgentName] = []string{paths.AgentStoragePath}
			}
		}
	}
	for _, j := range src.JSONFiles {
		name := j.Name
		if name == "" {
			name = jsonfile.DefaultName
		}
		out[name] = []string{j.Dir}
	}
	if p := src.ChatGPT.Export; p != "" {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			p = filepath.Dir(p)
		}
		out[chatgpt.Name] = []string{p}
	}
	return out
}
