package cursor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// StoragePaths holds the detected paths for Cursor storage
type StoragePaths struct {
	BasePath         string // Cursor User directory
	WorkspaceStorage string // workspaceStorage directory
	GlobalStorage    string // globalStorage directory
	AgentStoragePath string // cursor-agent CLI chats directory
}

// DetectStoragePaths detects the Cursor storage paths for the current OS
func DetectStoragePaths() (StoragePaths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return StoragePaths{}, fmt.Errorf("failed to get home directory: %w", err)
	}
	return detectStoragePaths(runtime.GOOS, home, os.Getenv("APPDATA"))
}

func detectStoragePaths(goos, home, appData string) (StoragePaths, error) {
	var basePath string
	agentStoragePath := filepath.Join(home, ".cursor", "chats")
	switch goos {
	case "darwin":
		basePath = filepath.Join(home, "Library", "Application Support", "Cursor", "User")
	case "linux":
		basePath = filepath.Join(home, ".config", "Cursor", "User")
		// newer cursor-agent builds moved under XDG config
		if info, err := os.Stat(filepath.Join(home, ".config", "cursor", "chats")); err == nil && info.IsDir() {
			agentStoragePath = filepath.Join(home, ".config", "cursor", "chats")
		}
	case "windows":
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		basePath = filepath.Join(appData, "Cursor", "User")
	default:
		return StoragePaths{}, fmt.Errorf("unsupported OS: %s", goos)
	}
	return PathsFromBase(basePath, agentStoragePath), nil
}

// PathsFromBase builds StoragePaths under an explicit User directory
func PathsFromBase(basePath, agentStoragePath string) StoragePaths {
	return StoragePaths{
		BasePath:         basePath,
		WorkspaceStorage: filepath.Join(basePath, "workspaceStorage"),
		GlobalStorage:    filepath.Join(basePath, "globalStorage"),
		AgentStoragePath: agentStoragePath,
	}
}

// GlobalStorageDBPath returns the path to the globalStorage state.vscdb file
func (sp StoragePaths) GlobalStorageDBPath() string {
	return filepath.Join(sp.GlobalStorage, "state.vscdb")
}

// GlobalStorageExists checks if the globalStorage database exists
func (sp StoragePaths) GlobalStorageExists() bool {
	_, err := os.Stat(sp.GlobalStorageDBPath())
	return err == nil
}

// FindAgentStoreDBs returns every store.db below the agent storage
// directory, in lexical order
func (sp StoragePaths) FindAgentStoreDBs() ([]string, error) {
	if sp.AgentStoragePath == "" {
		return nil, nil
	}
	if info, err := os.Stat(sp.AgentStoragePath); err != nil || !info.IsDir() {
		return nil, nil
	}

	var storeDBs []string
	err := filepath.WalkDir(sp.AgentStoragePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && d.Name() == "store.db" {
			storeDBs = append(storeDBs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent storage directory: %w", err)
	}
	return storeDBs, nil
}
