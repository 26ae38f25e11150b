package cursor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/iksnae/session-vault/internal"
	"github.com/iksnae/session-vault/internal/pathid"
)

// WorkspaceInfo represents one workspaceStorage entry
type WorkspaceInfo struct {
	Hash         string // editor's storage folder name
	Folder       string // folder URI from workspace.json
	Path         string // canonical project path
	ID           string // canonical workspace id
	LastModified int64
}

// DetectWorkspaces reads every workspaceStorage/<hash>/workspace.json under
// basePath. Entries without a readable folder are skipped.
func DetectWorkspaces(basePath string, resolver *pathid.Resolver) ([]*WorkspaceInfo, error) {
	workspaceStorage := filepath.Join(basePath, "workspaceStorage")
	entries, err := os.ReadDir(workspaceStorage)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var workspaces []*WorkspaceInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workspaceJSONPath := filepath.Join(workspaceStorage, entry.Name(), "workspace.json")
		data, err := os.ReadFile(workspaceJSONPath)
		if err != nil {
			continue
		}
		var workspaceData struct {
			Folder    string `json:"folder"`
			Workspace string `json:"workspace"`
		}
		if err := json.Unmarshal(data, &workspaceData); err != nil {
			internal.LogDebug("workspace %s: bad workspace.json: %v", entry.Name(), err)
			continue
		}
		folder := workspaceData.Folder
		if folder == "" {
			folder = workspaceData.Workspace
		}
		id, err := resolver.Resolve(folder)
		if err != nil {
			internal.LogDebug("workspace %s: %v", entry.Name(), err)
			continue
		}
		info := &WorkspaceInfo{Hash: entry.Name(), Folder: folder, Path: id.Path, ID: id.ID}
		if st, err := os.Stat(workspaceJSONPath); err == nil {
			info.LastModified = st.ModTime().UnixMilli()
		}
		if st, err := os.Stat(filepath.Join(workspaceStorage, entry.Name(), "state.vscdb")); err == nil && st.ModTime().UnixMilli() > info.LastModified {
			info.LastModified = st.ModTime().UnixMilli()
		}
		workspaces = append(workspaces, info)
	}

	return workspaces, nil
}

// AssociateComposerWithWorkspace matches the project layouts recorded in a
// composer's message contexts against known workspaces
func AssociateComposerWithWorkspace(contexts []*MessageContext, workspaces []*WorkspaceInfo, resolver *pathid.Resolver) *WorkspaceInfo {
	byID := make(map[string]*WorkspaceInfo, len(workspaces))
	for _, w := range workspaces {
		byID[w.ID] = w
	}
	for _, ctx := range contexts {
		for _, layout := range ctx.ProjectLayouts {
			id, err := resolver.WorkspaceID(layout)
			if err != nil {
				continue
			}
			if w, ok := byID[id]; ok {
				return w
			}
		}
	}
	return nil
}
