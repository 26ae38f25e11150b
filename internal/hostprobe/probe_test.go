package hostprobe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProc(t *testing.T, comms map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, comm := range comms {
		dir := filepath.Join(root, pid)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	return root
}

func TestProcess_ListProc(t *testing.T) {
	root := fakeProc(t, map[string]string{"1": "systemd", "42": "cursor", "77": "bash"})
	p := &Process{Name: "Cursor", Names: []string{"cursor"}, ProcRoot: root}

	names, err := p.listProc()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"systemd", "cursor", "bash"}, names)
}

func TestProcess_Matches(t *testing.T) {
	p := Cursor()
	assert.True(t, p.matches("cursor"))
	assert.True(t, p.matches("/Applications/Cursor.app/Contents/MacOS/Cursor"))
	assert.True(t, p.matches("Cursor.exe"))
	assert.False(t, p.matches("cursor-agent"))
	assert.False(t, p.matches(""))
}

func TestProcess_ActiveOnLinuxProc(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("proc scan is linux only")
	}
	running := &Process{Name: "Cursor", Names: []string{"cursor"}, ProcRoot: fakeProc(t, map[string]string{"42": "cursor"})}
	active, err := running.Active(context.Background())
	require.NoError(t, err)
	assert.True(t, active)

	idle := &Process{Name: "Cursor", Names: []string{"cursor"}, ProcRoot: fakeProc(t, map[string]string{"1": "init"})}
	active, err = idle.Active(context.Background())
	require.NoError(t, err)
	assert.False(t, active)
}

func TestStatic(t *testing.T) {
	var p Probe = Static{Name: "Editor", Running: true}
	active, err := p.Active(context.Background())
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "Editor", p.Host())
}
