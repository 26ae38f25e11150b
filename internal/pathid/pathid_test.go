package pathid

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iksnae/session-vault/internal"
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestResolver_Normalize(t *testing.T) {
	sensitive := &Resolver{}
	folding := &Resolver{CaseInsensitive: true}

	tests := []struct {
		name string
		r    *Resolver
		in   string
		want string
	}{
		{"plain", sensitive, "/home/dev/Project", "/home/dev/Project"},
		{"trailing separator", sensitive, "/home/dev/project///", "/home/dev/project"},
		{"dot segments", sensitive, "/home/dev/./a/../project", "/home/dev/project"},
		{"surrounding space", sensitive, "  /home/dev/project \n", "/home/dev/project"},
		{"file uri", sensitive, "file:///home/dev/My%20Project", "/home/dev/My Project"},
		{"percent in plain path", sensitive, "/home/dev/My%20Project", "/home/dev/My Project"},
		{"literal percent", sensitive, "/tmp/100%", "/tmp/100%"},
		{"case folding", folding, "/Users/Dev/Project", "/users/dev/project"},
		{"case preserved", sensitive, "/Users/Dev/Project", "/Users/Dev/Project"},
		{"windows backslashes", sensitive, `C:\Users\Dev\Project\`, "c:/users/dev/project"},
		{"windows file uri", sensitive, "file:///c%3A/Users/Dev/Project", "c:/users/dev/project"},
		{"windows drive root", sensitive, `D:\`, "d:/"},
		{"unc", sensitive, `\\fileserver\share\proj`, "/share/proj"},
		{"root", sensitive, "/", "/"},
		{"remote uri keeps case", folding, "vscode-remote://ssh-remote+box/home/Dev/proj/", "/home/Dev/proj"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.r.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_Relative(t *testing.T) {
	r := &Resolver{Base: "/home/dev"}
	got, err := r.Normalize("projects/../work/app/")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/work/app", got)

	_, err = (&Resolver{}).Normalize("work/app")
	var pe *internal.PathResolutionError
	require.True(t, errors.As(err, &pe), "want PathResolutionError, got %v", err)
}

func TestResolver_Errors(t *testing.T) {
	r := &Resolver{}
	for _, in := range []string{"", "   ", "file://", `C:relative`} {
		_, err := r.Resolve(in)
		var pe *internal.PathResolutionError
		assert.Truef(t, errors.As(err, &pe), "Resolve(%q) error = %v, want PathResolutionError", in, err)
	}
}

func TestResolver_IdentityMatchesEditorScheme(t *testing.T) {
	r := &Resolver{}

	id, err := r.Resolve("/home/dev/project")
	require.NoError(t, err)
	assert.Equal(t, "file:///home/dev/project", id.URI)
	assert.Equal(t, md5hex("file:///home/dev/project"), id.ID)

	win, err := r.Resolve(`C:\Users\Dev\Project`)
	require.NoError(t, err)
	assert.Equal(t, "file:///c%3A/users/dev/project", win.URI)
	assert.Equal(t, md5hex("file:///c%3A/users/dev/project"), win.ID)

	spaced, err := r.Resolve("/home/dev/My Project")
	require.NoError(t, err)
	assert.Equal(t, "file:///home/dev/My%20Project", spaced.URI)

	unc, err := r.Resolve(`\\fileserver\share\proj`)
	require.NoError(t, err)
	assert.Equal(t, "file://fileserver/share/proj", unc.URI)
}

func TestResolver_IdentityIsStableAcrossSpellings(t *testing.T) {
	r := &Resolver{}
	spellings := []string{
		"/home/dev/project",
		"/home/dev/project/",
		"file:///home/dev/project",
		"/home/dev/src/../project",
		"file:///home/dev/./project/",
	}
	want, err := r.WorkspaceID(spellings[0])
	require.NoError(t, err)
	for _, s := range spellings[1:] {
		got, err := r.WorkspaceID(s)
		require.NoError(t, err)
		assert.Equalf(t, want, got, "WorkspaceID(%q)", s)
	}

	windows := []string{`C:\Work\App`, "c:/work/app/", "file:///C%3A/Work/App", "file:///c:/work/app"}
	want, err = r.WorkspaceID(windows[0])
	require.NoError(t, err)
	for _, s := range windows[1:] {
		got, err := r.WorkspaceID(s)
		require.NoError(t, err)
		assert.Equalf(t, want, got, "WorkspaceID(%q)", s)
	}
}

func TestResolver_IsPure(t *testing.T) {
	r := &Resolver{CaseInsensitive: true}
	a, err := r.Resolve("/Users/Dev/Project")
	require.NoError(t, err)
	b, err := r.Resolve("/Users/Dev/Project")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
