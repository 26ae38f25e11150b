// Package pathid turns raw folder paths and URIs into canonical,
// OS-independent paths and the stable workspace identity derived from them.
//
// The identity is the lowercase hex MD5 of the canonical file URI, the
// scheme editors of the VS Code family use to name workspace storage for
// URIs. It can be recomputed from the project path alone.
package pathid

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"runtime"
	"strings"

	"github.com/iksnae/session-vault/internal"
)

// Resolver normalizes paths. The zero value is case-sensitive and rejects
// relative paths.
type Resolver struct {
	// CaseInsensitive folds canonical paths to lower case
	CaseInsensitive bool
	// Base resolves relative input. Empty means relative input is an error.
	Base string
}

// Identity is the resolved form of one input
type Identity struct {
	Path string // canonical slash-separated path, drive paths as "c:/x"
	URI  string // canonical URI the ID is computed over
	ID   string
}

// NewResolver returns a resolver matching the local filesystem's case rules
func NewResolver() *Resolver {
	return &Resolver{CaseInsensitive: runtime.GOOS == "windows" || runtime.GOOS == "darwin"}
}

// Resolve normalizes raw and derives its identity
func (r *Resolver) Resolve(raw string) (Identity, error) {
	p, scheme, authority, err := r.normalize(raw)
	if err != nil {
		return Identity{}, err
	}
	uri := buildURI(scheme, authority, p)
	sum := md5.Sum([]byte(uri))
	return Identity{Path: p, URI: uri, ID: hex.EncodeToString(sum[:])}, nil
}

// Normalize returns the canonical path of raw
func (r *Resolver) Normalize(raw string) (string, error) {
	id, err := r.Resolve(raw)
	return id.Path, err
}

// WorkspaceID returns the identity hash of raw
func (r *Resolver) WorkspaceID(raw string) (string, error) {
	id, err := r.Resolve(raw)
	return id.ID, err
}

// Resolve uses the local filesystem's case rules
func Resolve(raw string) (Identity, error) {
	return NewResolver().Resolve(raw)
}

// WorkspaceID uses the local filesystem's case rules
func WorkspaceID(raw string) (string, error) {
	return NewResolver().WorkspaceID(raw)
}

func fail(raw, reason string) error {
	return &internal.PathResolutionError{Input: raw, Reason: reason}
}

func (r *Resolver) normalize(raw string) (p, scheme, authority string, err error) {
	in := strings.TrimSpace(raw)
	if in == "" {
		return "", "", "", fail(raw, "empty path")
	}
	scheme = "file"

	if i := strings.Index(in, "://"); i > 1 && !isDrivePath(in) {
		u, perr := url.Parse(in)
		if perr != nil {
			return "", "", "", fail(raw, "invalid URI: "+perr.Error())
		}
		scheme = strings.ToLower(u.Scheme)
		authority = strings.ToLower(u.Host)
		in = u.Path
		if in == "" {
			return "", "", "", fail(raw, "URI has no path")
		}
	} else if strings.Contains(in, "%") {
		// a literal '%' in a folder name is kept as is
		if dec, derr := url.PathUnescape(in); derr == nil {
			in = dec
		}
	}

	in = strings.ReplaceAll(in, `\`, "/")
	// "/c:/x" as found in file URIs
	if len(in) >= 3 && in[0] == '/' && isDrivePath(in[1:]) {
		in = in[1:]
	}

	drive := ""
	if isDrivePath(in) {
		drive = strings.ToLower(in[:2])
		in = in[2:]
		if in == "" {
			in = "/"
		}
	}
	if strings.HasPrefix(in, "//") && scheme == "file" && drive == "" {
		// UNC path //server/share/x
		rest := strings.TrimLeft(in, "/")
		host, tail, _ := strings.Cut(rest, "/")
		if host == "" {
			return "", "", "", fail(raw, "UNC path has no host")
		}
		authority = strings.ToLower(host)
		in = "/" + tail
	}

	if !strings.HasPrefix(in, "/") {
		if drive != "" {
			return "", "", "", fail(raw, "drive-relative path")
		}
		if r.Base == "" {
			return "", "", "", fail(raw, "relative path without base")
		}
		base, _, _, berr := (&Resolver{CaseInsensitive: r.CaseInsensitive}).normalize(r.Base)
		if berr != nil {
			return "", "", "", fail(raw, "invalid base: "+r.Base)
		}
		return r.finish(path.Join(base, in), scheme), scheme, authority, nil
	}

	cleaned := path.Clean(in)
	if drive != "" {
		// drive paths are case-insensitive on the only OS that has them
		return strings.ToLower(drive + cleaned), scheme, authority, nil
	}
	return r.finish(cleaned, scheme), scheme, authority, nil
}

// finish strips trailing separators and folds case for local paths
func (r *Resolver) finish(p, scheme string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if r.CaseInsensitive && scheme == "file" {
		p = strings.ToLower(p)
	}
	return p
}

func isDrivePath(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return false
	}
	return len(s) == 2 || s[2] == '/' || s[2] == '\\'
}

func buildURI(scheme, authority, p string) string {
	u := url.URL{Scheme: scheme, Host: authority}
	if isDrivePath(p) {
		u.Path = "/" + p
	} else {
		u.Path = p
	}
	s := u.String()
	if isDrivePath(p) {
		// the drive colon is escaped in the editor's URI form
		s = strings.Replace(s, "/"+p[:2], "/"+p[:1]+"%3A", 1)
	}
	return s
}
