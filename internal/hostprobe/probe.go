// Package hostprobe detects whether a host application that owns chat
// storage is currently running. Writers into that storage take a Probe
// instead of checking the process table themselves.
package hostprobe

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Probe reports whether the host process is active
type Probe interface {
	Active(ctx context.Context) (bool, error)
	Host() string
}

// Static is a Probe with a fixed answer
type Static struct {
	Name    string
	Running bool
}

func (s Static) Active(context.Context) (bool, error) { return s.Running, nil }

func (s Static) Host() string { return s.Name }

// Process scans the OS process list for any of Names (matched
// case-insensitively against the executable base name)
type Process struct {
	Name  string
	Names []string
	// ProcRoot overrides /proc on linux
	ProcRoot string
}

// Cursor returns a probe for the Cursor editor
func Cursor() *Process {
	return &Process{Name: "Cursor", Names: []string{"cursor", "cursor.exe", "Cursor Helper"}}
}

func (p *Process) Host() string { return p.Name }

// Active reports whether a matching process exists
func (p *Process) Active(ctx context.Context) (bool, error) {
	names, err := p.list(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if p.matches(n) {
			return true, nil
		}
	}
	return false, nil
}

func (p *Process) matches(name string) bool {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	for _, want := range p.Names {
		if base == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (p *Process) list(ctx context.Context) ([]string, error) {
	switch runtime.GOOS {
	case "linux":
		return p.listProc()
	case "windows":
		out, err := exec.CommandContext(ctx, "tasklist", "/FO", "CSV", "/NH").Output()
		if err != nil {
			return nil, fmt.Errorf("tasklist: %w", err)
		}
		var names []string
		for _, line := range strings.Split(string(out), "\n") {
			if field, _, ok := strings.Cut(line, ","); ok {
				names = append(names, strings.Trim(field, `"`))
			}
		}
		return names, nil
	default:
		out, err := exec.CommandContext(ctx, "ps", "-axo", "comm=").Output()
		if err != nil {
			return nil, fmt.Errorf("ps: %w", err)
		}
		return strings.Split(string(out), "\n"), nil
	}
}

func (p *Process) listProc() ([]string, error) {
	root := p.ProcRoot
	if root == "" {
		root = "/proc"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !isPID(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "comm"))
		if err != nil {
			continue
		}
		names = append(names, string(bytes.TrimSpace(data)))
	}
	return names, nil
}

func isPID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
