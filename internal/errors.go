package internal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a stored entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrNothingToMerge is returned by merges given no input sessions
	ErrNothingToMerge = errors.New("nothing to merge")
	// ErrReadOnly is returned by adapters that cannot write back
	ErrReadOnly = errors.New("source is read-only")
	// ErrCheckpointExists is returned when a session already has a
	// checkpoint with the requested tag
	ErrCheckpointExists = errors.New("checkpoint exists")
)

// PathResolutionError represents a raw path or URI that cannot be turned
// into a canonical workspace identity
type PathResolutionError struct {
	Input  string
	Reason string
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("path resolution error %q: %s", e.Input, e.Reason)
}

// FormatParseError represents a malformed native session or message
type FormatParseError struct {
	Source string // adapter name
	Ref    string // native id, key or file path
	Err    error
}

func (e *FormatParseError) Error() string {
	return fmt.Sprintf("parse error [%s] %s: %v", e.Source, e.Ref, e.Err)
}

func (e *FormatParseError) Unwrap() error {
	return e.Err
}

// SchemaVersionError represents a store whose schema version does not match
// what this build expects
type SchemaVersionError struct {
	Path     string
	Found    int
	Expected int
}

func (e *SchemaVersionError) Error() string {
	if e.Found < e.Expected {
		return fmt.Sprintf("schema version error %s: store is at version %d, expected %d (run migrate)", e.Path, e.Found, e.Expected)
	}
	return fmt.Sprintf("schema version error %s: store is at version %d, newer than supported %d", e.Path, e.Found, e.Expected)
}

// StoreTransactionError represents an I/O or constraint failure inside a
// store transaction. The transaction has been rolled back.
type StoreTransactionError struct {
	Op  string
	Err error
}

func (e *StoreTransactionError) Error() string {
	return fmt.Sprintf("store transaction error [%s]: %v", e.Op, e.Err)
}

func (e *StoreTransactionError) Unwrap() error {
	return e.Err
}

// HostProcessActiveError represents a refused write into storage owned by a
// running host application
type HostProcessActiveError struct {
	Host string
}

func (e *HostProcessActiveError) Error() string {
	return fmt.Sprintf("host process %s is running: refusing to write into its storage (retry after it exits or force)", e.Host)
}

// ExportError represents errors during export
type ExportError struct {
	Format string
	Path   string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export error [%s] %s: %v", e.Format, e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
