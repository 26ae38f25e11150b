package internal

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFormatParseError(t *testing.T) {
	originalErr := errors.New("invalid JSON")
	err := &FormatParseError{
		Source: "cursor",
		Ref:    "composerData:abc",
		Err:    originalErr,
	}

	errorMsg := err.Error()
	if !strings.Contains(errorMsg, "parse error") {
		t.Errorf("FormatParseError.Error() should contain 'parse error', got: %q", errorMsg)
	}
	if !strings.Contains(errorMsg, "composerData:abc") {
		t.Errorf("FormatParseError.Error() should contain ref, got: %q", errorMsg)
	}
	if !errors.Is(err, originalErr) {
		t.Error("FormatParseError.Unwrap() should return original error")
	}
}

func TestSchemaVersionError(t *testing.T) {
	older := &SchemaVersionError{Path: "vault.db", Found: 2, Expected: 3}
	if !strings.Contains(older.Error(), "migrate") {
		t.Errorf("older store error should suggest migrate, got: %q", older.Error())
	}

	newer := &SchemaVersionError{Path: "vault.db", Found: 4, Expected: 3}
	if !strings.Contains(newer.Error(), "newer") {
		t.Errorf("newer store error should say newer, got: %q", newer.Error())
	}

	wrapped := fmt.Errorf("open store: %w", older)
	var sv *SchemaVersionError
	if !errors.As(wrapped, &sv) {
		t.Fatal("errors.As() should find SchemaVersionError")
	}
	if sv.Found != 2 {
		t.Errorf("Found = %d, want 2", sv.Found)
	}
}

func TestStoreTransactionError(t *testing.T) {
	originalErr := errors.New("constraint failed")
	err := &StoreTransactionError{Op: "upsert_session", Err: originalErr}

	if !strings.Contains(err.Error(), "upsert_session") {
		t.Errorf("StoreTransactionError.Error() should contain op, got: %q", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Error("StoreTransactionError.Unwrap() should return original error")
	}
}

func TestHostProcessActiveError(t *testing.T) {
	err := error(&HostProcessActiveError{Host: "Cursor"})
	if !strings.Contains(err.Error(), "Cursor") {
		t.Errorf("HostProcessActiveError.Error() should contain host, got: %q", err.Error())
	}
	var hp *HostProcessActiveError
	if !errors.As(fmt.Errorf("write: %w", err), &hp) {
		t.Error("errors.As() should find HostProcessActiveError")
	}
}

func TestPathResolutionError(t *testing.T) {
	err := &PathResolutionError{Input: "", Reason: "empty path"}
	if !strings.Contains(err.Error(), "empty path") {
		t.Errorf("PathResolutionError.Error() should contain reason, got: %q", err.Error())
	}
}

func TestExportError(t *testing.T) {
	originalErr := errors.New("write failed")
	err := &ExportError{
		Format: "json",
		Path:   "/test/output.json",
		Err:    originalErr,
	}

	errorMsg := err.Error()
	if !strings.Contains(errorMsg, "export error") {
		t.Errorf("ExportError.Error() should contain 'export error', got: %q", errorMsg)
	}
	if !strings.Contains(errorMsg, "json") {
		t.Errorf("ExportError.Error() should contain format, got: %q", errorMsg)
	}
	if !errors.Is(err, originalErr) {
		t.Error("ExportError.Unwrap() should return original error")
	}
}
