package tracing

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("expected tracing to be disabled by default")
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("expected exporter type 'none', got %s", cfg.ExporterType)
	}
}

func TestNew_Disabled(t *testing.T) {
	ctx := context.Background()
	tracer, err := New(ctx, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tracer.provider != nil {
		t.Error("disabled tracer should not own a provider")
	}

	_, run := tracer.StartRun(ctx, "harvest", "cursor")
	run.SetCount("written", 3)
	run.End(nil)
	if err := tracer.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNew_StdoutExporter(t *testing.T) {
	ctx := context.Background()
	buf := &bytes.Buffer{}
	tracer, err := New(ctx, Config{Enabled: true, ExporterType: ExporterStdout, SampleRate: 1, Output: buf})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, run := tracer.StartRun(ctx, "sync", "openwebui")
	_, sess := tracer.StartSession(ctx, "sync", "openwebui", "chat-1")
	sess.SetOutcome("conflict")
	sess.End(errors.New("diverged"))
	run.End(nil)

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"sync.session"`, `"chat-1"`, "diverged"} {
		if !strings.Contains(out, want) {
			t.Errorf("exported spans missing %s", want)
		}
	}
}

func TestNew_UnknownExporter(t *testing.T) {
	_, err := New(context.Background(), Config{Enabled: true, ExporterType: "jaeger"})
	if err == nil {
		t.Error("expected an error for an unsupported exporter")
	}
}

func TestDefault_BeforeInit(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}
