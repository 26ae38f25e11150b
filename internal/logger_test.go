package internal

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetVerbose(t *testing.T) {
	defer SetVerbose(false)

	SetVerbose(true)
	if !Verbose() {
		t.Error("SetVerbose(true) did not enable debug logging")
	}

	SetVerbose(false)
	if Verbose() {
		t.Error("SetVerbose(false) left debug logging on")
	}
}

func TestConfigureLogging(t *testing.T) {
	original := L()
	defer SetLogger(original)
	defer SetVerbose(false)

	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{"console", LogConfig{Format: "console"}, false},
		{"json", LogConfig{Format: "json", Level: "warn"}, false},
		{"default format", LogConfig{}, false},
		{"bad format", LogConfig{Format: "xml"}, true},
		{"bad level", LogConfig{Level: "loud"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ConfigureLogging(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ConfigureLogging() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogFunctions(t *testing.T) {
	original := L()
	defer SetLogger(original)

	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))

	LogError("test error %d", 1)
	LogWarn("test warning")
	LogInfo("test info")
	LogDebug("test debug")

	if logs.Len() != 4 {
		t.Fatalf("captured %d entries, want 4", logs.Len())
	}
	if got := logs.All()[0].Message; got != "test error 1" {
		t.Errorf("first message = %q, want %q", got, "test error 1")
	}
}

func TestSetLoggerNil(t *testing.T) {
	original := L()
	defer SetLogger(original)

	SetLogger(nil)
	if L() == nil {
		t.Fatal("L() returned nil after SetLogger(nil)")
	}
	LogInfo("discarded")
}
