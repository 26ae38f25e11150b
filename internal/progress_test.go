package internal

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer is a bytes.Buffer safe for the spinner goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestShowProgressWithoutTerminal(t *testing.T) {
	ran := false
	if err := ShowProgress(context.Background(), "Harvesting", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("ShowProgress() error = %v", err)
	}
	if !ran {
		t.Error("fn was not called")
	}

	want := errors.New("source offline")
	if err := ShowProgress(context.Background(), "Syncing", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("ShowProgress() error = %v, want %v", err, want)
	}
}

func TestSpin(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() error
		wantErr  bool
		wantMark string
	}{
		{name: "success", fn: func() error { time.Sleep(2 * spinnerInterval); return nil }, wantMark: "✓"},
		{name: "failure", fn: func() error { return errors.New("boom") }, wantErr: true, wantMark: "✗"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out syncBuffer
			err := spin(context.Background(), NewSpinner(&out, "Exporting"), tt.fn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("spin() error = %v, wantErr %v", err, tt.wantErr)
			}
			got := out.String()
			if !strings.HasSuffix(got, tt.wantMark+" Exporting\n") {
				t.Errorf("output %q should end with the %s line", got, tt.wantMark)
			}
		})
	}
}

func TestSpinCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	var out syncBuffer
	err := spin(ctx, NewSpinner(&out, "Waiting"), func() error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("spin() error = %v, want deadline exceeded", err)
	}
}

func TestSpinnerSetMessage(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out, "Harvesting cursor")
	s.Start()
	s.SetMessage("Harvesting notes")
	s.Stop(nil)
	if got := out.String(); !strings.HasSuffix(got, "Harvesting notes\n") {
		t.Errorf("final line %q should carry the last message", got)
	}
}

func TestIsTerminal(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("IsTerminal(buffer) = true, want false")
	}
}
