package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinnerInterval is the time between two frames
const spinnerInterval = 100 * time.Millisecond

// Spinner draws an animated status line until stopped
type Spinner struct {
	w    io.Writer
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	message string
}

// NewSpinner returns a spinner writing to w. It draws nothing until Start.
func NewSpinner(w io.Writer, message string) *Spinner {
	return &Spinner{w: w, message: message, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start begins drawing in the background
func (s *Spinner) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(spinnerInterval)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				_, _ = fmt.Fprintf(s.w, "\r%s %s", spinnerStyle.Render(spinnerFrames[i%len(spinnerFrames)]), s.Message())
			}
		}
	}()
}

// SetMessage replaces the text shown next to the spinner
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Message returns the current text
func (s *Spinner) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// Stop ends the animation and leaves a final ✓ or ✗ line. It must be
// called exactly once after Start.
func (s *Spinner) Stop(err error) {
	close(s.stop)
	<-s.done
	mark := doneStyle.Render("✓")
	if err != nil {
		mark = failStyle.Render("✗")
	}
	_, _ = fmt.Fprintf(s.w, "\r%s %s\n", mark, s.Message())
}

// ShowProgress runs fn while a spinner is drawn on stderr. Without a
// terminal it only logs the message. A canceled ctx returns right away;
// fn is left to notice the cancellation itself.
func ShowProgress(ctx context.Context, message string, fn func() error) error {
	if !IsTerminal(os.Stderr) {
		LogInfo("%s", message)
		return fn()
	}
	return spin(ctx, NewSpinner(os.Stderr, message), fn)
}

func spin(ctx context.Context, s *Spinner, fn func() error) error {
	s.Start()
	done := make(chan error, 1)
	go func() { done <- fn() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.Stop(err)
	return err
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// PrintError prints an error message on stderr
func PrintError(message string) {
	if IsTerminal(os.Stderr) {
		_, _ = fmt.Fprintf(os.Stderr, "%s %s\n", failStyle.Render("✗"), message)
		return
	}
	_, _ = fmt.Fprintln(os.Stderr, message)
}
