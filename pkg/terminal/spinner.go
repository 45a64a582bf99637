package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/odvcencio/gdprscan/pkg/telemetry"
)

// SpinnerFrames are the default spinner animation frames.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows that a scan is running, with the current step as message.
type Spinner struct {
	out       io.Writer
	message   string
	frames    []string
	current   int
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
	style     lipgloss.Style
	startTime time.Time
	interval  time.Duration
}

// NewSpinner creates a spinner writing to out.
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:      out,
		message:  message,
		frames:   SpinnerFrames,
		done:     make(chan struct{}),
		interval: 80 * time.Millisecond,
		style: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
	}
}

// SetMessage updates the spinner message.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Message returns the current message.
func (s *Spinner) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// Start begins the animation.
func (s *Spinner) Start() {
	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()
	go s.run()
}

func (s *Spinner) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			frame := s.frames[s.current%len(s.frames)]
			msg := s.message
			elapsed := time.Since(s.startTime).Round(time.Second)
			s.current++
			fmt.Fprintf(s.out, "\r\033[K%s %s (%s)", s.style.Render(frame), msg, elapsed)
			s.mu.Unlock()
		}
	}
}

// Follow updates the message from scan events until ctx is done or the
// channel closes.
func (s *Spinner) Follow(ctx context.Context, events <-chan telemetry.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if msg := describeEvent(e); msg != "" {
				s.SetMessage(msg)
			}
		}
	}
}

func describeEvent(e telemetry.Event) string {
	switch e.Type {
	case telemetry.EventScanStarted:
		return "starting scan"
	case telemetry.EventBrowserNavigate:
		return "loading page"
	case telemetry.EventCheckStarted:
		return "running " + e.CheckID
	case telemetry.EventCheckCompleted:
		if status, ok := e.Data["status"].(string); ok {
			return fmt.Sprintf("%s %s", e.CheckID, status)
		}
		return e.CheckID + " done"
	case telemetry.EventReportRendered:
		return "writing report"
	default:
		return ""
	}
}

// Elapsed returns the time since the spinner started.
func (s *Spinner) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Stop stops the spinner and clears the line. It is safe to call more than
// once.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		fmt.Fprint(s.out, "\r\033[K")
		s.mu.Unlock()
	})
}
