// Package progress provides terminal progress indicators for long-running
// core operations (hashing a large tree, evaluating freshness across many
// records, running a DAG level).
package progress

import (
	"os"

	"github.com/artiflow/artiflow/internal/termcolor"
	"github.com/pterm/pterm"
)

// Spinner displays an animated spinner on stderr while a long-running
// operation is in progress. It is only displayed when stderr is a TTY;
// in non-interactive environments (piped output, CI, E2E tests) it is silent.
type Spinner struct {
	msg    string
	active *pterm.SpinnerPrinter
}

// New creates a Spinner that will display msg alongside the animation.
func New(msg string) *Spinner {
	return &Spinner{msg: msg}
}

// Start begins the spinner animation. It is a no-op when stderr isn't a
// terminal, matching the rest of this codebase's degrade-to-silent
// convention for non-interactive output (internal/termcolor.Writer does
// the same for color).
func (s *Spinner) Start() {
	if !termcolor.IsTerminal(os.Stderr.Fd()) {
		return
	}
	printer := pterm.DefaultSpinner.WithWriter(os.Stderr)
	active, err := printer.Start(s.msg)
	if err != nil {
		return
	}
	s.active = active
}

// Stop halts the spinner animation and clears the line.
func (s *Spinner) Stop() {
	if s.active != nil {
		_ = s.active.Stop()
		s.active = nil
	}
}

// UpdateText changes the spinner's message while it is running. run calls
// it on each executor event so the spinner names the latest unit and status.
func (s *Spinner) UpdateText(msg string) {
	s.msg = msg
	if s.active != nil {
		s.active.UpdateText(msg)
	}
}
