package progress

import "testing"

func TestSpinner_NonTerminalIsSilent(t *testing.T) {
	// Test runs (go test) never have a TTY on stderr, so Start must be a
	// no-op rather than trying to drive a pterm spinner against a pipe.
	s := New("hashing")
	s.Start()
	if s.active != nil {
		t.Fatal("expected spinner to stay inactive without a terminal")
	}
	s.UpdateText("still hashing")
	s.Stop() // must not panic when never started
}
