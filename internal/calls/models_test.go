package calls

import "testing"

func TestCallStatus_TerminalSet(t *testing.T) {
	terminal := map[CallStatus]bool{
		CallStatusCompleted: true,
		CallStatusFailed:    true,
		CallStatusBusy:      true,
		CallStatusDeleted:   true,
	}
	for _, s := range AllStatuses {
		if !s.Valid() {
			t.Fatalf("expected %q to be valid", s)
		}
		if s.IsTerminal() != terminal[s] {
			t.Fatalf("IsTerminal(%q) = %v", s, s.IsTerminal())
		}
	}
	for _, s := range NonTerminalStatuses {
		if s.IsTerminal() {
			t.Fatalf("expected %q non-terminal", s)
		}
	}
	if CallStatus("no-answer").Valid() {
		t.Fatalf("provider vocabulary must not leak into the local enumeration")
	}
}

func TestClampSentiment(t *testing.T) {
	cases := map[float64]float64{-3: -1, -1: -1, 0.25: 0.25, 1: 1, 7.5: 1}
	for in, want := range cases {
		if got := ClampSentiment(in); got != want {
			t.Fatalf("ClampSentiment(%v) = %v, want %v", in, got, want)
		}
	}
}
