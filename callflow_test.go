package callflow

import "testing"

func TestIsTerminalStatus(t *testing.T) {
	terminal := []string{CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []string{CallStatusQueued, CallStatusRinging, CallStatusInProgress, "", "answered"} {
		if IsTerminalStatus(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
