package supervisor

import (
	"testing"

	"github.com/loykin/warden/internal/events"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusStopped, StatusStarting},
		{StatusStarting, StatusRunning},
		{StatusStarting, StatusStopping},
		{StatusStarting, StatusStopped},
		{StatusStarting, StatusCrashed},
		{StatusRunning, StatusStopping},
		{StatusRunning, StatusCrashed},
		{StatusStopping, StatusStopped},
		{StatusCrashed, StatusStarting},
		{StatusCrashed, StatusStopped},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}
	denied := []struct{ from, to Status }{
		{StatusStopped, StatusRunning},
		{StatusRunning, StatusStarting},
		{StatusRunning, StatusStopped},
		{StatusStopping, StatusRunning},
		{StatusCrashed, StatusRunning},
		{StatusUnknown, StatusStarting},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestStatusNames(t *testing.T) {
	for _, name := range AllStatuses() {
		if ParseStatus(name).String() != name {
			t.Fatalf("round trip failed for %s", name)
		}
	}
	if ParseStatus("bogus") != StatusUnknown || Status(42).String() != "unknown" {
		t.Fatalf("unexpected handling of unknown status")
	}
}

func TestSeverityFor(t *testing.T) {
	if severityFor(StatusStopped) != events.SeverityCritical {
		t.Fatalf("stopped should be critical")
	}
	if severityFor(StatusCrashed) != events.SeverityWarning {
		t.Fatalf("crashed should be warning")
	}
	if severityFor(StatusRunning) != events.SeverityInfo {
		t.Fatalf("running should be info")
	}
}

func TestParseSessionCount(t *testing.T) {
	cases := map[string]int{
		`[]`:                         0,
		`[{"id":"a"},{"id":"b"}]`:    2,
		`{"active":5}`:               5,
		`{"sessions":[{},{},{}]}`:    3,
		`{"active":1,"sessions":[]}`: 1,
	}
	for body, want := range cases {
		got, err := parseSessionCount([]byte(body))
		if err != nil || got != want {
			t.Fatalf("%s: got %d, %v; want %d", body, got, err, want)
		}
	}
	if _, err := parseSessionCount([]byte(`"nope"`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCrashErrorMessage(t *testing.T) {
	err := &CrashError{ExitCode: 2, Attempts: 3}
	if got := err.Error(); got != "backend exited unexpectedly (exit code 2, 3 restart attempts)" {
		t.Fatalf("message: %s", got)
	}
}
