package diag

import (
	"fmt"
	"testing"

	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/trace"
)

func TestRaiseReports(t *testing.T) {
	var got []*ConsistencyError
	r := ReporterFunc(func(err *ConsistencyError) { got = append(got, err) })

	err := Raise(r, "keybinds", "Release", "KB_TOGGLE", "refcount already zero")
	if len(got) != 1 || got[0] != err {
		t.Fatalf("reporter did not receive the error: %v", got)
	}
	want := "keybinds: Release KB_TOGGLE: inconsistent state: refcount already zero"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsConsistency(t *testing.T) {
	err := fmt.Errorf("disable: %w", &ConsistencyError{Component: "hooks", Op: "Disable", Key: "0x1000"})
	if !IsConsistency(err) {
		t.Error("wrapped ConsistencyError not detected")
	}
	if IsConsistency(fmt.Errorf("other")) {
		t.Error("plain error detected as ConsistencyError")
	}
}

func TestLogReporterJournal(t *testing.T) {
	j := trace.NewJournal(trace.DefaultEnricher)
	r := &LogReporter{Log: glog.NewNop(), Journal: j}

	Raise(r, "hooks", "Enable", "0x1000", "")

	events := j.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 journal event, got %d", len(events))
	}
	if !events[0].Tags.Has(trace.Consistency) {
		t.Errorf("event tags = %v", events[0].Tags)
	}
}
