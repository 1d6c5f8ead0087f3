// Package diag records non-fatal bookkeeping anomalies.
//
// A ConsistencyError describes a usage mismatch such as a reference count
// underflow or enabling a hook that is already enabled. The operation that
// detects it does nothing, reports the error and returns it; the host keeps
// running.
package diag

import (
	"errors"
	"fmt"

	glog "github.com/zboralski/detour/internal/log"
	"github.com/zboralski/detour/internal/trace"
	"go.uber.org/zap"
)

// ConsistencyError is a registration/usage mismatch.
type ConsistencyError struct {
	Component string // "hooks", "keybinds", ...
	Op        string // operation that detected the mismatch
	Key       string // identifier or address involved
	Detail    string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("%s: %s %s: inconsistent state", e.Component, e.Op, e.Key)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsConsistency reports whether err is or wraps a ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}

// Reporter receives consistency errors.
type Reporter interface {
	Report(err *ConsistencyError)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err *ConsistencyError)

// Report calls f(err).
func (f ReporterFunc) Report(err *ConsistencyError) { f(err) }

// LogReporter logs consistency errors and, if Journal is set, records them
// as trace events.
type LogReporter struct {
	Log     *glog.Logger
	Journal *trace.Journal
}

// Report implements Reporter.
func (r *LogReporter) Report(err *ConsistencyError) {
	glog.OrGlobal(r.Log).Error("consistency",
		zap.String("component", err.Component),
		zap.String("op", err.Op),
		zap.String("key", err.Key),
		zap.String("detail", err.Detail),
	)
	if r.Journal != nil {
		r.Journal.Add(trace.NewEvent(0, string(trace.Consistency), err.Component, err.Op+" "+err.Key))
	}
}

// Default is used by components constructed without an explicit reporter.
var Default Reporter = &LogReporter{}

// Raise builds a ConsistencyError, reports it to r (or Default) and returns it.
func Raise(r Reporter, component, op, key, detail string) *ConsistencyError {
	err := &ConsistencyError{Component: component, Op: op, Key: key, Detail: detail}
	if r == nil {
		r = Default
	}
	r.Report(err)
	return err
}
