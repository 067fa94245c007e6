package audit

import (
	"context"
	"fmt"
	"strings"
)

// MultiLogger fans an event out to several sinks. Record succeeds only
// when every sink accepts the event; failures are collected so one
// broken sink doesn't hide the others.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger creates a fan-out logger over the given sinks
func NewMultiLogger(sinks ...Logger) *MultiLogger {
	return &MultiLogger{sinks: sinks}
}

// Record writes the event to every sink
func (l *MultiLogger) Record(ctx context.Context, event *Event) error {
	var errs []string
	for _, sink := range l.sinks {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("audit record failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close closes every sink, returning the first error encountered
func (l *MultiLogger) Close() error {
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
