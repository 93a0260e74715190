package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestLogger returns a debug-level logger named after the test. Entries
// go to an in-memory observer only; nothing is printed through the test
// runner.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also returns the in-memory
// observer so tests can assert on emitted entries.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zap.DebugLevel)
	base := zap.New(observerCore).Sugar().Named(tb.Name())
	logger := &impl{
		name:  tb.Name(),
		level: NewAtomicLevelAt(DEBUG),
		base:  base,
	}
	return logger, observedLogs
}
