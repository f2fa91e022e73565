package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObserved creates a logger whose entries are captured in memory for
// assertions in tests.
func NewObserved(level Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level.zapLevel())
	return &Logger{
		z:      zap.New(core),
		level:  zap.NewAtomicLevelAt(level.zapLevel()),
		format: FormatJSON,
	}, observed
}

// WarnCount returns how many entries at warn level or above were observed.
func WarnCount(logs *observer.ObservedLogs) int {
	n := 0
	for _, e := range logs.All() {
		if e.Level >= zapcore.WarnLevel {
			n++
		}
	}
	return n
}
