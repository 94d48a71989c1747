package rpc

import (
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// LogCore is a zapcore.Core that mirrors every log entry onto the logs
// subscription topic. Entries are handed off through a buffered channel
// and dropped when the buffer is full, so slow subscribers can never
// stall (or recursively re-enter) the logging path.
type LogCore struct {
	entries   chan LogEntry
	component string
	closed    atomic.Bool
}

// NewLogCore creates a LogCore. Call Attach once the notifier exists.
func NewLogCore() *LogCore {
	return &LogCore{entries: make(chan LogEntry, 1024)}
}

// Attach starts pumping entries into the notifier.
func (c *LogCore) Attach(n *Notifier) {
	go func() {
		for entry := range c.entries {
			n.NotifyLog(entry)
		}
	}()
}

// Close stops accepting entries.
func (c *LogCore) Close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.entries)
	}
}

// Enabled implements zapcore.Core; every level is mirrored and the
// per-subscription filter decides what each client sees.
func (c *LogCore) Enabled(zapcore.Level) bool { return true }

// With implements zapcore.Core, remembering the component field.
func (c *LogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &LogCore{entries: c.entries, component: c.component}
	for _, f := range fields {
		if f.Key == "component" && f.Type == zapcore.StringType {
			clone.component = f.String
		}
	}
	return clone
}

// Check implements zapcore.Core.
func (c *LogCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(entry, c)
}

// Write implements zapcore.Core.
func (c *LogCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if c.closed.Load() {
		return nil
	}
	e := LogEntry{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Component: c.component,
		Timestamp: entry.Time,
	}
	for _, f := range fields {
		if f.Key == "component" && f.Type == zapcore.StringType {
			e.Component = f.String
		}
	}
	select {
	case c.entries <- e:
	default:
		// Drop rather than block the caller's log statement.
	}
	return nil
}

// Sync implements zapcore.Core.
func (c *LogCore) Sync() error { return nil }
