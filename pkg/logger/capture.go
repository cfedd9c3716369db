package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Capture keeps log entries in memory, in the order they were written, so a command can
// report them once its work is done.
type Capture struct {
	logs *observer.ObservedLogs
}

func newCapture(level string) (zapcore.Core, *Capture) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.DebugLevel
	}
	core, logs := observer.New(lvl)
	return core, &Capture{logs: logs}
}

// NewCapturingLogger returns a logger that only writes to a Capture. Entries below level
// are dropped; an unknown level keeps everything.
func NewCapturingLogger(level string) (*ZapLogger, *Capture) {
	core, capture := newCapture(level)
	return &ZapLogger{zap.New(core)}, capture
}

// Tee returns a logger that writes to l and also keeps the entries at or above level in
// the returned Capture.
func Tee(l *ZapLogger, level string) (*ZapLogger, *Capture) {
	core, capture := newCapture(level)
	teed := l.Logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
	return &ZapLogger{teed}, capture
}

// Len returns the number of entries kept.
func (c *Capture) Len() int {
	return c.logs.Len()
}

// All returns a copy of the entries kept.
func (c *Capture) All() []observer.LoggedEntry {
	return c.logs.All()
}

// TakeAll returns the entries kept and forgets them.
func (c *Capture) TakeAll() []observer.LoggedEntry {
	return c.logs.TakeAll()
}

// Messages returns the entries with the given message.
func (c *Capture) Messages(msg string) []observer.LoggedEntry {
	return c.logs.FilterMessage(msg).All()
}
