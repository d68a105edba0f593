/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package observe holds the in-process observability pipeline: the structured
// logger, the metrics collector, and the alert engine. All three are
// long-lived values constructed at boot and passed through context — the
// alert engine in particular must outlive individual ticks because cooldowns
// are process-lifetime state.
package observe

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ErrInfo captures an error attached to a log entry.
type ErrInfo struct {
	Message string
	Stack   string
	Code    string
}

// Entry is one structured log record.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Module    string
	Message   string
	Context   map[string]interface{}
	Err       *ErrInfo
}

// Sink receives completed entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Write(Entry)
}

// Logger is the level-filtered structured logger. It never panics, even
// when handed cyclic context values — context is flattened with a bounded
// depth before it reaches the sink.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	module string
	sink   Sink
}

// NewLogger creates a logger writing to sink at the given minimum level.
func NewLogger(module string, level Level, sink Sink) *Logger {
	if sink == nil {
		sink = NewZapSink(os.Stderr)
	}
	return &Logger{level: level, module: module, sink: sink}
}

// WithModule returns a logger sharing level and sink under a new module name.
func (l *Logger) WithModule(module string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{level: l.level, module: module, sink: l.sink}
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Debug(msg string, ctx map[string]interface{}) { l.log(LevelDebug, msg, ctx, nil) }
func (l *Logger) Info(msg string, ctx map[string]interface{})  { l.log(LevelInfo, msg, ctx, nil) }
func (l *Logger) Warn(msg string, ctx map[string]interface{})  { l.log(LevelWarn, msg, ctx, nil) }

// Error logs at error level with an optional attached error.
func (l *Logger) Error(msg string, err error, ctx map[string]interface{}) {
	l.log(LevelError, msg, ctx, err)
}

// Fatal logs at fatal level. It does not exit — only boot may decide that.
func (l *Logger) Fatal(msg string, err error, ctx map[string]interface{}) {
	l.log(LevelFatal, msg, ctx, err)
}

func (l *Logger) log(level Level, msg string, ctx map[string]interface{}, err error) {
	l.mu.RLock()
	min, module, sink := l.level, l.module, l.sink
	l.mu.RUnlock()

	if level < min {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Module:    module,
		Message:   msg,
		Context:   sanitizeContext(ctx, 0),
	}
	if err != nil {
		info := &ErrInfo{Message: err.Error()}
		if level >= LevelError {
			buf := make([]byte, 4096)
			info.Stack = string(buf[:runtime.Stack(buf, false)])
		}
		entry.Err = info
	}
	sink.Write(entry)
}

// maxContextDepth bounds context flattening so cyclic values terminate.
const maxContextDepth = 4

func sanitizeContext(ctx map[string]interface{}, depth int) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = sanitizeValue(v, depth)
	}
	return out
}

func sanitizeValue(v interface{}, depth int) interface{} {
	if depth >= maxContextDepth {
		return fmt.Sprintf("%T(truncated)", v)
	}
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time, time.Duration:
		return t
	case error:
		return t.Error()
	case map[string]interface{}:
		return sanitizeContext(t, depth+1)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e, depth+1)
		}
		return out
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

// ZapSink writes entries as structured records through a zap core.
type ZapSink struct {
	zl *zap.Logger
}

// NewZapSink builds the default production sink on the given writer.
func NewZapSink(w zapcore.WriteSyncer) *ZapSink {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), w, zapcore.DebugLevel)
	return &ZapSink{zl: zap.New(core)}
}

// Zap exposes the underlying zap logger so boot can hang a logr on the
// same core.
func (s *ZapSink) Zap() *zap.Logger { return s.zl }

func (s *ZapSink) Write(e Entry) {
	fields := make([]zap.Field, 0, len(e.Context)+3)
	fields = append(fields, zap.String("module", e.Module))
	for k, v := range e.Context {
		fields = append(fields, zap.Any(k, v))
	}
	if e.Err != nil {
		fields = append(fields, zap.String("error", e.Err.Message))
		if e.Err.Code != "" {
			fields = append(fields, zap.String("errorCode", e.Err.Code))
		}
		if e.Err.Stack != "" {
			fields = append(fields, zap.String("stack", e.Err.Stack))
		}
	}
	switch e.Level {
	case LevelDebug:
		s.zl.Debug(e.Message, fields...)
	case LevelInfo:
		s.zl.Info(e.Message, fields...)
	case LevelWarn:
		s.zl.Warn(e.Message, fields...)
	default:
		s.zl.Error(e.Message, fields...)
	}
}

// CaptureSink records entries in memory for tests.
type CaptureSink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewCaptureSink() *CaptureSink { return &CaptureSink{} }

func (s *CaptureSink) Write(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Entries returns a copy of everything captured so far.
func (s *CaptureSink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
