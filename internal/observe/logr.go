/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package observe

import (
	"github.com/go-logr/logr"
)

// LogrSink adapts a Logger to logr.LogSink so components keep taking
// logr.Logger while every record flows through the level-filtered,
// sink-pluggable Logger. logr V(0) maps to info, V(1+) to debug.
type LogrSink struct {
	logger *Logger
	kv     []interface{}
}

var _ logr.LogSink = (*LogrSink)(nil)

// NewLogrSink wraps a Logger for use with logr.New.
func NewLogrSink(logger *Logger) *LogrSink {
	return &LogrSink{logger: logger}
}

// Logr returns a logr.Logger backed by this Logger.
func (l *Logger) Logr() logr.Logger {
	return logr.New(NewLogrSink(l))
}

func (s *LogrSink) Init(logr.RuntimeInfo) {}

func (s *LogrSink) Enabled(level int) bool {
	s.logger.mu.RLock()
	defer s.logger.mu.RUnlock()
	if level > 0 {
		return s.logger.level <= LevelDebug
	}
	return s.logger.level <= LevelInfo
}

func (s *LogrSink) Info(level int, msg string, kv ...interface{}) {
	ctx := s.context(kv)
	if level > 0 {
		s.logger.Debug(msg, ctx)
		return
	}
	s.logger.Info(msg, ctx)
}

func (s *LogrSink) Error(err error, msg string, kv ...interface{}) {
	s.logger.Error(msg, err, s.context(kv))
}

func (s *LogrSink) WithValues(kv ...interface{}) logr.LogSink {
	merged := make([]interface{}, 0, len(s.kv)+len(kv))
	merged = append(merged, s.kv...)
	merged = append(merged, kv...)
	return &LogrSink{logger: s.logger, kv: merged}
}

func (s *LogrSink) WithName(name string) logr.LogSink {
	return &LogrSink{logger: s.logger.WithModule(name), kv: s.kv}
}

// context flattens logr key/value pairs into the Logger's context map.
func (s *LogrSink) context(kv []interface{}) map[string]interface{} {
	pairs := append(append([]interface{}{}, s.kv...), kv...)
	if len(pairs) == 0 {
		return nil
	}
	ctx := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		ctx[key] = pairs[i+1]
	}
	return ctx
}
