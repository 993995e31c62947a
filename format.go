// format.go: log record formatting front end
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package logc

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Level orders log records for the process-wide filter. A record is
// appended when its level is at or above the handle's level; All lets
// everything through and Disable mutes the handle.
type Level uint8

const (
	All Level = iota
	Info
	Debug
	Warn
	Error
	Trace
	Disable
)

// String returns the level name for diagnostics.
func (l Level) String() string {
	switch l {
	case All:
		return "ALL"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Trace:
		return "TRACE"
	case Disable:
		return "DISABLE"
	default:
		return "UNKNOWN"
	}
}

// formatRecord renders one record:
//
//	<timestamp> | <file> | <func> | <line> | <message>\n
//
// The timestamp comes from the handle's time cache, so hot logging
// paths skip the time.Now syscall.
func (h *Handle) formatRecord(file, fn string, line int, msg string) []byte {
	buf := make([]byte, 0, 64+len(file)+len(fn)+len(msg))
	buf = h.timeCache.CachedTime().AppendFormat(buf, time.ANSIC)
	buf = append(buf, " | "...)
	buf = append(buf, file...)
	buf = append(buf, " | "...)
	buf = append(buf, fn...)
	buf = append(buf, " | "...)
	buf = strconv.AppendInt(buf, int64(line), 10)
	buf = append(buf, " | "...)
	buf = append(buf, msg...)
	buf = append(buf, '\n')
	return buf
}

// logf filters by level, captures the caller's source location, formats
// the record and appends it to the ring.
func (h *Handle) logf(level Level, format string, args ...any) error {
	if level < h.level {
		return nil
	}

	file := "???"
	fn := "???"
	line := 0
	if pc, f, l, ok := runtime.Caller(2); ok {
		file = filepath.Base(f)
		line = l
		if fp := runtime.FuncForPC(pc); fp != nil {
			fn = fp.Name()
		}
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	return h.AppendRecord(h.formatRecord(file, fn, line, msg))
}

// Infof writes an Info record.
func (h *Handle) Infof(format string, args ...any) error {
	return h.logf(Info, format, args...)
}

// Debugf writes a Debug record.
func (h *Handle) Debugf(format string, args ...any) error {
	return h.logf(Debug, format, args...)
}

// Warnf writes a Warn record.
func (h *Handle) Warnf(format string, args ...any) error {
	return h.logf(Warn, format, args...)
}

// Errorf writes an Error record.
func (h *Handle) Errorf(format string, args ...any) error {
	return h.logf(Error, format, args...)
}

// Tracef writes a Trace record.
func (h *Handle) Tracef(format string, args ...any) error {
	return h.logf(Trace, format, args...)
}
