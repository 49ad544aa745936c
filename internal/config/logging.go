package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits one step below [slog.LevelDebug] and carries full
// wire payloads: the JSON bodies exchanged with the chat API and the
// tool server. -8 matches the value other slog-extending Go projects
// settled on for a trace level.
//
// Enable it only while chasing a protocol problem; at trace, every
// exchange logs its complete request and response.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps a config string to an [slog.Level], ignoring case
// and surrounding whitespace. Recognized: trace, debug, info (or
// empty), warn/warning, error. Anything else is an error so a typo in
// SFBRIDGE_LOG_LEVEL fails startup instead of silently logging at
// info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is a ReplaceAttr hook that labels [LevelTrace]
// records "TRACE". slog only knows its four built-in names, so without
// this the level renders as "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
