// Package debug configures logging and adds opt-in debug categories.
//
// Categories select WHAT is traced and come from SCHAUBILD_DEBUG (or
// logging.debug): llm, sandbox, engine, http, mcp, storage or all. The
// level selects HOW MUCH is logged and comes from SCHAUBILD_LOG_LEVEL (or
// logging.level): ERROR, WARN, INFO, DEBUG or TRACE. Category output is
// emitted at DEBUG, full prompts and tracebacks at TRACE.
//
//	debug.Log("llm", "request", "model", model, "prompt", debug.Truncate(prompt, 200))
//	if debug.Enabled("sandbox") {
//		...
//	}
package debug

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.LevelDebug - 4

const (
	envCategories = "SCHAUBILD_DEBUG"
	envLevel      = "SCHAUBILD_LOG_LEVEL"
)

type categorySet struct {
	all   bool
	names map[string]struct{}
}

var enabled atomic.Pointer[categorySet]

func init() {
	enabled.Store(parseCategories(os.Getenv(envCategories)))
}

// Init installs the default slog logger on stderr. Environment variables
// take precedence over the config values. format is "json" or "text".
func Init(configCategories, configLevel, format string) {
	InitWriter(os.Stderr, configCategories, configLevel, format)
}

// InitWriter is Init writing to w.
func InitWriter(w io.Writer, configCategories, configLevel, format string) {
	enabled.Store(parseCategories(envOr(envCategories, configCategories)))

	opts := &slog.HandlerOptions{Level: ParseLevel(envOr(envLevel, configLevel))}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Enabled reports whether category is being traced.
func Enabled(category string) bool {
	set := enabled.Load()
	if set.all {
		return true
	}
	_, ok := set.names[category]
	return ok
}

// Log writes a DEBUG record tagged with category if it is enabled.
func Log(category, msg string, args ...any) {
	emit(slog.LevelDebug, category, msg, args)
}

// Trace writes a TRACE record tagged with category if it is enabled.
func Trace(category, msg string, args ...any) {
	emit(LevelTrace, category, msg, args)
}

func emit(level slog.Level, category, msg string, args []any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), level, msg, append([]any{"debug", category}, args...)...)
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Categories lists the enabled categories in sorted order.
func Categories() []string {
	set := enabled.Load()
	out := slices.Sorted(maps.Keys(set.names))
	if set.all {
		out = append([]string{"all"}, out...)
	}
	return out
}

// Truncate shortens s to at most maxLen bytes without splitting a rune and
// marks the cut with "...".
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func parseCategories(s string) *categorySet {
	set := &categorySet{names: make(map[string]struct{})}
	for _, c := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == ',' || r == ' ' }) {
		if c == "all" {
			set.all = true
			continue
		}
		set.names[c] = struct{}{}
	}
	return set
}
