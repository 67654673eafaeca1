package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LevelTrace sits below debug and is used for per-poll and per-message noise
const LevelTrace = slog.Level(-8)

var (
	currentLevel atomic.Value // slog.Level
	outputMu     sync.Mutex
	output       io.Writer = os.Stderr
)

var levelNames = map[string]slog.Level{
	"ERROR":   slog.LevelError,
	"WARN":    slog.LevelWarn,
	"WARNING": slog.LevelWarn,
	"INFO":    slog.LevelInfo,
	"":        slog.LevelInfo,
	"DEBUG":   slog.LevelDebug,
	"TRACE":   LevelTrace,
}

func init() {
	level, err := parseLevel(os.Getenv("TINYLS_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	currentLevel.Store(level)
	installHandler()
}

func parseLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}

func level() slog.Level {
	return currentLevel.Load().(slog.Level)
}

// replaceAttr renames the custom trace level and normalises timestamps.
// JSON output uses RFC3339 under "timestamp" so log shippers pick it up.
func replaceAttr(jsonOutput bool) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.TimeKey:
			if jsonOutput {
				return slog.String("timestamp", a.Value.Time().UTC().Format(time.RFC3339Nano))
			}
			return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000-07:00"))
		case slog.LevelKey:
			if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

func installHandler() {
	outputMu.Lock()
	w := output
	outputMu.Unlock()

	jsonOutput := strings.EqualFold(os.Getenv("TINYLS_LOG_FORMAT"), "json")
	opts := &slog.HandlerOptions{Level: level(), ReplaceAttr: replaceAttr(jsonOutput)}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetOutput redirects log output, mostly so the CLI can keep stdout clean
// and tests can capture lines.
func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
	installHandler()
}

// SetLogLevel atomically updates the log level at runtime
func SetLogLevel(name string) error {
	newLevel, err := parseLevel(name)
	if err != nil {
		return err
	}
	currentLevel.Store(newLevel)
	installHandler()

	LogDebugWithFields("logging", "Log level changed", map[string]any{
		"new_level": strings.ToLower(name),
	})
	return nil
}

// GetLogLevel returns the current log level as a string
func GetLogLevel() string {
	switch level() {
	case slog.LevelError:
		return "error"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelInfo:
		return "info"
	case slog.LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "unknown"
	}
}

func Logf(format string, args ...any) {
	slog.Default().Info(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	slog.Default().Error(fmt.Sprintf(format, args...))
}

func LogWarn(format string, args ...any) {
	slog.Default().Warn(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...any) {
	slog.Default().Debug(fmt.Sprintf(format, args...))
}

func fieldArgs(component string, fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "component", component)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func LogInfoWithFields(component, message string, fields map[string]any) {
	slog.Default().Info(message, fieldArgs(component, fields)...)
}

func LogDebugWithFields(component, message string, fields map[string]any) {
	slog.Default().Debug(message, fieldArgs(component, fields)...)
}

func LogErrorWithFields(component, message string, fields map[string]any) {
	slog.Default().Error(message, fieldArgs(component, fields)...)
}

func LogWarnWithFields(component, message string, fields map[string]any) {
	slog.Default().Warn(message, fieldArgs(component, fields)...)
}

func LogTraceWithFields(component, message string, fields map[string]any) {
	if level() <= LevelTrace {
		slog.Default().Log(context.Background(), LevelTrace, message, fieldArgs(component, fields)...)
	}
}
