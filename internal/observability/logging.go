package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a structured JSON logger tagged with component.
// Level comes from TRANCHE_LOG_LEVEL (default info). When TRANCHE_LOG_FILE
// is set, output is also written to a size-rotated file.
func NewLogger(component string) zerolog.Logger {
	level := parseLogLevel(os.Getenv("TRANCHE_LOG_LEVEL"))
	return NewLoggerWithLevel(component, level)
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logOutput(os.Getenv("TRANCHE_LOG_FILE"))).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

var (
	rotatorsMu sync.Mutex
	rotators   = map[string]*lumberjack.Logger{}
)

// logOutput shares one rotator per file between all components.
func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stdout
	}
	rotatorsMu.Lock()
	defer rotatorsMu.Unlock()
	rot, ok := rotators[path]
	if !ok {
		rot = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		rotators[path] = rot
	}
	return io.MultiWriter(os.Stdout, rot)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
