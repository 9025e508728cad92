package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	logger zerolog.Logger
	mutex  sync.RWMutex
)

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"
)

func init() {
	// Default to silent mode (no output)
	SetSilentMode(true)
}

// SetSilentMode configures whether logging should be silent or output to stderr
func SetSilentMode(silent bool) {
	var output io.Writer
	if silent {
		output = io.Discard
	} else {
		output = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}
	}
	setOutput(output)
}

// Configure sets the level and the output format. Pretty selects the console
// writer; otherwise JSON lines are written to stderr.
func Configure(level string, pretty bool) {
	if pretty {
		SetSilentMode(false)
	} else {
		setOutput(os.Stderr)
	}
	SetLevel(level)
}

func setOutput(output io.Writer) {
	mutex.Lock()
	logger = zerolog.New(output).With().Timestamp().Logger()
	mutex.Unlock()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// New returns a new logger instance
func New() zerolog.Logger {
	mutex.RLock()
	defer mutex.RUnlock()
	return logger
}

// GetLogger returns a logger tagged with the component name
func GetLogger(component string) zerolog.Logger {
	return New().With().Str("component", component).Logger()
}

// SetLevel sets the global log level
func SetLevel(level string) {
	switch level {
	case LOG_DEBUG:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case LOG_INFO:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case LOG_WARN:
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case LOG_ERROR:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Info logs an info message
func Info(msg string) {
	l := New()
	l.Info().Msg(msg)
}

// Debug logs a debug message
func Debug(msg string) {
	l := New()
	l.Debug().Msg(msg)
}

// Error logs an error message
func Error(err error, msg string) {
	l := New()
	l.Error().Err(err).Msg(msg)
}

// Warn logs a warning message
func Warn(msg string) {
	l := New()
	l.Warn().Msg(msg)
}
