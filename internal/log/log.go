// Package log provides structured, colored logging for the ledger.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Chain     zerolog.Logger
	Consensus zerolog.Logger
	Mempool   zerolog.Logger
	Miner     zerolog.Logger
	Node      zerolog.Logger
	Storage   zerolog.Logger
	UTXO      zerolog.Logger
)

// File rotation defaults.
const (
	RotateThresholdKB = 10 * 1024
	RotateMaxRolls    = 8
)

var (
	mu  sync.Mutex
	rot *rotator.Rotator
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs are written to both the console (colored or
// JSON depending on jsonOutput) and a size-rotated file (always JSON).
func Init(level string, jsonOutput bool, file string) error {
	mu.Lock()
	defer mu.Unlock()

	closeRotator()

	var consoleWriter io.Writer = os.Stdout
	if !jsonOutput {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		r, err := rotator.New(file, RotateThresholdKB, false, RotateMaxRolls)
		if err != nil {
			return fmt.Errorf("create file rotator: %w", err)
		}
		rot = r
		Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, r)).
			Level(parseLevel(level)).
			With().
			Timestamp().
			Logger()
	} else {
		Logger = zerolog.New(consoleWriter).
			Level(parseLevel(level)).
			With().
			Timestamp().
			Logger()
	}

	initComponentLoggers()
	return nil
}

// Close flushes and closes the rotated log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeRotator()
}

func closeRotator() {
	if rot != nil {
		_ = rot.Close()
		rot = nil
	}
}

// SetOutput redirects all logging to w. Used by tests and the CLI.
func SetOutput(w io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	Logger = NewJSONLogger(w, level)
	initComponentLoggers()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// initComponentLoggers initializes loggers for each component.
func initComponentLoggers() {
	Chain = WithComponent("chain")
	Consensus = WithComponent("consensus")
	Mempool = WithComponent("mempool")
	Miner = WithComponent("miner")
	Node = WithComponent("node")
	Storage = WithComponent("storage")
	UTXO = WithComponent("utxo")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
