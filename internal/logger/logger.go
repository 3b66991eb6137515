// Package logger provides the structured zap logger shared by every
// component of the account pool scheduler.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names, used instead of raw strings so log lines stay
// consistent across packages.
const (
	FieldUsername  = "username"
	FieldQueue     = "queue"
	FieldStatus    = "status_code"
	FieldErrorCode = "error_code"
	FieldStrikes   = "strikes"
	FieldUnlockAt  = "unlock_at"
	FieldCursor    = "cursor"
	FieldComponent = "component"
)

// Logger is the process-wide sugared logger. It starts as a no-op so
// packages can log before Initialize is called (e.g. from init()).
var Logger *zap.SugaredLogger

func init() {
	Logger = zap.NewNop().Sugar()
}

// Initialize configures the global logger. jsonOutput selects structured
// JSON (for shipping to a log pipeline) over human-readable console output.
func Initialize(jsonOutput bool) error {
	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		zapLogger, err = cfg.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}
	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// Named returns a child logger scoped to a component, e.g. logger.Named("lockmanager").
func Named(component string) *zap.SugaredLogger {
	return Logger.Named(component).With(FieldComponent, component)
}

// Sync flushes any buffered log entries. EINVAL on stdout/stderr for
// Linux/macOS terminals is expected and ignorable.
func Sync() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
