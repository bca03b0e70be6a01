// Package zap provides a Zap implementation of the caravan Logger port.
//
// Usage:
//
//	logger := zap.NewDriver()
//	bus := app.New("orders", transport, app.WithLogger(logger))
//
// Entries are JSON with an ISO8601 timestamp by default; the console format
// suits local development. Every runtime component takes a named sub-logger
// (pipeline, saga, transport), so filtering by component is one query.
package zap

import (
	"os"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Driver implements contracts.Logger using Zap.
type Driver struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// DefaultConfig returns a production configuration.
func DefaultConfig() *contracts.LoggerConfig {
	return &contracts.LoggerConfig{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		AddCaller:     true,
		AddStacktrace: true,
	}
}

// NewDriver creates a Zap driver with default production settings.
func NewDriver() *Driver {
	return NewDriverWithConfig(DefaultConfig())
}

// NewDriverWithConfig creates a Zap driver from a logger config.
func NewDriverWithConfig(cfg *contracts.LoggerConfig) *Driver {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch cfg.Output {
	case "stdout", "":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			output = zapcore.AddSync(os.Stdout)
		} else {
			output = zapcore.AddSync(file)
		}
	}

	opts := []zap.Option{}
	if cfg.AddCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if cfg.AddStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if len(cfg.DefaultFields) > 0 {
		fields := make([]zap.Field, 0, len(cfg.DefaultFields))
		for k, v := range cfg.DefaultFields {
			fields = append(fields, zap.Any(k, v))
		}
		opts = append(opts, zap.Fields(fields...))
	}

	logger := zap.New(zapcore.NewCore(encoder, output, level), opts...)
	return &Driver{logger: logger, sugar: logger.Sugar()}
}

// NewDriverWithLogger wraps an existing Zap logger.
func NewDriverWithLogger(logger *zap.Logger) *Driver {
	return &Driver{logger: logger, sugar: logger.Sugar()}
}

// Logger returns the underlying Zap logger.
func (d *Driver) Logger() *zap.Logger { return d.logger }

func (d *Driver) Debug(msg string, fields ...any) { d.sugar.Debugw(msg, fields...) }
func (d *Driver) Info(msg string, fields ...any)  { d.sugar.Infow(msg, fields...) }
func (d *Driver) Warn(msg string, fields ...any)  { d.sugar.Warnw(msg, fields...) }
func (d *Driver) Error(msg string, fields ...any) { d.sugar.Errorw(msg, fields...) }

// WithFields returns a logger that attaches the fields to every entry.
func (d *Driver) WithFields(fields ...any) contracts.Logger {
	return &Driver{logger: d.logger, sugar: d.sugar.With(fields...)}
}

// WithError attaches an error field.
func (d *Driver) WithError(err error) contracts.Logger {
	if err == nil {
		return d
	}
	return &Driver{logger: d.logger, sugar: d.sugar.With("error", err.Error())}
}

// Named returns a sub-logger with a name segment appended.
func (d *Driver) Named(name string) contracts.Logger {
	named := d.logger.Named(name)
	return &Driver{logger: named, sugar: named.Sugar()}
}

// Sync flushes any buffered entries.
func (d *Driver) Sync() error { return d.logger.Sync() }

var _ contracts.Logger = (*Driver)(nil)
