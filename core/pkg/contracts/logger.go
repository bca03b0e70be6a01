package contracts

// Logger is the generic logging interface. Implementations can be zap,
// zerolog, slog, etc; contrib/logger/zap ships the default.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// WithFields returns a logger that attaches the fields to every entry.
	WithFields(fields ...any) Logger

	// WithError attaches an error to the next entries.
	WithError(err error) Logger

	// Named returns a sub-logger with a name segment appended.
	Named(name string) Logger

	// Sync flushes any buffered entries.
	Sync() error
}

// LoggerConfig configures a logger driver.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path

	AddCaller     bool
	AddStacktrace bool

	// DefaultFields are attached to every entry.
	DefaultFields map[string]any
}

// nopLogger discards everything. It backs the zero value of every runtime
// component so a logger is never nil.
type nopLogger struct{}

// NopLogger returns a logger that discards all entries.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)       {}
func (nopLogger) Info(string, ...any)        {}
func (nopLogger) Warn(string, ...any)        {}
func (nopLogger) Error(string, ...any)       {}
func (n nopLogger) WithFields(...any) Logger { return n }
func (n nopLogger) WithError(error) Logger   { return n }
func (n nopLogger) Named(string) Logger      { return n }
func (nopLogger) Sync() error                { return nil }
