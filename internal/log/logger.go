// Package log provides structured logging for detour using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with hook-engine helpers.
type Logger struct {
	*zap.Logger
	onEvent func(category, name, detail string) // diagnostics callback
}

var (
	// L is the global logger instance. It is a no-op until Init is called.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return L
}

// SetOnEvent sets the callback invoked by Event.
func (l *Logger) SetOnEvent(fn func(category, name, detail string)) {
	l.onEvent = fn
}

// Event logs a lifecycle event (install, enable, sweep, ...) and forwards
// it to the event callback if one is set.
func (l *Logger) Event(category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("name", name),
		zap.String("detail", detail),
	)
}

// HookInstall logs when a hook is installed at an address.
func (l *Logger) HookInstall(target, detour, trampoline uint64, patchAbove bool) {
	l.Debug("installed",
		Target(target),
		Detour(detour),
		Ptr("tramp", trampoline),
		zap.Bool("above", patchAbove),
	)
}

// Sweep logs the result of an address range sweep.
func (l *Logger) Sweep(component string, lo, hi uint64, removed int) {
	l.Debug("sweep",
		zap.String("component", component),
		Range(lo, hi),
		zap.Int("removed", removed),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Target creates a hook target field.
func Target(addr uint64) zap.Field {
	return Ptr("target", addr)
}

// Detour creates a hook detour field.
func Detour(addr uint64) zap.Field {
	return Ptr("detour", addr)
}

// Range creates a half-open address range field.
func Range(lo, hi uint64) zap.Field {
	return zap.String("range", "["+Hex(lo)+", "+Hex(hi)+")")
}

// Module creates a module name field.
func Module(name string) zap.Field {
	return zap.String("module", name)
}
