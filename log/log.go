// Package log provides the leveled, module-gated logger used across every
// IHVM component. It wraps log/slog the way the surrounding kernel's own
// tooling does: a small Logger interface, a process-wide root logger, and
// per-module enable/disable so a driver author can turn on "engine" trace
// output without drowning in "vm" registry noise.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Modules known to the IHVM. A driver author enables the ones they care
// about; everything else stays quiet even at LevelTrace.
const (
	ModuleVerify     = "verify"
	ModuleEngine     = "engine"
	ModuleVM         = "vm"
	ModuleHostBridge = "hostbridge"
	ModuleConfig     = "config"
	ModuleDebugSrv   = "debugsrv"
)

// Logger writes leveled, module-scoped records.
type Logger interface {
	With(args ...any) Logger
	Trace(module, msg string, args ...any)
	Debug(module, msg string, args ...any)
	Info(module, msg string, args ...any)
	Warn(module, msg string, args ...any)
	Error(module, msg string, args ...any)
	Handler() slog.Handler
}

type logger struct {
	inner *slog.Logger
}

// New returns a Logger backed by the given slog.Handler.
func New(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) With(args ...any) Logger {
	return &logger{inner: l.inner.With(args...)}
}

func (l *logger) write(level slog.Level, module, msg string, args ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(append([]any{"module", module}, args...)...)
	_ = l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) Trace(module, msg string, args ...any) { l.write(LevelTrace, module, msg, args...) }
func (l *logger) Debug(module, msg string, args ...any) { l.write(LevelDebug, module, msg, args...) }
func (l *logger) Info(module, msg string, args ...any)  { l.write(LevelInfo, module, msg, args...) }
func (l *logger) Warn(module, msg string, args ...any)  { l.write(LevelWarn, module, msg, args...) }
func (l *logger) Error(module, msg string, args ...any) { l.write(LevelError, module, msg, args...) }

var root atomic.Value

func init() {
	root.Store(New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: LevelInfo})))
}

// ParseLevel parses a level name as accepted by boot configuration and CLI flags.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("log: invalid level %q", s)
	}
}

// SetDefault installs l as the process-wide root logger.
func SetDefault(l Logger) { root.Store(l) }

// Root returns the process-wide root logger.
func Root() Logger { return root.Load().(Logger) }

// InitTextLogger installs a text-handler root logger at the given level,
// writing to stderr. This is what cmd/ihvmctl calls on startup.
func InitTextLogger(level slog.Level) {
	SetDefault(New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

var enabledModules atomic.Value // map[string]bool

func init() {
	enabledModules.Store(map[string]bool{
		ModuleVerify:     true,
		ModuleEngine:     true,
		ModuleVM:         true,
		ModuleHostBridge: true,
		ModuleConfig:     true,
		ModuleDebugSrv:   true,
	})
}

// EnableModules replaces the set of modules that emit log output, taking a
// comma-separated list such as "engine,vm". An empty string enables none.
func EnableModules(csv string) {
	m := make(map[string]bool)
	for _, mod := range strings.Split(csv, ",") {
		mod = strings.TrimSpace(mod)
		if mod != "" {
			m[mod] = true
		}
	}
	enabledModules.Store(m)
}

func isEnabled(module string) bool {
	m := enabledModules.Load().(map[string]bool)
	return m[module]
}

func Trace(module, msg string, args ...any) {
	if isEnabled(module) {
		Root().Trace(module, msg, args...)
	}
}

func Debug(module, msg string, args ...any) {
	if isEnabled(module) {
		Root().Debug(module, msg, args...)
	}
}

func Info(module, msg string, args ...any) {
	if isEnabled(module) {
		Root().Info(module, msg, args...)
	}
}

func Warn(module, msg string, args ...any) {
	if isEnabled(module) {
		Root().Warn(module, msg, args...)
	}
}

func Error(module, msg string, args ...any) {
	if isEnabled(module) {
		Root().Error(module, msg, args...)
	}
}
