// Package obslog wraps github.com/joeycumines/go-utilpkg/logiface, fronted
// by its zerolog backend, behind a small facade so the rest of the codebase
// never touches the generic Builder/Context chain directly. The wrapping
// mirrors how the teacher's own logiface/zerolog package constructs a
// logger (L.New(L.WithZerolog(z), L.WithLevel(...))) but narrows the surface
// to the handful of calls this service needs, matching the teacher's
// layered-option style (nil-safe config, zero value means "default") used
// throughout catrate and microbatch.
package obslog

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-utilpkg/logiface"
	ifzerolog "github.com/joeycumines/go-utilpkg/logiface/zerolog"
	"github.com/rs/zerolog"
)

// Logger is the facade used throughout the service. It is always
// constructed with a "component" field bound, and further fields are added
// per call site via With.
type Logger struct {
	base *logiface.Logger[*ifzerolog.Event]
}

// Config controls root logger construction. The zero value is valid and
// produces human-readable output to stderr at info level.
type Config struct {
	// Writer receives log output. Defaults to os.Stderr.
	Writer io.Writer
	// JSON selects structured JSON output instead of console formatting.
	JSON bool
	// Debug enables debug-level output.
	Debug bool
}

// New constructs a root Logger bound to component.
func New(cfg Config, component string) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	var zl zerolog.Logger
	if cfg.JSON {
		zl = zerolog.New(w)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	zl = zl.With().Timestamp().Str("component", component).Logger()

	lvl := ifzerolog.L.LevelInformational()
	if cfg.Debug {
		lvl = ifzerolog.L.LevelDebug()
	}

	l := ifzerolog.L.New(ifzerolog.L.WithZerolog(zl), ifzerolog.L.WithLevel(lvl))
	return &Logger{base: l}
}

// With returns a child Logger with additional structured fields bound to
// every subsequent call.
func (l *Logger) With(kv ...any) *Logger {
	ctx := l.base.Clone()
	applyFields(ctx, kv)
	return &Logger{base: ctx.Logger()}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, kv ...any) { l.log(l.base.Debug(), msg, kv) }

// Info logs at informational level.
func (l *Logger) Info(msg string, kv ...any) { l.log(l.base.Info(), msg, kv) }

// Warn logs at warning level.
func (l *Logger) Warn(msg string, kv ...any) { l.log(l.base.Warning(), msg, kv) }

// Err logs at error level, attaching err as the error field.
func (l *Logger) Err(err error, msg string, kv ...any) {
	b := l.base.Err().Err(err)
	applyFieldsBuilder(b, kv)
	b.Log(msg)
}

func (l *Logger) log(b *logiface.Builder[*ifzerolog.Event], msg string, kv []any) {
	applyFieldsBuilder(b, kv)
	b.Log(msg)
}

// applyFields/applyFieldsBuilder accept alternating key/value pairs; values
// are stringified defensively except for common scalar types, since the
// generic Builder requires type-specific calls for the optimised paths and
// falls back to the generic Field for anything else.
func applyFieldsBuilder(b *logiface.Builder[*ifzerolog.Event], kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		addField(b, key, kv[i+1])
	}
}

func applyFields(ctx *logiface.Context[*ifzerolog.Event], kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		addFieldContext(ctx, key, kv[i+1])
	}
}

func addField(b *logiface.Builder[*ifzerolog.Event], key string, val any) {
	switch v := val.(type) {
	case string:
		b.Str(key, v)
	case int:
		b.Field(key, v)
	case int64:
		b.Int64(key, v)
	case bool:
		b.Field(key, v)
	case time.Duration:
		b.Field(key, v)
	case error:
		b.Field(key, v.Error())
	default:
		b.Field(key, v)
	}
}

func addFieldContext(ctx *logiface.Context[*ifzerolog.Event], key string, val any) {
	ctx.Field(key, val)
}
