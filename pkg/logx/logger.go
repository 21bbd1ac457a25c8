package logx

import (
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Logger is a value type; the zero value discards everything.
type Logger struct {
	svc    *Service
	comp   string
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{} }

func (l Logger) IsZero() bool { return l.svc == nil && l.comp == "" && len(l.fields) == 0 }

// Enabled reports whether a record at level would be written.
func (l Logger) Enabled(level Level) bool {
	if l.svc == nil {
		return false
	}
	return level >= l.svc.load().levelFor(l.comp)
}

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := l
	cp.fields = append(append([]Field(nil), l.fields...), fields...)
	return cp
}

// Component returns a logger tagged with name. Per-component level overrides
// match on this name.
func (l Logger) Component(name string) Logger {
	cp := l.With(String(ComponentKey, name))
	cp.comp = name
	return cp
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	if l.svc == nil {
		return
	}
	st := l.svc.load()
	if level < st.levelFor(l.comp) {
		return
	}
	e := st.zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}
