package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level string
	// Format selects the stdout encoding: "console" (default) or "json".
	Format  string
	Console bool
	File    FileConfig
	// Components overrides Level for loggers created with Component(name).
	Components map[string]string
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./crawlsched.log"
)

var globalsOnce sync.Once

func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = consoleTimeFormat
	})
}

// state is swapped atomically on Apply.
type state struct {
	zl    zerolog.Logger
	level zerolog.Level
	comps map[string]zerolog.Level
}

func (s *state) levelFor(comp string) zerolog.Level {
	if comp != "" {
		if lvl, ok := s.comps[comp]; ok {
			return lvl
		}
	}
	return s.level
}

// Service owns the live sinks and levels.
type Service struct {
	mu   sync.Mutex
	file *os.File
	st   atomic.Pointer[state]
}

// New builds the service from cfg and returns its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// NewWriter logs JSON to w at level; tests use it to capture output.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	lvl := ParseLevel(level, zerolog.InfoLevel)
	s := &Service{}
	s.st.Store(&state{zl: zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger(), level: lvl})
	return Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) load() *state {
	if st := s.st.Load(); st != nil {
		return st
	}
	return &state{zl: zerolog.Nop(), level: zerolog.Disabled}
}

// Apply swaps sinks and levels. A file that cannot be opened is reported on
// stderr and skipped so a reload never leaves the process without logs.
func (s *Service) Apply(cfg Config) {
	setGlobals()
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	var file *os.File
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, stdoutWriter(cfg.Format))
	}

	st := &state{level: ParseLevel(cfg.Level, zerolog.InfoLevel), comps: map[string]zerolog.Level{}}
	for name, raw := range cfg.Components {
		st.comps[strings.TrimSpace(name)] = ParseLevel(raw, st.level)
	}
	// Filtering happens in Logger.log so overrides can go below the global level.
	st.zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(zerolog.TraceLevel).With().Timestamp().Logger()
	s.st.Store(st)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func stdoutWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: consoleTimeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel maps a level name to a zerolog level, falling back to def.
func ParseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}

// ValidLevel reports whether s names a level ParseLevel understands.
func ValidLevel(s string) bool {
	return ParseLevel(s, zerolog.Disabled) != zerolog.Disabled
}
