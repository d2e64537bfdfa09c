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

// Config selects level and outputs. With no output enabled, lines go to the
// console anyway so a daemon is never silent.
type Config struct {
	Level   string
	Console bool
	// Format is the console encoding: "pretty" (default) or "json".
	Format string
	File   FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const (
	DefaultFilePath = "./supd.log"
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
)

// Sink owns the process-wide outputs. Apply swaps them atomically, so every
// Logger derived from the sink picks up a config reload.
type Sink struct {
	mu   sync.Mutex
	cfg  Config
	file *os.File
	live atomic.Pointer[zerolog.Logger]
}

// New builds a sink from cfg. Console output goes to stderr so stdout stays
// free for command results.
func New(cfg Config) (*Sink, Logger) {
	initGlobals()
	s := &Sink{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "logx: %v\n", err)
	}
	return s, Logger{sink: s}
}

func (s *Sink) current() zerolog.Logger {
	if zl := s.live.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Sink) Logger() Logger { return Logger{sink: s} }

// Config is the last applied config.
func (s *Sink) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply reconfigures the outputs. A log file that cannot be opened is reported
// and the remaining outputs still apply.
func (s *Sink) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		outs    []io.Writer
		openErr error
		file    *os.File
	)
	if cfg.Console {
		outs = append(outs, consoleWriter(cfg.Format))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = DefaultFilePath
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			openErr = fmt.Errorf("open log file: %w", err)
		} else {
			file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	if len(outs) == 0 {
		outs = append(outs, consoleWriter(cfg.Format))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(ParseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.live.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.cfg = file, cfg
	return openErr
}

func (s *Sink) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleWriter(format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{
		Out:          os.Stderr,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

var globalsOnce sync.Once

func initGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}
