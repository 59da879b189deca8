package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

// FileConfig is the rotating JSON sink. Zero sizes mean 20 MB per file,
// 5 backups kept for 14 days.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Service owns the sinks. Apply rebuilds them in place and every Logger
// handed out by the service picks up the change on its next event.
type Service struct {
	cur atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *lumberjack.Logger
	out  io.Writer
}

// Every logger in the process, Service-backed or not, writes errors under
// "err" with millisecond timestamps.
func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// New builds the service and returns its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{out: os.Stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) load() *zerolog.Logger { return s.cur.Load() }

// Apply swaps level and sinks. With neither console nor file enabled the
// console sink is used.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console || !cfg.File.Enabled {
		sinks = append(sinks, console(s.out))
	}
	old := s.file
	s.file = nil
	if cfg.File.Enabled {
		s.file = rotating(cfg.File)
		sinks = append(sinks, s.file)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().Logger()
	s.cur.Store(&zl)

	if old != nil {
		_ = old.Close()
	}
}

// Close releases the log file, if any. Console logging keeps working.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func rotating(fc FileConfig) *lumberjack.Logger {
	orDefault := func(v, def int) int {
		if v > 0 {
			return v
		}
		return def
	}
	path := strings.TrimSpace(fc.Path)
	if path == "" {
		path = "./volley.log"
	}
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(fc.MaxSizeMB, 20),
		MaxBackups: orDefault(fc.MaxBackups, 5),
		MaxAge:     orDefault(fc.MaxAgeDays, 14),
		Compress:   fc.Compress,
	}
}
