package droidfleet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const logTimestampLayout = "20060102_150405"

// ErrLogsClosed is returned by Logger once CloseAll has run.
var ErrLogsClosed = errors.New("device logs closed")

// DeviceLogger hands out one append-only log file per device. Creation is
// serialised; each returned logger is written only by its device's task.
type DeviceLogger struct {
	dir   string
	level zerolog.Level
	now   func() time.Time

	mu        sync.Mutex
	sessions  map[string]*deviceSession
	startedAt time.Time
	closed    bool
}

type deviceSession struct {
	logger zerolog.Logger
	file   *sessionFile
	path   string
}

// sessionFile drops writes once closed so late lines from abandoned tasks
// never hit a closed descriptor.
type sessionFile struct {
	mu sync.Mutex
	f  *os.File
}

func (s *sessionFile) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return len(p), nil
	}
	return s.f.Write(p)
}

func (s *sessionFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	_ = s.f.Sync()
	err := s.f.Close()
	s.f = nil
	return err
}

// NewDeviceLogger prepares dir for per-device logs.
func NewDeviceLogger(dir string) (*DeviceLogger, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log dir %s", dir)
	}
	return &DeviceLogger{
		dir:      dir,
		level:    zerolog.DebugLevel,
		now:      time.Now,
		sessions: make(map[string]*deviceSession),
	}, nil
}

// Logger returns the device's logger, opening its file on first use. After
// CloseAll existing loggers are still returned but no new file is opened.
func (d *DeviceLogger) Logger(device string) (*zerolog.Logger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[device]; ok {
		return &s.logger, nil
	}
	if d.closed {
		return nil, errors.Wrapf(ErrLogsClosed, "open device log for %s", device)
	}
	path := filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", device, d.now().Format(logTimestampLayout)))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open device log %s", path)
	}
	sf := &sessionFile{f: file}
	s := &deviceSession{
		logger: zerolog.New(deviceLogWriter(sf)).Level(d.level).With().Timestamp().Logger(),
		file:   sf,
		path:   path,
	}
	d.sessions[device] = s
	return &s.logger, nil
}

// LogPath returns the device's log path, or "" when none was created.
func (d *DeviceLogger) LogPath(device string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[device]; ok {
		return s.path
	}
	return ""
}

// Start marks the beginning of the run for Elapsed.
func (d *DeviceLogger) Start() {
	d.mu.Lock()
	d.startedAt = d.now()
	d.mu.Unlock()
}

// Elapsed returns the time since Start, or 0 before Start.
func (d *DeviceLogger) Elapsed() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startedAt.IsZero() {
		return 0
	}
	return d.now().Sub(d.startedAt)
}

// CloseAll syncs and closes every open log. Loggers handed out earlier
// silently drop writes afterwards.
func (d *DeviceLogger) CloseAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	var firstErr error
	for name, s := range d.sessions {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close device log %s", name)
		}
	}
	return firstErr
}

// deviceLogWriter renders "15:04:05 [INFO] message key=value" lines.
func deviceLogWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: "15:04:05",
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			zerolog.LevelFieldName,
			zerolog.MessageFieldName,
		},
		FormatLevel: func(i any) string {
			level, _ := i.(string)
			if level == "" {
				level = "???"
			}
			return "[" + strings.ToUpper(level) + "]"
		},
	}
}
