// Package logging configures zerolog for the process and keeps a per-session
// audit log on disk while a meeting is running.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// output is the writer chosen by Setup; session logs tee into it.
var output io.Writer = os.Stderr

// Config controls process-wide log output.
type Config struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
	// Dir receives one audit file per session. Empty disables session files.
	Dir string `koanf:"dir"`
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}
	output = out
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// ForSession returns a child of the global logger tagged with the session id.
func ForSession(sessionID string) zerolog.Logger {
	return log.Logger.With().Str("session_id", sessionID).Logger()
}

// SessionLog tees a session's log lines into its own file so the audit trail
// of a meeting survives process restarts.
type SessionLog struct {
	sessionID string
	file      *os.File
	logger    zerolog.Logger
	startTime time.Time
	mu        sync.Mutex
	closed    bool
}

// StartSessionLog creates dir/session_<id>_<timestamp>.log and returns a
// SessionLog whose Logger writes to both the global output and that file.
func StartSessionLog(dir, sessionID string) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}

	name := fmt.Sprintf("session_%s_%s.log", sanitizeID(sessionID), time.Now().Format("20060102_150405"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create session log file: %w", err)
	}

	multi := zerolog.MultiLevelWriter(output, f)
	sl := &SessionLog{
		sessionID: sessionID,
		file:      f,
		logger:    zerolog.New(multi).With().Timestamp().Str("session_id", sessionID).Logger(),
		startTime: time.Now(),
	}
	sl.logger.Info().Msg("session log started")
	return sl, nil
}

// Logger returns the tee'd session logger. A nil SessionLog yields the
// global logger.
func (s *SessionLog) Logger() zerolog.Logger {
	if s == nil {
		return log.Logger
	}
	return s.logger
}

// Path is the file backing this session log.
func (s *SessionLog) Path() string {
	if s == nil || s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close writes a footer and closes the file. Safe to call more than once.
func (s *SessionLog) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info().Dur("duration", time.Since(s.startTime)).Msg("session log closed")
	return s.file.Close()
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
