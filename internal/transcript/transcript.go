// Package transcript records persisted conversation turns as NDJSON.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Event is one transcript line.
type Event struct {
	At        time.Time `json:"ts"`
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	FromStage string    `json:"from_stage,omitempty"`
	Content   string    `json:"content,omitempty"`
	Alert     string    `json:"safety_alert,omitempty"`
}

// Logger accepts transcript events without blocking the caller.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Config controls the transcript writer.
type Config struct {
	Enabled    bool
	Path       string
	QueueSize  int
	MaxSizeMB  int
	MaxBackups int
	// OnDrop is called when an event is discarded because the queue is full.
	OnDrop func()
}

// Nop discards everything.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

type fileLogger struct {
	out    *lumberjack.Logger
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	// mu guards closed; Log holds it shared so Close cannot close the queue
	// mid-send.
	mu     sync.RWMutex
	closed bool
	onDrop func()
	logger *slog.Logger
}

// New starts a background writer. When cfg.Enabled is false it returns Nop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("transcript path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 10
	}

	l := &fileLogger{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		},
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		onDrop: cfg.OnDrop,
		logger: logger,
	}
	go l.run()
	return l, nil
}

// Log enqueues ev, dropping it if the queue is full or the logger is closed.
func (l *fileLogger) Log(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Debug("transcript closed, dropping event", "session_id", ev.SessionID, "event_type", ev.EventType)
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("transcript queue full, dropping event", "session_id", ev.SessionID, "event_type", ev.EventType)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

func (l *fileLogger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.out)
	for ev := range l.queue {
		if err := enc.Encode(ev); err != nil {
			l.logger.Warn("failed to write transcript event", "error", err, "session_id", ev.SessionID)
		}
	}
}

// Close drains the queue and closes the file.
func (l *fileLogger) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
		err = l.out.Close()
	})
	return err
}
