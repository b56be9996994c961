// Package auditlog appends structured action entries to a per-day NDJSON
// file under the vault's logs area. The log is write-only operational
// evidence; nothing reads it for control flow.
package auditlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/zoya/internal/ndjson"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Target    string         `json:"target"`
	Params    map[string]any `json:"params,omitempty"`
	Result    string         `json:"result"`
}

// Log writes audit entries, rotating to a new file at each UTC day.
type Log struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	day  string
	file *os.File
}

// New creates an audit log writing into dir.
func New(dir string, logger *slog.Logger) *Log {
	return &Log{dir: dir, logger: logger}
}

// Record appends an entry. Audit failures are logged and swallowed - an
// unwritable audit line must never fail the action it describes.
func (l *Log) Record(action, target string, params map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if err := l.rotate(now); err != nil {
		l.logger.Warn("audit log unavailable", "error", err)
		return
	}

	entry := Entry{
		Timestamp: now,
		Action:    action,
		Actor:     "zoya",
		Target:    target,
		Params:    params,
		Result:    "success",
	}

	if err := writeLine(l.file, entry); err != nil {
		l.logger.Warn("failed to write audit entry", "action", action, "error", err)
	}
}

// rotate opens the file for the given day if it is not already current.
func (l *Log) rotate(now time.Time) error {
	day := now.Format("2006-01-02")
	if l.file != nil && l.day == day {
		return nil
	}

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.MkdirAll(l.dir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(l.dir, day+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	l.file = file
	l.day = day
	return nil
}

func writeLine(file *os.File, e Entry) error {
	return ndjson.NewEncoder(file).Encode(&e)
}

// Close closes the current log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
