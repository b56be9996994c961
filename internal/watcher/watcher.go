package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/iambrandonn/zoya/internal/task"
)

// Watcher feeds filesystem drops from a single directory into an Ingestor.
// Every payload it produces carries the same channel kind.
type Watcher struct {
	dir      string
	kind     task.Kind
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewWatcher creates a watcher over dir. The directory must already exist.
func NewWatcher(dir string, kind task.Kind, ing *Ingestor, logger *slog.Logger) *Watcher {
	return &Watcher{dir: dir, kind: kind, ingestor: ing, logger: logger}
}

// Run watches until ctx is cancelled. Files already present at startup are
// ingested first, so drops made while the process was down are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if err := w.Sweep(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			// Create covers both direct writes and moves into the
			// directory. Stability polling handles in-progress copies.
			if !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := w.ingestor.IngestFile(event.Name, w.kind); err != nil {
				w.logger.Error("ingestion failed",
					"path", event.Name, "error", err)
			}

		case werr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("filesystem watcher error", "error", werr)
		}
	}
}

// Sweep ingests everything currently in the watched directory. Used at
// startup and as the whole ingestion step in run-once mode.
func (w *Watcher) Sweep() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if _, err := w.ingestor.IngestFile(path, w.kind); err != nil {
			w.logger.Error("ingestion failed", "path", path, "error", err)
		}
	}
	return nil
}
