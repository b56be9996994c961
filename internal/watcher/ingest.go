// Package watcher implements the ingestion contract: observe a source, and
// for each qualifying item produce exactly one pending task record - or
// reject it with a stated reason. Rejections are terminal at this layer;
// duplicates are silently dropped.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/checksum"
	"github.com/iambrandonn/zoya/internal/dedup"
	"github.com/iambrandonn/zoya/internal/fsutil"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
)

// Files the OS may silently create - always ignored, never quarantined.
var junkNames = map[string]bool{
	".ds_store":   true,
	"thumbs.db":   true,
	"desktop.ini": true,
	".gitkeep":    true,
}

// IsJunk reports whether a filename is OS noise rather than a dropped item.
func IsJunk(name string) bool {
	lower := strings.ToLower(name)
	return junkNames[lower] || strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".")
}

// maxStabilityAttempts bounds the stability wait so a file that never stops
// growing is eventually quarantined instead of stalling ingestion forever.
const maxStabilityAttempts = 30

// Params configures an Ingestor.
type Params struct {
	Vault             *vault.Vault
	Index             *dedup.Index
	Audit             *auditlog.Log
	Logger            *slog.Logger
	AllowedExtensions []string
	MaxBytes          int64
	StabilityInterval time.Duration
	StabilityChecks   int
}

// Ingestor validates and queues incoming items from any channel.
type Ingestor struct {
	vault             *vault.Vault
	index             *dedup.Index
	audit             *auditlog.Log
	logger            *slog.Logger
	allowedExts       map[string]bool
	maxBytes          int64
	stabilityInterval time.Duration
	stabilityChecks   int
}

// NewIngestor creates an ingestor.
func NewIngestor(p Params) *Ingestor {
	exts := make(map[string]bool, len(p.AllowedExtensions))
	for _, e := range p.AllowedExtensions {
		exts[strings.ToLower(e)] = true
	}
	return &Ingestor{
		vault:             p.Vault,
		index:             p.Index,
		audit:             p.Audit,
		logger:            p.Logger,
		allowedExts:       exts,
		maxBytes:          p.MaxBytes,
		stabilityInterval: p.StabilityInterval,
		stabilityChecks:   p.StabilityChecks,
	}
}

// IngestFile runs one payload through the ingestion pipeline. On success it
// returns the new pending record; a silent drop (junk, duplicate, vanished
// file) returns (nil, nil); a rejection returns the quarantined record.
// Only infrastructure problems return an error.
func (ing *Ingestor) IngestFile(path string, kind task.Kind) (*task.Record, error) {
	name := filepath.Base(path)

	if IsJunk(name) {
		ing.logger.Debug("ignoring junk file", "name", name)
		return nil, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		// Already ingested by an earlier event for the same file.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if info.IsDir() {
		return nil, nil
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !ing.allowedExts[ext] {
		return ing.quarantine(path, kind, fmt.Sprintf("unsupported file type: %s", ext))
	}

	if !ing.waitForStable(path) {
		return ing.quarantine(path, kind, "file never finished writing")
	}

	info, err = os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s after stability wait: %w", name, err)
	}
	if info.Size() > ing.maxBytes {
		return ing.quarantine(path, kind, fmt.Sprintf(
			"file too large: %d bytes (limit %d)", info.Size(), ing.maxBytes))
	}

	hash, err := checksum.SHA256File(path)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", name, err)
	}

	if ing.index.Seen(hash) {
		ing.logger.Info("duplicate content, dropping", "name", name, "hash", hash)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove duplicate %s: %w", name, err)
		}
		return nil, nil
	}

	now := time.Now().UTC()
	rec := task.New(kind, name, info.Size(), hash, now)
	rec.SetCompanion(name)

	// Companion first, record last: the orchestrator only claims records,
	// so a crash between the two moves leaves an orphan payload, never a
	// record pointing at a missing companion.
	companionDst := ing.vault.RecordPath(vault.AreaPending, rec.CompanionName())
	if err := fsutil.ClaimMove(path, companionDst); err != nil {
		return nil, fmt.Errorf("failed to move payload into pending: %w", err)
	}

	if err := rec.Save(ing.vault.Dir(vault.AreaPending)); err != nil {
		return nil, fmt.Errorf("failed to write task record: %w", err)
	}

	if err := ing.index.Add(hash, now); err != nil {
		return nil, err
	}

	ing.audit.Record("task_queued", rec.ID, map[string]any{
		"original": name,
		"kind":     string(kind),
	})
	ing.logger.Info("queued for processing", "name", name, "task_id", rec.ID)

	return rec, nil
}

// IngestBytes queues an in-memory item (webhook messages). The body is
// written into the pending area through the same pipeline guarantees.
func (ing *Ingestor) IngestBytes(originalName string, body []byte, kind task.Kind) (*task.Record, error) {
	if int64(len(body)) > ing.maxBytes {
		rec := task.NewRejected(kind, originalName, int64(len(body)), fmt.Sprintf(
			"message too large: %d bytes (limit %d)", len(body), ing.maxBytes), time.Now().UTC())
		if err := rec.Save(ing.vault.Dir(vault.AreaQuarantine)); err != nil {
			return nil, err
		}
		ing.audit.Record("task_quarantined", rec.ID, map[string]any{"reason": rec.FailureReason})
		return rec, nil
	}

	hash := checksum.SHA256Bytes(body)
	if ing.index.Seen(hash) {
		ing.logger.Info("duplicate content, dropping", "name", originalName, "hash", hash)
		return nil, nil
	}

	now := time.Now().UTC()
	rec := task.New(kind, originalName, int64(len(body)), hash, now)
	rec.SetCompanion(originalName)

	companionPath := ing.vault.RecordPath(vault.AreaPending, rec.CompanionName())
	if err := fsutil.AtomicWrite(companionPath, body); err != nil {
		return nil, fmt.Errorf("failed to write payload: %w", err)
	}
	if err := rec.Save(ing.vault.Dir(vault.AreaPending)); err != nil {
		return nil, fmt.Errorf("failed to write task record: %w", err)
	}
	if err := ing.index.Add(hash, now); err != nil {
		return nil, err
	}

	ing.audit.Record("task_queued", rec.ID, map[string]any{
		"original": originalName,
		"kind":     string(kind),
	})
	return rec, nil
}

// quarantine relocates a rejected payload and writes a record carrying the
// reason next to it. Rejections are never retried.
func (ing *Ingestor) quarantine(path string, kind task.Kind, reason string) (*task.Record, error) {
	name := filepath.Base(path)

	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	rec := task.NewRejected(kind, name, size, reason, time.Now().UTC())
	rec.SetCompanion(name)

	dst := ing.vault.RecordPath(vault.AreaQuarantine, rec.CompanionName())
	if err := fsutil.MoveIfExists(path, dst); err != nil {
		return nil, fmt.Errorf("failed to quarantine %s: %w", name, err)
	}
	if err := rec.Save(ing.vault.Dir(vault.AreaQuarantine)); err != nil {
		return nil, fmt.Errorf("failed to write quarantine record: %w", err)
	}

	ing.audit.Record("task_quarantined", rec.ID, map[string]any{"reason": reason})
	ing.logger.Warn("quarantined at ingestion", "name", name, "reason", reason)

	return rec, nil
}

// waitForStable polls the file size until it is unchanged and non-zero for
// the configured number of consecutive checks. Prevents ingesting a file
// that is still being copied in.
func (ing *Ingestor) waitForStable(path string) bool {
	prevSize := int64(-1)
	stable := 0

	for attempt := 0; attempt < maxStabilityAttempts; attempt++ {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}

		size := info.Size()
		if size == prevSize && size > 0 {
			stable++
			if stable >= ing.stabilityChecks {
				return true
			}
		} else {
			stable = 0
		}
		prevSize = size

		time.Sleep(ing.stabilityInterval)
	}
	return false
}

// ChannelRank orders origin channels for the orchestrator's pending sort:
// lower is claimed first. Channels absent from the configured order rank
// after all configured ones.
func ChannelRank(kind task.Kind, order []string) int {
	for i, ch := range order {
		if task.Kind(ch) == kind {
			return i
		}
	}
	return len(order)
}
