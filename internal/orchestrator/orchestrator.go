// Package orchestrator drains the pending queue. It is the single writer for
// every automatic state transition: claim, classify, route to done or to the
// approval gate, retry, quarantine. Humans transition records only by moving
// files between the approval areas; the orchestrator folds those moves back
// into the record on its next cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/iambrandonn/zoya/internal/approval"
	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/classify"
	"github.com/iambrandonn/zoya/internal/dashboard"
	"github.com/iambrandonn/zoya/internal/fsutil"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
	"github.com/iambrandonn/zoya/internal/watcher"
)

// Params configures an Orchestrator.
type Params struct {
	Vault        *vault.Vault
	Classifier   classify.Classifier
	Rules        *approval.Rules
	Audit        *auditlog.Log
	Logger       *slog.Logger
	MaxRetries   int
	ChannelOrder []string
	PollInterval time.Duration
	RecentLimit  int
}

// Orchestrator owns the claim-classify-route loop over one vault.
type Orchestrator struct {
	vault        *vault.Vault
	classifier   classify.Classifier
	rules        *approval.Rules
	audit        *auditlog.Log
	logger       *slog.Logger
	maxRetries   int
	channelOrder []string
	pollInterval time.Duration
	recentLimit  int

	now func() time.Time
}

// New creates an orchestrator.
func New(p Params) *Orchestrator {
	return &Orchestrator{
		vault:        p.Vault,
		classifier:   p.Classifier,
		rules:        p.Rules,
		audit:        p.Audit,
		logger:       p.Logger,
		maxRetries:   p.MaxRetries,
		channelOrder: p.ChannelOrder,
		pollInterval: p.PollInterval,
		recentLimit:  p.RecentLimit,
	}
}

// Run loops until ctx is cancelled: crash recovery once, then a cycle per
// poll interval. Infrastructure errors stop the loop; a broken vault is not
// something to retry around.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Recover(); err != nil {
		return err
	}

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		if err := o.RunCycle(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs crash recovery and a single cycle, then returns. This is
// the cron entry point.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if err := o.Recover(); err != nil {
		return err
	}
	return o.RunCycle(ctx)
}

// RunCycle folds human approval decisions back in, then drains the pending
// queue, then refreshes the dashboard if anything moved.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	changed, err := o.reconcileApprovals()
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := o.processNext(ctx)
		if err != nil {
			return err
		}
		if !processed {
			break
		}
		changed = true
	}

	if changed {
		return o.writeDashboard()
	}
	return nil
}

// Recover requeues work that was mid-flight when a previous process died.
// Anything still in the processing area was interrupted, which counts as a
// failed attempt.
func (o *Orchestrator) Recover() error {
	names, err := o.vault.ListRecords(vault.AreaProcessing)
	if err != nil {
		return err
	}

	for _, name := range names {
		rec, err := task.Load(o.vault.RecordPath(vault.AreaProcessing, name))
		if err != nil {
			if qerr := o.quarantineBroken(vault.AreaProcessing, name,
				fmt.Sprintf("unreadable record: %v", err)); qerr != nil {
				return qerr
			}
			continue
		}

		// A crash between the claim rename and the claim save leaves the
		// record still marked pending; adopt the claim before failing it.
		if rec.State == task.StatePending {
			if err := rec.MarkClaimed(o.clock()); err != nil {
				return err
			}
		}

		o.logger.Warn("recovering interrupted task", "task_id", rec.ID)
		if err := o.failTask(rec, "interrupted by restart"); err != nil {
			return err
		}
	}
	return nil
}

// reconcileApprovals folds records the human moved into approved/ or
// rejected/ into the done area, stamping the decision. Reports whether any
// record moved.
func (o *Orchestrator) reconcileApprovals() (bool, error) {
	changed := false
	for area, decision := range map[vault.Area]task.Decision{
		vault.AreaApproved: task.DecisionApproved,
		vault.AreaRejected: task.DecisionRejected,
	} {
		names, err := o.vault.ListRecords(area)
		if err != nil {
			return changed, err
		}
		for _, name := range names {
			moved, err := o.finalizeDecision(area, name, decision)
			if err != nil {
				return changed, err
			}
			changed = changed || moved
		}
	}
	return changed, nil
}

func (o *Orchestrator) finalizeDecision(area vault.Area, name string, decision task.Decision) (bool, error) {
	src := o.vault.RecordPath(area, name)
	dst := o.vault.RecordPath(vault.AreaDone, name)

	// Rename first: winning the rename is what makes this decision ours to
	// stamp. A concurrent run-once invocation loses cleanly.
	if err := fsutil.ClaimMove(src, dst); err != nil {
		if errors.Is(err, fsutil.ErrGone) {
			return false, nil
		}
		return false, fmt.Errorf("failed to finalize decision for %s: %w", name, err)
	}

	rec, err := task.Load(dst)
	if err != nil {
		// The approval folders are edited by hand; a file that does not
		// parse must not wedge every future cycle.
		return true, o.quarantineBroken(vault.AreaDone, name,
			fmt.Sprintf("unreadable record in %s: %v", area, err))
	}

	if err := o.moveCompanion(rec, area, vault.AreaDone); err != nil {
		return true, err
	}

	if err := rec.MarkDecided(decision, "human", o.clock()); err != nil {
		return true, o.quarantineRecord(rec, vault.AreaDone,
			fmt.Sprintf("cannot apply %s decision: %v", decision, err))
	}
	if err := rec.Save(o.vault.Dir(vault.AreaDone)); err != nil {
		return true, err
	}

	o.audit.Record("task_"+string(decision), rec.ID, map[string]any{
		"original": rec.OriginalName,
	})
	o.logger.Info("decision applied", "task_id", rec.ID, "decision", string(decision))
	return true, nil
}

// processNext claims and fully processes the highest-priority pending task.
// Returns false when the pending queue is empty.
func (o *Orchestrator) processNext(ctx context.Context) (bool, error) {
	candidates, err := o.sortedPending()
	if err != nil {
		return false, err
	}

	for _, cand := range candidates {
		src := o.vault.RecordPath(vault.AreaPending, cand.file)
		dst := o.vault.RecordPath(vault.AreaProcessing, cand.file)

		err := fsutil.ClaimMove(src, dst)
		if errors.Is(err, fsutil.ErrGone) {
			// Another claimant won this record. Not an error.
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to claim %s: %w", cand.file, err)
		}

		return true, o.process(ctx, dst)
	}
	return false, nil
}

type candidate struct {
	file       string
	rank       int
	enqueuedAt time.Time
	id         string
}

// sortedPending orders the queue by channel priority, then enqueue time,
// then ID as a deterministic tiebreak. A requeued record re-enters at its
// last claim time, so a failing task queues behind work that arrived while
// it was being attempted instead of monopolizing the loop.
func (o *Orchestrator) sortedPending() ([]candidate, error) {
	names, err := o.vault.ListRecords(vault.AreaPending)
	if err != nil {
		return nil, err
	}

	cands := make([]candidate, 0, len(names))
	for _, name := range names {
		rec, err := task.Load(o.vault.RecordPath(vault.AreaPending, name))
		if errors.Is(err, fs.ErrNotExist) {
			// Claimed and moved between list and load.
			continue
		}
		if err != nil {
			// Records are written atomically, so a file that is present
			// but does not parse is garbage, not a race.
			if qerr := o.quarantineBroken(vault.AreaPending, name,
				fmt.Sprintf("unreadable record: %v", err)); qerr != nil {
				return nil, qerr
			}
			continue
		}
		enqueuedAt := rec.CreatedAt
		if rec.LastClaimedAt != nil {
			enqueuedAt = *rec.LastClaimedAt
		}
		cands = append(cands, candidate{
			file:       name,
			rank:       watcher.ChannelRank(rec.Kind, o.channelOrder),
			enqueuedAt: enqueuedAt,
			id:         rec.ID,
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		return a.id < b.id
	})
	return cands, nil
}

// process runs one claimed task to a terminal-or-requeued position. The
// record already sits in the processing area at recordPath.
func (o *Orchestrator) process(ctx context.Context, recordPath string) error {
	rec, err := task.Load(recordPath)
	if err != nil {
		return o.quarantineBroken(vault.AreaProcessing, filepath.Base(recordPath),
			fmt.Sprintf("unreadable record: %v", err))
	}

	if err := o.moveCompanion(rec, vault.AreaPending, vault.AreaProcessing); err != nil {
		return err
	}

	if err := rec.MarkClaimed(o.clock()); err != nil {
		return o.quarantineRecord(rec, vault.AreaProcessing,
			fmt.Sprintf("cannot claim: %v", err))
	}
	if err := rec.Save(o.vault.Dir(vault.AreaProcessing)); err != nil {
		return err
	}
	o.audit.Record("task_claimed", rec.ID, nil)

	result, cerr := o.classifySafe(ctx, rec)
	if cerr != nil {
		o.logger.Warn("classification failed", "task_id", rec.ID, "error", cerr)
		return o.failTask(rec, cerr.Error())
	}

	result.Apply(rec)

	if o.rules.Required(rec, o.clock()) {
		return o.routeToApproval(rec)
	}
	return o.complete(rec)
}

// classifySafe converts a classifier panic into an ordinary failure so one
// bad payload cannot take down the loop.
func (o *Orchestrator) classifySafe(ctx context.Context, rec *task.Record) (result *classify.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("classifier panicked: %v", r)
		}
	}()

	payload := ""
	if rec.CompanionName() != "" {
		payload = o.vault.RecordPath(vault.AreaProcessing, rec.CompanionName())
	}
	return o.classifier.Classify(ctx, rec, payload)
}

func (o *Orchestrator) routeToApproval(rec *task.Record) error {
	if err := o.moveRecord(rec, vault.AreaProcessing, vault.AreaNeedsApproval); err != nil {
		return err
	}
	if err := rec.Transition(task.StateNeedsApproval); err != nil {
		return err
	}
	if err := rec.Save(o.vault.Dir(vault.AreaNeedsApproval)); err != nil {
		return err
	}

	o.audit.Record("task_needs_approval", rec.ID, map[string]any{
		"category": string(rec.Category),
		"priority": string(rec.Priority),
	})
	o.logger.Info("awaiting approval", "task_id", rec.ID, "category", string(rec.Category))
	return nil
}

func (o *Orchestrator) complete(rec *task.Record) error {
	if err := o.moveRecord(rec, vault.AreaProcessing, vault.AreaDone); err != nil {
		return err
	}
	if err := rec.MarkDone(o.clock()); err != nil {
		return err
	}
	rec.FailureReason = ""
	if err := rec.Save(o.vault.Dir(vault.AreaDone)); err != nil {
		return err
	}

	o.audit.Record("task_done", rec.ID, map[string]any{
		"category": string(rec.Category),
	})
	o.logger.Info("task completed", "task_id", rec.ID, "category", string(rec.Category))
	return nil
}

// failTask applies the retry policy to a claimed record sitting in the
// processing area: requeue while attempts remain, quarantine once the
// failure count reaches the cap.
func (o *Orchestrator) failTask(rec *task.Record, reason string) error {
	rec.RetryCount++

	if rec.RetryCount >= o.maxRetries {
		if err := o.moveRecord(rec, vault.AreaProcessing, vault.AreaQuarantine); err != nil {
			return err
		}
		if err := rec.MarkQuarantined(reason, o.clock()); err != nil {
			return err
		}
		if err := rec.Save(o.vault.Dir(vault.AreaQuarantine)); err != nil {
			return err
		}

		o.audit.Record("task_quarantined", rec.ID, map[string]any{"reason": reason})
		o.logger.Error("task quarantined", "task_id", rec.ID,
			"attempts", rec.RetryCount, "reason", reason)
		return nil
	}

	if err := o.moveRecord(rec, vault.AreaProcessing, vault.AreaPending); err != nil {
		return err
	}
	if err := rec.Transition(task.StatePending); err != nil {
		return err
	}
	rec.FailureReason = reason
	if err := rec.Save(o.vault.Dir(vault.AreaPending)); err != nil {
		return err
	}

	o.audit.Record("task_requeued", rec.ID, map[string]any{
		"attempt": rec.RetryCount,
		"reason":  reason,
	})
	o.logger.Info("task requeued", "task_id", rec.ID, "attempt", rec.RetryCount)
	return nil
}

// quarantineBroken relocates a file that cannot be handled as a record at
// all. The move is the whole remedy: the bytes are preserved untouched for
// the human to inspect, and the loop keeps running.
func (o *Orchestrator) quarantineBroken(from vault.Area, name, reason string) error {
	src := o.vault.RecordPath(from, name)
	dst := o.vault.RecordPath(vault.AreaQuarantine, name)
	if err := fsutil.MoveIfExists(src, dst); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", name, err)
	}

	o.audit.Record("task_quarantined", name, map[string]any{"reason": reason})
	o.logger.Error("record quarantined", "file", name, "reason", reason)
	return nil
}

// quarantineRecord sets a loaded but unprocessable record aside with its
// companion. The state field stays as found; only the reason is stamped.
func (o *Orchestrator) quarantineRecord(rec *task.Record, from vault.Area, reason string) error {
	if err := o.moveRecord(rec, from, vault.AreaQuarantine); err != nil {
		return err
	}
	rec.FailureReason = reason
	if err := rec.Save(o.vault.Dir(vault.AreaQuarantine)); err != nil {
		return err
	}

	o.audit.Record("task_quarantined", rec.ID, map[string]any{"reason": reason})
	o.logger.Error("task quarantined", "task_id", rec.ID, "reason", reason)
	return nil
}

// moveRecord relocates a record file and its companion between areas. The
// caller owns the record, so a vanished source is an infrastructure error
// here, unlike at claim time.
func (o *Orchestrator) moveRecord(rec *task.Record, from, to vault.Area) error {
	src := o.vault.RecordPath(from, rec.FileName())
	dst := o.vault.RecordPath(to, rec.FileName())
	if err := fsutil.ClaimMove(src, dst); err != nil {
		return fmt.Errorf("failed to move %s from %s to %s: %w", rec.ID, from, to, err)
	}
	return o.moveCompanion(rec, from, to)
}

// moveCompanion moves the payload alongside the record. Companions are
// optional so a missing one is not an error.
func (o *Orchestrator) moveCompanion(rec *task.Record, from, to vault.Area) error {
	if rec.CompanionName() == "" {
		return nil
	}
	src := o.vault.RecordPath(from, rec.CompanionName())
	dst := o.vault.RecordPath(to, rec.CompanionName())
	if err := fsutil.MoveIfExists(src, dst); err != nil {
		return fmt.Errorf("failed to move companion for %s: %w", rec.ID, err)
	}
	return nil
}

// WriteDashboard rebuilds the dashboard document unconditionally.
func (o *Orchestrator) WriteDashboard() error {
	return o.writeDashboard()
}

func (o *Orchestrator) writeDashboard() error {
	snap, err := dashboard.Build(o.vault, o.recentLimit, o.clock())
	if err != nil {
		return err
	}
	return snap.Write(o.vault)
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}
