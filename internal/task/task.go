// Package task defines the task record, the one persistent entity flowing
// through the vault, and the state machine its lifecycle must follow.
package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/zoya/internal/fsutil"
)

// Kind tags the origin channel of a record. Set at creation, immutable.
type Kind string

const (
	KindFileDrop Kind = "file_drop"
	KindEmail    Kind = "email"
	KindChat     Kind = "chat"
	KindOther    Kind = "other"
)

// ParseKind maps a channel name to a Kind, defaulting to KindOther.
func ParseKind(s string) Kind {
	switch Kind(s) {
	case KindFileDrop, KindEmail, KindChat:
		return Kind(s)
	default:
		return KindOther
	}
}

// Category is the business classification assigned by the reasoning step.
type Category string

const (
	CategoryInvoice  Category = "invoice"
	CategoryContract Category = "contract"
	CategoryNote     Category = "note"
	CategoryOther    Category = "other"
)

// ParseCategory maps classifier output to a Category, defaulting to other.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryInvoice, CategoryContract, CategoryNote:
		return Category(s)
	default:
		return CategoryOther
	}
}

// Priority is the ordinal urgency assigned by the reasoning step.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps classifier output to a Priority, defaulting to low.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium:
		return Priority(s)
	default:
		return PriorityLow
	}
}

// Rank orders priorities for comparison; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// State is a task record's position in its lifecycle. The vault area a
// record sits in must always agree with this field.
type State string

const (
	StatePending       State = "pending"
	StateClaimed       State = "claimed"
	StateNeedsApproval State = "needs_approval"
	StateApproved      State = "approved"
	StateRejected      State = "rejected"
	StateDone          State = "done"
	StateQuarantined   State = "quarantined"
)

// Terminal reports whether a state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateQuarantined
}

// legalEdges is the complete transition relation. Anything absent here is
// an illegal transition and Transition will refuse it.
var legalEdges = map[State][]State{
	StatePending:       {StateClaimed},
	StateClaimed:       {StateDone, StateNeedsApproval, StatePending, StateQuarantined},
	StateNeedsApproval: {StateApproved, StateRejected},
	StateApproved:      {StateDone},
	StateRejected:      {StateDone},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to State) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Decision records the human verdict on a record that required approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Record is a task record. One record per ingested item; identity (ID)
// never changes once assigned.
type Record struct {
	ID           string `json:"id"`
	Kind         Kind   `json:"kind"`
	OriginalName string `json:"original_name"`
	Companion    string `json:"companion,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	ContentHash  string `json:"content_hash"`

	State      State `json:"state"`
	RetryCount int   `json:"retry_count"`

	Category         Category   `json:"category,omitempty"`
	Priority         Priority   `json:"priority,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	ActionItems      []string   `json:"action_items,omitempty"`
	Amount           float64    `json:"amount,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	ApprovalRequired bool       `json:"approval_required,omitempty"`

	ApprovalDecision Decision `json:"approval_decision,omitempty"`
	DecidedBy        string   `json:"decided_by,omitempty"`
	FailureReason    string   `json:"failure_reason,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	LastClaimedAt *time.Time `json:"last_claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
}

// New creates a pending record for a freshly ingested item.
func New(kind Kind, originalName string, sizeBytes int64, contentHash string, now time.Time) *Record {
	stem := fmt.Sprintf("TASK_%s_%s_%s",
		now.UTC().Format("20060102_150405"),
		SanitizeName(originalName),
		uuid.New().String()[:8],
	)
	return &Record{
		ID:           stem,
		Kind:         kind,
		OriginalName: originalName,
		SizeBytes:    sizeBytes,
		ContentHash:  contentHash,
		State:        StatePending,
		CreatedAt:    now.UTC(),
	}
}

// NewRejected creates a record born quarantined. Ingestion rejections never
// enter the queue, so they do not traverse the claim path - the record
// exists only to carry the human-readable reason next to the payload.
func NewRejected(kind Kind, originalName string, sizeBytes int64, reason string, now time.Time) *Record {
	rec := New(kind, originalName, sizeBytes, "", now)
	rec.State = StateQuarantined
	rec.FailureReason = reason
	t := now.UTC()
	rec.CompletedAt = &t
	return rec
}

// FileName is the record's filename inside whichever area holds it.
func (r *Record) FileName() string {
	return r.ID + ".json"
}

// CompanionName is the payload filename that travels with the record, or ""
// when the record has no companion.
func (r *Record) CompanionName() string {
	return r.Companion
}

// SetCompanion attaches the original payload under the record's own stem so
// the pair sorts and moves together.
func (r *Record) SetCompanion(originalName string) {
	ext := filepath.Ext(originalName)
	r.Companion = r.ID + ext
}

// Transition moves the record along one legal edge. Terminal states are
// final: once done or quarantined, every call fails.
func (r *Record) Transition(to State) error {
	if r.State.Terminal() {
		return fmt.Errorf("record %s is %s (terminal), cannot transition to %s", r.ID, r.State, to)
	}
	if !CanTransition(r.State, to) {
		return fmt.Errorf("illegal transition %s -> %s for record %s", r.State, to, r.ID)
	}
	r.State = to
	return nil
}

// MarkClaimed transitions to claimed and stamps the claim time. The claim
// time is rewritten on re-queue, which is the only timestamp the data model
// allows to change.
func (r *Record) MarkClaimed(now time.Time) error {
	if err := r.Transition(StateClaimed); err != nil {
		return err
	}
	t := now.UTC()
	r.LastClaimedAt = &t
	return nil
}

// MarkDone transitions to done and stamps completion.
func (r *Record) MarkDone(now time.Time) error {
	if err := r.Transition(StateDone); err != nil {
		return err
	}
	t := now.UTC()
	r.CompletedAt = &t
	return nil
}

// MarkQuarantined transitions to quarantined with a human-readable reason.
// Quarantined records require manual remediation and are never retried.
func (r *Record) MarkQuarantined(reason string, now time.Time) error {
	if err := r.Transition(StateQuarantined); err != nil {
		return err
	}
	r.FailureReason = reason
	t := now.UTC()
	r.CompletedAt = &t
	return nil
}

// MarkDecided applies the human verdict while collapsing the pass-through
// approved/rejected state into done.
func (r *Record) MarkDecided(decision Decision, decidedBy string, now time.Time) error {
	next := StateApproved
	if decision == DecisionRejected {
		next = StateRejected
	}
	if err := r.Transition(next); err != nil {
		return err
	}
	if err := r.Transition(StateDone); err != nil {
		return err
	}
	r.ApprovalDecision = decision
	r.DecidedBy = decidedBy
	t := now.UTC()
	r.DecidedAt = &t
	r.CompletedAt = &t
	return nil
}

// Load reads a record from disk.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", filepath.Base(path), err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("record %s has no id", filepath.Base(path))
	}
	return &rec, nil
}

// Save writes the record atomically into dir under its canonical filename.
func (r *Record) Save(dir string) error {
	return fsutil.AtomicWriteJSON(filepath.Join(dir, r.FileName()), r)
}

// SanitizeName strips a filename stem down to characters safe in record
// names, capped at 80 runes.
func SanitizeName(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	var b strings.Builder
	for _, c := range stem {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "item"
	}
	if len(out) > 80 {
		out = out[:80]
	}
	return out
}
