// Package classify abstracts the external reasoning step. The orchestrator
// only sees the Classifier interface: one production implementation shells
// out to a CLI AI tool, one fake produces deterministic results so the state
// machine is testable without any external service.
package classify

import (
	"context"
	"time"

	"github.com/iambrandonn/zoya/internal/task"
)

// Result is the structured classification the reasoning step returns.
type Result struct {
	Category         task.Category
	Priority         task.Priority
	Summary          string
	ActionItems      []string
	ApprovalRequired bool
	Amount           float64
	Deadline         *time.Time
}

// Apply writes the classification onto a record. Category and priority are
// set exactly once, by this call.
func (res *Result) Apply(rec *task.Record) {
	rec.Category = res.Category
	rec.Priority = res.Priority
	rec.Summary = res.Summary
	rec.ActionItems = res.ActionItems
	rec.ApprovalRequired = res.ApprovalRequired
	rec.Amount = res.Amount
	rec.Deadline = res.Deadline
}

// Classifier is the reasoning-step contract. Implementations must honor
// ctx cancellation; a hung call is the caller's timeout to enforce.
type Classifier interface {
	Classify(ctx context.Context, rec *task.Record, payloadPath string) (*Result, error)
}
