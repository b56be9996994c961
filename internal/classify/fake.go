package classify

import (
	"context"
	"sync"

	"github.com/iambrandonn/zoya/internal/task"
)

// Outcome is one scripted response for the fake classifier.
type Outcome struct {
	Result *Result
	Err    error
}

// Fake is a deterministic Classifier for tests. It replays a script of
// outcomes in order and repeats the last one when the script runs out.
type Fake struct {
	mu     sync.Mutex
	script []Outcome
	calls  []string
}

// NewFake creates a fake classifier with the given script.
func NewFake(script ...Outcome) *Fake {
	return &Fake{script: script}
}

// Classify returns the next scripted outcome and records the call.
func (f *Fake) Classify(_ context.Context, rec *task.Record, _ string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, rec.ID)

	if len(f.script) == 0 {
		return &Result{Category: task.CategoryOther, Priority: task.PriorityLow}, nil
	}

	idx := len(f.calls) - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	out := f.script[idx]
	return out.Result, out.Err
}

// Calls returns the record IDs classified so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
