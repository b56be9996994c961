// Package approval decides which processed records must pause for a human
// decision before completing. The decision is a pure function of the record
// and a configurable rule table - no I/O, so the gate is trivially testable.
package approval

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iambrandonn/zoya/internal/task"
)

// Rules is the HITL rule table, loaded from YAML.
type Rules struct {
	// AlwaysCategories lists categories that require approval regardless of
	// any other field.
	AlwaysCategories []string `yaml:"always_categories"`

	// PriorityAtLeast requires approval for any record at or above this
	// priority. Empty disables the rule.
	PriorityAtLeast string `yaml:"priority_at_least"`

	// AmountOver requires approval when the classifier extracted an amount
	// above this threshold. Zero disables the rule.
	AmountOver float64 `yaml:"amount_over"`

	// DeadlineWithinDays requires approval when the record carries a
	// deadline this close or closer. Zero disables the rule.
	DeadlineWithinDays int `yaml:"deadline_within_days"`

	// OutboundChannels lists origin channels whose items imply an outbound
	// communication and therefore always need sign-off.
	OutboundChannels []string `yaml:"outbound_channels"`
}

// DefaultRules mirrors the shipped rule table: invoices and contracts are
// gated, as is anything over $500 or due within a week.
func DefaultRules() *Rules {
	return &Rules{
		AlwaysCategories:   []string{"invoice", "contract"},
		AmountOver:         500,
		DeadlineWithinDays: 7,
	}
}

// LoadRules reads a rule table from a YAML file. An empty path returns the
// defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval rules %s: %w", path, err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse approval rules %s: %w", path, err)
	}
	return &rules, nil
}

// Required reports whether a record must go through the approval gate.
// An explicit approval_required flag from the classifier short-circuits
// to true before any rule is consulted.
func (r *Rules) Required(rec *task.Record, now time.Time) bool {
	if rec.ApprovalRequired {
		return true
	}

	for _, cat := range r.AlwaysCategories {
		if rec.Category == task.Category(cat) {
			return true
		}
	}

	if r.PriorityAtLeast != "" {
		floor := task.ParsePriority(r.PriorityAtLeast)
		if rec.Priority != "" && rec.Priority.Rank() >= floor.Rank() {
			return true
		}
	}

	if r.AmountOver > 0 && rec.Amount > r.AmountOver {
		return true
	}

	if r.DeadlineWithinDays > 0 && rec.Deadline != nil {
		cutoff := now.Add(time.Duration(r.DeadlineWithinDays) * 24 * time.Hour)
		if !rec.Deadline.After(cutoff) {
			return true
		}
	}

	for _, ch := range r.OutboundChannels {
		if rec.Kind == task.Kind(ch) {
			return true
		}
	}

	return false
}
