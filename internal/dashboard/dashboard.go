// Package dashboard aggregates vault state into a human-readable summary.
// The summary is derived entirely from the filesystem, so it can be rebuilt
// at any time and is written after every cycle that changed something.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iambrandonn/zoya/internal/fsutil"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
)

// Item is one task surfaced on the dashboard.
type Item struct {
	ID           string
	OriginalName string
	Kind         task.Kind
	Category     task.Category
	Priority     task.Priority
	Summary      string
	Reason       string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Snapshot is a point-in-time view of the whole vault.
type Snapshot struct {
	GeneratedAt   time.Time
	Counts        map[vault.Area]int
	AwaitingHuman []Item
	RecentDone    []Item
	Quarantined   []Item
}

// Build walks the vault and assembles a snapshot. Missing areas count as
// empty so a snapshot can be taken against a partially initialized vault.
// recentLimit caps the completed-task list; quarantine is never capped.
func Build(v *vault.Vault, recentLimit int, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		GeneratedAt: now.UTC(),
		Counts:      make(map[vault.Area]int, len(vault.Areas())),
	}

	for _, area := range vault.Areas() {
		var n int
		var err error
		switch area {
		case vault.AreaInbox, vault.AreaLogs:
			// No records here, only raw drops and log files.
			n, err = v.CountFiles(area)
		default:
			// Count records, not their companion payloads.
			var names []string
			names, err = v.ListRecords(area)
			n = len(names)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", area, err)
		}
		snap.Counts[area] = n
	}

	var err error
	if snap.AwaitingHuman, err = collect(v, vault.AreaNeedsApproval); err != nil {
		return nil, err
	}
	if snap.Quarantined, err = collect(v, vault.AreaQuarantine); err != nil {
		return nil, err
	}
	if snap.RecentDone, err = collect(v, vault.AreaDone); err != nil {
		return nil, err
	}

	// Newest completions first, capped.
	sort.Slice(snap.RecentDone, func(i, j int) bool {
		a, b := snap.RecentDone[i].CompletedAt, snap.RecentDone[j].CompletedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	if recentLimit > 0 && len(snap.RecentDone) > recentLimit {
		snap.RecentDone = snap.RecentDone[:recentLimit]
	}

	return snap, nil
}

// collect loads every record in an area. Records that fail to parse are
// skipped rather than failing the whole snapshot - a corrupt record must
// not blind the dashboard to everything else.
func collect(v *vault.Vault, area vault.Area) ([]Item, error) {
	names, err := v.ListRecords(area)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", area, err)
	}

	items := make([]Item, 0, len(names))
	for _, name := range names {
		rec, err := task.Load(v.RecordPath(area, name))
		if err != nil {
			continue
		}
		items = append(items, Item{
			ID:           rec.ID,
			OriginalName: rec.OriginalName,
			Kind:         rec.Kind,
			Category:     rec.Category,
			Priority:     rec.Priority,
			Summary:      rec.Summary,
			Reason:       rec.FailureReason,
			CreatedAt:    rec.CreatedAt,
			CompletedAt:  rec.CompletedAt,
		})
	}
	return items, nil
}

// Markdown renders the snapshot as the vault's dashboard document.
func (s *Snapshot) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Zoya Dashboard\n\n")
	fmt.Fprintf(&b, "Generated: %s\n\n", s.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Queue\n\n")
	fmt.Fprintf(&b, "| Area | Items |\n|---|---|\n")
	for _, area := range vault.Areas() {
		if area == vault.AreaLogs {
			continue
		}
		fmt.Fprintf(&b, "| %s | %d |\n", area, s.Counts[area])
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "## Awaiting Approval (%d)\n\n", len(s.AwaitingHuman))
	if len(s.AwaitingHuman) == 0 {
		b.WriteString("Nothing waiting on you.\n\n")
	} else {
		for _, it := range s.AwaitingHuman {
			fmt.Fprintf(&b, "- **%s** (%s, %s/%s)", it.OriginalName, it.Kind, it.Category, it.Priority)
			if it.Summary != "" {
				fmt.Fprintf(&b, " - %s", it.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Recently Completed (%d)\n\n", len(s.RecentDone))
	if len(s.RecentDone) == 0 {
		b.WriteString("Nothing completed yet.\n\n")
	} else {
		for _, it := range s.RecentDone {
			fmt.Fprintf(&b, "- %s (%s)", it.OriginalName, it.Category)
			if it.CompletedAt != nil {
				fmt.Fprintf(&b, " at %s", it.CompletedAt.Format("2006-01-02 15:04"))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Quarantined (%d)\n\n", len(s.Quarantined))
	if len(s.Quarantined) == 0 {
		b.WriteString("Quarantine is empty.\n")
	} else {
		for _, it := range s.Quarantined {
			fmt.Fprintf(&b, "- %s: %s\n", it.OriginalName, it.Reason)
		}
	}

	return b.String()
}

// Write atomically replaces the vault's dashboard document.
func (s *Snapshot) Write(v *vault.Vault) error {
	if err := fsutil.AtomicWrite(v.DashboardPath(), []byte(s.Markdown())); err != nil {
		return fmt.Errorf("failed to write dashboard: %w", err)
	}
	return nil
}
