// Package vault defines the queue directory tree that is Zoya's entire
// persisted state. The directory a record sits in *is* its authoritative
// state; the fields inside the record are metadata. Watchers, the
// orchestrator, and the human reviewer all share this layout, and the only
// mutation primitive any of them needs is an atomic rename.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Area is one state-bearing subdirectory of the vault.
type Area string

const (
	AreaInbox         Area = "inbox"
	AreaPending       Area = "pending"
	AreaProcessing    Area = "processing"
	AreaNeedsApproval Area = "needs_approval"
	AreaApproved      Area = "approved"
	AreaRejected      Area = "rejected"
	AreaDone          Area = "done"
	AreaQuarantine    Area = "quarantine"
	AreaLogs          Area = "logs"
)

// Areas returns every vault subdirectory, in the order the dashboard
// reports them.
func Areas() []Area {
	return []Area{
		AreaInbox,
		AreaPending,
		AreaProcessing,
		AreaNeedsApproval,
		AreaApproved,
		AreaRejected,
		AreaDone,
		AreaQuarantine,
		AreaLogs,
	}
}

// RecordPrefix is the filename prefix shared by all task record files.
const RecordPrefix = "TASK_"

// Vault is a handle on one queue directory tree.
type Vault struct {
	root string
}

// New creates a vault handle rooted at dir. It does not touch the
// filesystem; call Init or Check first.
func New(root string) *Vault {
	return &Vault{root: root}
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// Dir returns the absolute path of an area.
func (v *Vault) Dir(area Area) string {
	return filepath.Join(v.root, string(area))
}

// RecordPath returns the path a record file would have in the given area.
func (v *Vault) RecordPath(area Area, name string) string {
	return filepath.Join(v.Dir(area), name)
}

// DashboardPath is the single summary artifact the aggregator overwrites.
func (v *Vault) DashboardPath() string {
	return filepath.Join(v.root, "dashboard.md")
}

// DedupIndexPath is the persisted content-hash index.
func (v *Vault) DedupIndexPath() string {
	return filepath.Join(v.root, "dedup.ndjson")
}

// LockPath is the orchestrator's advisory PID lock file.
func (v *Vault) LockPath() string {
	return filepath.Join(v.root, "orchestrator.lock")
}

// Init creates the vault root and all areas with 0700 permissions.
// Idempotent - safe to call multiple times.
func (v *Vault) Init() error {
	for _, area := range Areas() {
		if err := os.MkdirAll(v.Dir(area), 0700); err != nil {
			return fmt.Errorf("failed to create %s area: %w", area, err)
		}
	}
	return nil
}

// Check verifies the vault exists and has every area. A missing tree at
// startup is an infrastructure error and must fail loudly, not be papered
// over with retries.
func (v *Vault) Check() error {
	info, err := os.Stat(v.root)
	if os.IsNotExist(err) {
		return fmt.Errorf("vault root %s does not exist (run 'zoya init' first)", v.root)
	}
	if err != nil {
		return fmt.Errorf("failed to stat vault root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root %s is not a directory", v.root)
	}

	for _, area := range Areas() {
		info, err := os.Stat(v.Dir(area))
		if os.IsNotExist(err) {
			return fmt.Errorf("vault area %s is missing (run 'zoya init' first)", area)
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s area: %w", area, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault area %s is not a directory", area)
		}
	}
	return nil
}

// ListRecords returns the task record filenames in an area, sorted by name.
// Record names start with a UTC timestamp, so name order is arrival order.
// A missing area reads as empty - the dashboard counts it as zero.
func (v *Vault) ListRecords(area Area) ([]string, error) {
	entries, err := os.ReadDir(v.Dir(area))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s area: %w", area, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, RecordPrefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// CountFiles returns the number of regular files in an area, excluding
// hidden files. Missing areas count as zero.
func (v *Vault) CountFiles(area Area) (int, error) {
	entries, err := os.ReadDir(v.Dir(area))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s area: %w", area, err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		count++
	}
	return count, nil
}
