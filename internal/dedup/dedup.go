// Package dedup is the persisted content-hash index used for ingestion-time
// deduplication. The index is an append-only NDJSON file so that the set of
// seen hashes survives watcher restarts; once a hash is recorded, a second
// task record with the same hash is never created.
package dedup

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/iambrandonn/zoya/internal/ndjson"
)

// entry is one line of the index file.
type entry struct {
	Hash      string    `json:"hash"`
	FirstSeen time.Time `json:"first_seen"`
}

// Index is an open dedup index. Safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *ndjson.Encoder
	seen map[string]time.Time
}

// Open loads the index at path (creating it if absent) and keeps the file
// open for appending.
func Open(path string) (*Index, error) {
	idx := &Index{
		path: path,
		seen: make(map[string]time.Time),
	}

	if existing, err := os.Open(path); err == nil {
		dec := ndjson.NewDecoder(existing)
		for {
			var e entry
			err := dec.Decode(&e)
			if err == io.EOF {
				break
			}
			if err != nil {
				existing.Close()
				return nil, fmt.Errorf("failed to load dedup index: %w", err)
			}
			idx.seen[e.Hash] = e.FirstSeen
		}
		existing.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open dedup index: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup index for append: %w", err)
	}
	idx.file = file
	idx.enc = ndjson.NewEncoder(file)

	return idx, nil
}

// Seen reports whether a content hash has been recorded before.
func (i *Index) Seen(hash string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.seen[hash]
	return ok
}

// Add records a content hash with its first-seen time. Adding a hash that
// is already present is a no-op - first-seen never moves.
func (i *Index) Add(hash string, firstSeen time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.seen[hash]; ok {
		return nil
	}

	e := entry{Hash: hash, FirstSeen: firstSeen.UTC()}
	if err := i.enc.Encode(&e); err != nil {
		return fmt.Errorf("failed to append to dedup index: %w", err)
	}
	i.seen[hash] = e.FirstSeen
	return nil
}

// Len returns the number of recorded hashes.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

// Close closes the underlying index file.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.file != nil {
		return i.file.Close()
	}
	return nil
}
