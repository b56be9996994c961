package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/dedup"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	vault    *vault.Vault
	index    *dedup.Index
	ingestor *Ingestor
	inbox    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v := vault.New(t.TempDir())
	require.NoError(t, v.Init())

	index, err := dedup.Open(v.DedupIndexPath())
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })

	audit := auditlog.New(v.Dir(vault.AreaLogs), discardLogger())
	t.Cleanup(func() { audit.Close() })

	ing := NewIngestor(Params{
		Vault:             v,
		Index:             index,
		Audit:             audit,
		Logger:            discardLogger(),
		AllowedExtensions: []string{".txt", ".md", ".pdf"},
		MaxBytes:          1024,
		StabilityInterval: time.Millisecond,
		StabilityChecks:   2,
	})

	return &fixture{
		vault:    v,
		index:    index,
		ingestor: ing,
		inbox:    v.Dir(vault.AreaInbox),
	}
}

func (f *fixture) drop(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.inbox, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func loadOnly(t *testing.T, v *vault.Vault, area vault.Area) *task.Record {
	t.Helper()
	names, err := v.ListRecords(area)
	require.NoError(t, err)
	require.Len(t, names, 1)
	rec, err := task.Load(v.RecordPath(area, names[0]))
	require.NoError(t, err)
	return rec
}

func TestIngestFile_QueuesPending(t *testing.T) {
	f := newFixture(t)
	path := f.drop(t, "meeting notes.txt", "discuss Q3 budget")

	rec, err := f.ingestor.IngestFile(path, task.KindFileDrop)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, task.StatePending, rec.State)
	assert.Equal(t, "meeting notes.txt", rec.OriginalName)
	assert.Equal(t, int64(17), rec.SizeBytes)

	// Payload left the source and arrived next to the record.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	got := loadOnly(t, f.vault, vault.AreaPending)
	assert.Equal(t, rec.ID, got.ID)
	body, err := os.ReadFile(f.vault.RecordPath(vault.AreaPending, rec.CompanionName()))
	require.NoError(t, err)
	assert.Equal(t, "discuss Q3 budget", string(body))

	assert.True(t, f.index.Seen(rec.ContentHash))
}

func TestIngestFile_JunkIgnoredInPlace(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{".DS_Store", "Thumbs.db", "desktop.ini", "~lockfile", ".hidden"} {
		path := f.drop(t, name, "noise")

		rec, err := f.ingestor.IngestFile(path, task.KindFileDrop)
		require.NoError(t, err)
		assert.Nil(t, rec, name)

		// Junk is left alone, never quarantined.
		_, err = os.Stat(path)
		assert.NoError(t, err, name)
	}

	names, err := f.vault.ListRecords(vault.AreaQuarantine)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestIngestFile_VanishedFileIsNoop(t *testing.T) {
	f := newFixture(t)

	rec, err := f.ingestor.IngestFile(filepath.Join(f.inbox, "gone.txt"), task.KindFileDrop)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestIngestFile_UnsupportedExtension(t *testing.T) {
	f := newFixture(t)
	path := f.drop(t, "malware.exe", "MZ")

	rec, err := f.ingestor.IngestFile(path, task.KindFileDrop)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, task.StateQuarantined, rec.State)
	assert.Contains(t, rec.FailureReason, ".exe")

	// Payload and record both live in quarantine now.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.vault.RecordPath(vault.AreaQuarantine, rec.CompanionName()))
	assert.NoError(t, err)
	got := loadOnly(t, f.vault, vault.AreaQuarantine)
	assert.Equal(t, rec.ID, got.ID)
}

func TestIngestFile_OversizeQuarantined(t *testing.T) {
	f := newFixture(t)
	path := f.drop(t, "big.txt", string(make([]byte, 2048)))

	rec, err := f.ingestor.IngestFile(path, task.KindFileDrop)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, task.StateQuarantined, rec.State)
	assert.Contains(t, rec.FailureReason, "too large")
}

func TestIngestFile_NeverStableQuarantined(t *testing.T) {
	f := newFixture(t)
	// A zero-byte file never counts as stable.
	path := f.drop(t, "empty.txt", "")

	rec, err := f.ingestor.IngestFile(path, task.KindFileDrop)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, task.StateQuarantined, rec.State)
	assert.Contains(t, rec.FailureReason, "never finished writing")
}

func TestIngestFile_DuplicateDroppedSilently(t *testing.T) {
	f := newFixture(t)

	first, err := f.ingestor.IngestFile(f.drop(t, "a.txt", "same bytes"), task.KindFileDrop)
	require.NoError(t, err)
	require.NotNil(t, first)

	dupPath := f.drop(t, "b.txt", "same bytes")
	second, err := f.ingestor.IngestFile(dupPath, task.KindFileDrop)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Duplicate payload is removed, not queued and not quarantined.
	_, err = os.Stat(dupPath)
	assert.True(t, os.IsNotExist(err))
	names, err := f.vault.ListRecords(vault.AreaPending)
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestIngestBytes_QueuesPending(t *testing.T) {
	f := newFixture(t)

	rec, err := f.ingestor.IngestBytes("chat from alice.txt", []byte("are we still on for 3pm?"), task.KindChat)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, task.StatePending, rec.State)
	assert.Equal(t, task.KindChat, rec.Kind)

	body, err := os.ReadFile(f.vault.RecordPath(vault.AreaPending, rec.CompanionName()))
	require.NoError(t, err)
	assert.Equal(t, "are we still on for 3pm?", string(body))
}

func TestIngestBytes_Oversize(t *testing.T) {
	f := newFixture(t)

	rec, err := f.ingestor.IngestBytes("huge.txt", make([]byte, 4096), task.KindChat)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, task.StateQuarantined, rec.State)

	// Nothing reached the queue.
	names, err := f.vault.ListRecords(vault.AreaPending)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestIngestBytes_Duplicate(t *testing.T) {
	f := newFixture(t)

	first, err := f.ingestor.IngestBytes("m1.txt", []byte("ping"), task.KindChat)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.ingestor.IngestBytes("m2.txt", []byte("ping"), task.KindChat)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestSweep_IngestsExistingFiles(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "one.txt", "first")
	f.drop(t, "two.txt", "second")
	f.drop(t, ".DS_Store", "noise")

	w := NewWatcher(f.inbox, task.KindFileDrop, f.ingestor, discardLogger())
	require.NoError(t, w.Sweep())

	names, err := f.vault.ListRecords(vault.AreaPending)
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestRun_PicksUpNewDrop(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := NewWatcher(f.inbox, task.KindFileDrop, f.ingestor, discardLogger())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watch a moment to register before dropping the file.
	time.Sleep(100 * time.Millisecond)
	f.drop(t, "late.txt", "arrived after startup")

	deadline := time.After(3 * time.Second)
	for {
		names, err := f.vault.ListRecords(vault.AreaPending)
		require.NoError(t, err)
		if len(names) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("drop was never ingested")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestChannelRank(t *testing.T) {
	order := []string{"chat", "email", "file_drop"}

	assert.Equal(t, 0, ChannelRank(task.KindChat, order))
	assert.Equal(t, 1, ChannelRank(task.KindEmail, order))
	assert.Equal(t, 2, ChannelRank(task.KindFileDrop, order))
	assert.Equal(t, 3, ChannelRank(task.KindOther, order))
	assert.Equal(t, 0, ChannelRank(task.KindEmail, nil))
}
