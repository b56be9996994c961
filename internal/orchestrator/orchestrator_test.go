package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/zoya/internal/approval"
	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/classify"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	vault *vault.Vault
	orch  *Orchestrator
}

func newFixture(t *testing.T, classifier classify.Classifier, rules *approval.Rules) *fixture {
	t.Helper()

	v := vault.New(t.TempDir())
	require.NoError(t, v.Init())

	audit := auditlog.New(v.Dir(vault.AreaLogs), discardLogger())
	t.Cleanup(func() { audit.Close() })

	if rules == nil {
		rules = &approval.Rules{}
	}

	orch := New(Params{
		Vault:        v,
		Classifier:   classifier,
		Rules:        rules,
		Audit:        audit,
		Logger:       discardLogger(),
		MaxRetries:   3,
		ChannelOrder: []string{"chat", "email", "file_drop"},
		PollInterval: 10 * time.Millisecond,
		RecentLimit:  10,
	})
	orch.now = func() time.Time { return testNow }

	return &fixture{vault: v, orch: orch}
}

// enqueue places a pending record plus payload the way ingestion would.
func (f *fixture) enqueue(t *testing.T, kind task.Kind, name string, createdAt time.Time) *task.Record {
	t.Helper()
	rec := task.New(kind, name, 42, "sha256:"+name, createdAt)
	rec.SetCompanion(name)
	require.NoError(t,
		os.WriteFile(f.vault.RecordPath(vault.AreaPending, rec.CompanionName()), []byte("payload"), 0600))
	require.NoError(t, rec.Save(f.vault.Dir(vault.AreaPending)))
	return rec
}

func (f *fixture) loadFrom(t *testing.T, area vault.Area, id string) *task.Record {
	t.Helper()
	rec, err := task.Load(f.vault.RecordPath(area, id+".json"))
	require.NoError(t, err)
	return rec
}

func (f *fixture) count(t *testing.T, area vault.Area) int {
	t.Helper()
	names, err := f.vault.ListRecords(area)
	require.NoError(t, err)
	return len(names)
}

func autoResult(category task.Category) *classify.Result {
	return &classify.Result{
		Category: category,
		Priority: task.PriorityLow,
		Summary:  "routine item",
	}
}

func TestRunCycle_CompletesTask(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryNote)})
	f := newFixture(t, fake, nil)
	rec := f.enqueue(t, task.KindEmail, "digest.md", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	done := f.loadFrom(t, vault.AreaDone, rec.ID)
	assert.Equal(t, task.StateDone, done.State)
	assert.Equal(t, task.CategoryNote, done.Category)
	assert.Equal(t, "routine item", done.Summary)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 0, done.RetryCount)

	// Payload travelled with the record.
	_, err := os.Stat(f.vault.RecordPath(vault.AreaDone, done.CompanionName()))
	assert.NoError(t, err)
	assert.Equal(t, 0, f.count(t, vault.AreaPending))
	assert.Equal(t, 0, f.count(t, vault.AreaProcessing))

	// Dashboard was refreshed.
	_, err = os.Stat(f.vault.DashboardPath())
	assert.NoError(t, err)
}

func TestRunCycle_RoutesToApproval(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: &classify.Result{
		Category: task.CategoryInvoice,
		Priority: task.PriorityHigh,
		Summary:  "pay $1,200 to hosting provider",
		Amount:   1200,
	}})
	f := newFixture(t, fake, approval.DefaultRules())
	rec := f.enqueue(t, task.KindEmail, "invoice.pdf", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	waiting := f.loadFrom(t, vault.AreaNeedsApproval, rec.ID)
	assert.Equal(t, task.StateNeedsApproval, waiting.State)
	assert.Equal(t, task.CategoryInvoice, waiting.Category)
	assert.Nil(t, waiting.CompletedAt)
	assert.Equal(t, 0, f.count(t, vault.AreaDone))
}

func TestRunCycle_AppliesApprovedDecision(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: &classify.Result{
		Category: task.CategoryInvoice, Priority: task.PriorityMedium, Amount: 900,
	}})
	f := newFixture(t, fake, approval.DefaultRules())
	rec := f.enqueue(t, task.KindEmail, "invoice.pdf", testNow)
	require.NoError(t, f.orch.RunCycle(context.Background()))

	// The human approves by moving both files.
	for _, name := range []string{rec.FileName(), rec.CompanionName()} {
		require.NoError(t, os.Rename(
			f.vault.RecordPath(vault.AreaNeedsApproval, name),
			f.vault.RecordPath(vault.AreaApproved, name)))
	}

	require.NoError(t, f.orch.RunCycle(context.Background()))

	done := f.loadFrom(t, vault.AreaDone, rec.ID)
	assert.Equal(t, task.StateDone, done.State)
	assert.Equal(t, task.CategoryInvoice, done.Category)
	assert.Equal(t, task.PriorityMedium, done.Priority)
	assert.Equal(t, task.DecisionApproved, done.ApprovalDecision)
	assert.Equal(t, "human", done.DecidedBy)
	assert.NotNil(t, done.DecidedAt)
	assert.NotNil(t, done.CompletedAt)

	_, err := os.Stat(f.vault.RecordPath(vault.AreaDone, done.CompanionName()))
	assert.NoError(t, err)
}

func TestRunCycle_AppliesRejectedDecision(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: &classify.Result{
		Category: task.CategoryContract,
	}})
	f := newFixture(t, fake, approval.DefaultRules())
	rec := f.enqueue(t, task.KindEmail, "nda.pdf", testNow)
	require.NoError(t, f.orch.RunCycle(context.Background()))

	require.NoError(t, os.Rename(
		f.vault.RecordPath(vault.AreaNeedsApproval, rec.FileName()),
		f.vault.RecordPath(vault.AreaRejected, rec.FileName())))

	require.NoError(t, f.orch.RunCycle(context.Background()))

	done := f.loadFrom(t, vault.AreaDone, rec.ID)
	assert.Equal(t, task.DecisionRejected, done.ApprovalDecision)
	assert.Equal(t, task.StateDone, done.State)
}

func TestRunCycle_MalformedApprovedRecordQuarantined(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryNote)})
	f := newFixture(t, fake, nil)

	// Humans edit the approval folders by hand; a garbled file there must
	// be set aside, not crash the loop on every cycle.
	require.NoError(t, os.WriteFile(
		f.vault.RecordPath(vault.AreaApproved, "TASK_garbled.json"), []byte("{oops"), 0600))
	good := f.enqueue(t, task.KindEmail, "fine.md", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	_, err := os.Stat(f.vault.RecordPath(vault.AreaQuarantine, "TASK_garbled.json"))
	assert.NoError(t, err)
	assert.Equal(t, 0, f.count(t, vault.AreaApproved))

	// The rest of the cycle still ran.
	done := f.loadFrom(t, vault.AreaDone, good.ID)
	assert.Equal(t, task.StateDone, done.State)
}

func TestRunCycle_UndecidableApprovedRecordQuarantined(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryNote)})
	f := newFixture(t, fake, nil)

	// A record dropped into approved/ from the wrong state cannot take the
	// decision transition.
	stray := task.New(task.KindEmail, "stray.md", 42, "sha256:stray", testNow)
	require.NoError(t, stray.Save(f.vault.Dir(vault.AreaApproved)))

	require.NoError(t, f.orch.RunCycle(context.Background()))

	got := f.loadFrom(t, vault.AreaQuarantine, stray.ID)
	assert.Contains(t, got.FailureReason, "cannot apply approved decision")
	assert.Equal(t, 0, f.count(t, vault.AreaApproved))
	assert.Equal(t, 0, f.count(t, vault.AreaDone))
}

func TestRunCycle_MalformedPendingRecordQuarantined(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryNote)})
	f := newFixture(t, fake, nil)

	require.NoError(t, os.WriteFile(
		f.vault.RecordPath(vault.AreaPending, "TASK_broken.json"), []byte("not json"), 0600))
	good := f.enqueue(t, task.KindEmail, "fine.md", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	_, err := os.Stat(f.vault.RecordPath(vault.AreaQuarantine, "TASK_broken.json"))
	assert.NoError(t, err)

	done := f.loadFrom(t, vault.AreaDone, good.ID)
	assert.Equal(t, task.StateDone, done.State)
	assert.Equal(t, 0, f.count(t, vault.AreaPending))
}

func TestRecover_MalformedProcessingRecordQuarantined(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryNote)})
	f := newFixture(t, fake, nil)

	require.NoError(t, os.WriteFile(
		f.vault.RecordPath(vault.AreaProcessing, "TASK_mangled.json"), []byte("::"), 0600))

	require.NoError(t, f.orch.Recover())

	_, err := os.Stat(f.vault.RecordPath(vault.AreaQuarantine, "TASK_mangled.json"))
	assert.NoError(t, err)
	assert.Equal(t, 0, f.count(t, vault.AreaProcessing))
}

func TestRunCycle_RetriesTransientFailure(t *testing.T) {
	fake := classify.NewFake(
		classify.Outcome{Err: errors.New("classifier timed out")},
		classify.Outcome{Result: autoResult(task.CategoryNote)},
	)
	f := newFixture(t, fake, nil)
	rec := f.enqueue(t, task.KindEmail, "receipt.pdf", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	done := f.loadFrom(t, vault.AreaDone, rec.ID)
	assert.Equal(t, task.StateDone, done.State)
	assert.Equal(t, 1, done.RetryCount)
	assert.Empty(t, done.FailureReason)
}

func TestRunCycle_RequeuedTaskWaitsItsTurn(t *testing.T) {
	// First attempt on the failing task, then the other task, then the
	// retry: a requeued record re-enters behind already-pending work.
	fake := classify.NewFake(
		classify.Outcome{Err: errors.New("flaky")},
		classify.Outcome{Result: autoResult(task.CategoryNote)},
		classify.Outcome{Result: autoResult(task.CategoryNote)},
	)
	f := newFixture(t, fake, nil)

	flaky := f.enqueue(t, task.KindEmail, "flaky.md", testNow.Add(-2*time.Minute))
	steady := f.enqueue(t, task.KindEmail, "steady.md", testNow.Add(-time.Minute))

	require.NoError(t, f.orch.RunCycle(context.Background()))

	require.Equal(t, []string{flaky.ID, steady.ID, flaky.ID}, fake.Calls())
	assert.Equal(t, 2, f.count(t, vault.AreaDone))
}

func TestRunCycle_QuarantinesAfterMaxRetries(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Err: errors.New("model unavailable")})
	f := newFixture(t, fake, nil)
	rec := f.enqueue(t, task.KindEmail, "broken.pdf", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	got := f.loadFrom(t, vault.AreaQuarantine, rec.ID)
	assert.Equal(t, task.StateQuarantined, got.State)
	assert.Equal(t, 3, got.RetryCount) // quarantined at the cap, not past it
	assert.Contains(t, got.FailureReason, "model unavailable")
	assert.NotNil(t, got.CompletedAt)

	// Exactly three classification attempts were made, and the record never
	// re-entered the queue after the last one.
	assert.Len(t, fake.Calls(), 3)
	assert.Equal(t, 0, f.count(t, vault.AreaPending))
}

// panicOnce panics on its first call, then delegates.
type panicOnce struct {
	fired bool
	next  classify.Classifier
}

func (p *panicOnce) Classify(ctx context.Context, rec *task.Record, payloadPath string) (*classify.Result, error) {
	if !p.fired {
		p.fired = true
		panic("malformed payload")
	}
	return p.next.Classify(ctx, rec, payloadPath)
}

func TestRunCycle_PanicIsAFailureNotACrash(t *testing.T) {
	fake := &panicOnce{next: classify.NewFake(
		classify.Outcome{Result: autoResult(task.CategoryOther)},
	)}
	f := newFixture(t, fake, nil)
	rec := f.enqueue(t, task.KindChat, "weird.txt", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	done := f.loadFrom(t, vault.AreaDone, rec.ID)
	assert.Equal(t, task.StateDone, done.State)
	assert.Equal(t, 1, done.RetryCount)
}

func TestRunCycle_ChannelOrdering(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)

	// Enqueued out of priority order, and the file drop is oldest.
	f.enqueue(t, task.KindFileDrop, "doc.pdf", testNow.Add(-time.Hour))
	f.enqueue(t, task.KindEmail, "mail.md", testNow.Add(-30*time.Minute))
	f.enqueue(t, task.KindChat, "msg.txt", testNow)

	require.NoError(t, f.orch.RunCycle(context.Background()))

	calls := fake.Calls()
	require.Len(t, calls, 3)
	byID := func(area vault.Area) map[string]task.Kind {
		names, err := f.vault.ListRecords(area)
		require.NoError(t, err)
		out := make(map[string]task.Kind, len(names))
		for _, n := range names {
			rec, err := task.Load(f.vault.RecordPath(area, n))
			require.NoError(t, err)
			out[rec.ID] = rec.Kind
		}
		return out
	}
	kinds := byID(vault.AreaDone)
	assert.Equal(t, task.KindChat, kinds[calls[0]])
	assert.Equal(t, task.KindEmail, kinds[calls[1]])
	assert.Equal(t, task.KindFileDrop, kinds[calls[2]])
}

func TestRecover_RequeuesInterruptedTask(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)

	// A previous process died mid-flight: claimed record in processing.
	rec := task.New(task.KindEmail, "stuck.pdf", 42, "sha256:stuck", testNow)
	require.NoError(t, rec.MarkClaimed(testNow))
	require.NoError(t, rec.Save(f.vault.Dir(vault.AreaProcessing)))

	require.NoError(t, f.orch.Recover())

	got := f.loadFrom(t, vault.AreaPending, rec.ID)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.FailureReason, "interrupted by restart")
	assert.Equal(t, 0, f.count(t, vault.AreaProcessing))
}

func TestRecover_QuarantinesExhaustedTask(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)

	rec := task.New(task.KindEmail, "cursed.pdf", 42, "sha256:cursed", testNow)
	require.NoError(t, rec.MarkClaimed(testNow))
	rec.RetryCount = 2
	require.NoError(t, rec.Save(f.vault.Dir(vault.AreaProcessing)))

	require.NoError(t, f.orch.Recover())

	got := f.loadFrom(t, vault.AreaQuarantine, rec.ID)
	assert.Equal(t, task.StateQuarantined, got.State)
	assert.Equal(t, 3, got.RetryCount)
}

func TestRecover_AdoptsUnclaimedRecord(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)

	// Crash landed between the claim rename and the claim save: the record
	// sits in processing but still says pending.
	rec := task.New(task.KindEmail, "limbo.pdf", 42, "sha256:limbo", testNow)
	require.NoError(t, rec.Save(f.vault.Dir(vault.AreaProcessing)))

	require.NoError(t, f.orch.Recover())

	got := f.loadFrom(t, vault.AreaPending, rec.ID)
	assert.Equal(t, task.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRunOnce_DrainsQueue(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)
	f.enqueue(t, task.KindEmail, "a.md", testNow)
	f.enqueue(t, task.KindEmail, "b.md", testNow.Add(time.Second))

	require.NoError(t, f.orch.RunOnce(context.Background()))

	assert.Equal(t, 0, f.count(t, vault.AreaPending))
	assert.Equal(t, 2, f.count(t, vault.AreaDone))
}

func TestRun_StopsOnCancel(t *testing.T) {
	fake := classify.NewFake(classify.Outcome{Result: autoResult(task.CategoryOther)})
	f := newFixture(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop on cancel")
	}
}
