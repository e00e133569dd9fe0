package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Togather-Foundation/harvester/internal/locking"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listSource struct {
	runs []runs.Run
}

func (s listSource) ListRuns(_ context.Context, limit int) ([]runs.Run, error) {
	if limit < len(s.runs) {
		return s.runs[:limit], nil
	}
	return s.runs, nil
}

func (s listSource) RunItems(context.Context, string) ([]search.Event, error) { return nil, nil }

type recordingProcessor struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	onRun func()
}

func (p *recordingProcessor) Run(_ context.Context, runID string) (*Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, runID)
	p.mu.Unlock()
	if p.onRun != nil {
		p.onRun()
	}
	if err := p.fail[runID]; err != nil {
		return nil, err
	}
	return &Result{RunID: runID, Capture: CaptureStats{Inserted: 2}, Promote: PromoteStats{Inserted: 2}}, nil
}

type memImportLog struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (l *memImportLog) ImportedRuns(_ context.Context, ids []string) (map[string]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[string]bool{}
	for _, e := range l.entries {
		if e.Status != RunImported {
			continue
		}
		for _, id := range ids {
			if id == e.RunID {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (l *memImportLog) RecordImport(_ context.Context, e LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

type heldLocker struct {
	held     map[string]bool
	released []string
}

func (h *heldLocker) TryLock(_ context.Context, key string) (func(context.Context) error, error) {
	if h.held[key] {
		return nil, locking.ErrNotAcquired
	}
	return func(context.Context) error {
		h.released = append(h.released, key)
		return nil
	}, nil
}

func day(d, h int) time.Time { return time.Date(2025, 6, d, h, 0, 0, 0, time.UTC) }

func sampleRuns() []runs.Run {
	return []runs.Run{
		{ID: "r5", Status: runs.StatusRunning, StartedAt: day(15, 9)},
		{ID: "r4", Status: runs.StatusSucceeded, StartedAt: day(14, 18)},
		{ID: "r3", Status: runs.StatusSucceeded, StartedAt: day(14, 6)},
		{ID: "r2", Status: runs.StatusFailed, StartedAt: day(14, 3)},
		{ID: "r1", Status: runs.StatusSucceeded, StartedAt: day(13, 6)},
	}
}

func TestBatchImporter_Latest(t *testing.T) {
	proc := &recordingProcessor{}
	log := &memImportLog{}
	b := NewBatchImporter(listSource{runs: sampleRuns()}, proc, log, zerolog.Nop())

	res, err := b.Import(context.Background(), Request{Action: ActionLatest})
	require.NoError(t, err)
	assert.Equal(t, []string{"r4", "r3"}, proc.calls)
	require.Len(t, res.Runs, 2)
	assert.Equal(t, RunImported, res.Runs[0].Status)
	require.Len(t, log.entries, 2)
	assert.Equal(t, 2, log.entries[0].Promoted)

	// Imported runs are skipped on the next trigger.
	res, err = b.Import(context.Background(), Request{Action: ActionLatest})
	require.NoError(t, err)
	assert.Empty(t, res.Runs)
	assert.Len(t, proc.calls, 2)
}

func TestBatchImporter_Date(t *testing.T) {
	proc := &recordingProcessor{}
	b := NewBatchImporter(listSource{runs: sampleRuns()}, proc, &memImportLog{}, zerolog.Nop())

	_, err := b.Import(context.Background(), Request{Action: ActionDate, Date: "2025-06-13"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, proc.calls)

	_, err = b.Import(context.Background(), Request{Action: ActionDate, Date: "13/06/2025"})
	require.ErrorIs(t, err, search.ErrInvalidDate)
}

func TestBatchImporter_Runs(t *testing.T) {
	proc := &recordingProcessor{fail: map[string]error{"bad": errors.New("boom")}}
	log := &memImportLog{}
	b := NewBatchImporter(listSource{}, proc, log, zerolog.Nop())

	res, err := b.Import(context.Background(), Request{Action: ActionRuns, RunIDs: []string{"x", " bad ", "x", "", "y"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "bad", "y"}, proc.calls)
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, RunFailed, res.Runs[1].Status)
	assert.Equal(t, "boom", res.Runs[1].Error)
	assert.Equal(t, RunImported, res.Runs[2].Status, "a failed run does not stop the batch")

	imported, err := log.ImportedRuns(context.Background(), []string{"x", "bad", "y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"x": true, "y": true}, imported)

	_, err = b.Import(context.Background(), Request{Action: ActionRuns, RunIDs: []string{" "}})
	assert.ErrorIs(t, err, ErrMissingRunIDs)
}

func TestBatchImporter_List(t *testing.T) {
	log := &memImportLog{entries: []LogEntry{{RunID: "r3", Status: RunImported}, {RunID: "r4", Status: RunFailed}}}
	proc := &recordingProcessor{}
	b := NewBatchImporter(listSource{runs: sampleRuns()}, proc, log, zerolog.Nop(), WithListLimit(3))

	res, err := b.Import(context.Background(), Request{Action: ActionList})
	require.NoError(t, err)
	require.Len(t, res.Listed, 3)
	assert.False(t, res.Listed[1].Imported)
	assert.True(t, res.Listed[2].Imported)
	assert.Empty(t, proc.calls)
}

func TestBatchImporter_UnknownAction(t *testing.T) {
	b := NewBatchImporter(listSource{}, &recordingProcessor{}, &memImportLog{}, zerolog.Nop())
	_, err := b.Import(context.Background(), Request{Action: "everything"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = ParseAction("nope")
	assert.ErrorIs(t, err, ErrUnknownAction)
	a, err := ParseAction(" LATEST ")
	require.NoError(t, err)
	assert.Equal(t, ActionLatest, a)
}

func TestBatchImporter_BudgetDefersRemaining(t *testing.T) {
	now := day(20, 0)
	proc := &recordingProcessor{}
	proc.onRun = func() { now = now.Add(3 * time.Minute) }
	b := NewBatchImporter(listSource{}, proc, &memImportLog{}, zerolog.Nop(),
		WithBudget(5*time.Minute),
		withBatchClock(func() time.Time { return now }),
	)

	res, err := b.Import(context.Background(), Request{Action: ActionRuns, RunIDs: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, proc.calls)
	assert.Equal(t, []string{"c", "d"}, res.Deferred)
}

func TestBatchImporter_LockedRunDeferred(t *testing.T) {
	locker := &heldLocker{held: map[string]bool{"import:run:b": true}}
	proc := &recordingProcessor{}
	log := &memImportLog{}
	b := NewBatchImporter(listSource{}, proc, log, zerolog.Nop(), WithLocker(locker))

	res, err := b.Import(context.Background(), Request{Action: ActionRuns, RunIDs: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, proc.calls)
	assert.Equal(t, []string{"b"}, res.Deferred)
	assert.Equal(t, []string{"import:run:a"}, locker.released)
	assert.Len(t, log.entries, 1)
}
