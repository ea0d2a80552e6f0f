package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rosterhq/roster/model"
)

type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes map[string][]Outcome
	seen     []string
}

func (p *scriptedProcessor) Process(_ context.Context, record *model.RetryRecord) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, record.ID)
	queue := p.outcomes[record.ID]
	if len(queue) == 0 {
		return OutcomeSuccess, nil
	}
	next := queue[0]
	p.outcomes[record.ID] = queue[1:]
	if next == OutcomeRetry {
		return OutcomeRetry, errors.New("still failing")
	}
	return next, nil
}

func TestWorker_ProcessBatchSuccess(t *testing.T) {
	store := NewMemoryStore(testBackoff())
	ctx := context.Background()

	id, _ := store.Save(ctx, propagationRecord(5))

	proc := &scriptedProcessor{outcomes: map[string][]Outcome{}}
	worker := NewWorker(store, proc, 10, time.Minute)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, BatchStats{Processed: 1, Successful: 1}, stats)
	assert.Equal(t, []string{id}, proc.seen)

	count, _ := store.ActiveCount(ctx)
	assert.Equal(t, 0, count)
}

func TestWorker_RetryThenSuccess(t *testing.T) {
	// Scenario: first attempt asks for a retry, second succeeds. The record
	// leaves the active set, nothing reaches the DLQ, and the attempt count
	// stands at 1 at the moment of success.
	store := NewMemoryStore(Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Second})
	ctx := context.Background()

	id, _ := store.Save(ctx, propagationRecord(5))

	proc := &scriptedProcessor{outcomes: map[string][]Outcome{id: {OutcomeRetry}}}
	worker := NewWorker(store, proc, 10, time.Minute)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	record, ok := store.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, record.Attempts)

	time.Sleep(5 * time.Millisecond)

	stats, err = worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.Successful)

	count, _ := store.ActiveCount(ctx)
	assert.Equal(t, 0, count)
	dead, _ := store.DeadLetters(ctx)
	assert.Empty(t, dead)
}

func TestWorker_PermanentFailureDeadLetters(t *testing.T) {
	store := NewMemoryStore(testBackoff())
	ctx := context.Background()

	id, _ := store.Save(ctx, propagationRecord(5))

	proc := &scriptedProcessor{outcomes: map[string][]Outcome{id: {OutcomePermanent}}}
	worker := NewWorker(store, proc, 10, time.Minute)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentFailures)

	dead, _ := store.DeadLetters(ctx)
	assert.Len(t, dead, 1)
}

func TestWorker_PanicTreatedAsRetry(t *testing.T) {
	store := NewMemoryStore(testBackoff())
	ctx := context.Background()

	idPanic, _ := store.Save(ctx, propagationRecord(5))
	idOK, _ := store.Save(ctx, propagationRecord(5))

	worker := NewWorker(store, ProcessorFunc(func(_ context.Context, r *model.RetryRecord) (Outcome, error) {
		if r.ID == idPanic {
			panic("bad payload")
		}
		return OutcomeSuccess, nil
	}), 10, time.Minute)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	// The panicking record did not stop the batch.
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Retried)

	record, ok := store.Get(idPanic)
	assert.True(t, ok)
	assert.Equal(t, 1, record.Attempts)
	assert.Contains(t, record.LastError, "processor panic")
	_, ok = store.Get(idOK)
	assert.False(t, ok)
}

func TestWorker_SkipsClaimedRecords(t *testing.T) {
	store := NewMemoryStore(testBackoff())
	ctx := context.Background()

	id, _ := store.Save(ctx, propagationRecord(5))

	proc := &scriptedProcessor{outcomes: map[string][]Outcome{}}
	worker := NewWorker(store, proc, 10, time.Minute)

	// Another worker grabs the claim between fetch and claim. Simulate by
	// claiming after fetch would have seen the record.
	due, _ := store.FetchDue(ctx, 10)
	assert.Len(t, due, 1)
	ok, _ := store.ClaimRecord(ctx, id, "rival-worker", time.Minute)
	assert.True(t, ok)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, stats.Processed)
	assert.Empty(t, proc.seen)
}

func TestWorker_ErrorOutcomeKeepsPermanent(t *testing.T) {
	store := NewMemoryStore(testBackoff())
	ctx := context.Background()

	id, _ := store.Save(ctx, propagationRecord(5))

	worker := NewWorker(store, ProcessorFunc(func(context.Context, *model.RetryRecord) (Outcome, error) {
		return OutcomePermanent, errors.New("provider gone for good")
	}), 10, time.Minute)

	stats, err := worker.ProcessBatch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, stats.PermanentFailures)

	dead, _ := store.DeadLetters(ctx)
	assert.Len(t, dead, 1)
	assert.Equal(t, "provider gone for good", dead[0].LastError)
	_ = id
}
