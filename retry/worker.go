package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/model"
)

// Outcome is the processor's verdict on one record.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeRetry     Outcome = "RETRY"
	OutcomePermanent Outcome = "PERMANENT_FAILURE"
)

// Processor replays the unit of work a retry record describes.
type Processor interface {
	Process(ctx context.Context, record *model.RetryRecord) (Outcome, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, record *model.RetryRecord) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, record *model.RetryRecord) (Outcome, error) {
	return f(ctx, record)
}

// BatchStats aggregates one ProcessBatch pass.
type BatchStats struct {
	Processed         int `json:"processed"`
	Successful        int `json:"successful"`
	Retried           int `json:"retried"`
	PermanentFailures int `json:"permanent_failures"`
	Skipped           int `json:"skipped"`
}

// Worker drains due retry records on a schedule. Several workers may run
// concurrently against the same store; the claim lease keeps them from
// processing the same record twice.
type Worker struct {
	id        string
	store     Store
	processor Processor
	batchSize int
	lease     time.Duration
}

// NewWorker wires a worker to a store and a processor. Each worker gets a
// unique id used as the claim owner.
func NewWorker(store Store, processor Processor, batchSize int, lease time.Duration) *Worker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if lease <= 0 {
		lease = time.Minute
	}
	return &Worker{
		id:        model.GenerateUUIDWithSuffix("wrk"),
		store:     store,
		processor: processor,
		batchSize: batchSize,
		lease:     lease,
	}
}

// ID returns the worker's claim-owner id.
func (w *Worker) ID() string { return w.id }

// ProcessBatch fetches due records, claims each one and runs the processor.
// Losing a claim race counts the record as skipped. A processor error or
// panic is treated as a retry; one bad record never stops the batch.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats

	due, err := w.store.FetchDue(ctx, w.batchSize)
	if err != nil {
		return stats, err
	}

	for _, record := range due {
		claimed, err := w.store.ClaimRecord(ctx, record.ID, w.id, w.lease)
		if err != nil {
			logrus.Errorf("worker %s: claim %s failed: %v", w.id, record.ID, err)
			stats.Skipped++
			continue
		}
		if !claimed {
			stats.Skipped++
			continue
		}

		stats.Processed++
		outcome := w.safeProcess(ctx, record)

		switch outcome {
		case OutcomeSuccess:
			if err := w.store.MarkSuccess(ctx, record.ID); err != nil {
				logrus.Errorf("worker %s: mark success %s failed: %v", w.id, record.ID, err)
				continue
			}
			stats.Successful++
		case OutcomePermanent:
			if err := w.store.MarkPermanentFailure(ctx, record.ID, record.LastError); err != nil {
				logrus.Errorf("worker %s: dead-letter %s failed: %v", w.id, record.ID, err)
				continue
			}
			stats.PermanentFailures++
		default:
			if err := w.store.IncrementAttempt(ctx, record.ID, record.LastError); err != nil {
				logrus.Errorf("worker %s: increment attempt %s failed: %v", w.id, record.ID, err)
				continue
			}
			stats.Retried++
		}
	}

	return stats, nil
}

// safeProcess runs the processor with panic containment. The record's
// LastError is updated in place so the store calls above can persist it.
func (w *Worker) safeProcess(ctx context.Context, record *model.RetryRecord) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("worker %s: processor panic on %s: %v", w.id, record.ID, rec)
			record.LastError = fmt.Sprintf("processor panic: %v", rec)
			outcome = OutcomeRetry
		}
	}()

	outcome, err := w.processor.Process(ctx, record)
	if err != nil {
		record.LastError = err.Error()
		if outcome != OutcomePermanent {
			outcome = OutcomeRetry
		}
	}
	return outcome
}

// Run polls the store on the given interval until ctx is cancelled. Used by
// the standalone worker command; deployments driven by an external scheduler
// call ProcessBatch directly.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := w.ProcessBatch(ctx)
			if err != nil {
				logrus.Errorf("worker %s: batch failed: %v", w.id, err)
				continue
			}
			if stats.Processed > 0 || stats.Skipped > 0 {
				logrus.Infof("worker %s: processed=%d successful=%d retried=%d dead=%d skipped=%d",
					w.id, stats.Processed, stats.Successful, stats.Retried, stats.PermanentFailures, stats.Skipped)
			}
		}
	}
}
