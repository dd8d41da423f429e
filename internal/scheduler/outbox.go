package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"carpoolhub/internal/types"
)

// Dispatcher defaults.
const (
	DefaultOutboxBatchSize   = 50
	DefaultOutboxConcurrency = 8
	DefaultOutboxMaxBatches  = 20
)

// OutboxClaimer leases due outbox tasks.
type OutboxClaimer interface {
	ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]types.OutboxTask, error)
}

// OutboxDeliverer executes a claimed task and persists its outcome.
// Implemented by billing.OutboxRunner.
type OutboxDeliverer interface {
	Lease() time.Duration
	Deliver(ctx context.Context, task types.OutboxTask) error
}

// DispatchResult summarises one dispatch run.
type DispatchResult struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// OutboxDispatcher retries outbox tasks whose immediate post-commit attempt
// failed or never happened. Tasks are claimed in batches and delivered with
// bounded concurrency; a failing task is rescheduled by the deliverer and
// does not abort the batch.
type OutboxDispatcher struct {
	claimer     OutboxClaimer
	deliverer   OutboxDeliverer
	batchSize   int
	concurrency int
	maxBatches  int
	logger      *slog.Logger
}

// DispatcherOption customises an OutboxDispatcher.
type DispatcherOption func(*OutboxDispatcher)

// WithBatchSize sets how many tasks are claimed per batch.
func WithBatchSize(n int) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of in-flight deliveries.
func WithConcurrency(n int) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithMaxBatches caps the batches claimed in a single run so one invocation
// stays inside the Lambda timeout.
func WithMaxBatches(n int) DispatcherOption {
	return func(d *OutboxDispatcher) {
		if n > 0 {
			d.maxBatches = n
		}
	}
}

// NewOutboxDispatcher creates an OutboxDispatcher.
func NewOutboxDispatcher(claimer OutboxClaimer, deliverer OutboxDeliverer, logger *slog.Logger, opts ...DispatcherOption) *OutboxDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &OutboxDispatcher{
		claimer:     claimer,
		deliverer:   deliverer,
		batchSize:   DefaultOutboxBatchSize,
		concurrency: DefaultOutboxConcurrency,
		maxBatches:  DefaultOutboxMaxBatches,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchDue delivers every task due at now, batch by batch, until a batch
// comes back short or the batch cap is reached.
func (d *OutboxDispatcher) DispatchDue(ctx context.Context, now time.Time) (DispatchResult, error) {
	var result DispatchResult

	for batch := 0; batch < d.maxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		tasks, err := d.claimer.ClaimDueOutbox(ctx, now, d.deliverer.Lease(), d.batchSize)
		if err != nil {
			return result, fmt.Errorf("claiming outbox tasks: %w", err)
		}
		if len(tasks) == 0 {
			break
		}
		result.Claimed += len(tasks)

		delivered, failed := d.deliverBatch(ctx, tasks)
		result.Delivered += delivered
		result.Failed += failed

		if len(tasks) < d.batchSize {
			break
		}
	}

	d.logger.InfoContext(ctx, "outbox dispatch complete",
		"claimed", result.Claimed,
		"delivered", result.Delivered,
		"failed", result.Failed,
	)
	return result, nil
}

func (d *OutboxDispatcher) deliverBatch(ctx context.Context, tasks []types.OutboxTask) (int, int) {
	var delivered, failed atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, task := range tasks {
		g.Go(func() error {
			if err := d.deliverer.Deliver(gCtx, task); err != nil {
				d.logger.WarnContext(gCtx, "outbox task delivery failed",
					"task_id", task.ID,
					"kind", string(task.Kind),
					"tenant_id", task.TenantID,
					"attempts", task.Attempts+1,
					"error", err,
				)
				failed.Add(1)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load()), int(failed.Load())
}
