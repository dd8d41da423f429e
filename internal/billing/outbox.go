package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"carpoolhub/internal/types"
)

// Outbox defaults.
const (
	DefaultOutboxMaxAttempts = 8
	DefaultOutboxBaseBackoff = 30 * time.Second
	DefaultOutboxLease       = 5 * time.Minute
	DefaultAttemptTimeout    = 10 * time.Second

	maxOutboxBackoff = 6 * time.Hour
)

// errPermanent marks task failures that retrying cannot fix.
var errPermanent = errors.New("permanent outbox failure")

// OutboxConfig tunes the delivery policy for best-effort side effects.
type OutboxConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	Lease          time.Duration
	AttemptTimeout time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultOutboxMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultOutboxBaseBackoff
	}
	if c.Lease <= 0 {
		c.Lease = DefaultOutboxLease
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// OutboxRunner delivers outbox tasks: invoice generation and notifications.
// A failed task is rescheduled with exponential backoff until MaxAttempts,
// then parked as failed. Delivery failures never reach the operation that
// enqueued the task.
type OutboxRunner struct {
	store    OutboxStore
	recorder *InvoiceRecorder
	notifier Notifier
	subs     SubscriptionCanceller
	metrics  Metrics
	cfg      OutboxConfig
	logger   *slog.Logger
	now      func() time.Time

	// spawn starts post-commit delivery; inflight tracks it for Wait.
	spawn    func(func())
	inflight sync.WaitGroup
}

// NewOutboxRunner creates an OutboxRunner.
func NewOutboxRunner(store OutboxStore, recorder *InvoiceRecorder, notifier Notifier, subs SubscriptionCanceller, metrics Metrics, cfg OutboxConfig, logger *slog.Logger) *OutboxRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &OutboxRunner{
		store:    store,
		recorder: recorder,
		notifier: notifier,
		subs:     subs,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		spawn:    func(fn func()) { go fn() },
	}
}

// Lease is how long a claimed task stays invisible to other dispatchers.
func (r *OutboxRunner) Lease() time.Duration {
	return r.cfg.Lease
}

// Deliver executes one task and records its outcome. The returned error is the
// task's own failure, already persisted as a retry or a terminal failure.
func (r *OutboxRunner) Deliver(ctx context.Context, task types.OutboxTask) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	execErr := r.execute(attemptCtx, task)
	cancel()

	now := r.now()
	if execErr == nil {
		r.metrics.RecordSideEffect(ctx, task.Kind, true)
		if err := r.store.MarkOutboxDelivered(ctx, task.ID, now); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark outbox task delivered",
				"task_id", task.ID,
				"error", err,
			)
		}
		return nil
	}

	r.metrics.RecordSideEffect(ctx, task.Kind, false)
	attempts := task.Attempts + 1
	if attempts >= r.cfg.MaxAttempts || errors.Is(execErr, errPermanent) {
		r.logger.ErrorContext(ctx, "outbox task failed permanently",
			"task_id", task.ID,
			"kind", string(task.Kind),
			"tenant_id", task.TenantID,
			"attempts", attempts,
			"error", execErr,
		)
		if err := r.store.MarkOutboxFailed(ctx, task.ID, attempts, execErr.Error()); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark outbox task failed", "task_id", task.ID, "error", err)
		}
		return execErr
	}

	next := now.Add(r.backoff(attempts))
	r.logger.WarnContext(ctx, "outbox task failed, will retry",
		"task_id", task.ID,
		"kind", string(task.Kind),
		"tenant_id", task.TenantID,
		"attempts", attempts,
		"next_attempt_at", next.Format(time.RFC3339),
		"error", execErr,
	)
	if err := r.store.MarkOutboxRetry(ctx, task.ID, attempts, next, execErr.Error()); err != nil {
		r.logger.ErrorContext(ctx, "failed to reschedule outbox task", "task_id", task.ID, "error", err)
	}
	return execErr
}

// DeliverAfterCommit attempts freshly committed tasks once, off the caller's
// path. Delivery is detached from the caller's cancellation; each attempt is
// bounded by AttemptTimeout. Tasks still leased when the process dies are
// picked up by the dispatcher once the lease runs out.
func (r *OutboxRunner) DeliverAfterCommit(ctx context.Context, tasks []*types.OutboxTask) {
	if r == nil || len(tasks) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	batch := make([]types.OutboxTask, 0, len(tasks))
	for _, t := range tasks {
		batch = append(batch, *t)
	}

	r.inflight.Add(1)
	r.spawn(func() {
		defer r.inflight.Done()
		for _, t := range batch {
			_ = r.Deliver(ctx, t)
		}
	})
}

// Wait blocks until every post-commit delivery started so far has finished,
// or ctx is done. Call it before shutdown and before a Lambda invocation
// returns.
func (r *OutboxRunner) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *OutboxRunner) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxOutboxBackoff {
			return maxOutboxBackoff
		}
	}
	return d
}

func (r *OutboxRunner) execute(ctx context.Context, task types.OutboxTask) error {
	switch task.Kind {
	case types.OutboxGenerateInvoice:
		var p types.InvoiceTaskPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil || p.TransactionID == "" {
			return fmt.Errorf("%w: malformed invoice payload", errPermanent)
		}
		if r.recorder == nil {
			return fmt.Errorf("%w: no invoice recorder configured", errPermanent)
		}
		_, err := r.recorder.Generate(ctx, p.TransactionID)
		return err
	case types.OutboxNotify:
		var n types.Notification
		if err := json.Unmarshal(task.Payload, &n); err != nil || n.Kind == "" {
			return fmt.Errorf("%w: malformed notification payload", errPermanent)
		}
		if r.notifier == nil {
			return fmt.Errorf("%w: no notifier configured", errPermanent)
		}
		return r.notifier.Notify(ctx, n)
	case types.OutboxCancelSubscription:
		var p types.CancelSubscriptionPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil || p.SubscriptionID == "" {
			return fmt.Errorf("%w: malformed subscription payload", errPermanent)
		}
		if r.subs == nil {
			return fmt.Errorf("%w: no subscription canceller configured", errPermanent)
		}
		return r.subs.CancelSubscription(ctx, p.SubscriptionID)
	default:
		return fmt.Errorf("%w: unknown outbox kind %q", errPermanent, task.Kind)
	}
}

// taskBuffer collects tasks enqueued inside one transaction so they can be
// delivered once it commits.
type taskBuffer struct {
	lease time.Duration
	tasks []*types.OutboxTask
}

func newTaskBuffer(r *OutboxRunner) *taskBuffer {
	lease := DefaultOutboxLease
	if r != nil {
		lease = r.cfg.Lease
	}
	return &taskBuffer{lease: lease}
}

// enqueue inserts the task leased to this process, so the periodic dispatcher
// leaves it alone until the immediate attempt had its chance.
func (b *taskBuffer) enqueue(ctx context.Context, tx Tx, kind types.OutboxKind, tenantID string, payload any, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	task := &types.OutboxTask{
		ID:            uuid.NewString(),
		Kind:          kind,
		TenantID:      tenantID,
		Payload:       raw,
		Status:        types.OutboxPending,
		NextAttemptAt: now,
		LockedUntil:   lo.ToPtr(now.Add(b.lease)),
		CreatedAt:     now,
	}
	if err := tx.EnqueueOutbox(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s task: %w", kind, err)
	}
	b.tasks = append(b.tasks, task)
	return nil
}

func (b *taskBuffer) invoice(ctx context.Context, tx Tx, tenantID, transactionID string, now time.Time) error {
	return b.enqueue(ctx, tx, types.OutboxGenerateInvoice, tenantID, types.InvoiceTaskPayload{TransactionID: transactionID}, now)
}

func (b *taskBuffer) notify(ctx context.Context, tx Tx, n types.Notification, now time.Time) error {
	return b.enqueue(ctx, tx, types.OutboxNotify, n.TenantID, n, now)
}

func (b *taskBuffer) cancelSubscription(ctx context.Context, tx Tx, tenantID, subscriptionID, reason string, now time.Time) error {
	return b.enqueue(ctx, tx, types.OutboxCancelSubscription, tenantID, types.CancelSubscriptionPayload{
		SubscriptionID: subscriptionID,
		Reason:         reason,
	}, now)
}
