// Package main is the entrypoint for the billing maintenance Lambda.
//
// The Lambda is a maintenance multiplexer: EventBridge rules send a
// MaintenancePayload naming the task, and the handler routes it to the
// matching engine job.
//
// Handler flow:
//  1. Parse the payload and determine the reference time.
//  2. Acquire a job lock so overlapping invocations do not run the same task.
//  3. Switch on the TaskType and call the job.
//  4. Record the run in job_history.
//  5. Wait for post-commit deliveries the task started before returning,
//     since Lambda freezes the process once the handler returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"carpoolhub/internal/app"
	"carpoolhub/internal/billing"
	"carpoolhub/internal/config"
	"carpoolhub/internal/scheduler"
)

// lockTTL covers the Lambda timeout with margin. A crashed run frees the
// task once it expires.
const lockTTL = 15 * time.Minute

// ServiceRegistry holds the jobs the multiplexer can route to. Fields are
// interfaces so the handler can be tested without a database.
type ServiceRegistry struct {
	Overrides OverrideSweeper
	Outbox    OutboxDispatcher
	Grace     GraceEnforcer
}

// OverrideSweeper ends temporary overrides past their end date.
type OverrideSweeper interface {
	SweepExpiredOverrides(ctx context.Context, now time.Time) (billing.SweepResult, error)
}

// OutboxDispatcher retries due outbox side effects.
type OutboxDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) (scheduler.DispatchResult, error)
}

// GraceEnforcer downgrades tenants whose payment grace period ran out.
type GraceEnforcer interface {
	EnforcePaymentGrace(ctx context.Context, now time.Time) (int, error)
}

// PendingDeliveries waits for side effects started in the background.
type PendingDeliveries interface {
	Wait(ctx context.Context) error
}

// JobLocker abstracts the distributed lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies for the maintenance Lambda handler function.
type Handler struct {
	Services   ServiceRegistry
	JobLock    JobLocker
	JobHistory JobHistorian
	Pending    PendingDeliveries
	WorkerID   string
	Logger     *slog.Logger
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "maintenance handler invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock",
			"lock_id", lockID,
			"error", err,
		)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock not acquired, another worker is processing",
			"lock_id", lockID,
		)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	// Every task is idempotent, so the lock only guards against overlap and
	// is dropped as soon as the run ends.
	defer func() {
		if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock",
				"lock_id", lockID,
				"error", err,
			)
		}
	}()

	jobID, err := h.JobHistory.Start(ctx, taskStr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job history",
			"task", taskStr,
			"error", err,
		)
		// Run anyway; jobID 0 skips Finish.
		jobID = 0
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)
	if h.Pending != nil {
		if err := h.Pending.Wait(ctx); err != nil {
			logger.WarnContext(ctx, "post-commit deliveries unfinished, leaving them to the dispatcher",
				"task", taskStr,
				"error", err,
			)
		}
	}

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if jobID != 0 {
		if finishErr := h.JobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"task", taskStr,
				"error", finishErr,
			)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result,
		"task", taskStr,
		"items", items,
	)
	return result, nil
}

// dispatch routes a TaskType to its job and returns the number of items the
// job handled.
func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskSweepOverrides:
		res, err := h.Services.Overrides.SweepExpiredOverrides(ctx, now)
		if err == nil && res.Failed > 0 {
			err = fmt.Errorf("%d of %d expired overrides could not be restored", res.Failed, res.Expired)
		}
		return res.Restored, err

	case scheduler.TaskDispatchOutbox:
		res, err := h.Services.Outbox.DispatchDue(ctx, now)
		return res.Delivered, err

	case scheduler.TaskEnforcePaymentGrace:
		return h.Services.Grace.EnforcePaymentGrace(ctx, now)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("maintenance Lambda initializing (cold start)")

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})).With("service", cfg.Service)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize billing engine", "error", err)
		os.Exit(1)
	}

	// Unique per Lambda instance; identifies lock ownership.
	workerID := uuid.New().String()

	handler := &Handler{
		Services: ServiceRegistry{
			Overrides: engine.Overrides,
			Outbox:    scheduler.NewOutboxDispatcher(engine.Store, engine.Outbox, logger),
			Grace:     engine.Grace,
		},
		JobLock:    engine.JobLocks,
		JobHistory: engine.JobHistory,
		Pending:    engine.Outbox,
		WorkerID:   workerID,
		Logger:     logger,
	}

	logger.Info("maintenance Lambda initialized",
		"worker_id", workerID,
		"version", cfg.Build.Version,
	)

	lambda.Start(handler.Handle)
}
