// Package scheduler holds the time-driven billing jobs run by the maintenance
// multiplexer in cmd/maintenance.
//
// EventBridge rules invoke the multiplexer with a MaintenancePayload; the
// TaskType selects the job.
package scheduler

import "time"

// TaskType identifies which maintenance job should handle an invocation.
type TaskType string

const (
	TaskSweepOverrides      TaskType = "sweep_overrides"
	TaskDispatchOutbox      TaskType = "dispatch_outbox"
	TaskEnforcePaymentGrace TaskType = "enforce_payment_grace"
)

// Valid reports whether t is a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskSweepOverrides, TaskDispatchOutbox, TaskEnforcePaymentGrace:
		return true
	}
	return false
}

// MaintenancePayload is the JSON payload sent by EventBridge:
//
//	{
//	  "task": "sweep_overrides",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime replaces "now" for manual runs and backfills. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
