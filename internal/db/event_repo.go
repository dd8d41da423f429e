package db

import (
	"context"

	"carpoolhub/internal/types"
)

// ProcessedEventRepository is the idempotency ledger for external webhook
// events (processed_webhook_events).
type ProcessedEventRepository struct {
	db DBTX
}

// NewProcessedEventRepository creates a new ProcessedEventRepository backed
// by the given database connection (pool or transaction).
func NewProcessedEventRepository(db DBTX) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// MarkProcessed inserts the event id and reports whether this call inserted
// it. Run it as the first statement of the event transaction: a concurrent
// delivery of the same event blocks on the primary key until the first one
// commits or rolls back.
func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, e *types.ProcessedEvent) (bool, error) {
	metadata := e.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type, metadata, processed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID,
		e.EventType,
		metadata,
		e.ProcessedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	return tag.RowsAffected() > 0, nil
}
