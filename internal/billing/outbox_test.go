package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpoolhub/internal/types"
)

func enqueueRaw(t *testing.T, s *memStore, task types.OutboxTask) {
	t.Helper()
	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.EnqueueOutbox(context.Background(), &task))
	require.NoError(t, tx.Commit(context.Background()))
}

func TestOutbox_RetriesWithBackoffThenFails(t *testing.T) {
	e := newEngine()
	e.provision("tenant-1")
	ctx := context.Background()
	e.notifier.err = errors.New("queue unavailable")

	_, err := e.quotes.OpenQuoteRequest(ctx, "tenant-1", PlanEnterprise, member)
	require.NoError(t, err)

	task := e.store.outboxTasks()[0]
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, testEpoch.Add(30*time.Second), task.NextAttemptAt)
	assert.Nil(t, task.LockedUntil)

	claimed, err := e.store.ClaimDueOutbox(ctx, e.clock, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due before the backoff elapses")

	e.advance(30 * time.Second)
	claimed, err = e.store.ClaimDueOutbox(ctx, e.clock, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Error(t, e.outbox.Deliver(ctx, claimed[0]))

	task = e.store.outboxTasks()[0]
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, e.clock.Add(time.Minute), task.NextAttemptAt)

	e.advance(time.Minute)
	claimed, err = e.store.ClaimDueOutbox(ctx, e.clock, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Error(t, e.outbox.Deliver(ctx, claimed[0]))

	task = e.store.outboxTasks()[0]
	assert.Equal(t, types.OutboxFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)

	// Failed tasks are never claimed again.
	e.advance(24 * time.Hour)
	claimed, err = e.store.ClaimDueOutbox(ctx, e.clock, time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestOutbox_RecoversOnRetry(t *testing.T) {
	e := newEngine()
	e.provision("tenant-1")
	ctx := context.Background()
	e.notifier.err = errors.New("queue unavailable")

	_, err := e.quotes.OpenQuoteRequest(ctx, "tenant-1", PlanEnterprise, member)
	require.NoError(t, err)

	e.notifier.err = nil
	e.advance(time.Minute)
	claimed, err := e.store.ClaimDueOutbox(ctx, e.clock, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, e.outbox.Deliver(ctx, claimed[0]))

	task := e.store.outboxTasks()[0]
	assert.Equal(t, types.OutboxDelivered, task.Status)
	require.NotNil(t, task.DeliveredAt)
	assert.Equal(t, []types.NotificationKind{types.NotifyQuoteRequested}, e.notifier.kinds())
}

func TestOutbox_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.OutboxKind
		payload string
	}{
		{"malformed invoice payload", types.OutboxGenerateInvoice, `{"transaction_id":`},
		{"empty invoice payload", types.OutboxGenerateInvoice, `{}`},
		{"malformed notification", types.OutboxNotify, `[]`},
		{"unknown kind", types.OutboxKind("fax"), `{}`},
		{"cancel without subscription", types.OutboxCancelSubscription, `{"reason":"replaced"}`},
		{"malformed cancel", types.OutboxCancelSubscription, `"sub_1"`},
		{"unknown transaction", types.OutboxGenerateInvoice, `{"transaction_id":"txn-404"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine()
			task := types.OutboxTask{
				ID:            "task-1",
				Kind:          tt.kind,
				TenantID:      "tenant-1",
				Payload:       json.RawMessage(tt.payload),
				Status:        types.OutboxPending,
				NextAttemptAt: testEpoch,
				CreatedAt:     testEpoch,
			}
			enqueueRaw(t, e.store, task)

			err := e.outbox.Deliver(context.Background(), task)
			require.Error(t, err)

			stored := e.store.outboxTasks()[0]
			if tt.name == "unknown transaction" {
				// A lookup failure may be transient.
				assert.Equal(t, types.OutboxPending, stored.Status)
				return
			}
			assert.ErrorIs(t, err, errPermanent)
			assert.Equal(t, types.OutboxFailed, stored.Status)
			assert.Equal(t, 1, stored.Attempts)
		})
	}
}

func TestOutbox_InvoiceForPendingTransactionFailsPermanently(t *testing.T) {
	e := newEngine()
	ctx := context.Background()

	pending := &types.Transaction{
		ID: "txn-1", TenantID: "tenant-1", PlanID: PlanTeam, AmountCents: 2900,
		Currency: "eur", Status: types.TransactionPending, CreatedAt: testEpoch,
	}
	tx, err := e.store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertTransaction(ctx, pending))
	require.NoError(t, tx.Commit(ctx))

	task := types.OutboxTask{
		ID: "task-1", Kind: types.OutboxGenerateInvoice, TenantID: "tenant-1",
		Payload: json.RawMessage(`{"transaction_id":"txn-1"}`), Status: types.OutboxPending, NextAttemptAt: testEpoch,
	}
	enqueueRaw(t, e.store, task)

	err = e.outbox.Deliver(ctx, task)
	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, types.OutboxFailed, e.store.outboxTasks()[0].Status)
	assert.Empty(t, e.renderer.calls)
}

func TestOutbox_LeasedTasksAreNotClaimed(t *testing.T) {
	e := newEngine()
	ctx := context.Background()
	until := testEpoch.Add(DefaultOutboxLease)
	enqueueRaw(t, e.store, types.OutboxTask{
		ID: "task-1", Kind: types.OutboxNotify, Payload: json.RawMessage(`{"kind":"quote_requested"}`),
		Status: types.OutboxPending, NextAttemptAt: testEpoch, LockedUntil: &until,
	})

	claimed, err := e.store.ClaimDueOutbox(ctx, testEpoch.Add(time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = e.store.ClaimDueOutbox(ctx, until.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestOutbox_Backoff(t *testing.T) {
	r := NewOutboxRunner(nil, nil, nil, nil, nil, OutboxConfig{}, nil)
	assert.Equal(t, 30*time.Second, r.backoff(1))
	assert.Equal(t, time.Minute, r.backoff(2))
	assert.Equal(t, 4*time.Minute, r.backoff(4))
	assert.Equal(t, 6*time.Hour, r.backoff(20))
	assert.Equal(t, DefaultOutboxLease, r.Lease())
}

func TestOutbox_DeliverAfterCommitNilRunner(t *testing.T) {
	var r *OutboxRunner
	assert.NotPanics(t, func() {
		r.DeliverAfterCommit(context.Background(), []*types.OutboxTask{{ID: "task-1"}})
	})
	assert.NoError(t, r.Wait(context.Background()))
}

func TestOutbox_CancelSubscriptionDelivered(t *testing.T) {
	e := newEngine()
	task := types.OutboxTask{
		ID: "task-1", Kind: types.OutboxCancelSubscription, TenantID: "tenant-1",
		Payload: json.RawMessage(`{"subscription_id":"sub_old","reason":"replaced"}`),
		Status:  types.OutboxPending, NextAttemptAt: testEpoch,
	}
	enqueueRaw(t, e.store, task)

	require.NoError(t, e.outbox.Deliver(context.Background(), task))
	assert.Equal(t, []string{"sub_old"}, e.subs.cancelled)
	assert.Equal(t, types.OutboxDelivered, e.store.outboxTasks()[0].Status)
}

func TestOutbox_WaitHonoursContext(t *testing.T) {
	e := newEngine()
	e.outbox.spawn = func(fn func()) { go fn() }
	e.renderer.gate = make(chan struct{})
	defer close(e.renderer.gate)
	paidTenant(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.outbox.Wait(ctx), context.DeadlineExceeded)
}

