package billing

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"carpoolhub/internal/types"
)

// memData is the committed state of memStore. Values are copied on every
// transaction, so a rollback simply drops the working copy.
type memData struct {
	states    map[string]types.TenantPlanState
	history   []types.PlanHistoryEntry
	overrides map[string]types.TemporaryOverride
	events    map[string]types.ProcessedEvent
	txns      map[string]types.Transaction
	invoices  map[string]types.InvoiceDocument
	quotes    []types.QuoteRequest
	outbox    map[string]types.OutboxTask
}

func (d *memData) clone() *memData {
	return &memData{
		states:    maps.Clone(d.states),
		history:   append([]types.PlanHistoryEntry(nil), d.history...),
		overrides: maps.Clone(d.overrides),
		events:    maps.Clone(d.events),
		txns:      maps.Clone(d.txns),
		invoices:  maps.Clone(d.invoices),
		quotes:    append([]types.QuoteRequest(nil), d.quotes...),
		outbox:    maps.Clone(d.outbox),
	}
}

// memStore is an in-memory Store that serializes transactions and enforces
// the same uniqueness rules as the schema.
type memStore struct {
	txMu   sync.Mutex // held for the lifetime of a transaction
	dataMu sync.Mutex
	data   *memData

	// failOn makes the named Tx method return errStorage.
	failOn string
}

var errStorage = errors.New("storage unavailable")

func newMemStore() *memStore {
	return &memStore{data: &memData{
		states:    map[string]types.TenantPlanState{},
		overrides: map[string]types.TemporaryOverride{},
		events:    map[string]types.ProcessedEvent{},
		txns:      map[string]types.Transaction{},
		invoices:  map[string]types.InvoiceDocument{},
		outbox:    map[string]types.OutboxTask{},
	}}
}

func (s *memStore) snapshot() *memData {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data.clone()
}

func (s *memStore) BeginTx(ctx context.Context) (Tx, error) {
	s.txMu.Lock()
	return &memTx{store: s, work: s.snapshot()}, nil
}

// --- committed reads ---

func (s *memStore) GetPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	d := s.snapshot()
	st, ok := d.states[tenantID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return &st, nil
}

func (s *memStore) ListHistory(ctx context.Context, tenantID string, limit int) ([]types.PlanHistoryEntry, error) {
	var out []types.PlanHistoryEntry
	d := s.snapshot()
	for i := len(d.history) - 1; i >= 0 && len(out) < limit; i-- {
		if d.history[i].TenantID == tenantID {
			out = append(out, d.history[i])
		}
	}
	return out, nil
}

func (s *memStore) GetOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error) {
	ov, ok := s.snapshot().overrides[overrideID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOverride, "override not found", nil)
	}
	return &ov, nil
}

func (s *memStore) GetActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return activeOverride(s.snapshot(), tenantID), nil
}

func (s *memStore) ListOverrides(ctx context.Context, tenantID string) ([]types.TemporaryOverride, error) {
	var out []types.TemporaryOverride
	for _, ov := range s.snapshot().overrides {
		if ov.TenantID == tenantID {
			out = append(out, ov)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) ListExpiredOverrides(ctx context.Context, now time.Time, limit int) ([]types.TemporaryOverride, error) {
	var out []types.TemporaryOverride
	for _, ov := range s.snapshot().overrides {
		if ov.Active && !ov.EndsAt.After(now) && len(out) < limit {
			out = append(out, ov)
		}
	}
	return out, nil
}

func (s *memStore) ListGraceExpired(ctx context.Context, cutoff time.Time, limit int) ([]types.TenantPlanState, error) {
	var out []types.TenantPlanState
	for _, st := range s.snapshot().states {
		if st.PaymentFailedAt != nil && !st.PaymentFailedAt.After(cutoff) &&
			st.Status != types.PlanStatusOverridden && len(out) < limit {
			out = append(out, st)
		}
	}
	return out, nil
}

// --- OutboxStore / InvoiceStore ---

func (s *memStore) ClaimDueOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]types.OutboxTask, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	var out []types.OutboxTask
	for id, t := range s.data.outbox {
		if len(out) >= limit {
			break
		}
		if t.Status != types.OutboxPending || t.NextAttemptAt.After(now) {
			continue
		}
		if t.LockedUntil != nil && t.LockedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		t.LockedUntil = &until
		s.data.outbox[id] = t
		out = append(out, t)
	}
	return out, nil
}

func (s *memStore) updateOutbox(id string, fn func(*types.OutboxTask)) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	t, ok := s.data.outbox[id]
	if !ok {
		return types.NewAppError(types.ErrCodeInternalDB, "outbox task not found", nil)
	}
	fn(&t)
	s.data.outbox[id] = t
	return nil
}

func (s *memStore) MarkOutboxDelivered(ctx context.Context, id string, now time.Time) error {
	return s.updateOutbox(id, func(t *types.OutboxTask) {
		t.Status = types.OutboxDelivered
		t.DeliveredAt = &now
		t.LockedUntil = nil
	})
}

func (s *memStore) MarkOutboxRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	return s.updateOutbox(id, func(t *types.OutboxTask) {
		t.Attempts = attempts
		t.NextAttemptAt = next
		t.LastError = lastErr
		t.LockedUntil = nil
	})
}

func (s *memStore) MarkOutboxFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	return s.updateOutbox(id, func(t *types.OutboxTask) {
		t.Status = types.OutboxFailed
		t.Attempts = attempts
		t.LastError = lastErr
		t.LockedUntil = nil
	})
}

func (s *memStore) GetTransaction(ctx context.Context, id string) (*types.Transaction, error) {
	t, ok := s.snapshot().txns[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "transaction not found", nil)
	}
	return &t, nil
}

func (s *memStore) SaveInvoiceDocument(ctx context.Context, doc *types.InvoiceDocument) (bool, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if _, ok := s.data.invoices[doc.TransactionID]; ok {
		return false, nil
	}
	s.data.invoices[doc.TransactionID] = *doc
	return true, nil
}

// --- helpers for assertions ---

// state returns a copy of the committed row; the zero row when absent.
func (s *memStore) state(tenantID string) *types.TenantPlanState {
	st := s.snapshot().states[tenantID]
	return &st
}

func (s *memStore) historyFor(tenantID string) []types.PlanHistoryEntry {
	var out []types.PlanHistoryEntry
	for _, h := range s.snapshot().history {
		if h.TenantID == tenantID {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) transactionsFor(tenantID string) []types.Transaction {
	var out []types.Transaction
	for _, t := range s.snapshot().txns {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out
}

func (s *memStore) outboxTasks() []types.OutboxTask {
	var out []types.OutboxTask
	for _, t := range s.snapshot().outbox {
		out = append(out, t)
	}
	return out
}

func activeOverride(d *memData, tenantID string) *types.TemporaryOverride {
	for _, ov := range d.overrides {
		if ov.TenantID == tenantID && ov.Active {
			return &ov
		}
	}
	return nil
}

// memTx applies statements to a working copy that replaces the committed
// data on Commit.
type memTx struct {
	store *memStore
	work  *memData
	done  bool
}

func (t *memTx) fail(method string) error {
	if t.store.failOn == method {
		return types.NewAppError(types.ErrCodeInternalDB, "injected failure", errStorage)
	}
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already closed")
	}
	if err := t.fail("Commit"); err != nil {
		return err
	}
	t.store.dataMu.Lock()
	t.store.data = t.work
	t.store.dataMu.Unlock()
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) ProvisionPlanState(ctx context.Context, tenantID string, now time.Time) (bool, error) {
	if _, ok := t.work.states[tenantID]; ok {
		return false, nil
	}
	t.work.states[tenantID] = types.TenantPlanState{
		TenantID:  tenantID,
		Status:    types.PlanStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (t *memTx) LockPlanState(ctx context.Context, tenantID string) (*types.TenantPlanState, error) {
	st, ok := t.work.states[tenantID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTenant, "tenant not found", nil)
	}
	return &st, nil
}

func (t *memTx) LockPlanStateBySubscription(ctx context.Context, subscriptionID string) (*types.TenantPlanState, error) {
	for _, st := range t.work.states {
		if st.StripeSubscriptionID != nil && *st.StripeSubscriptionID == subscriptionID {
			return &st, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (t *memTx) UpdatePlanState(ctx context.Context, st *types.TenantPlanState) error {
	if err := t.fail("UpdatePlanState"); err != nil {
		return err
	}
	t.work.states[st.TenantID] = *st
	return nil
}

func (t *memTx) AppendHistory(ctx context.Context, e *types.PlanHistoryEntry) error {
	if err := t.fail("AppendHistory"); err != nil {
		return err
	}
	t.work.history = append(t.work.history, *e)
	return nil
}

func (t *memTx) MarkEventProcessed(ctx context.Context, e *types.ProcessedEvent) (bool, error) {
	if _, ok := t.work.events[e.EventID]; ok {
		return false, nil
	}
	t.work.events[e.EventID] = *e
	return true, nil
}

func (t *memTx) LockActiveOverride(ctx context.Context, tenantID string) (*types.TemporaryOverride, error) {
	return activeOverride(t.work, tenantID), nil
}

func (t *memTx) LockOverride(ctx context.Context, overrideID string) (*types.TemporaryOverride, error) {
	ov, ok := t.work.overrides[overrideID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOverride, "override not found", nil)
	}
	return &ov, nil
}

func (t *memTx) InsertOverride(ctx context.Context, o *types.TemporaryOverride) error {
	if activeOverride(t.work, o.TenantID) != nil {
		return types.NewAppError(types.ErrCodeConflictOverrideActive, "unique violation", nil)
	}
	t.work.overrides[o.ID] = *o
	return nil
}

func (t *memTx) UpdateOverride(ctx context.Context, o *types.TemporaryOverride) error {
	t.work.overrides[o.ID] = *o
	return nil
}

func (t *memTx) InsertTransaction(ctx context.Context, txn *types.Transaction) error {
	if err := t.fail("InsertTransaction"); err != nil {
		return err
	}
	if txn.ExternalSessionID != nil {
		for _, existing := range t.work.txns {
			if existing.ExternalSessionID != nil && *existing.ExternalSessionID == *txn.ExternalSessionID {
				return types.NewAppError(types.ErrCodeInternalDB, "unique violation", nil)
			}
		}
	}
	t.work.txns[txn.ID] = *txn
	return nil
}

func (t *memTx) CompleteCheckoutTransaction(ctx context.Context, txn *types.Transaction) (*types.Transaction, error) {
	if err := t.fail("CompleteCheckoutTransaction"); err != nil {
		return nil, err
	}
	if txn.ExternalSessionID != nil {
		for id, existing := range t.work.txns {
			if existing.ExternalSessionID == nil || *existing.ExternalSessionID != *txn.ExternalSessionID {
				continue
			}
			if existing.Status == types.TransactionPending {
				existing.Status = types.TransactionCompleted
				existing.AmountCents = txn.AmountCents
				existing.Currency = txn.Currency
				existing.PaidAt = txn.PaidAt
				existing.PaymentMethod = txn.PaymentMethod
				existing.ExternalSubscriptionID = txn.ExternalSubscriptionID
				t.work.txns[id] = existing
			}
			return &existing, nil
		}
	}
	t.work.txns[txn.ID] = *txn
	return txn, nil
}

func (t *memTx) InsertQuoteRequest(ctx context.Context, q *types.QuoteRequest) error {
	t.work.quotes = append(t.work.quotes, *q)
	return nil
}

func (t *memTx) ResolveQuoteRequests(ctx context.Context, tenantID, approvedPlanID, actorID string, now time.Time) (int, error) {
	n := 0
	for i, q := range t.work.quotes {
		if q.TenantID == tenantID && q.Status == types.QuoteStatusOpen {
			plan, actor, at := approvedPlanID, actorID, now
			q.Status = types.QuoteStatusApproved
			q.ApprovedPlanID = &plan
			q.ResolvedBy = &actor
			q.ResolvedAt = &at
			t.work.quotes[i] = q
			n++
		}
	}
	return n, nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, task *types.OutboxTask) error {
	if err := t.fail("EnqueueOutbox"); err != nil {
		return err
	}
	t.work.outbox[task.ID] = *task
	return nil
}

// --- collaborators ---

type fakeCheckout struct {
	mu       sync.Mutex
	calls    []CheckoutParams
	err      error
	sessions int
}

func (f *fakeCheckout) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	f.sessions++
	id := "cs_test_" + params.TenantID
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	err   error
	// gate, when set, holds every render until it is closed.
	gate chan struct{}
}

func (f *fakeRenderer) RenderInvoice(ctx context.Context, t types.Transaction) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, t.ID)
	if f.err != nil {
		return "", f.err
	}
	return "invoices/" + t.ID + ".pdf", nil
}

func (f *fakeRenderer) rendered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSubscriptions struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeSubscriptions) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, subscriptionID)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
	err  error
}

func (f *fakeNotifier) Notify(ctx context.Context, n types.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) kinds() []types.NotificationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.NotificationKind, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Kind)
	}
	return out
}

// engine wires every component against one memStore with a controllable clock.
type engine struct {
	store    *memStore
	catalog  Catalog
	checkout *fakeCheckout
	renderer *fakeRenderer
	notifier *fakeNotifier
	subs     *fakeSubscriptions
	outbox   *OutboxRunner
	quotes   *QuoteWorkflow
	tracker  *PlanTracker
	webhooks *WebhookProcessor
	override *OverrideScheduler
	grace    *GraceEnforcer
	clock    time.Time
}

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newEngine() *engine {
	e := &engine{
		store:    newMemStore(),
		catalog:  NewStaticCatalog(),
		checkout: &fakeCheckout{},
		renderer: &fakeRenderer{},
		notifier: &fakeNotifier{},
		subs:     &fakeSubscriptions{},
		clock:    testEpoch,
	}
	now := func() time.Time { return e.clock }

	recorder := NewInvoiceRecorder(e.store, e.renderer, nil)
	recorder.now = now
	e.outbox = NewOutboxRunner(e.store, recorder, e.notifier, e.subs, nil, OutboxConfig{MaxAttempts: 3}, nil)
	e.outbox.now = now
	// Deliver inline so side effects are visible when the call returns.
	e.outbox.spawn = func(fn func()) { fn() }
	e.quotes = NewQuoteWorkflow(e.store, e.catalog, e.outbox, nil, nil)
	e.quotes.now = now
	e.tracker = NewPlanTracker(e.store, e.catalog, e.checkout, e.quotes, nil, nil)
	e.tracker.now = now
	e.webhooks = NewWebhookProcessor(e.store, e.catalog, e.outbox, nil, nil)
	e.webhooks.now = now
	e.override = NewOverrideScheduler(e.store, e.catalog, e.outbox, nil, nil)
	e.override.now = now
	e.grace = NewGraceEnforcer(e.store, e.catalog, e.outbox, nil, 0, nil)
	return e
}

func (e *engine) advance(d time.Duration) {
	e.clock = e.clock.Add(d)
}

var (
	member = types.Actor{ID: "user-1", Type: types.ActorTypeMember, TenantID: "tenant-1", Email: "owner@example.com"}
	admin  = types.Actor{ID: "admin-7", Type: types.ActorTypeAdmin}
)

// provision creates the tenant's plan state row.
func (e *engine) provision(tenantID string) {
	if err := e.tracker.ProvisionTenant(context.Background(), tenantID); err != nil {
		panic(err)
	}
}

func checkoutEvent(eventID, tenantID, planID, cycle string) CheckoutCompleted {
	return CheckoutCompleted{
		EventMeta:      EventMeta{ID: eventID, Type: EventCheckoutCompleted, Created: testEpoch},
		SessionID:      "cs_test_" + tenantID,
		CustomerID:     "cus_" + tenantID,
		SubscriptionID: "sub_" + tenantID,
		TenantID:       tenantID,
		PlanID:         planID,
		BillingCycle:   cycle,
		AmountTotal:    2900,
		Currency:       "eur",
		PaymentMethod:  "card",
	}
}
