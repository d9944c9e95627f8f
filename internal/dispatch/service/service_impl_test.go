package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/batchlock"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	dispatchrepo "github.com/deinte/peppolsub/internal/dispatch/repository"
	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"github.com/deinte/peppolsub/internal/reconciliation"
	"github.com/deinte/peppolsub/internal/transform"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Fakes --

type fakeProvider struct {
	mu          sync.Mutex
	sendCalls   int
	statusCalls int
	sendFn      func() (providerdomain.SendResult, error)
	statusFn    func() (providerdomain.StatusResult, error)
}

func (f *fakeProvider) Send(ctx context.Context, payload providerdomain.InvoicePayload) (providerdomain.SendResult, error) {
	f.mu.Lock()
	f.sendCalls++
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return providerdomain.SendResult{ProviderInvoiceID: "guid-1", InitialStatus: "received"}, nil
	}
	return fn()
}

func (f *fakeProvider) GetStatus(ctx context.Context, providerInvoiceID string) (providerdomain.StatusResult, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return providerdomain.StatusResult{Status: "pending"}, nil
	}
	return fn()
}

func (f *fakeProvider) GetSourceDocument(ctx context.Context, providerInvoiceID string) ([]byte, error) {
	return []byte("{}"), nil
}

func (f *fakeProvider) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

type stubIdentity struct {
	id    snowflake.ID
	found bool
}

func (s stubIdentity) Lookup(ctx context.Context, taxID, country string) (identitydomain.RecipientIdentity, error) {
	return identitydomain.RecipientIdentity{
		ID:             s.id,
		TaxID:          taxID,
		Country:        country,
		FoundOnNetwork: s.found,
		CheckedAt:      time.Now(),
	}, nil
}

// -- Harness --

var testDBSeq atomic.Int64

type testEnv struct {
	svc      dispatchdomain.Service
	db       *gorm.DB
	repo     *dispatchrepo.Repository
	clk      *clock.FakeClock
	provider *fakeProvider
	breaker  *breaker.Breaker
	cfg      config.Config
}

func newTestEnv(t *testing.T, recipientFound bool, delayDays int) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:dispatch_svc_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&dispatchdomain.InvoiceDispatch{},
		&dispatchdomain.ActivityLog{},
		&identitydomain.RecipientIdentity{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.Config{
		AppName: "peppolsub-test",
		Provider: config.ProviderConfig{
			Name: "storecove",
		},
		Dispatch: config.DispatchConfig{
			InitialDelayDays:    delayDays,
			MaxDispatchAttempts: 3,
			MaxPollAttempts:     8,
			DispatchBatchSize:   50,
			PollBatchSize:       100,
			DispatchLockTTL:     10 * time.Minute,
			PollLockTTL:         30 * time.Minute,
			RunInterval:         time.Minute,
		},
	}
	tuning := config.NewStaticTuningHolder(config.DefaultTuningConfig())

	fp := &fakeProvider{}
	repo := dispatchrepo.NewRepository(db)

	brk := breaker.New(cfg.Provider.Name, breaker.NewMemoryStore(clk), clk, log, func() breaker.Settings {
		b := tuning.Get().Breaker
		return breaker.Settings{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			OpenTimeout:      b.OpenTimeout,
			RateLimitTimeout: b.RateLimitTimeout,
			StateTTL:         b.StateTTL,
		}
	})

	poller := reconciliation.NewService(reconciliation.ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Provider: fp,
		Breaker:  brk,
		Config:   cfg,
		Tuning:   tuning,
	})

	transformer := transform.TransformerFunc(func(ctx context.Context, sourceType, sourceID string) (providerdomain.InvoicePayload, error) {
		return providerdomain.InvoicePayload{InvoiceNumber: sourceID}, nil
	})

	svc := NewService(ServiceParam{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        repo,
		Identity:    stubIdentity{id: node.Generate(), found: recipientFound},
		Transformer: transformer,
		Provider:    fp,
		Breaker:     brk,
		Poller:      poller,
		Locker:      nil,
		Metrics:     nil,
		Config:      cfg,
		Tuning:      tuning,
	})

	return &testEnv{
		svc:      svc,
		db:       db,
		repo:     repo,
		clk:      clk,
		provider: fp,
		breaker:  brk,
		cfg:      cfg,
	}
}

func scheduleReq(sourceID string) dispatchdomain.ScheduleDispatchRequest {
	return dispatchdomain.ScheduleDispatchRequest{
		SourceType: "invoice",
		SourceID:   sourceID,
		TaxID:      "DE123456789",
		Country:    "DE",
	}
}

func (e *testEnv) reload(t *testing.T, id snowflake.ID) *dispatchdomain.InvoiceDispatch {
	t.Helper()
	record, err := e.repo.FindByID(context.Background(), int64(id))
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

// -- Scheduling --

func TestScheduleImmediateUnregisteredRecipientEndsStored(t *testing.T) {
	env := newTestEnv(t, false, 0)

	record, err := env.svc.ScheduleDispatch(context.Background(), scheduleReq("INV-001"))
	require.NoError(t, err)

	assert.Equal(t, dispatchdomain.StateStored, record.State)
	assert.True(t, record.SkipDelivery)
	assert.Equal(t, 1, record.DispatchAttempts)
	assert.Equal(t, 0, record.PollAttempts)
	require.NotNil(t, record.ProviderInvoiceID)
	assert.Equal(t, "guid-1", *record.ProviderInvoiceID)
	assert.NotNil(t, record.CompletedAt)
	assert.Nil(t, record.NextRetryAt)
	assert.Equal(t, 1, env.provider.SendCalls())
}

func TestScheduleRegisteredRecipientEndsSent(t *testing.T) {
	env := newTestEnv(t, true, 0)

	record, err := env.svc.ScheduleDispatch(context.Background(), scheduleReq("INV-002"))
	require.NoError(t, err)

	assert.Equal(t, dispatchdomain.StateSent, record.State)
	assert.False(t, record.SkipDelivery)
	assert.NotNil(t, record.SentAt)
	assert.Nil(t, record.CompletedAt)
}

func TestScheduleWithInitialDelayDoesNotSend(t *testing.T) {
	env := newTestEnv(t, true, 3)

	record, err := env.svc.ScheduleDispatch(context.Background(), scheduleReq("INV-003"))
	require.NoError(t, err)

	assert.Equal(t, dispatchdomain.StateScheduled, record.State)
	require.NotNil(t, record.ScheduledAt)
	assert.WithinDuration(t, env.clk.Now().AddDate(0, 0, 3), *record.ScheduledAt, time.Second)
	assert.Zero(t, env.provider.SendCalls())
}

func TestScheduleWithExplicitTimeDoesNotSend(t *testing.T) {
	env := newTestEnv(t, true, 0)

	at := env.clk.Now().Add(48 * time.Hour)
	req := scheduleReq("INV-004")
	req.DispatchAt = &at

	record, err := env.svc.ScheduleDispatch(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, dispatchdomain.StateScheduled, record.State)
	assert.Zero(t, env.provider.SendCalls())
}

func TestScheduleRejectsEmptySourceRef(t *testing.T) {
	env := newTestEnv(t, true, 0)

	_, err := env.svc.ScheduleDispatch(context.Background(), dispatchdomain.ScheduleDispatchRequest{})
	assert.ErrorIs(t, err, dispatchdomain.ErrInvalidSourceRef)
}

func TestRescheduleRefusedWhileMidFlight(t *testing.T) {
	env := newTestEnv(t, true, 3)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-005"))
	require.NoError(t, err)

	stored := env.reload(t, record.ID)
	stored.State = dispatchdomain.StateSending
	require.NoError(t, env.repo.Save(ctx, env.db, stored))

	_, err = env.svc.ScheduleDispatch(ctx, scheduleReq("INV-005"))
	assert.ErrorIs(t, err, dispatchdomain.ErrRescheduleNotAllowed)
}

func TestRescheduleResetsSendFailedRecord(t *testing.T) {
	env := newTestEnv(t, true, 3)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-006"))
	require.NoError(t, err)

	stored := env.reload(t, record.ID)
	stored.State = dispatchdomain.StateSendFailed
	stored.DispatchAttempts = 2
	msg := "boom"
	stored.LastErrorMessage = &msg
	next := env.clk.Now().Add(time.Hour)
	stored.NextRetryAt = &next
	require.NoError(t, env.repo.Save(ctx, env.db, stored))

	updated, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-006"))
	require.NoError(t, err)

	assert.Equal(t, record.ID, updated.ID)
	assert.Equal(t, dispatchdomain.StateScheduled, updated.State)
	assert.Zero(t, updated.DispatchAttempts)
	assert.Nil(t, updated.NextRetryAt)
	assert.Nil(t, updated.LastErrorMessage)
}

// -- Dispatch unit of work --

func TestDispatchAlreadyExistsIsSuccess(t *testing.T) {
	env := newTestEnv(t, true, 0)
	env.provider.sendFn = func() (providerdomain.SendResult, error) {
		return providerdomain.SendResult{}, &providerdomain.AlreadyExistsError{InvoiceNumber: "INV-042"}
	}

	record, err := env.svc.ScheduleDispatch(context.Background(), scheduleReq("INV-042"))
	require.NoError(t, err)

	assert.Equal(t, dispatchdomain.StateStored, record.State)
	require.NotNil(t, record.ProviderInvoiceID)
	assert.Equal(t, "existing:INV-042", *record.ProviderInvoiceID)
	assert.Equal(t, 1, record.DispatchAttempts)
	assert.Nil(t, record.NextRetryAt)
	assert.Nil(t, record.LastErrorMessage)
}

func TestDispatchExhaustsAttemptsThenFails(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()
	env.provider.sendFn = func() (providerdomain.SendResult, error) {
		return providerdomain.SendResult{}, &providerdomain.APIError{StatusCode: 500, Message: "upstream down"}
	}

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-007"))
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StateSendFailed, record.State)
	assert.Equal(t, 1, record.DispatchAttempts)
	require.NotNil(t, record.NextRetryAt)
	assert.WithinDuration(t, env.clk.Now().Add(15*time.Minute), *record.NextRetryAt, time.Second)

	env.clk.Advance(time.Hour)
	result, err := env.svc.DispatchDue(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.OutcomeOK, result.Outcome)
	assert.Len(t, result.Processed, 1)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateSendFailed, stored.State)
	assert.Equal(t, 2, stored.DispatchAttempts)

	env.clk.Advance(2 * time.Hour)
	_, err = env.svc.DispatchDue(ctx, 0, false)
	require.NoError(t, err)

	stored = env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateFailed, stored.State)
	assert.Equal(t, 3, stored.DispatchAttempts)
	assert.Nil(t, stored.NextRetryAt)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.LastErrorMessage)

	// Exhausted records are never claimed again.
	env.clk.Advance(24 * time.Hour)
	result, err = env.svc.DispatchDue(ctx, 0, false)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)
	assert.Equal(t, 3, env.provider.SendCalls())
}

func TestDispatchNeverResendsWithProviderID(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-008"))
	require.NoError(t, err)
	require.Equal(t, dispatchdomain.StateSent, record.State)
	require.Equal(t, 1, env.provider.SendCalls())

	// A worker retry after a crash re-runs the unit of work. The provider
	// call must not repeat; the record moves to status checking instead.
	require.NoError(t, env.svc.Dispatch(ctx, record.ID.String()))

	assert.Equal(t, 1, env.provider.SendCalls())
	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StatePolling, stored.State)
	assert.Equal(t, 1, stored.PollAttempts)
}

func TestDispatchSentinelShortCircuits(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()
	env.provider.sendFn = func() (providerdomain.SendResult, error) {
		return providerdomain.SendResult{}, &providerdomain.AlreadyExistsError{InvoiceNumber: "INV-009"}
	}

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-009"))
	require.NoError(t, err)
	require.Equal(t, 1, env.provider.SendCalls())

	require.NoError(t, env.svc.Dispatch(ctx, record.ID.String()))

	assert.Equal(t, 1, env.provider.SendCalls())
	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateStored, stored.State)
	assert.Equal(t, 1, stored.DispatchAttempts)
}

func TestDispatchUnknownRecord(t *testing.T) {
	env := newTestEnv(t, true, 0)

	err := env.svc.Dispatch(context.Background(), "123456789")
	assert.ErrorIs(t, err, dispatchdomain.ErrDispatchNotFound)
}

// -- Breaker interaction --

func TestBreakerOpenLeavesAttemptBudgetUntouched(t *testing.T) {
	env := newTestEnv(t, true, 3)
	ctx := context.Background()

	first, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-010"))
	require.NoError(t, err)
	second, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-011"))
	require.NoError(t, err)

	// Rate limit on the first send opens the breaker immediately.
	env.provider.sendFn = func() (providerdomain.SendResult, error) {
		return providerdomain.SendResult{}, providerdomain.ErrRateLimited
	}

	env.clk.Advance(4 * 24 * time.Hour)
	result, err := env.svc.DispatchDue(ctx, 0, false)
	require.Error(t, err)
	assert.Equal(t, dispatchdomain.OutcomePartial, result.Outcome)

	// The record that reached the provider consumed an attempt; the one
	// rejected by the open breaker did not.
	storedFirst := env.reload(t, first.ID)
	storedSecond := env.reload(t, second.ID)
	attempts := storedFirst.DispatchAttempts + storedSecond.DispatchAttempts
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, env.provider.SendCalls())

	states := map[dispatchdomain.DispatchState]int{
		storedFirst.State:  0,
		storedSecond.State: 0,
	}
	_, hasScheduled := states[dispatchdomain.StateScheduled]
	_, hasSendFailed := states[dispatchdomain.StateSendFailed]
	assert.True(t, hasScheduled, "breaker-rejected record stays schedulable")
	assert.True(t, hasSendFailed, "provider-rejected record records the failure")
}

// contendingLocker simulates another run holding the batch lock.
type contendingLocker struct {
	overrides []bool
}

func (l *contendingLocker) Run(ctx context.Context, key string, ttl time.Duration, override bool, fn func(ctx context.Context) error) error {
	l.overrides = append(l.overrides, override)
	if !override {
		return batchlock.ErrLockHeld
	}
	return fn(ctx)
}

func TestBatchOverrideBypassesLock(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	locker := &contendingLocker{}
	env.svc.(*Service).locker = locker

	result, err := env.svc.DispatchDue(ctx, 0, false)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.OutcomeSkipped, result.Outcome)

	result, err = env.svc.DispatchDue(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.OutcomeOK, result.Outcome)

	result, err = env.svc.PollDue(ctx, 0, false, true)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.OutcomeOK, result.Outcome)

	assert.Equal(t, []bool{false, true, true}, locker.overrides)
}

// -- Reconciliation batches --

func TestPollDueDeliveredRecipient(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-012"))
	require.NoError(t, err)
	require.Equal(t, dispatchdomain.StateSent, record.State)

	env.provider.statusFn = func() (providerdomain.StatusResult, error) {
		return providerdomain.StatusResult{Status: "delivered"}, nil
	}

	result, err := env.svc.PollDue(ctx, 0, false, false)
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.OutcomeOK, result.Outcome)
	assert.Len(t, result.Processed, 1)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateDelivered, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	assert.Nil(t, stored.NextRetryAt)
}

func TestPollDueUnreachableRecipientEndsStored(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-013"))
	require.NoError(t, err)

	env.provider.statusFn = func() (providerdomain.StatusResult, error) {
		return providerdomain.StatusResult{
			Status:  "failed",
			Message: "Receiver does not support any document type",
		}, nil
	}

	_, err = env.svc.PollDue(ctx, 0, false, false)
	require.NoError(t, err)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateStored, stored.State)
	assert.NotNil(t, stored.CompletedAt)
}

func TestPollDueSkipsSentinelAndSkipDelivery(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	// The sentinel record is unpollable by construction; the pollable one
	// proves the claim query still finds real work.
	pollable, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-014"))
	require.NoError(t, err)
	require.Equal(t, dispatchdomain.StateSent, pollable.State)

	env.provider.sendFn = func() (providerdomain.SendResult, error) {
		return providerdomain.SendResult{}, &providerdomain.AlreadyExistsError{InvoiceNumber: "INV-015"}
	}
	_, err = env.svc.ScheduleDispatch(ctx, scheduleReq("INV-015"))
	require.NoError(t, err)

	result, err := env.svc.PollDue(ctx, 0, false, false)
	require.NoError(t, err)
	require.Len(t, result.Processed, 1)
	assert.Equal(t, pollable.ID.String(), result.Processed[0])
}

func TestPollForceIgnoresRetryGate(t *testing.T) {
	env := newTestEnv(t, true, 0)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-016"))
	require.NoError(t, err)

	// First poll keeps the record polling and schedules the next one in
	// the future, so a regular batch right after finds nothing.
	_, err = env.svc.PollDue(ctx, 0, false, false)
	require.NoError(t, err)
	stored := env.reload(t, record.ID)
	require.Equal(t, dispatchdomain.StatePolling, stored.State)
	require.NotNil(t, stored.NextRetryAt)

	result, err := env.svc.PollDue(ctx, 0, false, false)
	require.NoError(t, err)
	assert.Empty(t, result.Processed)

	result, err = env.svc.PollDue(ctx, 0, true, false)
	require.NoError(t, err)
	assert.Len(t, result.Processed, 1)

	stored = env.reload(t, record.ID)
	assert.Equal(t, 2, stored.PollAttempts)
}

// -- Status and counts --

func TestStatusAndCounts(t *testing.T) {
	env := newTestEnv(t, true, 3)
	ctx := context.Background()

	_, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-017"))
	require.NoError(t, err)
	_, err = env.svc.ScheduleDispatch(ctx, scheduleReq("INV-018"))
	require.NoError(t, err)

	record, err := env.svc.Status(ctx, "invoice", "INV-017")
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StateScheduled, record.State)

	_, err = env.svc.Status(ctx, "invoice", "no-such-invoice")
	assert.ErrorIs(t, err, dispatchdomain.ErrDispatchNotFound)

	counts, err := env.svc.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[dispatchdomain.StateScheduled])
}

func TestActivityLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t, false, 0)
	ctx := context.Background()

	record, err := env.svc.ScheduleDispatch(ctx, scheduleReq("INV-019"))
	require.NoError(t, err)

	entries, err := env.repo.ListActivity(ctx, int64(record.ID))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Nil(t, entries[0].FromState)
	assert.Equal(t, dispatchdomain.StateScheduled, entries[0].ToState)
	assert.Equal(t, dispatchdomain.StateSending, entries[1].ToState)
	assert.Equal(t, dispatchdomain.StateStored, entries[2].ToState)
	for _, entry := range entries {
		assert.NotEmpty(t, entry.Actor)
		assert.False(t, entry.OccurredAt.IsZero())
	}
}
