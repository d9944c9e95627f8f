package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/deinte/peppolsub/internal/breaker"
	"github.com/deinte/peppolsub/internal/clock"
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	dispatchrepo "github.com/deinte/peppolsub/internal/dispatch/repository"
	providerdomain "github.com/deinte/peppolsub/internal/provider/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type statusProvider struct {
	mu       sync.Mutex
	calls    int
	statusFn func() (providerdomain.StatusResult, error)
}

func (p *statusProvider) Send(ctx context.Context, payload providerdomain.InvoicePayload) (providerdomain.SendResult, error) {
	return providerdomain.SendResult{}, nil
}

func (p *statusProvider) GetStatus(ctx context.Context, providerInvoiceID string) (providerdomain.StatusResult, error) {
	p.mu.Lock()
	p.calls++
	fn := p.statusFn
	p.mu.Unlock()
	if fn == nil {
		return providerdomain.StatusResult{Status: "pending"}, nil
	}
	return fn()
}

func (p *statusProvider) GetSourceDocument(ctx context.Context, providerInvoiceID string) ([]byte, error) {
	return nil, nil
}

func (p *statusProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var pollDBSeq atomic.Int64

type pollEnv struct {
	svc      Poller
	db       *gorm.DB
	repo     *dispatchrepo.Repository
	clk      *clock.FakeClock
	provider *statusProvider
	node     *snowflake.Node
}

func newPollEnv(t *testing.T) *pollEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:poll_svc_%d?mode=memory&cache=shared", pollDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&dispatchdomain.InvoiceDispatch{},
		&dispatchdomain.ActivityLog{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	tuning := config.NewStaticTuningHolder(config.DefaultTuningConfig())
	provider := &statusProvider{}
	repo := dispatchrepo.NewRepository(db)

	brk := breaker.New("storecove", breaker.NewMemoryStore(clk), clk, log, func() breaker.Settings {
		b := tuning.Get().Breaker
		return breaker.Settings{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			OpenTimeout:      b.OpenTimeout,
			RateLimitTimeout: b.RateLimitTimeout,
			StateTTL:         b.StateTTL,
		}
	})

	svc := NewService(ServiceParam{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Provider: provider,
		Breaker:  brk,
		Config: config.Config{
			Dispatch: config.DispatchConfig{
				MaxDispatchAttempts: 3,
				MaxPollAttempts:     8,
			},
		},
		Tuning: tuning,
	})

	return &pollEnv{svc: svc, db: db, repo: repo, clk: clk, provider: provider, node: node}
}

func (e *pollEnv) insert(t *testing.T, state dispatchdomain.DispatchState, providerID string, pollAttempts int) *dispatchdomain.InvoiceDispatch {
	t.Helper()
	record := &dispatchdomain.InvoiceDispatch{
		ID:           e.node.Generate(),
		SourceType:   "invoice",
		SourceID:     fmt.Sprintf("SRC-%d", pollDBSeq.Add(1)),
		State:        state,
		PollAttempts: pollAttempts,
		CreatedAt:    e.clk.Now(),
		UpdatedAt:    e.clk.Now(),
	}
	if providerID != "" {
		record.ProviderInvoiceID = &providerID
	}
	require.NoError(t, e.repo.Create(context.Background(), e.db, record))
	return record
}

func (e *pollEnv) reload(t *testing.T, id snowflake.ID) *dispatchdomain.InvoiceDispatch {
	t.Helper()
	record, err := e.repo.FindByID(context.Background(), int64(id))
	require.NoError(t, err)
	require.NotNil(t, record)
	return record
}

func TestPollHeartbeatKeepsPolling(t *testing.T) {
	env := newPollEnv(t)
	record := env.insert(t, dispatchdomain.StatePolling, "guid-1", 2)

	state, err := env.svc.Poll(context.Background(), int64(record.ID))
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StatePolling, state)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StatePolling, stored.State)
	assert.Equal(t, 3, stored.PollAttempts)
	require.NotNil(t, stored.NextRetryAt)
	assert.WithinDuration(t, env.clk.Now().Add(30*time.Minute), *stored.NextRetryAt, time.Second)

	// The unchanged answer still leaves an audit trail entry.
	entries, err := env.repo.ListActivity(context.Background(), int64(record.ID))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "reconciler", entries[0].Actor)
	assert.Equal(t, dispatchdomain.StatePolling, entries[0].ToState)
	assert.Equal(t, string(CategoryPending), entries[0].Metadata["category"])
}

func TestPollBudgetExhaustionStaysNonFinal(t *testing.T) {
	env := newPollEnv(t)
	record := env.insert(t, dispatchdomain.StatePolling, "guid-1", 7)

	state, err := env.svc.Poll(context.Background(), int64(record.ID))
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StatePolling, state)

	stored := env.reload(t, record.ID)
	assert.Equal(t, 8, stored.PollAttempts)
	assert.Nil(t, stored.NextRetryAt)
	assert.Nil(t, stored.CompletedAt)
}

func TestPollTerminalAnswers(t *testing.T) {
	cases := []struct {
		name   string
		result providerdomain.StatusResult
		want   dispatchdomain.DispatchState
	}{
		{"delivered", providerdomain.StatusResult{Status: "delivered"}, dispatchdomain.StateDelivered},
		{"accepted", providerdomain.StatusResult{Status: "accepted"}, dispatchdomain.StateAccepted},
		{"rejected", providerdomain.StatusResult{Status: "rejected"}, dispatchdomain.StateRejected},
		{"unreachable flag", providerdomain.StatusResult{Status: "failed", RecipientUnreachable: true}, dispatchdomain.StateStored},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newPollEnv(t)
			record := env.insert(t, dispatchdomain.StatePolling, "guid-1", 1)
			env.provider.statusFn = func() (providerdomain.StatusResult, error) {
				return tc.result, nil
			}

			state, err := env.svc.Poll(context.Background(), int64(record.ID))
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)

			stored := env.reload(t, record.ID)
			assert.Equal(t, tc.want, stored.State)
			assert.NotNil(t, stored.CompletedAt)
			assert.Nil(t, stored.NextRetryAt)
			// A terminal answer does not consume a poll attempt.
			assert.Equal(t, 1, stored.PollAttempts)
		})
	}
}

func TestPollTransportErrorConsumesAttempt(t *testing.T) {
	env := newPollEnv(t)
	record := env.insert(t, dispatchdomain.StateSent, "guid-1", 0)
	env.provider.statusFn = func() (providerdomain.StatusResult, error) {
		return providerdomain.StatusResult{}, &providerdomain.APIError{StatusCode: 502, Message: "bad gateway"}
	}

	state, err := env.svc.Poll(context.Background(), int64(record.ID))
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StateSent, state)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateSent, stored.State)
	assert.Equal(t, 1, stored.PollAttempts)
	require.NotNil(t, stored.NextRetryAt)
	require.NotNil(t, stored.LastErrorMessage)
	assert.Contains(t, *stored.LastErrorMessage, "bad gateway")
}

func TestPollBreakerOpenLeavesBudgetUntouched(t *testing.T) {
	env := newPollEnv(t)
	first := env.insert(t, dispatchdomain.StatePolling, "guid-1", 0)
	second := env.insert(t, dispatchdomain.StatePolling, "guid-2", 0)

	env.provider.statusFn = func() (providerdomain.StatusResult, error) {
		return providerdomain.StatusResult{}, providerdomain.ErrRateLimited
	}

	// The rate limit opens the breaker and consumes one attempt.
	_, err := env.svc.Poll(context.Background(), int64(first.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, env.reload(t, first.ID).PollAttempts)

	state, err := env.svc.Poll(context.Background(), int64(second.ID))
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
	assert.Equal(t, dispatchdomain.StatePolling, state)

	stored := env.reload(t, second.ID)
	assert.Zero(t, stored.PollAttempts)
	assert.Equal(t, 1, env.provider.Calls())
}

func TestPollSentinelAndNonPollingNoOp(t *testing.T) {
	env := newPollEnv(t)

	sentinel := env.insert(t, dispatchdomain.StateStored, dispatchdomain.SentinelPrefix+"INV-1", 0)
	terminal := env.insert(t, dispatchdomain.StateAccepted, "guid-1", 3)
	noProviderID := env.insert(t, dispatchdomain.StateSent, "", 0)

	for _, record := range []*dispatchdomain.InvoiceDispatch{sentinel, terminal, noProviderID} {
		state, err := env.svc.Poll(context.Background(), int64(record.ID))
		require.NoError(t, err)
		assert.Equal(t, record.State, state)
	}
	assert.Zero(t, env.provider.Calls())
}

func TestPollDeliveredAppliesLateOutcome(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   dispatchdomain.DispatchState
	}{
		{"late accept", "accepted", dispatchdomain.StateAccepted},
		{"late reject", "rejected", dispatchdomain.StateRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newPollEnv(t)
			record := env.insert(t, dispatchdomain.StateDelivered, "guid-1", 3)
			env.provider.statusFn = func() (providerdomain.StatusResult, error) {
				return providerdomain.StatusResult{Status: tc.status}, nil
			}

			state, err := env.svc.Poll(context.Background(), int64(record.ID))
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)

			stored := env.reload(t, record.ID)
			assert.Equal(t, tc.want, stored.State)
			assert.NotNil(t, stored.CompletedAt)
			assert.Nil(t, stored.NextRetryAt)
			assert.Equal(t, 3, stored.PollAttempts)
			assert.Equal(t, 1, env.provider.Calls())
		})
	}
}

func TestPollDeliveredIgnoresStaleAnswer(t *testing.T) {
	env := newPollEnv(t)
	record := env.insert(t, dispatchdomain.StateDelivered, "guid-1", 3)
	env.provider.statusFn = func() (providerdomain.StatusResult, error) {
		return providerdomain.StatusResult{Status: "pending"}, nil
	}

	state, err := env.svc.Poll(context.Background(), int64(record.ID))
	require.NoError(t, err)
	assert.Equal(t, dispatchdomain.StateDelivered, state)

	stored := env.reload(t, record.ID)
	assert.Equal(t, dispatchdomain.StateDelivered, stored.State)
	assert.Equal(t, 3, stored.PollAttempts)
	assert.Equal(t, 1, env.provider.Calls())
}

func TestPollUnknownRecord(t *testing.T) {
	env := newPollEnv(t)

	_, err := env.svc.Poll(context.Background(), 42)
	assert.ErrorIs(t, err, dispatchdomain.ErrDispatchNotFound)
}
