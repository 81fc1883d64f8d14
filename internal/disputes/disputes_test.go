package disputes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/chain/chaintest"
	"github.com/rentvault/rentvault/internal/custody"
	"github.com/rentvault/rentvault/internal/escrow"
	"github.com/rentvault/rentvault/internal/failure"
	"github.com/rentvault/rentvault/internal/logging"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/realtime/realtimetest"
)

var arbiters = []string{"arb-alice", "arb-bob", "arb-carol"}

type fixture struct {
	net      *chaintest.FakeNetwork
	escrows  *escrow.Service
	store    *MemoryStore
	svc      *Service
	tenant   string
	landlord string
}

func newFixture(t *testing.T, recorder VoteRecorder) *fixture {
	t.Helper()
	c, err := custody.New("disputes-test-secret-0123456789abcdef")
	require.NoError(t, err)

	net := chaintest.New()
	builder := chain.NewBuilder(chaintest.Passphrase, 0, 5*time.Minute)
	reg := accounts.NewRegistry(accounts.NewMemoryStore(), c, net, builder, logging.Discard())
	records := payments.NewMemoryStore()
	escrows := escrow.NewService(escrow.NewMemoryStore(records), records, reg, decimal.NewFromInt(1), logging.Discard())
	store := NewMemoryStore()

	tenant, err := reg.Create(context.Background(), accounts.TypeUser)
	require.NoError(t, err)
	net.Fund(tenant.PublicKey, "1000")
	landlord := keypair.MustRandom().Address()
	net.Fund(landlord, "1")

	return &fixture{
		net: net, escrows: escrows, store: store,
		svc:    NewService(store, escrows, recorder, logging.Discard()),
		tenant: tenant.PublicKey, landlord: landlord,
	}
}

func (f *fixture) openDispute(t *testing.T) (*escrow.Escrow, *Dispute) {
	t.Helper()
	ctx := context.Background()
	e, err := f.escrows.Create(ctx, escrow.CreateRequest{Source: f.tenant, Destination: f.landlord, Amount: "100"})
	require.NoError(t, err)
	d, err := f.svc.Open(ctx, e.ID, OpenRequest{OpenedBy: f.tenant, Reason: "deposit withheld for normal wear", Arbiters: arbiters})
	require.NoError(t, err)
	return e, d
}

func (f *fixture) vote(t *testing.T, disputeID, arbiter string, favorSource bool) {
	t.Helper()
	_, _, err := f.svc.Vote(context.Background(), disputeID, VoteRequest{ArbiterID: arbiter, FavorSource: favorSource})
	require.NoError(t, err)
}

func TestOpen_MarksEscrowDisputed(t *testing.T) {
	f := newFixture(t, nil)
	e, d := f.openDispute(t)

	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, arbiters, d.Arbiters)

	got, err := f.escrows.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, got.Status)
	assert.Equal(t, d.ID, got.DisputeID)

	_, err = f.svc.Open(context.Background(), e.ID, OpenRequest{OpenedBy: f.landlord, Reason: "again", Arbiters: arbiters})
	assert.ErrorIs(t, err, ErrDisputeExists)
}

func TestOpen_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e, err := f.escrows.Create(ctx, escrow.CreateRequest{Source: f.tenant, Destination: f.landlord, Amount: "50"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"no reason", OpenRequest{OpenedBy: f.tenant, Arbiters: arbiters}, nil},
		{"no arbiters", OpenRequest{OpenedBy: f.tenant, Reason: "x"}, ErrInvalidArbiters},
		{"duplicate arbiters", OpenRequest{OpenedBy: f.tenant, Reason: "x", Arbiters: []string{"a", "a"}}, ErrInvalidArbiters},
		{"outsider", OpenRequest{OpenedBy: keypair.MustRandom().Address(), Reason: "x", Arbiters: arbiters}, ErrNotParty},
		{"party arbitrates", OpenRequest{OpenedBy: f.tenant, Reason: "x", Arbiters: []string{f.landlord}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Open(ctx, e.ID, tt.req)
			require.Error(t, err)
			assert.True(t, failure.Is(err, failure.KindValidation), err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	_, err = f.svc.Open(ctx, "esc_missing", OpenRequest{OpenedBy: f.tenant, Reason: "x", Arbiters: arbiters})
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
}

func TestOpen_DiscardedWhenEscrowNotActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e, err := f.escrows.Create(ctx, escrow.CreateRequest{Source: f.tenant, Destination: f.landlord, Amount: "50"})
	require.NoError(t, err)
	_, err = f.escrows.Refund(ctx, e.ID, "tenant moved on")
	require.NoError(t, err)

	_, err = f.svc.Open(ctx, e.ID, OpenRequest{OpenedBy: f.tenant, Reason: "late", Arbiters: arbiters})
	assert.ErrorIs(t, err, escrow.ErrAlreadyResolved)
	_, err = f.svc.GetByEscrow(ctx, e.ID)
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestResolve_MajorityForSourceRefunds(t *testing.T) {
	f := newFixture(t, nil)
	e, d := f.openDispute(t)

	f.vote(t, d.ID, "arb-alice", true)
	f.vote(t, d.ID, "arb-bob", true)
	f.vote(t, d.ID, "arb-carol", false)

	resolved, err := f.svc.Resolve(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, OutcomeSource, resolved.Outcome)
	assert.Equal(t, 2, resolved.VotesForSource)
	assert.Equal(t, 1, resolved.VotesForDestination)
	require.NotNil(t, resolved.SettledAt)

	got, err := f.escrows.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)
	assert.Equal(t, "dispute "+d.ID, got.RefundReason)
	assert.Equal(t, "999.99997", f.net.Balance(f.tenant, chain.Native).String())
	assert.Equal(t, "1", f.net.Balance(f.landlord, chain.Native).String())
}

func TestResolve_MajorityForDestinationReleases(t *testing.T) {
	f := newFixture(t, nil)
	e, d := f.openDispute(t)

	f.vote(t, d.ID, "arb-alice", false)
	f.vote(t, d.ID, "arb-carol", false)

	resolved, err := f.svc.Resolve(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDestination, resolved.Outcome)

	got, err := f.escrows.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assert.Equal(t, "100.99998", f.net.Balance(f.landlord, chain.Native).String())
}

func TestResolve_NoMajority(t *testing.T) {
	f := newFixture(t, nil)
	_, d := f.openDispute(t)

	_, err := f.svc.Resolve(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNoMajority)

	f.vote(t, d.ID, "arb-alice", true)
	f.vote(t, d.ID, "arb-bob", false)
	_, err = f.svc.Resolve(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNoMajority)

	got, err := f.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	f.vote(t, d.ID, "arb-carol", true)
	resolved, err := f.svc.Resolve(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSource, resolved.Outcome)
}

func TestVote_Rules(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, d := f.openDispute(t)

	f.vote(t, d.ID, "arb-alice", true)
	_, _, err := f.svc.Vote(ctx, d.ID, VoteRequest{ArbiterID: "arb-alice", FavorSource: false})
	assert.ErrorIs(t, err, ErrAlreadyVoted)

	_, _, err = f.svc.Vote(ctx, d.ID, VoteRequest{ArbiterID: "arb-mallory", FavorSource: false})
	assert.ErrorIs(t, err, ErrNotArbiter)

	_, _, err = f.svc.Vote(ctx, "dsp_missing", VoteRequest{ArbiterID: "arb-alice"})
	assert.ErrorIs(t, err, ErrDisputeNotFound)

	_, err = f.svc.Resolve(ctx, d.ID)
	require.NoError(t, err)

	_, _, err = f.svc.Vote(ctx, d.ID, VoteRequest{ArbiterID: "arb-bob", FavorSource: false})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = f.svc.Resolve(ctx, d.ID)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	votes, err := f.svc.ListVotes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "arb-alice", votes[0].ArbiterID)
}

func TestVote_ConcurrentSameArbiterCountsOnce(t *testing.T) {
	f := newFixture(t, nil)
	_, d := f.openDispute(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.svc.Vote(context.Background(), d.ID, VoteRequest{ArbiterID: "arb-bob", FavorSource: true})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyVoted)
		}
	}
	assert.Equal(t, 1, ok)
	got, err := f.svc.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.VotesForSource)
}

type fakeRecorder struct {
	calls int
	err   error
}

func (r *fakeRecorder) RecordVote(_ context.Context, disputeID, arbiterID string, _ bool) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return "0xvote-" + arbiterID, nil
}

func TestVote_RecorderHashStored(t *testing.T) {
	rec := &fakeRecorder{}
	f := newFixture(t, rec)
	_, d := f.openDispute(t)

	v, _, err := f.svc.Vote(context.Background(), d.ID, VoteRequest{ArbiterID: "arb-carol", FavorSource: true})
	require.NoError(t, err)
	assert.Equal(t, "0xvote-arb-carol", v.SubmissionHash)

	rec.err = failure.Wrap(failure.KindRemoteUnknown, "send", errors.New("rpc down"))
	_, _, err = f.svc.Vote(context.Background(), d.ID, VoteRequest{ArbiterID: "arb-bob", FavorSource: true})
	assert.True(t, failure.Is(err, failure.KindRemoteUnknown))

	votes, err := f.svc.ListVotes(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 1)
	assert.Equal(t, 2, rec.calls)
}

func TestEnforce_RetriesFailedSettlement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e, d := f.openDispute(t)
	f.vote(t, d.ID, "arb-alice", true)
	f.vote(t, d.ID, "arb-bob", true)

	f.net.FailNextSubmit(&chain.RejectedError{Op: "submit", TransactionCode: "tx_bad_seq"})
	resolved, err := f.svc.Resolve(ctx, d.ID)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindRemoteRejected))
	require.NotNil(t, resolved)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Nil(t, resolved.SettledAt)

	res := f.svc.EnforceUnsettled(ctx)
	assert.Equal(t, EnforceResult{Settled: 1}, res)

	got, err := f.escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status)

	again, err := f.svc.Enforce(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, again.SettledAt)
	assert.Equal(t, EnforceResult{}, f.svc.EnforceUnsettled(ctx))
}

func TestEnforce_AcceptsEscrowAlreadySettled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	e, d := f.openDispute(t)
	f.vote(t, d.ID, "arb-alice", true)

	f.net.FailNextSubmit(&chain.RejectedError{Op: "submit", TransactionCode: "tx_bad_seq"})
	_, err := f.svc.Resolve(ctx, d.ID)
	require.Error(t, err)

	_, err = f.escrows.Refund(ctx, e.ID, "manual")
	require.NoError(t, err)

	settled, err := f.svc.Enforce(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, settled.SettledAt)
}

func TestEnforce_RequiresResolution(t *testing.T) {
	f := newFixture(t, nil)
	_, d := f.openDispute(t)
	_, err := f.svc.Enforce(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotResolved)
}

func TestEvents_OpenResolveSettle(t *testing.T) {
	f := newFixture(t, nil)
	rec := &realtimetest.Recorder{}
	f.svc.WithEvents(rec)
	_, d := f.openDispute(t)
	f.vote(t, d.ID, "arb-alice", false)

	_, err := f.svc.Resolve(context.Background(), d.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"OPEN", "RESOLVED", "RESOLVED"}, rec.Statuses(realtime.EventDispute))
	for _, e := range rec.Events() {
		assert.ElementsMatch(t, []string{f.tenant, f.landlord}, e.Accounts)
	}
}
