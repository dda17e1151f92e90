package governance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/executor"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, a executor.Action) error {
	return m.Called(ctx, a).Error(0)
}

// approve opens a proposal by alice and has bob approve it.
func approve(t *testing.T, h *harness, kind governance.ProposalKind, payload []byte) *governance.Proposal {
	t.Helper()
	ctx := context.Background()
	p, err := h.engine.Propose(ctx, alice, kind, payload, 0)
	require.NoError(t, err)
	p, err = h.engine.Vote(ctx, bob, p.ID, governance.VoteFor)
	require.NoError(t, err)
	require.Equal(t, governance.StatusApproved, p.Status)
	return p
}

func TestExecute_FailureKeepsProposalApproved(t *testing.T) {
	ctx := context.Background()
	exec := &mockExecutor{}
	h := newHarness(t, func(o *governance.Options) { o.Executor = exec })
	h.initCouncil(t)
	p := approve(t, h, governance.KindActionPayload, []byte("mint:100"))
	h.clock.Advance(25 * time.Hour)

	downstream := errors.New("rpc unavailable")
	matchAction := mock.MatchedBy(func(a executor.Action) bool {
		return a.ProposalID == p.ID && string(a.Payload) == "mint:100" && a.Executor == "carol"
	})
	exec.On("Execute", mock.Anything, matchAction).Return(downstream).Once()
	exec.On("Execute", mock.Anything, matchAction).Return(nil).Once()

	_, err := h.engine.Execute(ctx, carol, p.ID)
	assert.ErrorIs(t, err, governance.ErrExecution)
	assert.ErrorIs(t, err, downstream)

	stored, err := h.engine.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, stored.Status)
	assert.Nil(t, stored.Claim, "failed execution releases its claim")
	assert.Equal(t, "rpc unavailable", stored.LastExecutionError)
	assert.Equal(t, "proposal.execution_failed", h.audit.last().Action)

	done, err := h.engine.Execute(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, done.Status)
	assert.Empty(t, done.LastExecutionError)
	exec.AssertExpectations(t)
}

func TestExecute_Authorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)
	p := approve(t, h, governance.KindOther, nil)
	h.clock.Advance(25 * time.Hour)

	_, err := h.engine.Execute(ctx, mallory, p.ID)
	assert.ErrorIs(t, err, governance.ErrUnauthorized)
	_, err = h.engine.Execute(ctx, root, p.ID)
	assert.ErrorIs(t, err, governance.ErrUnauthorized, "the authority executes only if it is a member")

	open, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	require.NoError(t, err)
	_, err = h.engine.Execute(ctx, alice, open.ID)
	assert.ErrorIs(t, err, governance.ErrInvalidState)
}

func TestExecute_ConcurrentClaimRefused(t *testing.T) {
	ctx := context.Background()
	var (
		h        *harness
		innerErr error
	)
	h = newHarness(t, func(o *governance.Options) {
		o.Executor = executor.Func(func(ctx context.Context, a executor.Action) error {
			_, innerErr = h.engine.Execute(ctx, bob, a.ProposalID)
			return nil
		})
	})
	h.initCouncil(t)
	p := approve(t, h, governance.KindOther, nil)
	h.clock.Advance(25 * time.Hour)

	p, err := h.engine.Execute(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, carol, p.ExecutedBy)

	var se *governance.StateError
	require.ErrorAs(t, innerErr, &se)
	assert.Contains(t, se.Reason, "execution in progress by carol")
}

func TestExecute_ExpiredClaimCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	var (
		h     *harness
		calls int
	)
	h = newHarness(t, func(o *governance.Options) {
		o.ExecutionLease = time.Minute
		o.Executor = executor.Func(func(ctx context.Context, a executor.Action) error {
			calls++
			if calls == 1 {
				// The first executor stalls past its lease and a second one takes over.
				h.clock.Advance(2 * time.Minute)
				_, err := h.engine.Execute(ctx, bob, a.ProposalID)
				require.NoError(t, err)
			}
			return nil
		})
	})
	h.initCouncil(t)
	p := approve(t, h, governance.KindOther, nil)
	h.clock.Advance(25 * time.Hour)

	_, err := h.engine.Execute(ctx, carol, p.ID)
	assert.ErrorIs(t, err, governance.ErrExecution)
	assert.ErrorIs(t, err, governance.ErrInvalidState)

	stored, err := h.engine.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, stored.Status)
	assert.Equal(t, bob, stored.ExecutedBy)
	assert.Equal(t, 2, calls)
}

func TestExecute_MembershipProposals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p := approve(t, h, governance.KindMembershipAdd, governance.MembershipPayload(dave))
	h.clock.Advance(25 * time.Hour)
	_, err := h.engine.Execute(ctx, alice, p.ID)
	require.NoError(t, err)

	cfg, err := h.engine.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, []governance.Address{alice, bob, carol, dave}, cfg.Members)
	assert.Equal(t, uint64(2), cfg.Version)
	assert.EqualValues(t, 2, h.audit.last().Details["config_version"])

	// Adding an existing member passes proposal validation but fails the dry run.
	p = approve(t, h, governance.KindMembershipAdd, governance.MembershipPayload(bob))
	h.clock.Advance(25 * time.Hour)
	_, err = h.engine.Execute(ctx, alice, p.ID)
	assert.ErrorIs(t, err, governance.ErrValidation)
	stored, err := h.engine.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, stored.Status)
	assert.Nil(t, stored.Claim)
}

func TestExecute_ParameterChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p := approve(t, h, governance.KindParameterChange,
		governance.ParameterPayload(governance.ParamTimelockPeriod, "48h"))
	h.clock.Advance(25 * time.Hour)
	_, err := h.engine.Execute(ctx, bob, p.ID)
	require.NoError(t, err)

	cfg, err := h.engine.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.TimelockPeriod.Std())

	p = approve(t, h, governance.KindParameterChange,
		governance.ParameterPayload(governance.ParamApprovalThreshold, "4"))
	h.clock.Advance(49 * time.Hour)
	_, err = h.engine.Execute(ctx, bob, p.ID)
	var ve *governance.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, governance.ParamApprovalThreshold, ve.Field)
}
