package governance_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/audit"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/signedstore"
)

const (
	alice   governance.Address = "alice"
	bob     governance.Address = "bob"
	carol   governance.Address = "carol"
	dave    governance.Address = "dave"
	erin    governance.Address = "erin"
	root    governance.Address = "root"
	mallory governance.Address = "mallory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (r *memRecorder) Append(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Action
	}
	return out
}

func (r *memRecorder) last() audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type harness struct {
	engine *governance.Engine
	clock  *fakeClock
	audit  *memRecorder
	path   string
	signer crypto.Signer
}

func openStore(t *testing.T, path string, signer crypto.Signer) *signedstore.Store[governance.State] {
	t.Helper()
	store, err := governance.NewFileStore(signedstore.Options{
		Path:               path,
		Signer:             signer,
		LockInitialBackoff: time.Millisecond,
		LockMaxBackoff:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	return store
}

func newHarness(t *testing.T, mods ...func(*governance.Options)) *harness {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("council-test")
	require.NoError(t, err)
	h := &harness{
		clock:  &fakeClock{now: epoch},
		audit:  &memRecorder{},
		path:   filepath.Join(t.TempDir(), "council.json"),
		signer: signer,
	}
	opts := governance.Options{Audit: h.audit, Clock: h.clock.Now}
	for _, m := range mods {
		m(&opts)
	}
	h.engine, err = governance.NewEngine(openStore(t, h.path, signer), opts)
	require.NoError(t, err)
	return h
}

// initCouncil creates alice, bob and carol with threshold 2, a 1h vote and a 1d timelock.
func (h *harness) initCouncil(t *testing.T, mods ...func(*governance.InitParams)) *governance.CouncilConfig {
	t.Helper()
	params := governance.InitParams{
		Authority:         root,
		Members:           []governance.Address{alice, bob, carol},
		ApprovalThreshold: 2,
		VotingPeriod:      time.Hour,
		TimelockPeriod:    24 * time.Hour,
	}
	for _, m := range mods {
		m(&params)
	}
	cfg, err := h.engine.Initialize(context.Background(), params)
	require.NoError(t, err)
	return cfg
}

func TestEngine_ApproveThenExecuteAfterTimelock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p, err := h.engine.Propose(ctx, alice, governance.KindActionPayload, []byte("pause-bridge"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ID)
	assert.Equal(t, governance.StatusProposed, p.Status)
	assert.Equal(t, epoch.Add(time.Hour), p.VotingDeadline)
	assert.Equal(t, epoch.Add(25*time.Hour), p.ExecutableAt)
	require.Len(t, p.Votes, 1)
	assert.Equal(t, governance.VoteFor, p.Votes[0].Choice)

	h.clock.Advance(10 * time.Minute)
	p, err = h.engine.Vote(ctx, bob, p.ID, governance.VoteFor)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, p.Status)
	require.NotNil(t, p.DecidedAt)

	_, err = h.engine.Execute(ctx, carol, p.ID)
	var tl *governance.TimelockError
	require.ErrorAs(t, err, &tl)
	assert.ErrorIs(t, err, governance.ErrTimelock)
	assert.Equal(t, int64((24*time.Hour+50*time.Minute)/time.Second), tl.RemainingSeconds)

	h.clock.Advance(24*time.Hour + 50*time.Minute)
	p, err = h.engine.Execute(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, p.Status)
	assert.Equal(t, carol, p.ExecutedBy)
	assert.Nil(t, p.Claim)

	_, err = h.engine.Execute(ctx, carol, p.ID)
	assert.ErrorIs(t, err, governance.ErrInvalidState)

	assert.Equal(t, []string{
		"council.initialized",
		"proposal.created",
		"proposal.voted",
		"proposal.approved",
		"proposal.executed",
	}, h.audit.actions())
	assert.NotEmpty(t, h.audit.last().Details["state_digest"])
}

func TestEngine_DelegateVotesForDelegator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	require.NoError(t, err)

	_, err = h.engine.Delegate(ctx, carol, dave, 7)
	require.NoError(t, err)

	member, ok, err := h.engine.ResolveVoter(ctx, dave)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, carol, member)

	p, err = h.engine.Vote(ctx, dave, p.ID, governance.VoteAgainst)
	require.NoError(t, err)

	v, ok := p.Vote(carol)
	require.True(t, ok)
	assert.Equal(t, governance.VoteAgainst, v.Choice)
	assert.Equal(t, dave, v.CastBy)
	_, ok = p.Vote(dave)
	assert.False(t, ok, "delegates never hold a vote of their own")
	assert.Equal(t, dave, h.audit.last().Details["cast_by"])

	// A direct vote by the delegator replaces the delegated one.
	p, err = h.engine.Vote(ctx, carol, p.ID, governance.VoteFor)
	require.NoError(t, err)
	v, _ = p.Vote(carol)
	assert.Empty(t, v.CastBy)
	assert.Equal(t, governance.StatusApproved, p.Status)
}

func TestEngine_InitializeValidation(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*governance.InitParams)
	}{
		{"no members", func(p *governance.InitParams) { p.Members = nil }},
		{"too many members", func(p *governance.InitParams) {
			p.Members = []governance.Address{"m1", "m2", "m3", "m4", "m5", "m6", "m7", "m8", "m9", "m10"}
		}},
		{"duplicate member", func(p *governance.InitParams) { p.Members = []governance.Address{alice, alice} }},
		{"blank member", func(p *governance.InitParams) { p.Members = []governance.Address{alice, " "} }},
		{"zero threshold", func(p *governance.InitParams) { p.ApprovalThreshold = 0 }},
		{"threshold above size", func(p *governance.InitParams) { p.ApprovalThreshold = 4 }},
		{"short voting period", func(p *governance.InitParams) { p.VotingPeriod = 59 * time.Minute }},
		{"negative timelock", func(p *governance.InitParams) { p.TimelockPeriod = -time.Second }},
		{"emergency timelock above timelock", func(p *governance.InitParams) {
			d := 48 * time.Hour
			p.EmergencyTimelock = &d
		}},
		{"min approval above 100", func(p *governance.InitParams) { p.MinApprovalPercent = 101 }},
		{"missing authority", func(p *governance.InitParams) { p.Authority = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			params := governance.InitParams{
				Authority:         root,
				Members:           []governance.Address{alice, bob, carol},
				ApprovalThreshold: 2,
				VotingPeriod:      time.Hour,
				TimelockPeriod:    24 * time.Hour,
			}
			tt.mod(&params)
			_, err := h.engine.Initialize(context.Background(), params)
			assert.ErrorIs(t, err, governance.ErrValidation)

			_, err = h.engine.Config(context.Background())
			assert.ErrorIs(t, err, governance.ErrNotInitialized)
		})
	}
}

func TestEngine_InitializeDefaultsAndOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := h.initCouncil(t, func(p *governance.InitParams) {
		p.Members = []governance.Address{" alice", "bob ", carol}
		p.TimelockPeriod = 72 * time.Hour
	})

	assert.Equal(t, []governance.Address{alice, bob, carol}, cfg.Members)
	assert.Equal(t, 2, cfg.EmergencyThreshold)
	assert.Equal(t, 24*time.Hour, cfg.EmergencyTimelockPeriod.Std())
	assert.Equal(t, governance.DefaultMinApproval, cfg.MinApprovalPercent)
	assert.Equal(t, uint64(1), cfg.Version)

	_, err := h.engine.Initialize(ctx, governance.InitParams{
		Authority:         root,
		Members:           []governance.Address{dave},
		ApprovalThreshold: 1,
		VotingPeriod:      time.Hour,
	})
	assert.ErrorIs(t, err, governance.ErrInvalidState)

	// State survives a fresh engine over the same file.
	other, err := governance.NewEngine(openStore(t, h.path, h.signer), governance.Options{Clock: h.clock.Now})
	require.NoError(t, err)
	got, err := other.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Members, got.Members)
}

func TestEngine_OperationsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	assert.ErrorIs(t, err, governance.ErrNotInitialized)
	_, err = h.engine.Delegate(ctx, alice, dave, 1)
	assert.ErrorIs(t, err, governance.ErrInvalidState)
	_, err = h.engine.AddMember(ctx, root, dave)
	assert.ErrorIs(t, err, governance.ErrInvalidState)
	assert.Empty(t, h.audit.actions())
}

func TestEngine_ProposeValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	_, err := h.engine.Propose(ctx, mallory, governance.KindOther, nil, 0)
	assert.ErrorIs(t, err, governance.ErrUnauthorized)

	_, err = h.engine.Propose(ctx, alice, governance.KindOther, make([]byte, governance.MaxPayloadSize+1), 0)
	var ve *governance.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, governance.MaxPayloadSize, ve.Required)

	_, err = h.engine.Propose(ctx, alice, governance.KindOther, make([]byte, governance.MaxPayloadSize), 0)
	assert.NoError(t, err)

	_, err = h.engine.Propose(ctx, alice, "launch", nil, 0)
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = h.engine.Propose(ctx, alice, governance.KindMembershipAdd, []byte(`{"member":""}`), 0)
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = h.engine.Propose(ctx, alice, governance.KindParameterChange, governance.ParameterPayload("quorum", "3"), 0)
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = h.engine.Propose(ctx, alice, governance.KindOther, nil, -time.Hour)
	assert.ErrorIs(t, err, governance.ErrValidation)
}

func TestEngine_ExecuteAfterExtendsTimelock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(49*time.Hour), p.ExecutableAt)

	p, err = h.engine.Propose(ctx, alice, governance.KindOther, nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(25*time.Hour), p.ExecutableAt)
}

func TestEngine_ActiveProposalLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t, func(p *governance.InitParams) { p.ApprovalThreshold = 3 })

	for range governance.MaxActiveProposals {
		_, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
		require.NoError(t, err)
	}
	_, err := h.engine.Propose(ctx, bob, governance.KindOther, nil, 0)
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = h.engine.Cancel(ctx, alice, 1)
	require.NoError(t, err)
	p, err := h.engine.Propose(ctx, bob, governance.KindOther, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(governance.MaxActiveProposals+1), p.ID)
}

func TestEngine_EmergencyProposal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t, func(p *governance.InitParams) {
		p.Members = []governance.Address{alice, bob, carol, dave, erin}
		p.ApprovalThreshold = 2
		p.VotingPeriod = 48 * time.Hour
		p.TimelockPeriod = 72 * time.Hour
	})

	_, err := h.engine.ProposeEmergency(ctx, alice, governance.KindActionPayload, []byte("halt"), "   ")
	assert.ErrorIs(t, err, governance.ErrValidation)

	p, err := h.engine.ProposeEmergency(ctx, alice, governance.KindActionPayload, []byte("halt"), "bridge exploit in progress")
	require.NoError(t, err)
	assert.True(t, p.IsEmergency)
	assert.Equal(t, epoch.Add(24*time.Hour), p.VotingDeadline)
	assert.Equal(t, epoch.Add(48*time.Hour), p.ExecutableAt)
	assert.Equal(t, "proposal.emergency_created", h.audit.last().Action)

	// Emergency threshold for five members is four.
	for _, m := range []governance.Address{bob, carol} {
		p, err = h.engine.Vote(ctx, m, p.ID, governance.VoteFor)
		require.NoError(t, err)
		assert.Equal(t, governance.StatusProposed, p.Status)
	}
	tally, err := h.engine.Tally(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, tally.RequiredFor)
	assert.True(t, tally.QuorumReached)
	assert.False(t, tally.ThresholdReached)

	p, err = h.engine.Vote(ctx, dave, p.ID, governance.VoteFor)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, p.Status)

	h.clock.Advance(48 * time.Hour)
	p, err = h.engine.Execute(ctx, erin, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, p.Status)
}

func TestEngine_EmergencyProposalWithoutTimelock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t, func(p *governance.InitParams) { p.TimelockPeriod = 0 })

	p, err := h.engine.ProposeEmergency(ctx, alice, governance.KindActionPayload, []byte("halt"), "oracle is reporting zero")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), p.VotingDeadline, "voting stays open for the minimum window")
	assert.Equal(t, p.VotingDeadline, p.ExecutableAt)

	h.clock.Advance(time.Second)
	p, err = h.engine.Vote(ctx, bob, p.ID, governance.VoteFor)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusApproved, p.Status)

	h.clock.Advance(time.Hour)
	p, err = h.engine.Execute(ctx, carol, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusExecuted, p.Status)
}

func TestEngine_StrictAudit(t *testing.T) {
	ctx := context.Background()
	failing := errors.New("disk full")

	h := newHarness(t, func(o *governance.Options) { o.StrictAudit = true })
	h.initCouncil(t)
	h.audit.err = failing

	p, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	assert.ErrorIs(t, err, failing)
	require.NotNil(t, p, "the committed proposal is still returned")

	stored, err := h.engine.Proposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, governance.StatusProposed, stored.Status)

	lenient := newHarness(t)
	lenient.initCouncil(t)
	lenient.audit.err = failing
	_, err = lenient.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	assert.NoError(t, err)
}

func TestEngine_ProposalsFilter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	p1, err := h.engine.Propose(ctx, alice, governance.KindOther, nil, 0)
	require.NoError(t, err)
	_, err = h.engine.Propose(ctx, bob, governance.KindOther, nil, 0)
	require.NoError(t, err)
	_, err = h.engine.Vote(ctx, carol, p1.ID, governance.VoteFor)
	require.NoError(t, err)

	all, err := h.engine.Proposals(ctx, governance.ProposalFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	approved, err := h.engine.Proposals(ctx, governance.ProposalFilter{Statuses: []governance.Status{governance.StatusApproved}})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, p1.ID, approved[0].ID)

	byBob, err := h.engine.Proposals(ctx, governance.ProposalFilter{Proposer: bob, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, byBob, 1)
	assert.Equal(t, bob, byBob[0].Proposer)

	_, err = h.engine.Proposal(ctx, 99)
	var nf *governance.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, uint64(99), nf.ProposalID)
}

func TestEngine_TamperedStoreRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.initCouncil(t)

	intruder, err := crypto.NewEd25519Signer("intruder")
	require.NoError(t, err)
	forged := openStore(t, h.path, intruder)
	_, err = forged.Update(ctx, governance.State{}, func(s governance.State) (governance.State, error) {
		return s, nil
	})
	assert.ErrorIs(t, err, signedstore.ErrIntegrity)

	_, err = h.engine.Config(ctx)
	assert.NoError(t, err)
}
