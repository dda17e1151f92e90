package governance

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/observability"
)

// InitParams describes a new council. Zero EmergencyThreshold and nil
// EmergencyTimelock are derived from the other fields.
type InitParams struct {
	Authority          Address
	Members            []Address
	ApprovalThreshold  int
	VotingPeriod       time.Duration
	TimelockPeriod     time.Duration
	EmergencyThreshold int
	EmergencyTimelock  *time.Duration
	MinApprovalPercent int
}

// DefaultEmergencyThreshold is max(approval, ceil(2n/3)) capped at n.
func DefaultEmergencyThreshold(n, approval int) int {
	return min(n, max(approval, (2*n+2)/3))
}

// DefaultEmergencyTimelock is max(24h, ceil(timelock/3)) capped at timelock.
func DefaultEmergencyTimelock(timelock time.Duration) time.Duration {
	return min(timelock, max(24*time.Hour, (timelock+2)/3))
}

// emergencyVotingWindow is how long an emergency proposal stays open: the
// emergency timelock, bounded by the voting period and never shorter than
// MinVotingPeriod.
func emergencyVotingWindow(cfg *CouncilConfig) time.Duration {
	return min(cfg.VotingPeriod.Std(), max(cfg.EmergencyTimelockPeriod.Std(), MinVotingPeriod))
}

func (p InitParams) build(now time.Time) (*CouncilConfig, error) {
	authority, err := ParseAddress(string(p.Authority))
	if err != nil {
		return nil, &ValidationError{Field: "authority", Reason: err.Error()}
	}
	if len(p.Members) == 0 {
		return nil, &ValidationError{Field: "members", Reason: "council must have at least one member"}
	}
	if len(p.Members) > MaxCouncilSize {
		return nil, &ValidationError{Field: "members", Reason: "council size exceeds bound", Required: MaxCouncilSize, Actual: len(p.Members)}
	}
	members := make([]Address, 0, len(p.Members))
	for _, m := range p.Members {
		addr, err := ParseAddress(string(m))
		if err != nil {
			return nil, &ValidationError{Field: "members", Reason: err.Error()}
		}
		if slices.Contains(members, addr) {
			return nil, &ValidationError{Field: "members", Reason: fmt.Sprintf("duplicate member %s", addr)}
		}
		members = append(members, addr)
	}
	slices.Sort(members)

	cfg := &CouncilConfig{
		Authority:          authority,
		Members:            members,
		ApprovalThreshold:  p.ApprovalThreshold,
		EmergencyThreshold: p.EmergencyThreshold,
		VotingPeriod:       Duration(p.VotingPeriod),
		TimelockPeriod:     Duration(p.TimelockPeriod),
		MinApprovalPercent: p.MinApprovalPercent,
		Version:            1,
		UpdatedAt:          now,
	}
	if cfg.EmergencyThreshold == 0 {
		cfg.EmergencyThreshold = DefaultEmergencyThreshold(len(members), p.ApprovalThreshold)
	}
	if p.EmergencyTimelock != nil {
		cfg.EmergencyTimelockPeriod = Duration(*p.EmergencyTimelock)
	} else {
		cfg.EmergencyTimelockPeriod = Duration(DefaultEmergencyTimelock(p.TimelockPeriod))
	}
	if cfg.MinApprovalPercent == 0 {
		cfg.MinApprovalPercent = DefaultMinApproval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Initialize creates the council. It fails if one already exists.
func (e *Engine) Initialize(ctx context.Context, params InitParams) (cfg *CouncilConfig, err error) {
	ctx, done := e.track(ctx, "initialize")
	defer func() { done(err) }()

	built, err := params.build(e.now())
	if err != nil {
		return nil, err
	}
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		if s.Config != nil {
			return &StateError{Op: "initialize", Reason: "council already initialized"}
		}
		built.UpdatedAt = now
		*s = State{
			Config:         built,
			NextProposalID: 1,
			Proposals:      []Proposal{},
			Delegations:    map[Address]Delegation{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "council initialized",
		"authority", built.Authority,
		"members", len(built.Members),
		"approval_threshold", built.ApprovalThreshold,
		"emergency_threshold", built.EmergencyThreshold,
	)
	out := st.Config.clone()
	return &out, e.record(ctx, "council.initialized", built.Authority, &st, map[string]any{
		"members":                   built.Members,
		"approval_threshold":        built.ApprovalThreshold,
		"emergency_threshold":       built.EmergencyThreshold,
		"voting_period":             built.VotingPeriod.String(),
		"timelock_period":           built.TimelockPeriod.String(),
		"emergency_timelock_period": built.EmergencyTimelockPeriod.String(),
		"min_approval_percent":      built.MinApprovalPercent,
	})
}

type proposalRequest struct {
	proposer      Address
	kind          ProposalKind
	payload       []byte
	executeAfter  time.Duration
	emergency     bool
	justification string
}

func (r *proposalRequest) validate() error {
	proposer, err := ParseAddress(string(r.proposer))
	if err != nil {
		return &ValidationError{Field: "proposer", Reason: err.Error()}
	}
	r.proposer = proposer
	if !r.kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown proposal kind %q", r.kind)}
	}
	if len(r.payload) > MaxPayloadSize {
		return &ValidationError{Field: "payload", Reason: "payload too large", Required: MaxPayloadSize, Actual: len(r.payload)}
	}
	if r.executeAfter < 0 {
		return &ValidationError{Field: "execute_after", Reason: "must not be negative"}
	}
	if r.emergency {
		r.justification = strings.TrimSpace(norm.NFC.String(r.justification))
		if r.justification == "" {
			return &ValidationError{Field: "justification", Reason: "emergency proposals require a justification"}
		}
		if len(r.justification) > MaxJustificationSize {
			return &ValidationError{Field: "justification", Reason: "justification too long", Required: MaxJustificationSize, Actual: len(r.justification)}
		}
	}
	_, err = decodeEffect(r.kind, r.payload)
	return err
}

// Propose opens a proposal with an implicit For vote from proposer.
// executeAfter is raised to at least the council timelock.
func (e *Engine) Propose(ctx context.Context, proposer Address, kind ProposalKind, payload []byte, executeAfter time.Duration) (*Proposal, error) {
	return e.propose(ctx, proposalRequest{
		proposer:     proposer,
		kind:         kind,
		payload:      payload,
		executeAfter: executeAfter,
	})
}

// ProposeEmergency opens a fast-tracked proposal that uses the emergency
// threshold and timelock.
func (e *Engine) ProposeEmergency(ctx context.Context, proposer Address, kind ProposalKind, payload []byte, justification string) (*Proposal, error) {
	return e.propose(ctx, proposalRequest{
		proposer:      proposer,
		kind:          kind,
		payload:       payload,
		emergency:     true,
		justification: justification,
	})
}

func (e *Engine) propose(ctx context.Context, req proposalRequest) (out *Proposal, err error) {
	ctx, done := e.track(ctx, "propose",
		observability.AttrKind.String(string(req.kind)),
		observability.AttrEmergency.Bool(req.emergency),
	)
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var created Proposal
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		if !cfg.IsMember(req.proposer) {
			return &AuthorizationError{Actor: req.proposer, Required: "council member"}
		}
		if active := s.activeProposals(); active >= MaxActiveProposals {
			return &ValidationError{Field: "proposals", Reason: "too many active proposals", Required: MaxActiveProposals, Actual: active}
		}
		id := max(s.NextProposalID, 1)

		deadline := now.Add(cfg.VotingPeriod.Std())
		delay := max(req.executeAfter, cfg.TimelockPeriod.Std())
		if req.emergency {
			deadline = now.Add(emergencyVotingWindow(cfg))
			delay = cfg.EmergencyTimelockPeriod.Std()
		}
		p := Proposal{
			ID:             id,
			Proposer:       req.proposer,
			Kind:           req.kind,
			Payload:        slices.Clone(req.payload),
			CreatedAt:      now,
			VotingDeadline: deadline,
			ExecutableAt:   deadline.Add(delay),
			Status:         StatusProposed,
			IsEmergency:    req.emergency,
			Justification:  req.justification,
			Votes: []VoteRecord{{
				ProposalID:    id,
				CouncilMember: req.proposer,
				Choice:        VoteFor,
				Timestamp:     now,
			}},
		}
		if err := e.guard.Check(cfg, &p); err != nil {
			return err
		}
		if ComputeTally(cfg, &p).Outcome() == OutcomeApprove {
			p.decide(StatusApproved, now)
		}
		s.Proposals = append(s.Proposals, p)
		s.NextProposalID = id + 1
		created = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "proposal created",
		"proposal_id", created.ID,
		"proposer", created.Proposer,
		"kind", created.Kind,
		"emergency", created.IsEmergency,
		"status", created.Status,
	)
	details := map[string]any{
		"proposal_id":     created.ID,
		"kind":            created.Kind,
		"payload_size":    len(created.Payload),
		"is_emergency":    created.IsEmergency,
		"voting_deadline": created.VotingDeadline,
		"executable_at":   created.ExecutableAt,
		"status":          created.Status,
	}
	action := "proposal.created"
	if created.IsEmergency {
		action = "proposal.emergency_created"
		details["justification"] = created.Justification
	}
	return &created, e.record(ctx, action, created.Proposer, &st, details)
}

// Vote records voter's choice, resolving delegates to the member they vote
// for. A re-vote replaces the member's earlier vote. The approval rule is
// applied after every vote.
func (e *Engine) Vote(ctx context.Context, voter Address, id uint64, choice VoteChoice) (out *Proposal, err error) {
	ctx, done := e.track(ctx, "vote", observability.AttrProposalID.Int64(int64(id)))
	defer func() { done(err) }()

	voter, err = ParseAddress(string(voter))
	if err != nil {
		return nil, &ValidationError{Field: "voter", Reason: err.Error()}
	}
	if !choice.Valid() {
		return nil, &ValidationError{Field: "choice", Reason: fmt.Sprintf("unknown vote choice %q", choice)}
	}

	var (
		updated Proposal
		vote    VoteRecord
		tally   Tally
		decided bool
	)
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		member, ok := s.Registry().Resolve(voter, now)
		if !ok {
			return &AuthorizationError{Actor: voter, Required: "council member or active delegate"}
		}
		if p.Status != StatusProposed {
			return &StateError{ProposalID: id, Status: p.Status, Op: "vote", Reason: "voting is closed"}
		}
		if now.After(p.VotingDeadline) {
			return &DeadlineError{ProposalID: id, Deadline: p.VotingDeadline, Now: now}
		}
		vote = VoteRecord{ProposalID: id, CouncilMember: member, Choice: choice, Timestamp: now}
		if member != voter {
			vote.CastBy = voter
		}
		p.upsertVote(vote)
		tally = ComputeTally(cfg, p)
		switch tally.Outcome() {
		case OutcomeApprove:
			p.decide(StatusApproved, now)
			decided = true
		case OutcomeReject:
			p.decide(StatusRejected, now)
			decided = true
		}
		updated = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "vote recorded",
		"proposal_id", id,
		"member", vote.CouncilMember,
		"cast_by", vote.CastBy,
		"choice", choice,
		"status", updated.Status,
	)
	details := map[string]any{
		"proposal_id":    id,
		"council_member": vote.CouncilMember,
		"choice":         choice,
		"for":            tally.For,
		"against":        tally.Against,
		"abstain":        tally.Abstain,
		"status":         updated.Status,
	}
	if vote.CastBy != "" {
		details["cast_by"] = vote.CastBy
	}
	if err := e.record(ctx, "proposal.voted", voter, &st, details); err != nil {
		return &updated, err
	}
	if decided {
		return &updated, e.record(ctx, "proposal."+string(updated.Status), voter, &st, map[string]any{
			"proposal_id":           id,
			"participation_percent": tally.ParticipationPercent,
			"approval_percent":      tally.ApprovalPercent,
			"required_for":          tally.RequiredFor,
		})
	}
	return &updated, nil
}

// Finalize decides a proposal whose voting period has ended without the
// rule firing. It is a no-op for proposals that are already decided.
func (e *Engine) Finalize(ctx context.Context, id uint64) (out *Proposal, err error) {
	ctx, done := e.track(ctx, "finalize", observability.AttrProposalID.Int64(int64(id)))
	defer func() { done(err) }()

	var (
		result Proposal
		tally  Tally
	)
	st, changed, err := e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		if p.Status != StatusProposed {
			result = p.clone()
			return errNoChange
		}
		if !now.After(p.VotingDeadline) {
			return &StateError{
				ProposalID: id,
				Status:     p.Status,
				Op:         "finalize",
				Reason:     "voting open until " + p.VotingDeadline.Format(time.RFC3339),
			}
		}
		tally = ComputeTally(cfg, p)
		if tally.FinalOutcome() == OutcomeApprove {
			p.decide(StatusApproved, now)
		} else {
			p.decide(StatusRejected, now)
		}
		result = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return &result, nil
	}

	e.logger.InfoContext(ctx, "proposal finalized", "proposal_id", id, "status", result.Status)
	return &result, e.record(ctx, "proposal.finalized", "", &st, map[string]any{
		"proposal_id":           id,
		"status":                result.Status,
		"participation_percent": tally.ParticipationPercent,
		"approval_percent":      tally.ApprovalPercent,
		"for":                   tally.For,
		"required_for":          tally.RequiredFor,
	})
}

// Cancel withdraws a proposal that is still open. Only its proposer or the
// authority may cancel.
func (e *Engine) Cancel(ctx context.Context, actor Address, id uint64) (out *Proposal, err error) {
	ctx, done := e.track(ctx, "cancel", observability.AttrProposalID.Int64(int64(id)))
	defer func() { done(err) }()

	actor, err = ParseAddress(string(actor))
	if err != nil {
		return nil, &ValidationError{Field: "actor", Reason: err.Error()}
	}

	var result Proposal
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		if actor != p.Proposer && actor != cfg.Authority {
			return &AuthorizationError{Actor: actor, Required: "proposer or authority"}
		}
		if p.Status != StatusProposed {
			return &StateError{ProposalID: id, Status: p.Status, Op: "cancel", Reason: "only open proposals can be cancelled"}
		}
		p.CancelledBy = actor
		p.decide(StatusCancelled, now)
		result = p.clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "proposal cancelled", "proposal_id", id, "actor", actor)
	return &result, e.record(ctx, "proposal.cancelled", actor, &st, map[string]any{"proposal_id": id})
}
