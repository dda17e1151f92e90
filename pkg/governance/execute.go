package governance

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/executor"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/observability"
)

// Execute runs an approved proposal whose timelock has elapsed.
//
// The proposal is claimed under the store lock, the ActionExecutor runs
// outside it, and the result is committed under the lock after checking the
// claim still holds. An executor failure leaves the proposal approved so
// Execute can be retried.
func (e *Engine) Execute(ctx context.Context, caller Address, id uint64) (out *Proposal, err error) {
	ctx, done := e.track(ctx, "execute", observability.AttrProposalID.Int64(int64(id)))
	defer func() { done(err) }()

	caller, err = ParseAddress(string(caller))
	if err != nil {
		return nil, &ValidationError{Field: "executor", Reason: err.Error()}
	}

	token := uuid.NewString()
	var (
		action executor.Action
		effect configChange
	)
	_, _, err = e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		if !cfg.IsMember(caller) {
			return &AuthorizationError{Actor: caller, Required: "council member"}
		}
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		switch p.Status {
		case StatusApproved:
		case StatusExecuted:
			return &StateError{ProposalID: id, Status: p.Status, Op: "execute", Reason: "already executed"}
		default:
			return &StateError{ProposalID: id, Status: p.Status, Op: "execute", Reason: "proposal is not approved"}
		}
		if now.Before(p.ExecutableAt) {
			return newTimelockError(id, p.ExecutableAt, now)
		}
		if c := p.Claim; c != nil && now.Before(c.ExpiresAt) {
			return &StateError{
				ProposalID: id,
				Status:     p.Status,
				Op:         "execute",
				Reason:     fmt.Sprintf("execution in progress by %s until %s", c.Executor, c.ExpiresAt.Format(time.RFC3339)),
			}
		}
		effect, err = decodeEffect(p.Kind, p.Payload)
		if err != nil {
			return err
		}
		if effect != nil {
			next := cfg.clone()
			if err := effect(&next); err != nil {
				return err
			}
			if err := next.Validate(); err != nil {
				return err
			}
		}
		p.Claim = &ExecutionClaim{Executor: caller, Token: token, ClaimedAt: now, ExpiresAt: now.Add(e.lease)}
		action = executor.Action{
			ProposalID: id,
			Kind:       string(p.Kind),
			Payload:    slices.Clone(p.Payload),
			Emergency:  p.IsEmergency,
			Executor:   string(caller),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if execErr := e.executor.Execute(ctx, action); execErr != nil {
		e.logger.ErrorContext(ctx, "action execution failed", "proposal_id", id, "executor", caller, "error", execErr)
		e.releaseClaim(ctx, id, token, execErr)
		execFailure := &ExecutionError{ProposalID: id, Err: execErr}
		if err := e.record(ctx, "proposal.execution_failed", caller, nil, map[string]any{
			"proposal_id": id,
			"error":       execErr.Error(),
		}); err != nil {
			e.logger.ErrorContext(ctx, "audit of failed execution not recorded", "proposal_id", id, "error", err)
		}
		return nil, execFailure
	}

	var (
		result  Proposal
		dropped []Address
	)
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		if p.Status != StatusApproved {
			return &StateError{ProposalID: id, Status: p.Status, Op: "execute", Reason: "status changed during execution"}
		}
		if p.Claim == nil || p.Claim.Token != token {
			return &StateError{ProposalID: id, Status: p.Status, Op: "execute", Reason: "execution claim lost"}
		}
		if effect != nil {
			if dropped, err = s.applyConfigChange(effect, now); err != nil {
				return err
			}
		}
		p.Status = StatusExecuted
		p.ExecutedAt = &now
		p.ExecutedBy = caller
		p.Claim = nil
		p.LastExecutionError = ""
		result = p.clone()
		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "action executed but proposal not marked executed", "proposal_id", id, "error", err)
		return nil, &ExecutionError{ProposalID: id, Err: err}
	}

	e.logger.InfoContext(ctx, "proposal executed", "proposal_id", id, "executor", caller, "kind", result.Kind)
	details := map[string]any{
		"proposal_id":  id,
		"kind":         result.Kind,
		"payload_size": len(result.Payload),
		"is_emergency": result.IsEmergency,
	}
	if effect != nil {
		details["config_version"] = st.Config.Version
	}
	if len(dropped) > 0 {
		details["dropped_delegations"] = dropped
	}
	return &result, e.record(ctx, "proposal.executed", caller, &st, details)
}

// releaseClaim clears a failed execution's claim so Execute can be retried
// before the lease expires.
func (e *Engine) releaseClaim(ctx context.Context, id uint64, token string, cause error) {
	_, _, err := e.mutate(ctx, func(s *State, _ time.Time) error {
		p, err := s.proposal(id)
		if err != nil {
			return err
		}
		if p.Claim == nil || p.Claim.Token != token {
			return errNoChange
		}
		p.Claim = nil
		p.LastExecutionError = cause.Error()
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "execution claim not released; it expires with its lease", "proposal_id", id, "error", err)
	}
}
