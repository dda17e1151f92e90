package governance

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Delegation lifetime bounds, in days.
const (
	MinDelegationDays = 1
	MaxDelegationDays = 90
)

// DelegationRegistry tracks time-bounded vote delegations over a State.
// Expired delegations are treated as absent without explicit cleanup.
type DelegationRegistry struct {
	state *State
}

// Registry returns the delegation registry backed by s.
func (s *State) Registry() *DelegationRegistry {
	if s.Delegations == nil {
		s.Delegations = map[Address]Delegation{}
	}
	return &DelegationRegistry{state: s}
}

// Delegate grants delegate delegator's vote for days days, replacing any
// prior delegation by delegator.
func (r *DelegationRegistry) Delegate(delegator, delegate Address, days int, now time.Time) (Delegation, error) {
	cfg, err := r.state.config()
	if err != nil {
		return Delegation{}, err
	}
	if days < MinDelegationDays || days > MaxDelegationDays {
		return Delegation{}, &ValidationError{
			Field:  "duration_days",
			Reason: fmt.Sprintf("must be within [%d, %d]", MinDelegationDays, MaxDelegationDays),
			Actual: days,
		}
	}
	if delegate == delegator {
		return Delegation{}, &ValidationError{Field: "delegate", Reason: "cannot delegate to self"}
	}
	if !cfg.IsMember(delegator) {
		return Delegation{}, &AuthorizationError{Actor: delegator, Required: "council member"}
	}
	if cfg.IsMember(delegate) {
		return Delegation{}, &ValidationError{Field: "delegate", Reason: "council members vote as themselves"}
	}
	for _, d := range r.state.Delegations {
		if d.Delegate == delegate && d.Delegator != delegator && d.Active(now) {
			return Delegation{}, &ValidationError{
				Field:  "delegate",
				Reason: fmt.Sprintf("%s already holds the delegation of %s", delegate, d.Delegator),
			}
		}
	}
	d := Delegation{
		Delegator: delegator,
		Delegate:  delegate,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour),
	}
	r.state.Delegations[delegator] = d
	return d, nil
}

// Revoke removes delegator's delegation. It reports whether one existed.
func (r *DelegationRegistry) Revoke(delegator Address) bool {
	if _, ok := r.state.Delegations[delegator]; !ok {
		return false
	}
	delete(r.state.Delegations, delegator)
	return true
}

// Resolve maps addr to the council member it votes for: addr itself when
// it is a member, otherwise the delegator of an active delegation to addr.
func (r *DelegationRegistry) Resolve(addr Address, now time.Time) (Address, bool) {
	cfg, err := r.state.config()
	if err != nil {
		return "", false
	}
	if cfg.IsMember(addr) {
		return addr, true
	}
	for _, d := range r.state.Delegations {
		if d.Delegate == addr && d.Active(now) && cfg.IsMember(d.Delegator) {
			return d.Delegator, true
		}
	}
	return "", false
}

// Active lists unexpired delegations ordered by delegator.
func (r *DelegationRegistry) Active(now time.Time) []Delegation {
	out := make([]Delegation, 0, len(r.state.Delegations))
	for _, d := range r.state.Delegations {
		if d.Active(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Delegator < out[j].Delegator })
	return out
}

// prune drops delegations that can no longer resolve: expired ones, those
// whose delegator left the council, and those whose delegate joined it.
func (r *DelegationRegistry) prune(now time.Time) []Address {
	cfg, err := r.state.config()
	if err != nil {
		return nil
	}
	var dropped []Address
	for delegator, d := range r.state.Delegations {
		if !d.Active(now) || !cfg.IsMember(delegator) || cfg.IsMember(d.Delegate) {
			delete(r.state.Delegations, delegator)
			dropped = append(dropped, delegator)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return dropped
}

// Delegate lets delegate vote on delegator's behalf for days days.
func (e *Engine) Delegate(ctx context.Context, delegator, delegate Address, days int) (out *Delegation, err error) {
	ctx, done := e.track(ctx, "delegate")
	defer func() { done(err) }()

	if delegator, err = ParseAddress(string(delegator)); err != nil {
		return nil, &ValidationError{Field: "delegator", Reason: err.Error()}
	}
	if delegate, err = ParseAddress(string(delegate)); err != nil {
		return nil, &ValidationError{Field: "delegate", Reason: err.Error()}
	}
	if days < MinDelegationDays || days > MaxDelegationDays {
		return nil, &ValidationError{
			Field:  "duration_days",
			Reason: fmt.Sprintf("must be within [%d, %d]", MinDelegationDays, MaxDelegationDays),
			Actual: days,
		}
	}

	var d Delegation
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		var err error
		d, err = s.Registry().Delegate(delegator, delegate, days, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "vote delegated", "delegator", delegator, "delegate", delegate, "expires_at", d.ExpiresAt)
	return &d, e.record(ctx, "delegation.created", delegator, &st, map[string]any{
		"delegate":   delegate,
		"expires_at": d.ExpiresAt,
	})
}

// Revoke removes delegator's delegation. Revoking when none exists is a no-op.
func (e *Engine) Revoke(ctx context.Context, delegator Address) (revoked bool, err error) {
	ctx, done := e.track(ctx, "revoke")
	defer func() { done(err) }()

	if delegator, err = ParseAddress(string(delegator)); err != nil {
		return false, &ValidationError{Field: "delegator", Reason: err.Error()}
	}
	st, changed, err := e.mutate(ctx, func(s *State, _ time.Time) error {
		if _, err := s.config(); err != nil {
			return err
		}
		if !s.Registry().Revoke(delegator) {
			return errNoChange
		}
		return nil
	})
	if err != nil || !changed {
		return false, err
	}

	e.logger.InfoContext(ctx, "delegation revoked", "delegator", delegator)
	return true, e.record(ctx, "delegation.revoked", delegator, &st, nil)
}
