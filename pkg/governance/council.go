package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Parameters a ParameterChange proposal may set.
const (
	ParamApprovalThreshold       = "approval_threshold"
	ParamEmergencyThreshold      = "emergency_threshold"
	ParamMinApprovalPercent      = "min_approval_percent"
	ParamVotingPeriod            = "voting_period"
	ParamTimelockPeriod          = "timelock_period"
	ParamEmergencyTimelockPeriod = "emergency_timelock_period"
)

// MembershipChange is the payload of MembershipAdd and MembershipRemove proposals.
type MembershipChange struct {
	Member Address `json:"member"`
}

// ParameterChange is the payload of ParameterChange proposals.
type ParameterChange struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

// MembershipPayload encodes a MembershipChange payload.
func MembershipPayload(member Address) []byte {
	b, _ := json.Marshal(MembershipChange{Member: member})
	return b
}

// ParameterPayload encodes a ParameterChange payload.
func ParameterPayload(parameter, value string) []byte {
	b, _ := json.Marshal(ParameterChange{Parameter: parameter, Value: value})
	return b
}

// configChange mutates a copy of the council config.
type configChange func(c *CouncilConfig) error

// decodeEffect returns the config change a self-governing proposal applies
// on execution, or nil for kinds that leave the council untouched.
func decodeEffect(kind ProposalKind, payload []byte) (configChange, error) {
	switch kind {
	case KindMembershipAdd, KindMembershipRemove:
		var m MembershipChange
		if err := decodeStrict(payload, &m); err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "membership payload: " + err.Error()}
		}
		member, err := ParseAddress(string(m.Member))
		if err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "membership payload: " + err.Error()}
		}
		if kind == KindMembershipAdd {
			return func(c *CouncilConfig) error { return c.addMember(member) }, nil
		}
		return func(c *CouncilConfig) error { return c.removeMember(member) }, nil
	case KindParameterChange:
		var pc ParameterChange
		if err := decodeStrict(payload, &pc); err != nil {
			return nil, &ValidationError{Field: "payload", Reason: "parameter payload: " + err.Error()}
		}
		return parameterEffect(pc)
	}
	return nil, nil
}

func parameterEffect(pc ParameterChange) (configChange, error) {
	switch pc.Parameter {
	case ParamApprovalThreshold, ParamEmergencyThreshold, ParamMinApprovalPercent:
		n, err := strconv.Atoi(pc.Value)
		if err != nil {
			return nil, &ValidationError{Field: pc.Parameter, Reason: fmt.Sprintf("not an integer: %q", pc.Value)}
		}
		switch pc.Parameter {
		case ParamApprovalThreshold:
			return func(c *CouncilConfig) error { return c.setApprovalThreshold(n) }, nil
		case ParamEmergencyThreshold:
			return func(c *CouncilConfig) error { return c.setEmergencyThreshold(n) }, nil
		default:
			return func(c *CouncilConfig) error { c.MinApprovalPercent = n; return nil }, nil
		}
	case ParamVotingPeriod, ParamTimelockPeriod, ParamEmergencyTimelockPeriod:
		d, err := time.ParseDuration(pc.Value)
		if err != nil {
			return nil, &ValidationError{Field: pc.Parameter, Reason: fmt.Sprintf("not a duration: %q", pc.Value)}
		}
		switch pc.Parameter {
		case ParamVotingPeriod:
			return func(c *CouncilConfig) error { c.VotingPeriod = Duration(d); return nil }, nil
		case ParamTimelockPeriod:
			return func(c *CouncilConfig) error { return c.setTimelock(d) }, nil
		default:
			return func(c *CouncilConfig) error { return c.setEmergencyTimelock(d) }, nil
		}
	}
	return nil, &ValidationError{Field: "parameter", Reason: fmt.Sprintf("unknown parameter %q", pc.Parameter)}
}

func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (c *CouncilConfig) addMember(a Address) error {
	if c.IsMember(a) {
		return &ValidationError{Field: "member", Reason: fmt.Sprintf("%s is already a member", a)}
	}
	if len(c.Members) >= MaxCouncilSize {
		return &ValidationError{Field: "members", Reason: "council is full", Required: MaxCouncilSize, Actual: len(c.Members) + 1}
	}
	c.Members = append(c.Members, a)
	slices.Sort(c.Members)
	return nil
}

func (c *CouncilConfig) removeMember(a Address) error {
	if !c.IsMember(a) {
		return &ValidationError{Field: "member", Reason: fmt.Sprintf("%s is not a member", a)}
	}
	size := len(c.Members) - 1
	if size < c.ApprovalThreshold {
		return &ValidationError{Field: "members", Reason: "council would be smaller than the approval threshold", Required: c.ApprovalThreshold, Actual: size}
	}
	if size < c.EmergencyThreshold {
		return &ValidationError{Field: "members", Reason: "council would be smaller than the emergency threshold", Required: c.EmergencyThreshold, Actual: size}
	}
	c.Members = slices.DeleteFunc(c.Members, func(m Address) bool { return m == a })
	return nil
}

func (c *CouncilConfig) setApprovalThreshold(n int) error {
	if n < 1 || n > len(c.Members) {
		return &ValidationError{Field: "approval_threshold", Reason: fmt.Sprintf("must be within [1, %d]", len(c.Members)), Required: len(c.Members), Actual: n}
	}
	c.ApprovalThreshold = n
	return nil
}

func (c *CouncilConfig) setEmergencyThreshold(n int) error {
	if n < 1 || n > len(c.Members) {
		return &ValidationError{Field: "emergency_threshold", Reason: fmt.Sprintf("must be within [1, %d]", len(c.Members)), Required: len(c.Members), Actual: n}
	}
	c.EmergencyThreshold = n
	return nil
}

// setTimelock changes the timelock. Moving to or from a zero timelock also
// moves the emergency timelock, which is zero exactly when the timelock is.
func (c *CouncilConfig) setTimelock(d time.Duration) error {
	switch {
	case d < 0:
		return &ValidationError{Field: "timelock_period", Reason: "must not be negative"}
	case d == 0:
		c.TimelockPeriod, c.EmergencyTimelockPeriod = 0, 0
		return nil
	case c.EmergencyTimelockPeriod == 0:
		c.TimelockPeriod = Duration(d)
		c.EmergencyTimelockPeriod = Duration(DefaultEmergencyTimelock(d))
		return nil
	}
	if c.EmergencyTimelockPeriod.Std() > d {
		return &ValidationError{Field: "timelock_period", Reason: fmt.Sprintf("must not be shorter than the emergency timelock %s", c.EmergencyTimelockPeriod)}
	}
	c.TimelockPeriod = Duration(d)
	return nil
}

func (c *CouncilConfig) setEmergencyTimelock(d time.Duration) error {
	if d <= 0 && c.TimelockPeriod > 0 {
		return &ValidationError{Field: "emergency_timelock_period", Reason: "must be positive"}
	}
	if d > c.TimelockPeriod.Std() {
		return &ValidationError{Field: "emergency_timelock_period", Reason: fmt.Sprintf("must not exceed timelock period %s", c.TimelockPeriod)}
	}
	c.EmergencyTimelockPeriod = Duration(d)
	return nil
}

// applyConfigChange validates change against a copy of the config and
// commits it as the next version. It returns delegators whose delegations
// were dropped because they can no longer resolve.
func (s *State) applyConfigChange(change configChange, now time.Time) ([]Address, error) {
	cfg, err := s.config()
	if err != nil {
		return nil, err
	}
	next := cfg.clone()
	if err := change(&next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version = cfg.Version + 1
	next.UpdatedAt = now
	s.Config = &next
	return s.Registry().prune(now), nil
}

// updateConfig runs an authority-gated config change.
func (e *Engine) updateConfig(ctx context.Context, op string, actor Address, change configChange, details map[string]any) (out *CouncilConfig, err error) {
	ctx, done := e.track(ctx, op)
	defer func() { done(err) }()

	actor, err = ParseAddress(string(actor))
	if err != nil {
		return nil, &ValidationError{Field: "actor", Reason: err.Error()}
	}
	var dropped []Address
	st, _, err := e.mutate(ctx, func(s *State, now time.Time) error {
		cfg, err := s.config()
		if err != nil {
			return err
		}
		if actor != cfg.Authority {
			return &AuthorizationError{Actor: actor, Required: "council authority"}
		}
		dropped, err = s.applyConfigChange(change, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	next := st.Config.clone()
	e.logger.InfoContext(ctx, "council config updated", "op", op, "actor", actor, "version", next.Version)
	if len(dropped) > 0 {
		e.logger.InfoContext(ctx, "delegations dropped", "delegators", dropped)
		details["dropped_delegations"] = dropped
	}
	details["version"] = next.Version
	return &next, e.record(ctx, "council."+op, actor, &st, details)
}

// AddMember adds member to the council.
func (e *Engine) AddMember(ctx context.Context, actor, member Address) (*CouncilConfig, error) {
	m, err := ParseAddress(string(member))
	if err != nil {
		return nil, &ValidationError{Field: "member", Reason: err.Error()}
	}
	return e.updateConfig(ctx, "member_added", actor,
		func(c *CouncilConfig) error { return c.addMember(m) },
		map[string]any{"member": m})
}

// RemoveMember removes member. It fails if the council would become smaller
// than either threshold.
func (e *Engine) RemoveMember(ctx context.Context, actor, member Address) (*CouncilConfig, error) {
	m, err := ParseAddress(string(member))
	if err != nil {
		return nil, &ValidationError{Field: "member", Reason: err.Error()}
	}
	return e.updateConfig(ctx, "member_removed", actor,
		func(c *CouncilConfig) error { return c.removeMember(m) },
		map[string]any{"member": m})
}

// UpdateThreshold sets the approval threshold.
func (e *Engine) UpdateThreshold(ctx context.Context, actor Address, threshold int) (*CouncilConfig, error) {
	return e.updateConfig(ctx, "threshold_updated", actor,
		func(c *CouncilConfig) error { return c.setApprovalThreshold(threshold) },
		map[string]any{"approval_threshold": threshold})
}

// UpdateEmergencyThreshold sets the emergency threshold.
func (e *Engine) UpdateEmergencyThreshold(ctx context.Context, actor Address, threshold int) (*CouncilConfig, error) {
	return e.updateConfig(ctx, "emergency_threshold_updated", actor,
		func(c *CouncilConfig) error { return c.setEmergencyThreshold(threshold) },
		map[string]any{"emergency_threshold": threshold})
}

// UpdateTimelock sets the timelock period. It may not drop below the
// emergency timelock. Raising a zero timelock also sets the emergency
// timelock to its default; lowering it to zero clears both.
func (e *Engine) UpdateTimelock(ctx context.Context, actor Address, d time.Duration) (*CouncilConfig, error) {
	return e.updateConfig(ctx, "timelock_updated", actor,
		func(c *CouncilConfig) error { return c.setTimelock(d) },
		map[string]any{"timelock_period": d.String()})
}

// UpdateEmergencyTimelock sets the emergency timelock period.
func (e *Engine) UpdateEmergencyTimelock(ctx context.Context, actor Address, d time.Duration) (*CouncilConfig, error) {
	return e.updateConfig(ctx, "emergency_timelock_updated", actor,
		func(c *CouncilConfig) error { return c.setEmergencyTimelock(d) },
		map[string]any{"emergency_timelock_period": d.String()})
}

// UpdateVotingPeriod sets the voting period for new proposals.
func (e *Engine) UpdateVotingPeriod(ctx context.Context, actor Address, d time.Duration) (*CouncilConfig, error) {
	return e.updateConfig(ctx, "voting_period_updated", actor,
		func(c *CouncilConfig) error { c.VotingPeriod = Duration(d); return nil },
		map[string]any{"voting_period": d.String()})
}

// TransferAuthority hands the authority role to next.
func (e *Engine) TransferAuthority(ctx context.Context, actor, next Address) (*CouncilConfig, error) {
	n, err := ParseAddress(string(next))
	if err != nil {
		return nil, &ValidationError{Field: "authority", Reason: err.Error()}
	}
	return e.updateConfig(ctx, "authority_transferred", actor,
		func(c *CouncilConfig) error { c.Authority = n; return nil },
		map[string]any{"previous": actor, "authority": n})
}
