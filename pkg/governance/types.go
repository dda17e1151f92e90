package governance

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Bounds on council state.
const (
	MaxCouncilSize       = 9
	MaxActiveProposals   = 20
	MaxPayloadSize       = 1024
	MaxAddressLength     = 128
	MaxJustificationSize = 2048
	MinVotingPeriod      = time.Hour
	DefaultMinApproval   = 50
)

// Address identifies a council member, authority, or delegate.
type Address string

// ParseAddress normalizes s (NFC, trimmed) and validates it.
func ParseAddress(s string) (Address, error) {
	a := Address(strings.TrimSpace(norm.NFC.String(s)))
	if err := a.Validate(); err != nil {
		return "", err
	}
	return a, nil
}

func (a Address) Validate() error {
	switch {
	case a == "":
		return &ValidationError{Field: "address", Reason: "must not be empty"}
	case len(a) > MaxAddressLength:
		return &ValidationError{Field: "address", Reason: fmt.Sprintf("longer than %d bytes", MaxAddressLength)}
	case strings.IndexFunc(string(a), unicode.IsSpace) >= 0:
		return &ValidationError{Field: "address", Reason: "must not contain whitespace"}
	case !norm.NFC.IsNormalString(string(a)):
		return &ValidationError{Field: "address", Reason: "must be NFC normalized"}
	}
	return nil
}

func (a Address) String() string { return string(a) }

// ProposalKind tags what a proposal would do once executed.
type ProposalKind string

const (
	KindMembershipAdd    ProposalKind = "membership_add"
	KindMembershipRemove ProposalKind = "membership_remove"
	KindParameterChange  ProposalKind = "parameter_change"
	KindActionPayload    ProposalKind = "action_payload"
	KindOther            ProposalKind = "other"
)

var proposalKinds = []ProposalKind{KindMembershipAdd, KindMembershipRemove, KindParameterChange, KindActionPayload, KindOther}

func ParseProposalKind(s string) (ProposalKind, error) {
	k := ProposalKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown proposal kind %q", s)}
	}
	return k, nil
}

func (k ProposalKind) Valid() bool { return slices.Contains(proposalKinds, k) }

// SelfGoverning reports whether executing the kind changes the council itself.
func (k ProposalKind) SelfGoverning() bool {
	return k == KindMembershipAdd || k == KindMembershipRemove || k == KindParameterChange
}

func (k *ProposalKind) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, k, ProposalKind.Valid, "proposal kind")
}

// VoteChoice is a council member's position on a proposal.
type VoteChoice string

const (
	VoteFor     VoteChoice = "for"
	VoteAgainst VoteChoice = "against"
	VoteAbstain VoteChoice = "abstain"
)

func ParseVoteChoice(s string) (VoteChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "for", "yes", "approve":
		return VoteFor, nil
	case "against", "no", "reject":
		return VoteAgainst, nil
	case "abstain":
		return VoteAbstain, nil
	}
	return "", &ValidationError{Field: "choice", Reason: fmt.Sprintf("unknown vote choice %q", s)}
}

func (c VoteChoice) Valid() bool {
	return c == VoteFor || c == VoteAgainst || c == VoteAbstain
}

func (c *VoteChoice) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, c, VoteChoice.Valid, "vote choice")
}

// Status is a proposal's position in its lifecycle.
//
//	proposed -> approved -> executed
//	proposed -> rejected
//	proposed -> cancelled
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return st, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusProposed, StatusApproved, StatusRejected, StatusExecuted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusRejected || s == StatusCancelled
}

func (s *Status) UnmarshalJSON(b []byte) error {
	return unmarshalEnum(b, s, Status.Valid, "status")
}

func unmarshalEnum[T ~string](b []byte, dst *T, valid func(T) bool, what string) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	v := T(raw)
	if !valid(v) {
		return fmt.Errorf("unknown %s %q", what, raw)
	}
	*dst = v
	return nil
}

// Duration persists as a Go duration string ("24h0m0s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// CouncilConfig is the council's membership and policy. It is only ever
// replaced by a validated successor with a higher Version.
type CouncilConfig struct {
	Authority               Address   `json:"authority"`
	Members                 []Address `json:"members"`
	ApprovalThreshold       int       `json:"approval_threshold"`
	EmergencyThreshold      int       `json:"emergency_threshold"`
	VotingPeriod            Duration  `json:"voting_period"`
	TimelockPeriod          Duration  `json:"timelock_period"`
	EmergencyTimelockPeriod Duration  `json:"emergency_timelock_period"`
	MinApprovalPercent      int       `json:"min_approval_percent"`
	Version                 uint64    `json:"version"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func (c *CouncilConfig) Size() int { return len(c.Members) }

func (c *CouncilConfig) IsMember(a Address) bool { return slices.Contains(c.Members, a) }

func (c *CouncilConfig) clone() CouncilConfig {
	out := *c
	out.Members = slices.Clone(c.Members)
	return out
}

// Validate checks every council invariant.
func (c *CouncilConfig) Validate() error {
	if err := c.Authority.Validate(); err != nil {
		return &ValidationError{Field: "authority", Reason: err.Error()}
	}
	n := len(c.Members)
	if n == 0 {
		return &ValidationError{Field: "members", Reason: "council must have at least one member"}
	}
	if n > MaxCouncilSize {
		return &ValidationError{Field: "members", Reason: "council size exceeds bound", Required: MaxCouncilSize, Actual: n}
	}
	seen := make(map[Address]bool, n)
	for _, m := range c.Members {
		if err := m.Validate(); err != nil {
			return &ValidationError{Field: "members", Reason: err.Error()}
		}
		if seen[m] {
			return &ValidationError{Field: "members", Reason: fmt.Sprintf("duplicate member %s", m)}
		}
		seen[m] = true
	}
	if c.ApprovalThreshold < 1 || c.ApprovalThreshold > n {
		return &ValidationError{Field: "approval_threshold", Reason: fmt.Sprintf("must be within [1, %d]", n), Required: n, Actual: c.ApprovalThreshold}
	}
	if c.EmergencyThreshold < 1 || c.EmergencyThreshold > n {
		return &ValidationError{Field: "emergency_threshold", Reason: fmt.Sprintf("must be within [1, %d]", n), Required: n, Actual: c.EmergencyThreshold}
	}
	if c.VotingPeriod.Std() < MinVotingPeriod {
		return &ValidationError{Field: "voting_period", Reason: fmt.Sprintf("must be at least %s", MinVotingPeriod)}
	}
	if c.TimelockPeriod < 0 {
		return &ValidationError{Field: "timelock_period", Reason: "must not be negative"}
	}
	if c.EmergencyTimelockPeriod > c.TimelockPeriod {
		return &ValidationError{Field: "emergency_timelock_period", Reason: fmt.Sprintf("must not exceed timelock period %s", c.TimelockPeriod)}
	}
	if c.EmergencyTimelockPeriod < 0 || (c.EmergencyTimelockPeriod == 0 && c.TimelockPeriod > 0) {
		return &ValidationError{Field: "emergency_timelock_period", Reason: "must be positive"}
	}
	if c.MinApprovalPercent < 1 || c.MinApprovalPercent > 100 {
		return &ValidationError{Field: "min_approval_percent", Reason: "must be within [1, 100]", Actual: c.MinApprovalPercent}
	}
	return nil
}

// VoteRecord is the single vote of record for one council member on one proposal.
type VoteRecord struct {
	ProposalID    uint64     `json:"proposal_id"`
	CouncilMember Address    `json:"council_member"`
	Choice        VoteChoice `json:"choice"`
	Timestamp     time.Time  `json:"timestamp"`
	CastBy        Address    `json:"cast_by,omitempty"`
}

// ExecutionClaim marks a proposal whose action is currently being executed.
type ExecutionClaim struct {
	Executor  Address   `json:"executor"`
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Proposal is a request for a privileged action. Proposals are never deleted.
type Proposal struct {
	ID                 uint64          `json:"id"`
	Proposer           Address         `json:"proposer"`
	Kind               ProposalKind    `json:"kind"`
	Payload            []byte          `json:"payload"`
	CreatedAt          time.Time       `json:"created_at"`
	VotingDeadline     time.Time       `json:"voting_deadline"`
	ExecutableAt       time.Time       `json:"executable_at"`
	Status             Status          `json:"status"`
	IsEmergency        bool            `json:"is_emergency"`
	Justification      string          `json:"justification,omitempty"`
	Votes              []VoteRecord    `json:"votes"`
	DecidedAt          *time.Time      `json:"decided_at,omitempty"`
	ExecutedAt         *time.Time      `json:"executed_at,omitempty"`
	ExecutedBy         Address         `json:"executed_by,omitempty"`
	CancelledBy        Address         `json:"cancelled_by,omitempty"`
	Claim              *ExecutionClaim `json:"execution_claim,omitempty"`
	LastExecutionError string          `json:"last_execution_error,omitempty"`
}

// Vote returns the vote of record for member, if any.
func (p *Proposal) Vote(member Address) (VoteRecord, bool) {
	for _, v := range p.Votes {
		if v.CouncilMember == member {
			return v, true
		}
	}
	return VoteRecord{}, false
}

func (p *Proposal) upsertVote(v VoteRecord) {
	for i := range p.Votes {
		if p.Votes[i].CouncilMember == v.CouncilMember {
			p.Votes[i] = v
			return
		}
	}
	p.Votes = append(p.Votes, v)
}

func (p *Proposal) decide(status Status, at time.Time) {
	p.Status = status
	p.DecidedAt = &at
}

func (p *Proposal) clone() Proposal {
	out := *p
	out.Payload = slices.Clone(p.Payload)
	out.Votes = slices.Clone(p.Votes)
	if p.Claim != nil {
		c := *p.Claim
		out.Claim = &c
	}
	return out
}

// Delegation grants delegate the right to vote on behalf of delegator until ExpiresAt.
type Delegation struct {
	Delegator Address   `json:"delegator"`
	Delegate  Address   `json:"delegate"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (d Delegation) Active(now time.Time) bool { return now.Before(d.ExpiresAt) }

// State is the persisted council record.
type State struct {
	Config         *CouncilConfig         `json:"config"`
	NextProposalID uint64                 `json:"next_proposal_id"`
	Proposals      []Proposal             `json:"proposals"`
	Delegations    map[Address]Delegation `json:"delegations"`
}

func (s *State) normalize() {
	if s.Proposals == nil {
		s.Proposals = []Proposal{}
	}
	if s.Delegations == nil {
		s.Delegations = map[Address]Delegation{}
	}
	for i := range s.Proposals {
		if s.Proposals[i].Payload == nil {
			s.Proposals[i].Payload = []byte{}
		}
		if s.Proposals[i].Votes == nil {
			s.Proposals[i].Votes = []VoteRecord{}
		}
	}
}

func (s *State) proposal(id uint64) (*Proposal, error) {
	for i := range s.Proposals {
		if s.Proposals[i].ID == id {
			return &s.Proposals[i], nil
		}
	}
	return nil, &NotFoundError{ProposalID: id}
}

func (s *State) activeProposals() int {
	n := 0
	for _, p := range s.Proposals {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

func (s *State) config() (*CouncilConfig, error) {
	if s.Config == nil {
		return nil, ErrNotInitialized
	}
	return s.Config, nil
}
