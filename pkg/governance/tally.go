package governance

// Outcome is the decision the approval rule reaches for a proposal.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeApprove
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApprove:
		return "approve"
	case OutcomeReject:
		return "reject"
	}
	return "pending"
}

// Tally summarizes the votes of current council members on one proposal.
// Votes recorded for addresses that have since left the council are ignored.
type Tally struct {
	ProposalID           uint64 `json:"proposal_id"`
	CouncilSize          int    `json:"council_size"`
	VotesCast            int    `json:"votes_cast"`
	For                  int    `json:"for"`
	Against              int    `json:"against"`
	Abstain              int    `json:"abstain"`
	ParticipationPercent int    `json:"participation_percent"`
	ApprovalPercent      int    `json:"approval_percent"`
	RequiredFor          int    `json:"required_for"`
	MinApprovalPercent   int    `json:"min_approval_percent"`
	QuorumReached        bool   `json:"quorum_reached"`
	ApprovalReached      bool   `json:"approval_reached"`
	ThresholdReached     bool   `json:"threshold_reached"`
}

// ComputeTally counts p's votes against cfg.
func ComputeTally(cfg *CouncilConfig, p *Proposal) Tally {
	t := Tally{
		ProposalID:         p.ID,
		CouncilSize:        cfg.Size(),
		RequiredFor:        cfg.ApprovalThreshold,
		MinApprovalPercent: cfg.MinApprovalPercent,
	}
	if p.IsEmergency {
		t.RequiredFor = cfg.EmergencyThreshold
	}
	if t.MinApprovalPercent == 0 {
		t.MinApprovalPercent = DefaultMinApproval
	}
	for _, v := range p.Votes {
		if !cfg.IsMember(v.CouncilMember) {
			continue
		}
		t.VotesCast++
		switch v.Choice {
		case VoteFor:
			t.For++
		case VoteAgainst:
			t.Against++
		case VoteAbstain:
			t.Abstain++
		}
	}
	if t.CouncilSize > 0 {
		t.ParticipationPercent = t.VotesCast * 100 / t.CouncilSize
	}
	if decisive := t.For + t.Against; decisive > 0 {
		t.ApprovalPercent = t.For * 100 / decisive
		t.ApprovalReached = t.For*100 >= t.MinApprovalPercent*decisive
	}
	t.QuorumReached = t.CouncilSize > 0 && t.VotesCast*2 >= t.CouncilSize
	t.ThresholdReached = t.For >= t.RequiredFor
	return t
}

// Approvable reports whether participation, approval percentage and the For
// count all meet their bounds.
func (t Tally) Approvable() bool {
	return t.QuorumReached && t.ApprovalReached && t.ThresholdReached
}

// Rejectable reports whether a strict majority of the council voted against.
func (t Tally) Rejectable() bool {
	return t.Against*2 > t.CouncilSize
}

// Outcome applies the rule while voting is open. Approval is checked before
// rejection so a tally satisfying both approves.
func (t Tally) Outcome() Outcome {
	switch {
	case t.Approvable():
		return OutcomeApprove
	case t.Rejectable():
		return OutcomeReject
	}
	return OutcomePending
}

// FinalOutcome applies the rule after the voting deadline, when a proposal
// that cannot be approved is rejected.
func (t Tally) FinalOutcome() Outcome {
	if t.Approvable() {
		return OutcomeApprove
	}
	return OutcomeReject
}
