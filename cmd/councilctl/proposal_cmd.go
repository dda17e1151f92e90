package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
)

// runInitCmd implements `councilctl init`. It creates the master key when
// missing and writes the first council config.
func runInitCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("init", stderr)
	var (
		authority          string
		members            string
		threshold          int
		votingPeriod       time.Duration
		timelock           time.Duration
		emergencyThreshold int
		emergencyTimelock  string
		minApproval        int
	)
	fs.StringVar(&authority, "authority", "", "Authority address (REQUIRED)")
	fs.StringVar(&members, "members", "", "Comma-separated member addresses (REQUIRED)")
	fs.IntVar(&threshold, "threshold", 0, "For votes needed to approve (REQUIRED)")
	fs.DurationVar(&votingPeriod, "voting-period", 72*time.Hour, "How long proposals stay open")
	fs.DurationVar(&timelock, "timelock", 48*time.Hour, "Minimum delay between voting deadline and execution")
	fs.IntVar(&emergencyThreshold, "emergency-threshold", 0, "For votes needed for emergency proposals (default derived)")
	fs.StringVar(&emergencyTimelock, "emergency-timelock", "", "Timelock for emergency proposals (default derived)")
	fs.IntVar(&minApproval, "min-approval", 0, "Minimum percent of decisive votes that must be For (default 50)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if authority == "" || members == "" || threshold == 0 {
		return usageError(stderr, fs, "--authority, --members and --threshold are required")
	}

	params := governance.InitParams{
		Authority:          governance.Address(authority),
		Members:            splitAddresses(members),
		ApprovalThreshold:  threshold,
		VotingPeriod:       votingPeriod,
		TimelockPeriod:     timelock,
		EmergencyThreshold: emergencyThreshold,
		MinApprovalPercent: minApproval,
	}
	if emergencyTimelock != "" {
		d, err := time.ParseDuration(emergencyTimelock)
		if err != nil {
			return usageError(stderr, fs, fmt.Sprintf("invalid --emergency-timelock: %v", err))
		}
		params.EmergencyTimelock = &d
	}

	a, err := openApp(ctx, common, stderr, true)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	cfg, err := a.engine.Initialize(ctx, params)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, cfg)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ Council initialized: %d members, threshold %d (emergency %d)\n",
		cfg.Size(), cfg.ApprovalThreshold, cfg.EmergencyThreshold)
	_, _ = fmt.Fprintf(stdout, "Store: %s\nAudit: %s\n", a.cfg.StorePath, a.cfg.AuditPath)
	return 0
}

// runProposeCmd implements `councilctl propose`.
func runProposeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("propose", stderr)
	var (
		proposer      string
		kind          string
		payload       string
		payloadFile   string
		member        string
		param         string
		value         string
		executeAfter  time.Duration
		emergency     bool
		justification string
	)
	fs.StringVar(&proposer, "as", "", "Proposing member (REQUIRED)")
	fs.StringVar(&kind, "kind", string(governance.KindActionPayload), "membership_add, membership_remove, parameter_change, action_payload or other")
	fs.StringVar(&payload, "payload", "", "Opaque payload")
	fs.StringVar(&payloadFile, "payload-file", "", "Read the payload from a file")
	fs.StringVar(&member, "member", "", "Member to add or remove (membership kinds)")
	fs.StringVar(&param, "param", "", "Parameter to change (parameter_change)")
	fs.StringVar(&value, "value", "", "New parameter value (parameter_change)")
	fs.DurationVar(&executeAfter, "execute-after", 0, "Requested delay after the voting deadline")
	fs.BoolVar(&emergency, "emergency", false, "Use the emergency threshold and timelock")
	fs.StringVar(&justification, "justification", "", "Why this is an emergency (required with --emergency)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if proposer == "" {
		return usageError(stderr, fs, "--as is required")
	}
	k, err := governance.ParseProposalKind(kind)
	if err != nil {
		return usageError(stderr, fs, err.Error())
	}

	body := []byte(payload)
	switch {
	case payloadFile != "":
		if body, err = os.ReadFile(payloadFile); err != nil {
			return fail(stderr, err)
		}
	case member != "":
		body = governance.MembershipPayload(governance.Address(member))
	case param != "":
		body = governance.ParameterPayload(param, value)
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	var p *governance.Proposal
	if emergency {
		p, err = a.engine.ProposeEmergency(ctx, governance.Address(proposer), k, body, justification)
	} else {
		p, err = a.engine.Propose(ctx, governance.Address(proposer), k, body, executeAfter)
	}
	if err != nil {
		return fail(stderr, err)
	}
	printProposal(stdout, common.jsonOutput, p)
	return 0
}

// runVoteCmd implements `councilctl vote`.
func runVoteCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("vote", stderr)
	var (
		voter  string
		id     uint64
		choice string
	)
	fs.StringVar(&voter, "as", "", "Voting member or delegate (REQUIRED)")
	fs.Uint64Var(&id, "id", 0, "Proposal id (REQUIRED)")
	fs.StringVar(&choice, "choice", "", "for, against or abstain (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if voter == "" || id == 0 || choice == "" {
		return usageError(stderr, fs, "--as, --id and --choice are required")
	}
	c, err := governance.ParseVoteChoice(choice)
	if err != nil {
		return usageError(stderr, fs, err.Error())
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	p, err := a.engine.Vote(ctx, governance.Address(voter), id, c)
	if err != nil {
		return fail(stderr, err)
	}
	printProposal(stdout, common.jsonOutput, p)
	return 0
}

// runFinalizeCmd implements `councilctl finalize`.
func runFinalizeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return runProposalOp(ctx, "finalize", false, args, stdout, stderr,
		func(e *governance.Engine, _ governance.Address, id uint64) (*governance.Proposal, error) {
			return e.Finalize(ctx, id)
		})
}

// runExecuteCmd implements `councilctl execute`.
func runExecuteCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return runProposalOp(ctx, "execute", true, args, stdout, stderr,
		func(e *governance.Engine, actor governance.Address, id uint64) (*governance.Proposal, error) {
			return e.Execute(ctx, actor, id)
		})
}

// runCancelCmd implements `councilctl cancel`.
func runCancelCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return runProposalOp(ctx, "cancel", true, args, stdout, stderr,
		func(e *governance.Engine, actor governance.Address, id uint64) (*governance.Proposal, error) {
			return e.Cancel(ctx, actor, id)
		})
}

// runShowCmd implements `councilctl show`.
func runShowCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	return runProposalOp(ctx, "show", false, args, stdout, stderr,
		func(e *governance.Engine, _ governance.Address, id uint64) (*governance.Proposal, error) {
			return e.Proposal(ctx, id)
		})
}

func runProposalOp(
	ctx context.Context,
	name string,
	needsActor bool,
	args []string,
	stdout, stderr io.Writer,
	op func(e *governance.Engine, actor governance.Address, id uint64) (*governance.Proposal, error),
) int {
	fs, common := newFlagSet(name, stderr)
	var (
		actor string
		id    uint64
	)
	if needsActor {
		fs.StringVar(&actor, "as", "", "Acting address (REQUIRED)")
	}
	fs.Uint64Var(&id, "id", 0, "Proposal id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == 0 || (needsActor && actor == "") {
		return usageError(stderr, fs, "missing required flags")
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	p, err := op(a.engine, governance.Address(actor), id)
	if err != nil {
		return fail(stderr, err)
	}
	printProposal(stdout, common.jsonOutput, p)
	return 0
}

// runListCmd implements `councilctl list`.
func runListCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("list", stderr)
	var (
		statuses string
		active   bool
		proposer string
	)
	fs.StringVar(&statuses, "status", "", "Comma-separated statuses to include")
	fs.BoolVar(&active, "active", false, "Only proposals that are not yet terminal")
	fs.StringVar(&proposer, "proposer", "", "Only proposals by this member")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	filter := governance.ProposalFilter{ActiveOnly: active, Proposer: governance.Address(proposer)}
	for _, s := range strings.Split(statuses, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		st, err := governance.ParseStatus(s)
		if err != nil {
			return usageError(stderr, fs, err.Error())
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	proposals, err := a.engine.Proposals(ctx, filter)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, proposals)
		return 0
	}
	if len(proposals) == 0 {
		_, _ = fmt.Fprintln(stdout, "No proposals.")
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%-5s %-10s %-18s %-12s %s\n", "ID", "STATUS", "KIND", "PROPOSER", "EXECUTABLE AT")
	for _, p := range proposals {
		kind := string(p.Kind)
		if p.IsEmergency {
			kind += "!"
		}
		_, _ = fmt.Fprintf(stdout, "%-5d %-10s %-18s %-12s %s\n",
			p.ID, p.Status, kind, p.Proposer, p.ExecutableAt.Format(time.RFC3339))
	}
	return 0
}

// runTallyCmd implements `councilctl tally`.
func runTallyCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("tally", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "Proposal id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if id == 0 {
		return usageError(stderr, fs, "--id is required")
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	t, err := a.engine.Tally(ctx, id)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, t)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Proposal %d: %d for, %d against, %d abstain (%d of %d voted)\n",
		t.ProposalID, t.For, t.Against, t.Abstain, t.VotesCast, t.CouncilSize)
	_, _ = fmt.Fprintf(stdout, "  quorum     %s (%d%% participation)\n", check(t.QuorumReached), t.ParticipationPercent)
	_, _ = fmt.Fprintf(stdout, "  approval   %s (%d%%, need %d%%)\n", check(t.ApprovalReached), t.ApprovalPercent, t.MinApprovalPercent)
	_, _ = fmt.Fprintf(stdout, "  threshold  %s (%d of %d For)\n", check(t.ThresholdReached), t.For, t.RequiredFor)
	_, _ = fmt.Fprintf(stdout, "  outcome    %s\n", t.Outcome())
	return 0
}

func printProposal(w io.Writer, jsonOutput bool, p *governance.Proposal) {
	if jsonOutput {
		writeJSON(w, p)
		return
	}
	_, _ = fmt.Fprintf(w, "Proposal %d [%s] %s by %s\n", p.ID, p.Status, p.Kind, p.Proposer)
	if p.IsEmergency {
		_, _ = fmt.Fprintf(w, "  emergency:      %s\n", p.Justification)
	}
	_, _ = fmt.Fprintf(w, "  voting ends:    %s\n", p.VotingDeadline.Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "  executable at:  %s\n", p.ExecutableAt.Format(time.RFC3339))
	for _, v := range p.Votes {
		via := ""
		if v.CastBy != "" {
			via = " (via " + string(v.CastBy) + ")"
		}
		_, _ = fmt.Fprintf(w, "  vote:           %s %s%s\n", v.CouncilMember, v.Choice, via)
	}
	if p.LastExecutionError != "" {
		_, _ = fmt.Fprintf(w, "  last error:     %s\n", p.LastExecutionError)
	}
}

func check(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func splitAddresses(s string) []governance.Address {
	var out []governance.Address
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, governance.Address(part))
		}
	}
	return out
}
