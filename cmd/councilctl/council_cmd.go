package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
)

// runCouncilCmd implements `councilctl council <sub>`. Every change except
// show must be made by the authority.
func runCouncilCmd(ctx context.Context, sub string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("council "+sub, stderr)
	var actor, value string
	if sub != "show" {
		fs.StringVar(&actor, "as", "", "Council authority (REQUIRED)")
		fs.StringVar(&value, "value", "", "Member address, count or duration (REQUIRED)")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sub != "show" && (actor == "" || value == "") {
		return usageError(stderr, fs, "--as and --value are required")
	}

	var change func(e *governance.Engine) (*governance.CouncilConfig, error)
	as := governance.Address(actor)
	switch sub {
	case "show":
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) { return e.Config(ctx) }
	case "add-member":
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) {
			return e.AddMember(ctx, as, governance.Address(value))
		}
	case "remove-member":
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) {
			return e.RemoveMember(ctx, as, governance.Address(value))
		}
	case "transfer-authority":
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) {
			return e.TransferAuthority(ctx, as, governance.Address(value))
		}
	case "set-threshold", "set-emergency-threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return usageError(stderr, fs, fmt.Sprintf("invalid --value: %v", err))
		}
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) {
			if sub == "set-threshold" {
				return e.UpdateThreshold(ctx, as, n)
			}
			return e.UpdateEmergencyThreshold(ctx, as, n)
		}
	case "set-timelock", "set-emergency-timelock", "set-voting-period":
		d, err := time.ParseDuration(value)
		if err != nil {
			return usageError(stderr, fs, fmt.Sprintf("invalid --value: %v", err))
		}
		change = func(e *governance.Engine) (*governance.CouncilConfig, error) {
			switch sub {
			case "set-timelock":
				return e.UpdateTimelock(ctx, as, d)
			case "set-emergency-timelock":
				return e.UpdateEmergencyTimelock(ctx, as, d)
			}
			return e.UpdateVotingPeriod(ctx, as, d)
		}
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown council subcommand: %s\n", sub)
		return 2
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	cfg, err := change(a.engine)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, cfg)
		return 0
	}
	members := make([]string, len(cfg.Members))
	for i, m := range cfg.Members {
		members[i] = string(m)
	}
	_, _ = fmt.Fprintf(stdout, "Council v%d (authority %s)\n", cfg.Version, cfg.Authority)
	_, _ = fmt.Fprintf(stdout, "  members:             %s\n", strings.Join(members, ", "))
	_, _ = fmt.Fprintf(stdout, "  approval threshold:  %d (min %d%% of decisive votes)\n", cfg.ApprovalThreshold, cfg.MinApprovalPercent)
	_, _ = fmt.Fprintf(stdout, "  emergency threshold: %d\n", cfg.EmergencyThreshold)
	_, _ = fmt.Fprintf(stdout, "  voting period:       %s\n", cfg.VotingPeriod)
	_, _ = fmt.Fprintf(stdout, "  timelock:            %s (emergency %s)\n", cfg.TimelockPeriod, cfg.EmergencyTimelockPeriod)
	return 0
}

// runDelegateCmd implements `councilctl delegate`.
func runDelegateCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("delegate", stderr)
	var (
		delegator string
		delegate  string
		days      int
	)
	fs.StringVar(&delegator, "as", "", "Delegating member (REQUIRED)")
	fs.StringVar(&delegate, "to", "", "Delegate address (REQUIRED)")
	fs.IntVar(&days, "days", 7, "Delegation lifetime in days (1-90)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if delegator == "" || delegate == "" {
		return usageError(stderr, fs, "--as and --to are required")
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	d, err := a.engine.Delegate(ctx, governance.Address(delegator), governance.Address(delegate), days)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, d)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ %s votes for %s until %s\n", d.Delegate, d.Delegator, d.ExpiresAt.Format(time.RFC3339))
	return 0
}

// runRevokeCmd implements `councilctl revoke`.
func runRevokeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("revoke", stderr)
	var delegator string
	fs.StringVar(&delegator, "as", "", "Delegating member (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if delegator == "" {
		return usageError(stderr, fs, "--as is required")
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	revoked, err := a.engine.Revoke(ctx, governance.Address(delegator))
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, map[string]any{"delegator": delegator, "revoked": revoked})
		return 0
	}
	if revoked {
		_, _ = fmt.Fprintf(stdout, "Delegation by %s revoked\n", delegator)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s has no delegation\n", delegator)
	}
	return 0
}

// runDelegationsCmd implements `councilctl delegations`.
func runDelegationsCmd(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("delegations", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	active, err := a.engine.Delegations(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, active)
		return 0
	}
	if len(active) == 0 {
		_, _ = fmt.Fprintln(stdout, "No active delegations.")
		return 0
	}
	for _, d := range active {
		_, _ = fmt.Fprintf(stdout, "%-12s -> %-12s until %s\n", d.Delegator, d.Delegate, d.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}
