package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// runOutboxCmd implements `councilctl outbox <pending|done>` for councils
// configured with the SQL outbox executor.
func runOutboxCmd(ctx context.Context, sub string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("outbox "+sub, stderr)
	var id uint64
	switch sub {
	case "pending":
	case "done":
		fs.Uint64Var(&id, "id", 0, "Proposal id completed downstream (REQUIRED)")
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown outbox subcommand: %s\n", sub)
		return 2
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if sub == "done" && id == 0 {
		return usageError(stderr, fs, "--id is required")
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)
	if a.outbox == nil {
		return fail(stderr, errors.New("the outbox executor is not configured (set executor.kind: outbox)"))
	}

	if sub == "done" {
		if err := a.outbox.MarkDone(ctx, id); err != nil {
			return fail(stderr, err)
		}
		_, _ = fmt.Fprintf(stdout, "Proposal %d marked done\n", id)
		return 0
	}

	pending, err := a.outbox.Pending(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if common.jsonOutput {
		writeJSON(stdout, pending)
		return 0
	}
	if len(pending) == 0 {
		_, _ = fmt.Fprintln(stdout, "Outbox is empty.")
		return 0
	}
	for _, r := range pending {
		_, _ = fmt.Fprintf(stdout, "%-5d %-18s %-12s %s (%d bytes)\n",
			r.ProposalID, r.Kind, r.Executor, r.ScheduledAt.Format(time.RFC3339), len(r.Payload))
	}
	return 0
}
