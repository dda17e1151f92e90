package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = the council refused the operation
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[1] {
	case "init":
		return runInitCmd(ctx, args[2:], stdout, stderr)
	case "propose":
		return runProposeCmd(ctx, args[2:], stdout, stderr)
	case "vote":
		return runVoteCmd(ctx, args[2:], stdout, stderr)
	case "finalize":
		return runFinalizeCmd(ctx, args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(ctx, args[2:], stdout, stderr)
	case "cancel":
		return runCancelCmd(ctx, args[2:], stdout, stderr)
	case "show":
		return runShowCmd(ctx, args[2:], stdout, stderr)
	case "list":
		return runListCmd(ctx, args[2:], stdout, stderr)
	case "tally":
		return runTallyCmd(ctx, args[2:], stdout, stderr)
	case "delegate":
		return runDelegateCmd(ctx, args[2:], stdout, stderr)
	case "revoke":
		return runRevokeCmd(ctx, args[2:], stdout, stderr)
	case "delegations":
		return runDelegationsCmd(ctx, args[2:], stdout, stderr)
	case "council":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: councilctl council <show|add-member|remove-member|set-threshold|set-emergency-threshold|set-timelock|set-emergency-timelock|set-voting-period|transfer-authority>")
			return 2
		}
		return runCouncilCmd(ctx, args[2], args[3:], stdout, stderr)
	case "audit":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: councilctl audit <read|verify|export>")
			return 2
		}
		return runAuditCmd(ctx, args[2], args[3:], stdout, stderr)
	case "outbox":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: councilctl outbox <pending|done>")
			return 2
		}
		return runOutboxCmd(ctx, args[2], args[3:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%scouncilctl%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(w, "%sMembers propose. The council decides. The timelock waits.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  councilctl <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PROPOSALS")
	printCommand(w, "init", "Create the council and its signing key")
	printCommand(w, "propose", "Open a proposal (--kind, --payload, --emergency)")
	printCommand(w, "vote", "Vote on a proposal (--id, --choice)")
	printCommand(w, "finalize", "Decide a proposal whose voting period ended")
	printCommand(w, "execute", "Execute an approved proposal after its timelock")
	printCommand(w, "cancel", "Withdraw an open proposal")
	printCommand(w, "show", "Show one proposal")
	printCommand(w, "list", "List proposals (--status, --active)")
	printCommand(w, "tally", "Show the vote tally of a proposal")

	printSection(w, "DELEGATION")
	printCommand(w, "delegate", "Let a non-member vote on your behalf (--to, --days)")
	printCommand(w, "revoke", "Revoke your delegation")
	printCommand(w, "delegations", "List active delegations")

	printSection(w, "ADMINISTRATION")
	printCommand(w, "council", "Show or change membership and policy (authority only)")
	printCommand(w, "audit", "Read, verify or export the audit log")
	printCommand(w, "outbox", "Inspect the SQL action outbox")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	jsonOutput bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", os.Getenv("COUNCIL_CONFIG"), "Path to a YAML config file")
	fs.BoolVar(&c.jsonOutput, "json", false, "Output result as JSON")
	return fs, c
}

// fail reports err and maps it to an exit code.
func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	for _, refused := range []error{
		governance.ErrValidation,
		governance.ErrUnauthorized,
		governance.ErrInvalidState,
		governance.ErrDeadline,
		governance.ErrTimelock,
		governance.ErrExecution,
		governance.ErrNotFound,
	} {
		if errors.Is(err, refused) {
			return 1
		}
	}
	return 2
}

func usageError(stderr io.Writer, fs *flag.FlagSet, msg string) int {
	_, _ = fmt.Fprintf(stderr, "Error: %s\n", msg)
	fs.Usage()
	return 2
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}
