package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/audit"
)

// runAuditCmd implements `councilctl audit <read|verify|export>`.
//
// verify exits 1 when any entry is invalid, unsigned or malformed.
func runAuditCmd(ctx context.Context, sub string, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("audit "+sub, stderr)
	var (
		limit  int
		verify bool
		out    string
		since  string
		until  string
	)
	switch sub {
	case "read":
		fs.IntVar(&limit, "limit", 50, "Most recent entries to show (0 = all)")
		fs.BoolVar(&verify, "verify", true, "Check each entry's signature")
	case "verify":
	case "export":
		fs.StringVar(&out, "out", "", "Output path for the zip evidence pack (REQUIRED)")
		fs.StringVar(&since, "since", "", "RFC 3339 start of the exported period")
		fs.StringVar(&until, "until", "", "RFC 3339 end of the exported period")
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", sub)
		return 2
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var req audit.ExportRequest
	if sub == "export" {
		if out == "" {
			return usageError(stderr, fs, "--out is required")
		}
		var err error
		if req.Since, err = parseTime(since); err != nil {
			return usageError(stderr, fs, fmt.Sprintf("invalid --since: %v", err))
		}
		if req.Until, err = parseTime(until); err != nil {
			return usageError(stderr, fs, fmt.Sprintf("invalid --until: %v", err))
		}
	}

	a, err := openApp(ctx, common, stderr, false)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close(ctx)

	switch sub {
	case "read":
		return auditRead(ctx, a.audit, limit, verify, common.jsonOutput, stdout, stderr)
	case "verify":
		summary, err := a.audit.Verify(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		if common.jsonOutput {
			writeJSON(stdout, summary)
		} else if summary.OK() {
			_, _ = fmt.Fprintf(stdout, "✅ Audit log verification PASSED (%d entries)\n", summary.Total)
		} else {
			_, _ = fmt.Fprintf(stdout, "❌ Audit log verification FAILED: %d verified, %d invalid, %d unsigned, %d malformed\n",
				summary.Verified, summary.Invalid, summary.Unsigned, summary.Malformed)
		}
		if !summary.OK() {
			return 1
		}
		return 0
	default:
		return auditExport(ctx, a.audit, out, req, common.jsonOutput, stdout, stderr)
	}
}

func auditRead(ctx context.Context, log *audit.Log, limit int, verify, jsonOutput bool, stdout, stderr io.Writer) int {
	records, err := log.Read(ctx, limit, verify)
	if err != nil {
		return fail(stderr, err)
	}
	if jsonOutput {
		writeJSON(stdout, records)
		return 0
	}
	for _, r := range records {
		mark := ""
		switch r.Verification {
		case audit.Verified:
			mark = "✅"
		case audit.Invalid:
			mark = "❌"
		case audit.Unsigned:
			mark = "⚠️"
		}
		_, _ = fmt.Fprintf(stdout, "%s %s %-28s %-10s %v\n",
			mark, r.Timestamp.Format(time.RFC3339), r.Action, r.Actor, r.Details["proposal_id"])
	}
	return 0
}

func auditExport(ctx context.Context, log *audit.Log, out string, req audit.ExportRequest, jsonOutput bool, stdout, stderr io.Writer) (code int) {
	f, err := os.OpenFile(out, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fail(stderr, err)
	}
	defer func() {
		if err := f.Close(); err != nil && code == 0 {
			code = fail(stderr, err)
		}
		if code != 0 {
			_ = os.Remove(out)
		}
	}()

	checksum, err := log.Export(ctx, f, req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return fail(stderr, err)
	}
	if jsonOutput {
		writeJSON(stdout, map[string]any{"pack_path": out, "sha256": checksum})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "✅ Evidence pack written: %s\nSHA-256: %s\n", out, checksum)
	return 0
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
