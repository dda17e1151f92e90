package governance

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Guard enforces charter rules on new proposals. Each rule is a CEL
// expression that must evaluate to true over:
//
//	proposal.kind, proposal.payload_size, proposal.emergency,
//	proposal.proposer, proposal.justification
//	council.size, council.approval_threshold, council.emergency_threshold
//
// A rule that is false or fails to evaluate rejects the proposal.
type Guard struct {
	rules []guardRule
}

type guardRule struct {
	expr string
	prg  cel.Program
}

// NewGuard compiles rules. Blank rules are skipped.
func NewGuard(rules []string) (*Guard, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("council", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	g := &Guard{}
	for i, expr := range rules {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("guard rule %d: compile: %w", i, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("guard rule %d: program: %w", i, err)
		}
		g.rules = append(g.rules, guardRule{expr: expr, prg: prg})
	}
	return g, nil
}

// Len returns the number of compiled rules.
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.rules)
}

// Check evaluates every rule against p. A nil Guard allows everything.
func (g *Guard) Check(cfg *CouncilConfig, p *Proposal) error {
	if g == nil {
		return nil
	}
	input := map[string]any{
		"proposal": map[string]any{
			"kind":          string(p.Kind),
			"payload_size":  int64(len(p.Payload)),
			"emergency":     p.IsEmergency,
			"proposer":      string(p.Proposer),
			"justification": p.Justification,
		},
		"council": map[string]any{
			"size":                int64(cfg.Size()),
			"approval_threshold":  int64(cfg.ApprovalThreshold),
			"emergency_threshold": int64(cfg.EmergencyThreshold),
		},
	}
	for _, r := range g.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return &ValidationError{Field: "proposal", Reason: fmt.Sprintf("charter rule %q failed: %v", r.expr, err)}
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return &ValidationError{Field: "proposal", Reason: fmt.Sprintf("charter rule %q did not return a bool", r.expr)}
		}
		if !allowed {
			return &ValidationError{Field: "proposal", Reason: fmt.Sprintf("denied by charter rule %q", r.expr)}
		}
	}
	return nil
}
