// Package executor performs the privileged actions a council approves.
// The governance engine calls an ActionExecutor at most once per successful
// Execute; implementations that reach external systems should key their
// effects on Action.ProposalID so a retried execution stays idempotent.
package executor

import (
	"context"
	"errors"
	"log/slog"
)

// Action is an approved proposal handed over for execution.
type Action struct {
	ProposalID uint64 `json:"proposal_id"`
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload"`
	Emergency  bool   `json:"emergency"`
	Executor   string `json:"executor"`
}

// ActionExecutor performs an approved action.
type ActionExecutor interface {
	Execute(ctx context.Context, a Action) error
}

// Func adapts a function to ActionExecutor.
type Func func(ctx context.Context, a Action) error

func (f Func) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

// LogExecutor records actions in the log and does nothing else.
type LogExecutor struct {
	logger *slog.Logger
}

func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger.With("component", "executor")}
}

func (e *LogExecutor) Execute(ctx context.Context, a Action) error {
	e.logger.InfoContext(ctx, "action executed",
		"proposal_id", a.ProposalID,
		"kind", a.Kind,
		"payload_size", len(a.Payload),
		"emergency", a.Emergency,
		"executor", a.Executor,
	)
	return nil
}

// Chain runs executors in order, stopping at the first failure.
type Chain []ActionExecutor

func (c Chain) Execute(ctx context.Context, a Action) error {
	if len(c) == 0 {
		return errors.New("executor: empty chain")
	}
	for _, ex := range c {
		if err := ex.Execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
