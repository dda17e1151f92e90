// Package governance implements a council governance engine: staged
// proposals, one-member-one-vote approval, timelocked execution, and
// time-bounded vote delegation over a signed, lock-protected state file.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/audit"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/executor"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/observability"
)

// DefaultExecutionLease bounds how long an execution claim blocks other executors.
const DefaultExecutionLease = 5 * time.Minute

// Recorder receives one audit entry per state-changing operation.
// *audit.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Options configures an Engine.
type Options struct {
	// Executor performs approved actions. Defaults to a logging executor.
	Executor executor.ActionExecutor
	// Audit receives an entry after every committed state change.
	Audit Recorder
	// StrictAudit returns audit failures to the caller instead of logging them.
	StrictAudit bool
	// Guard holds optional charter rules checked on every new proposal.
	Guard *Guard
	// ExecutionLease is how long an in-flight execution claim is honored.
	ExecutionLease time.Duration

	Clock     func() time.Time
	Logger    *slog.Logger
	Telemetry *observability.Provider
}

// Engine runs the proposal lifecycle. Every operation is a single
// read-modify-write of the StateStore, so engines in separate processes
// sharing one store file stay consistent.
type Engine struct {
	store       StateStore
	executor    executor.ActionExecutor
	audit       Recorder
	strictAudit bool
	guard       *Guard
	lease       time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	telemetry   *observability.Provider
	hasher      crypto.Hasher
}

// NewEngine returns an Engine over store.
func NewEngine(store StateStore, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("governance: state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "governance")
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ExecutionLease <= 0 {
		opts.ExecutionLease = DefaultExecutionLease
	}
	if opts.Executor == nil {
		opts.Executor = executor.NewLogExecutor(opts.Logger)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = observability.Disabled()
	}
	if opts.Audit == nil {
		logger.Warn("no audit log configured; state changes will not be recorded")
	}
	return &Engine{
		store:       store,
		executor:    opts.Executor,
		audit:       opts.Audit,
		strictAudit: opts.StrictAudit,
		guard:       opts.Guard,
		lease:       opts.ExecutionLease,
		clock:       opts.Clock,
		logger:      logger,
		telemetry:   opts.Telemetry,
		hasher:      crypto.NewCanonicalHasher(),
	}, nil
}

func (e *Engine) now() time.Time { return e.clock().UTC() }

// errNoChange aborts an update without writing; the operation still succeeds.
var errNoChange = errors.New("no change")

// mutate runs fn under the store lock. It reports whether a new state was
// committed.
func (e *Engine) mutate(ctx context.Context, fn func(s *State, now time.Time) error) (State, bool, error) {
	st, err := e.store.Update(ctx, State{}, func(s State) (State, error) {
		s.normalize()
		if err := fn(&s, e.now()); err != nil {
			return s, err
		}
		s.normalize()
		return s, nil
	})
	if errors.Is(err, errNoChange) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (e *Engine) load(ctx context.Context) (State, error) {
	st, err := e.store.Load(ctx, State{})
	if err != nil {
		return State{}, err
	}
	st.normalize()
	return st, nil
}

func (e *Engine) track(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append([]attribute.KeyValue{observability.AttrOperation.String(op)}, attrs...)
	return e.telemetry.TrackOperation(ctx, "council."+op, attrs...)
}

// record appends an audit entry for a committed change. Failures are logged
// unless the engine runs with StrictAudit.
func (e *Engine) record(ctx context.Context, action string, actor Address, st *State, details map[string]any) error {
	if e.audit == nil {
		return nil
	}
	if details == nil {
		details = map[string]any{}
	}
	if st != nil {
		if digest, err := e.hasher.Hash(st); err == nil {
			details["state_digest"] = digest
		}
	}
	err := e.audit.Append(ctx, audit.Entry{
		Timestamp: e.now(),
		Action:    action,
		Actor:     string(actor),
		Details:   details,
	})
	if err == nil {
		return nil
	}
	if e.strictAudit {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	e.logger.WarnContext(ctx, "audit append failed", "action", action, "actor", actor, "error", err)
	return nil
}

// Config returns the current council configuration.
func (e *Engine) Config(ctx context.Context) (*CouncilConfig, error) {
	st, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := st.config()
	if err != nil {
		return nil, err
	}
	out := cfg.clone()
	return &out, nil
}

// Proposal returns the proposal with the given id.
func (e *Engine) Proposal(ctx context.Context, id uint64) (*Proposal, error) {
	st, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	p, err := st.proposal(id)
	if err != nil {
		return nil, err
	}
	out := p.clone()
	return &out, nil
}

// ProposalFilter narrows Proposals. The zero value matches everything.
type ProposalFilter struct {
	Statuses   []Status
	ActiveOnly bool
	Proposer   Address
}

func (f ProposalFilter) match(p *Proposal) bool {
	if f.ActiveOnly && p.Status.Terminal() {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
		return false
	}
	if f.Proposer != "" && p.Proposer != f.Proposer {
		return false
	}
	return true
}

// Proposals lists proposals matching f in id order.
func (e *Engine) Proposals(ctx context.Context, f ProposalFilter) ([]Proposal, error) {
	st, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(st.Proposals))
	for i := range st.Proposals {
		if f.match(&st.Proposals[i]) {
			out = append(out, st.Proposals[i].clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Tally returns the current vote tally for a proposal.
func (e *Engine) Tally(ctx context.Context, id uint64) (Tally, error) {
	st, err := e.load(ctx)
	if err != nil {
		return Tally{}, err
	}
	cfg, err := st.config()
	if err != nil {
		return Tally{}, err
	}
	p, err := st.proposal(id)
	if err != nil {
		return Tally{}, err
	}
	return ComputeTally(cfg, p), nil
}

// Delegations lists active delegations.
func (e *Engine) Delegations(ctx context.Context) ([]Delegation, error) {
	st, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	return st.Registry().Active(e.now()), nil
}

// ResolveVoter returns the council member addr votes for, if any.
func (e *Engine) ResolveVoter(ctx context.Context, addr Address) (Address, bool, error) {
	st, err := e.load(ctx)
	if err != nil {
		return "", false, err
	}
	member, ok := st.Registry().Resolve(addr, e.now())
	return member, ok, nil
}
