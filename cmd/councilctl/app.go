package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/audit"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/config"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/executor"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/observability"
	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/signedstore"
)

// app is the wired set of council components for one command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *governance.Engine
	audit     *audit.Log
	outbox    *executor.OutboxExecutor
	telemetry *observability.Provider
	closers   []func() error
}

// openApp wires config, keys, store, audit log, executor and engine. With
// createKey the master seed is generated when missing.
func openApp(ctx context.Context, flags *commonFlags, stderr io.Writer, createKey bool) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	var seed []byte
	if createKey {
		seed, err = crypto.LoadOrCreateSeed(cfg.KeyFile)
	} else {
		seed, err = crypto.LoadSeed(cfg.KeyFile)
		if errors.Is(err, crypto.ErrSeedNotFound) {
			err = fmt.Errorf("no council key at %s; run `councilctl init` first: %w", cfg.KeyFile, err)
		}
	}
	if err != nil {
		return nil, err
	}
	storeSigner, err := crypto.DeriveSigner(seed, crypto.PurposeStore)
	if err != nil {
		return nil, err
	}
	auditSigner, err := crypto.DeriveSigner(seed, crypto.PurposeAudit)
	if err != nil {
		return nil, err
	}

	store, err := governance.NewFileStore(signedstore.Options{
		Path:               cfg.StorePath,
		Signer:             storeSigner,
		AllowUnsigned:      cfg.AllowUnsigned,
		LockStaleAfter:     cfg.Lock.StaleAfter,
		LockMaxAttempts:    cfg.Lock.MaxAttempts,
		LockInitialBackoff: cfg.Lock.InitialBackoff,
		LockMaxBackoff:     cfg.Lock.MaxBackoff,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	a.audit, err = audit.NewLog(audit.Options{
		Path:          cfg.AuditPath,
		Signer:        auditSigner,
		AllowUnsigned: cfg.AllowUnsigned,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	var guard *governance.Guard
	if len(cfg.Guard.Rules) > 0 {
		if guard, err = governance.NewGuard(cfg.Guard.Rules); err != nil {
			return nil, err
		}
	}

	exec, err := a.buildExecutor(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.telemetry, err = observability.New(ctx, telemetryConfig(cfg.Telemetry))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.engine, err = governance.NewEngine(store, governance.Options{
		Executor:       exec,
		Audit:          a.audit,
		StrictAudit:    cfg.StrictAudit,
		Guard:          guard,
		ExecutionLease: cfg.ExecutionLease,
		Logger:         logger,
		Telemetry:      a.telemetry,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) buildExecutor(ctx context.Context) (executor.ActionExecutor, error) {
	ec := a.cfg.Executor
	var exec executor.ActionExecutor
	switch ec.Kind {
	case config.ExecutorOutbox:
		o, err := executor.OpenOutbox(ctx, ec.OutboxDriver, ec.OutboxDSN)
		if err != nil {
			return nil, err
		}
		a.outbox = o
		a.closers = append(a.closers, o.Close)
		exec = executor.Chain{o, executor.NewLogExecutor(a.logger)}
	case config.ExecutorRedis:
		r, err := executor.NewRedisExecutorFromURL(ec.RedisURL, ec.RedisStream, ec.RedisMaxLen)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, r.Close)
		exec = executor.Chain{r, executor.NewLogExecutor(a.logger)}
	default:
		exec = executor.NewLogExecutor(a.logger)
	}
	if ec.RatePerSecond > 0 {
		exec = executor.NewThrottled(exec, ec.RatePerSecond, ec.Burst)
	}
	return exec, nil
}

// telemetryConfig overlays the configured telemetry settings on the
// observability defaults.
func telemetryConfig(tc config.TelemetryConfig) *observability.Config {
	oc := observability.DefaultConfig()
	oc.Enabled = tc.Enabled
	oc.Insecure = tc.Insecure
	oc.SampleRate = tc.SampleRate
	if tc.Endpoint != "" {
		oc.OTLPEndpoint = tc.Endpoint
	}
	if tc.Environment != "" {
		oc.Environment = tc.Environment
	}
	return oc
}

// Close flushes telemetry and releases executor connections.
func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q", cfg.LogFormat)
}
