// Package signedstore persists a single structured record in a file whose
// integrity is protected by an Ed25519 signature and whose access is
// serialized across processes by an advisory lock file.
package signedstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
)

const (
	DefaultSchemaVersion      = "1.0.0"
	DefaultLockStaleAfter     = 30 * time.Second
	DefaultLockMaxAttempts    = 40
	DefaultLockInitialBackoff = 10 * time.Millisecond
	DefaultLockMaxBackoff     = 500 * time.Millisecond
)

// Options configures a Store.
type Options struct {
	Path string

	// Signer signs records on save. A store without a signer is read-only.
	Signer crypto.Signer
	// PublicKey is the hex key records must be signed by. Defaults to the signer's key.
	PublicKey string
	// AllowUnsigned accepts missing or invalid signatures with a warning.
	// Never enable this in production.
	AllowUnsigned bool

	LockStaleAfter     time.Duration
	LockMaxAttempts    int
	LockInitialBackoff time.Duration
	LockMaxBackoff     time.Duration

	// DataSchema is an optional JSON Schema the record must satisfy.
	DataSchema    string
	SchemaVersion string

	Clock  func() time.Time
	Logger *slog.Logger
}

// Store is a signed, lock-protected file holding one record of type T.
type Store[T any] struct {
	path          string
	signer        crypto.Signer
	verifier      crypto.Verifier
	allowUnsigned bool
	version       *semver.Version
	compatible    *semver.Constraints
	schema        *jsonschema.Schema
	locker        *locker
	clock         func() time.Time
	logger        *slog.Logger
}

// New validates opts and returns a Store.
func New[T any](opts Options) (*Store[T], error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("signedstore: path is required")
	}
	if opts.LockStaleAfter <= 0 {
		opts.LockStaleAfter = DefaultLockStaleAfter
	}
	if opts.LockMaxAttempts <= 0 {
		opts.LockMaxAttempts = DefaultLockMaxAttempts
	}
	if opts.LockInitialBackoff <= 0 {
		opts.LockInitialBackoff = DefaultLockInitialBackoff
	}
	if opts.LockMaxBackoff <= 0 {
		opts.LockMaxBackoff = DefaultLockMaxBackoff
	}
	if opts.SchemaVersion == "" {
		opts.SchemaVersion = DefaultSchemaVersion
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "signedstore", "path", opts.Path)

	version, err := semver.NewVersion(opts.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("signedstore: invalid schema version %q: %w", opts.SchemaVersion, err)
	}
	compatible, err := semver.NewConstraint(fmt.Sprintf(">= %d.0.0, < %d.0.0", version.Major(), version.Major()+1))
	if err != nil {
		return nil, fmt.Errorf("signedstore: schema constraint: %w", err)
	}

	pubKey := opts.PublicKey
	if pubKey == "" && opts.Signer != nil {
		pubKey = opts.Signer.PublicKey()
	}
	var verifier crypto.Verifier
	if pubKey != "" {
		v, err := crypto.NewEd25519VerifierFromHex(pubKey)
		if err != nil {
			return nil, fmt.Errorf("signedstore: %w", err)
		}
		verifier = v
	} else if !opts.AllowUnsigned {
		return nil, fmt.Errorf("signedstore: a signer or public key is required unless unsigned records are allowed")
	}

	var schema *jsonschema.Schema
	if opts.DataSchema != "" {
		schema, err = compileSchema(opts.Path, opts.DataSchema)
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, &FileOperationError{Op: "create store dir", Path: filepath.Dir(opts.Path), Err: err}
	}

	if opts.AllowUnsigned {
		logger.Warn("unsigned store records are accepted; do not use this mode in production")
	}

	return &Store[T]{
		path:          opts.Path,
		signer:        opts.Signer,
		verifier:      verifier,
		allowUnsigned: opts.AllowUnsigned,
		version:       version,
		compatible:    compatible,
		schema:        schema,
		locker: &locker{
			path:           opts.Path + ".lock",
			staleAfter:     opts.LockStaleAfter,
			maxAttempts:    opts.LockMaxAttempts,
			initialBackoff: opts.LockInitialBackoff,
			maxBackoff:     opts.LockMaxBackoff,
			logger:         logger,
		},
		clock:  opts.Clock,
		logger: logger,
	}, nil
}

func compileSchema(path, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://council.schemas.local/store/" + neturl.PathEscape(filepath.Base(path)) + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("signedstore: schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("signedstore: schema compile failed: %w", err)
	}
	return compiled, nil
}

// Path returns the store file path.
func (s *Store[T]) Path() string { return s.path }

// Load returns the verified record, or def if the store file does not exist yet.
func (s *Store[T]) Load(ctx context.Context, def T) (rec T, err error) {
	lk, err := s.locker.acquire(ctx)
	if err != nil {
		return rec, err
	}
	defer func() { err = s.release(lk, err) }()

	return s.read(def)
}

// Save signs rec and atomically replaces the store file.
func (s *Store[T]) Save(ctx context.Context, rec T) (err error) {
	if s.signer == nil {
		return fmt.Errorf("signedstore: no signer configured for %s", s.path)
	}
	lk, err := s.locker.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { err = s.release(lk, err) }()

	if err := lk.held(); err != nil {
		return err
	}
	return s.write(rec)
}

// Update runs fn against the current record and persists the result under a
// single lock hold. If fn fails nothing is written and its error is returned.
func (s *Store[T]) Update(ctx context.Context, def T, fn func(T) (T, error)) (out T, err error) {
	if s.signer == nil {
		return out, fmt.Errorf("signedstore: no signer configured for %s", s.path)
	}
	lk, err := s.locker.acquire(ctx)
	if err != nil {
		return out, err
	}
	defer func() { err = s.release(lk, err) }()

	cur, err := s.read(def)
	if err != nil {
		return out, err
	}
	next, err := fn(cur)
	if err != nil {
		return out, err
	}
	if err := lk.held(); err != nil {
		return out, err
	}
	if err := s.write(next); err != nil {
		return out, err
	}
	return next, nil
}

func (s *Store[T]) release(lk *fileLock, opErr error) error {
	if err := lk.release(); err != nil {
		s.logger.Error("failed to release store lock", "error", err)
		if opErr == nil {
			return err
		}
	}
	return opErr
}

func (s *Store[T]) read(def T) (T, error) {
	var zero T
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return zero, &FileOperationError{Op: "read", Path: s.path, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, &IntegrityError{Path: s.path, Reason: fmt.Sprintf("malformed envelope: %v", err)}
	}

	v, err := semver.NewVersion(env.SchemaVersion)
	if err != nil {
		return zero, &IntegrityError{Path: s.path, Reason: fmt.Sprintf("invalid schema version %q", env.SchemaVersion)}
	}
	if !s.compatible.Check(v) {
		return zero, &IntegrityError{Path: s.path, Reason: fmt.Sprintf("schema version %s not compatible with %s", v, s.version)}
	}

	if err := s.verify(env); err != nil {
		return zero, err
	}

	if s.schema != nil {
		if err := validateAgainst(s.schema, env.Data); err != nil {
			return zero, &IntegrityError{Path: s.path, Reason: fmt.Sprintf("schema validation failed: %v", err)}
		}
	}

	var rec T
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return zero, &IntegrityError{Path: s.path, Reason: fmt.Sprintf("decode record: %v", err)}
	}
	return rec, nil
}

func (s *Store[T]) verify(env envelope) error {
	reason := ""
	switch {
	case env.Signature == "":
		reason = "missing signature"
	case s.verifier == nil:
		reason = "no public key configured"
	default:
		payload, err := env.signingBytes()
		if err != nil {
			return &IntegrityError{Path: s.path, Reason: err.Error()}
		}
		ok, err := s.verifier.VerifyHex(payload, env.Signature)
		switch {
		case err != nil:
			reason = err.Error()
		case !ok:
			reason = "signature mismatch"
		}
	}
	if reason == "" {
		return nil
	}
	if s.allowUnsigned {
		s.logger.Warn("accepting store record that failed verification", "reason", reason)
		return nil
	}
	return &IntegrityError{Path: s.path, Reason: reason}
}

func (s *Store[T]) write(rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("signedstore: encode record: %w", err)
	}
	if s.schema != nil {
		if err := validateAgainst(s.schema, data); err != nil {
			return fmt.Errorf("signedstore: refusing to write record that fails schema: %w", err)
		}
	}

	env := envelope{
		SchemaVersion: s.version.String(),
		LastModified:  s.clock().UTC(),
		KeyID:         s.signer.KeyID(),
		Data:          data,
	}
	payload, err := env.signingBytes()
	if err != nil {
		return fmt.Errorf("signedstore: canonicalize record: %w", err)
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("signedstore: sign record: %w", err)
	}
	env.Signature = sig

	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("signedstore: encode envelope: %w", err)
	}
	return atomicWrite(s.path, append(out, '\n'))
}

func validateAgainst(schema *jsonschema.Schema, data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// atomicWrite writes data to a temp file in the target directory and renames
// it over path, so readers see either the old or the new file.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &FileOperationError{Op: "create temp", Path: dir, Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return &FileOperationError{Op: "write temp", Path: tmpName, Err: err}
	}
	if err = tmp.Sync(); err != nil {
		return &FileOperationError{Op: "sync temp", Path: tmpName, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &FileOperationError{Op: "close temp", Path: tmpName, Err: err}
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return &FileOperationError{Op: "chmod temp", Path: tmpName, Err: err}
	}
	if err = os.Rename(tmpName, path); err != nil {
		return &FileOperationError{Op: "rename", Path: path, Err: err}
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir) //nolint:gosec // store directory
	if err != nil {
		return
	}
	defer func() { _ = d.Close() }()
	_ = d.Sync()
}

// IsRetryable reports whether err is a lock contention failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrency)
}
