// Package audit keeps an append-only log of council actions. Each line is a
// JSON entry carrying its own Ed25519 signature, so any line can be verified
// without reference to its neighbours.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
)

const maxLineSize = 1 << 20

// Entry is one audit record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	KeyID     string         `json:"key_id,omitempty"`
	PublicKey string         `json:"public_key,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// Verification is the outcome of checking one entry's signature.
type Verification string

const (
	Verified Verification = "verified"
	Invalid  Verification = "invalid"
	Unsigned Verification = "unsigned"
)

// Record is an entry read back from the log.
type Record struct {
	Entry
	Line         int          `json:"line"`
	Verification Verification `json:"verification,omitempty"`
}

// Options configures a Log.
type Options struct {
	Path string
	// Signer signs appended entries. Without one, AllowUnsigned must be set.
	Signer crypto.Signer
	// PublicKey is the hex key entries are verified against. Defaults to the
	// signer's key; when empty the key embedded in each entry is used.
	PublicKey string
	// AllowUnsigned permits appending unsigned entries with a warning.
	AllowUnsigned bool

	Clock  func() time.Time
	Logger *slog.Logger
}

// Log is an append-only JSON lines file.
type Log struct {
	mu            sync.Mutex
	path          string
	signer        crypto.Signer
	trusted       crypto.Verifier
	allowUnsigned bool
	clock         func() time.Time
	logger        *slog.Logger
}

// NewLog opens (without creating) the log at opts.Path.
func NewLog(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, errors.New("audit: path is required")
	}
	if opts.Signer == nil && !opts.AllowUnsigned {
		return nil, errors.New("audit: a signer is required unless unsigned entries are allowed")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pub := opts.PublicKey
	if pub == "" && opts.Signer != nil {
		pub = opts.Signer.PublicKey()
	}
	var trusted crypto.Verifier
	if pub != "" {
		v, err := crypto.NewEd25519VerifierFromHex(pub)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		trusted = v
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create log dir: %w", err)
	}
	return &Log{
		path:          opts.Path,
		signer:        opts.Signer,
		trusted:       trusted,
		allowUnsigned: opts.AllowUnsigned,
		clock:         opts.Clock,
		logger:        opts.Logger.With("component", "audit", "path", opts.Path),
	}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append signs e and appends it as one line. ID and Timestamp are filled in
// when empty.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.Action == "" {
		return errors.New("audit: action is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Signature = ""

	if l.signer != nil {
		e.KeyID = l.signer.KeyID()
		e.PublicKey = l.signer.PublicKey()
		msg, err := crypto.CanonicalMarshal(e)
		if err != nil {
			return fmt.Errorf("audit: canonicalize entry: %w", err)
		}
		sig, err := l.signer.Sign(msg)
		if err != nil {
			return fmt.Errorf("audit: sign entry: %w", err)
		}
		e.Signature = sig
	} else {
		l.logger.WarnContext(ctx, "appending unsigned audit entry", "action", e.Action)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}
	// A single write keeps lines from concurrent processes whole.
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("audit: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audit: close log: %w", err)
	}
	return nil
}

// Read returns the most recent limit entries ordered by timestamp; limit <= 0
// returns all of them. With verify set, every record is marked verified,
// invalid or unsigned. Unverifiable entries are returned, not dropped.
func (l *Log) Read(ctx context.Context, limit int, verify bool) ([]Record, error) {
	records, malformed, err := l.scan(verify)
	if err != nil {
		return nil, err
	}
	if malformed > 0 {
		l.logger.WarnContext(ctx, "skipped malformed audit lines", "count", malformed)
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Summary counts entries by verification outcome.
type Summary struct {
	Total     int `json:"total"`
	Verified  int `json:"verified"`
	Invalid   int `json:"invalid"`
	Unsigned  int `json:"unsigned"`
	Malformed int `json:"malformed"`
}

// OK reports whether every line parsed and verified.
func (s Summary) OK() bool {
	return s.Invalid == 0 && s.Unsigned == 0 && s.Malformed == 0
}

// Verify checks every entry in the log.
func (l *Log) Verify(ctx context.Context) (Summary, error) {
	records, malformed, err := l.scan(true)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total: len(records), Malformed: malformed}
	for _, r := range records {
		switch r.Verification {
		case Verified:
			s.Verified++
		case Invalid:
			s.Invalid++
		case Unsigned:
			s.Unsigned++
		}
	}
	if !s.OK() {
		l.logger.WarnContext(ctx, "audit log verification found problems",
			"invalid", s.Invalid, "unsigned", s.Unsigned, "malformed", s.Malformed)
	}
	return s, nil
}

func (l *Log) scan(verify bool) ([]Record, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("audit: open log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		records   []Record
		malformed int
		lineNo    int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil || e.Action == "" {
			malformed++
			continue
		}
		r := Record{Entry: e, Line: lineNo}
		if verify {
			r.Verification = l.verifyLine(raw, e)
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit: read log: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	if records == nil {
		records = []Record{}
	}
	return records, malformed, nil
}

// verifyLine checks the signature over the canonical form of the raw line
// with its signature member removed.
func (l *Log) verifyLine(raw []byte, e Entry) Verification {
	if e.Signature == "" {
		return Unsigned
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Invalid
	}
	delete(fields, "signature")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return Invalid
	}
	msg, err := crypto.Canonicalize(stripped)
	if err != nil {
		return Invalid
	}

	verifier := l.trusted
	if verifier == nil {
		v, err := crypto.NewEd25519VerifierFromHex(e.PublicKey)
		if err != nil {
			return Invalid
		}
		verifier = v
	} else if e.PublicKey != "" && e.PublicKey != verifier.PublicKey() {
		return Invalid
	}
	ok, err := verifier.VerifyHex(msg, e.Signature)
	if err != nil || !ok {
		return Invalid
	}
	return Verified
}
