package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Key purposes. Each purpose gets an independent key derived from the master seed.
const (
	PurposeStore = "council-store"
	PurposeAudit = "council-audit"
)

const derivationSalt = "council-governance-keys/v1"

// ErrSeedNotFound is returned by LoadSeed when no seed file exists.
var ErrSeedNotFound = errors.New("seed file not found")

// LoadSeed reads a hex-encoded 32-byte master seed.
func LoadSeed(path string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied key path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSeedNotFound
		}
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode seed %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed %s: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

// LoadOrCreateSeed loads the master seed at path, generating one (mode 0600) if absent.
func LoadOrCreateSeed(path string) ([]byte, error) {
	seed, err := LoadSeed(path)
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, ErrSeedNotFound) {
		return nil, err
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // operator-supplied key path
	if err != nil {
		if os.IsExist(err) {
			// Another process won the race; use its seed.
			return LoadSeed(path)
		}
		return nil, fmt.Errorf("create seed %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		return nil, fmt.Errorf("write seed %s: %w", path, err)
	}
	return seed, nil
}

// DeriveSigner derives a purpose-bound Ed25519 signer from the master seed
// using HKDF-SHA256, so a leaked audit key does not expose the store key.
func DeriveSigner(masterSeed []byte, purpose string) (*Ed25519Signer, error) {
	if len(masterSeed) < 16 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(masterSeed))
	}
	if purpose == "" {
		return nil, fmt.Errorf("purpose is required")
	}

	r := hkdf.New(sha256.New, masterSeed, []byte(derivationSalt), []byte(purpose))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	keyID := fmt.Sprintf("%s:%s", purpose, hex.EncodeToString(pub[:8]))
	return NewEd25519SignerFromKey(priv, keyID), nil
}
