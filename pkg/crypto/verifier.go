package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Verifier defines the interface for signature verification.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
	VerifyHex(message []byte, sigHex string) (bool, error)
	PublicKey() string
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	pubKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{pubKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// NewEd25519VerifierFromHex creates a verifier from a hex-encoded public key.
func NewEd25519VerifierFromHex(pubKeyHex string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewEd25519Verifier(raw)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.pubKey, message, signature)
}

func (v *Ed25519Verifier) VerifyHex(message []byte, sigHex string) (bool, error) {
	if sigHex == "" {
		return false, fmt.Errorf("missing signature")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	return v.Verify(message, sig), nil
}

func (v *Ed25519Verifier) PublicKey() string {
	return hex.EncodeToString(v.pubKey)
}
