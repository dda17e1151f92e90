package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal marshals v into RFC 8785 canonical JSON.
// Struct tags are honored by the first json.Marshal pass; jcs then sorts keys,
// normalizes numbers and strips whitespace.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize transforms already-encoded JSON into its canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform failed: %w", err)
	}
	return out, nil
}
