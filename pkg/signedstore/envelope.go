package signedstore

import (
	"encoding/json"
	"time"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/crypto"
)

// envelope is the on-disk form of a signed record. The signature covers the
// canonical JSON of every other field.
type envelope struct {
	SchemaVersion string          `json:"schema_version"`
	LastModified  time.Time       `json:"last_modified"`
	KeyID         string          `json:"key_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	Signature     string          `json:"signature,omitempty"`
}

func (e envelope) signingBytes() ([]byte, error) {
	unsigned := e
	unsigned.Signature = ""
	return crypto.CanonicalMarshal(unsigned)
}
