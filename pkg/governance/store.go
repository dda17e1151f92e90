package governance

import (
	"context"
	_ "embed"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/signedstore"
)

//go:embed state.schema.json
var stateSchema string

// StateSchema returns the JSON Schema persisted council state must satisfy.
func StateSchema() string { return stateSchema }

// StateStore is the durable, lock-protected home of the council State.
// *signedstore.Store[State] satisfies it.
type StateStore interface {
	Load(ctx context.Context, def State) (State, error)
	Update(ctx context.Context, def State, fn func(State) (State, error)) (State, error)
}

// NewFileStore opens a signed state file validated against StateSchema.
func NewFileStore(opts signedstore.Options) (*signedstore.Store[State], error) {
	if opts.DataSchema == "" {
		opts.DataSchema = stateSchema
	}
	return signedstore.New[State](opts)
}
