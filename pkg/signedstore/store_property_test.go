package signedstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// Property: Load(Save(r)) == r for any record Save accepts.
func TestStore_RoundTripProperty(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "prop.json"), testSigner(t))
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("signed round trip preserves the record", prop.ForAll(
		func(value int, label string, writers []string) bool {
			if len(writers) == 0 {
				writers = nil
			}
			want := counter{Value: value, Label: label, Writers: writers}
			if err := s.Save(ctx, want); err != nil {
				return false
			}
			got, err := s.Load(ctx, counter{})
			if err != nil {
				return false
			}
			require.Equal(t, want, got)
			return true
		},
		gen.Int(),
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
