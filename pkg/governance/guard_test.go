package governance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohaMehrzad/vcoin-0.1.0-sub000/pkg/governance"
)

func TestGuard_Compile(t *testing.T) {
	g, err := governance.NewGuard([]string{"", "  ", "proposal.payload_size < 64"})
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())

	_, err = governance.NewGuard([]string{"proposal.payload_size <"})
	assert.Error(t, err)

	var none *governance.Guard
	assert.Zero(t, none.Len())
	assert.NoError(t, none.Check(&governance.CouncilConfig{}, &governance.Proposal{}))
}

func TestGuard_EnforcedOnPropose(t *testing.T) {
	ctx := context.Background()
	g, err := governance.NewGuard([]string{
		"proposal.payload_size <= 16",
		`!proposal.emergency || council.size >= 3`,
		`proposal.kind != "other" || proposal.proposer == "alice"`,
	})
	require.NoError(t, err)

	h := newHarness(t, func(o *governance.Options) { o.Guard = g })
	h.initCouncil(t)

	_, err = h.engine.Propose(ctx, alice, governance.KindActionPayload, []byte("small"), 0)
	assert.NoError(t, err)

	_, err = h.engine.Propose(ctx, alice, governance.KindActionPayload, make([]byte, 17), 0)
	var ve *governance.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "proposal.payload_size <= 16")

	_, err = h.engine.Propose(ctx, bob, governance.KindOther, nil, 0)
	assert.ErrorIs(t, err, governance.ErrValidation)

	_, err = h.engine.ProposeEmergency(ctx, bob, governance.KindActionPayload, nil, "oracle outage")
	assert.NoError(t, err)
}

func TestGuard_NonBooleanRuleFailsClosed(t *testing.T) {
	g, err := governance.NewGuard([]string{"proposal.payload_size"})
	require.NoError(t, err)

	err = g.Check(&governance.CouncilConfig{Members: []governance.Address{alice}}, &governance.Proposal{Payload: []byte("x")})
	assert.ErrorIs(t, err, governance.ErrValidation)
}
