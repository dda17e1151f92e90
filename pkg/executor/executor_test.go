package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunc(t *testing.T) {
	var got Action
	ex := Func(func(_ context.Context, a Action) error {
		got = a
		return nil
	})
	a := Action{ProposalID: 3, Kind: "action_payload", Payload: []byte("mint")}
	require.NoError(t, ex.Execute(context.Background(), a))
	assert.Equal(t, a, got)
}

func TestLogExecutor(t *testing.T) {
	var buf bytes.Buffer
	ex := NewLogExecutor(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, ex.Execute(context.Background(), Action{ProposalID: 9, Kind: "other", Executor: "alice"}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "action executed", line["msg"])
	assert.Equal(t, "executor", line["component"])
	assert.Equal(t, float64(9), line["proposal_id"])
	assert.Equal(t, "alice", line["executor"])
}

func TestChain(t *testing.T) {
	var calls []string
	step := func(name string, err error) ActionExecutor {
		return Func(func(context.Context, Action) error {
			calls = append(calls, name)
			return err
		})
	}
	boom := errors.New("boom")

	err := Chain{step("a", nil), step("b", boom), step("c", nil)}.Execute(context.Background(), Action{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, calls)

	assert.Error(t, Chain{}.Execute(context.Background(), Action{}))
}

func TestThrottled(t *testing.T) {
	count := 0
	ex := NewThrottled(Func(func(context.Context, Action) error {
		count++
		return nil
	}), 0, 1)

	require.NoError(t, ex.Execute(context.Background(), Action{ProposalID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ex.Execute(ctx, Action{ProposalID: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
	assert.Equal(t, 1, count)
}
