package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream actions are published to.
const DefaultStream = "council:actions"

// RedisExecutor publishes actions to a Redis stream for downstream workers.
type RedisExecutor struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisExecutor publishes to stream through client, trimming the stream
// to roughly maxLen entries when maxLen > 0.
func NewRedisExecutor(client *redis.Client, stream string, maxLen int64) *RedisExecutor {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisExecutor{client: client, stream: stream, maxLen: maxLen}
}

// NewRedisExecutorFromURL connects using a redis:// URL.
func NewRedisExecutorFromURL(url, stream string, maxLen int64) (*RedisExecutor, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("executor: parse redis url: %w", err)
	}
	return NewRedisExecutor(redis.NewClient(opts), stream, maxLen), nil
}

func (r *RedisExecutor) Execute(ctx context.Context, a Action) error {
	args := &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: streamValues(a),
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish proposal %d to %s: %w", a.ProposalID, r.stream, err)
	}
	return nil
}

// Stream returns the stream name.
func (r *RedisExecutor) Stream() string { return r.stream }

func (r *RedisExecutor) Close() error { return r.client.Close() }

func streamValues(a Action) map[string]any {
	return map[string]any{
		"proposal_id": strconv.FormatUint(a.ProposalID, 10),
		"kind":        a.Kind,
		"payload":     base64.StdEncoding.EncodeToString(a.Payload),
		"emergency":   strconv.FormatBool(a.Emergency),
		"executor":    a.Executor,
	}
}
