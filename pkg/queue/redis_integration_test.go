//go:build integration

package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cfg := testConfig()
	cfg.Name = "test:" + uuid.NewString()
	cfg.RetentionPeriod = time.Hour
	return NewRedisQueue(client, cfg, nil)
}

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, process("low"))
	require.NoError(t, err)
	highID, err := q.Enqueue(ctx, &FinalizeMessage{MeetingID: "m1", SessionID: "high", Priority: PriorityHigh})
	require.NoError(t, err)

	msgs, err := q.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, highID, msgs[0].ID)

	require.NoError(t, q.Ack(ctx, highID))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedisQueue_NackAndDeadLetter(t *testing.T) {
	q := newRedisQueue(t)
	ctx := context.Background()
	q.config.Backoff = RetryPolicy{InitialBackoff: time.Millisecond, BackoffFactor: 1}

	_, err := q.Enqueue(ctx, process("s1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err := q.Dequeue(ctx, 1, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		require.NoError(t, q.Nack(ctx, msgs[0].ID, errors.New("connection reset")))
	}

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "max retries exceeded", dead[0].Reason)
	assert.Equal(t, 3, dead[0].Message.RetryCount)
}
