package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/donation-engine/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) redis.RedisAdapter {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewFromClient("", client)
}

func testConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	}
}

type job struct {
	DonationID string `json:"donation_id"`
}

func TestQueue_PublishAndConsume(t *testing.T) {
	adapter := setupTestRedis(t)
	queue, err := NewQueue(adapter, testConfig("test:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.PublishJSON(context.Background(), job{DonationID: "don-1"}, map[string]string{"type": "side_effects"})
	require.NoError(t, err)

	received := make(chan *Message, 1)
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}))

	select {
	case msg := <-received:
		var j job
		require.NoError(t, json.Unmarshal(msg.Data, &j))
		assert.Equal(t, "don-1", j.DonationID)
		assert.Equal(t, "side_effects", msg.Metadata["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(context.Background())
		return err == nil && stats.PendingMessages == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestQueue_RetryThenDeadLetter(t *testing.T) {
	adapter := setupTestRedis(t)
	cfg := testConfig("test:retry:queue")
	cfg.MaxRetries = 2
	cfg.VisibilityTimeout = 100 * time.Millisecond
	queue, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.PublishJSON(context.Background(), job{DonationID: "don-2"}, nil)
	require.NoError(t, err)

	var attempts atomic.Int32
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		attempts.Add(1)
		return assert.AnError
	}))

	require.Eventually(t, func() bool {
		stats, err := queue.GetStats(context.Background())
		return err == nil && stats.DeadLetters == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestQueue_RetrySucceeds(t *testing.T) {
	adapter := setupTestRedis(t)
	cfg := testConfig("test:retry-ok:queue")
	cfg.VisibilityTimeout = 100 * time.Millisecond
	queue, err := NewQueue(adapter, cfg)
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	_, err = queue.PublishJSON(context.Background(), job{DonationID: "don-3"}, nil)
	require.NoError(t, err)

	var attempts atomic.Int32
	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		if attempts.Add(1) == 1 {
			return assert.AnError
		}
		return nil
	}))

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 3*time.Second, 50*time.Millisecond)
	stats, err := queue.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.DeadLetters)
}

func TestQueue_ConcurrentPublish(t *testing.T) {
	adapter := setupTestRedis(t)
	queue, err := NewQueue(adapter, testConfig("test:concurrent:queue"))
	require.NoError(t, err)
	defer queue.Stop(time.Second)

	ctx := context.Background()
	numGoroutines := 10
	done := make(chan bool, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			_, err := queue.PublishJSON(ctx, map[string]int{"id": id}, nil)
			assert.NoError(t, err)
			done <- true
		}(i)
	}
	for i := 0; i < numGoroutines; i++ {
		<-done
	}

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(numGoroutines), stats.TotalMessages)
}

func TestQueue_ReopenExistingGroup(t *testing.T) {
	adapter := setupTestRedis(t)
	q1, err := NewQueue(adapter, testConfig("test:reopen:queue"))
	require.NoError(t, err)
	require.NoError(t, q1.Stop(time.Second))

	q2, err := NewQueue(adapter, testConfig("test:reopen:queue"))
	require.NoError(t, err)
	require.NoError(t, q2.Stop(time.Second))
}

func TestQueue_RequiresName(t *testing.T) {
	_, err := NewQueue(setupTestRedis(t), QueueConfig{})
	assert.Error(t, err)
}

func TestQueue_Stop(t *testing.T) {
	adapter := setupTestRedis(t)
	queue, err := NewQueue(adapter, testConfig("test:stop:queue"))
	require.NoError(t, err)

	require.NoError(t, queue.Consume(func(ctx context.Context, msg *Message) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}))
	assert.NoError(t, queue.Stop(2*time.Second))
}
