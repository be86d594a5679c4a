package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisTransport stores snapshots at {prefix}progress:{jobId} and
// {prefix}user_progress:{userId}:{jobId}, and fans them out over the pub/sub
// channel {prefix}progress_channel:{jobId} -- the cross-process default
// named in spec.md §4.4/§6.
type RedisTransport struct {
	client *redis.Client
	prefix string
}

func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{client: client, prefix: prefix}
}

func (t *RedisTransport) progressKey(jobID string) string {
	return fmt.Sprintf("%sprogress:%s", t.prefix, jobID)
}

func (t *RedisTransport) userProgressKey(userID, jobID string) string {
	return fmt.Sprintf("%suser_progress:%s:%s", t.prefix, userID, jobID)
}

func (t *RedisTransport) channel(jobID string) string {
	return fmt.Sprintf("%sprogress_channel:%s", t.prefix, jobID)
}

func (t *RedisTransport) Publish(ctx context.Context, snap Snapshot, ttl time.Duration) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("progress: marshaling snapshot: %w", err)
	}
	pipe := t.client.Pipeline()
	pipe.Set(ctx, t.progressKey(snap.JobID), b, ttl)
	if snap.UserID != "" {
		pipe.Set(ctx, t.userProgressKey(snap.UserID, snap.JobID), b, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress: storing snapshot: %w", err)
	}
	return t.client.Publish(ctx, t.channel(snap.JobID), b).Err()
}

func (t *RedisTransport) Get(ctx context.Context, jobID string) (Snapshot, bool, error) {
	b, err := t.client.Get(ctx, t.progressKey(jobID)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (t *RedisTransport) ShrinkTTL(ctx context.Context, jobID string, ttl time.Duration) error {
	return t.client.Expire(ctx, t.progressKey(jobID), ttl).Err()
}

// ShrinkAllTTL implements BulkTTLShrinker by scanning every progress key
// under this transport's prefix and re-applying ttl. It does not touch
// user_progress keys since they share a snapshot's lifetime and expire on
// their own.
func (t *RedisTransport) ShrinkAllTTL(ctx context.Context, ttl time.Duration) (int, error) {
	var cursor uint64
	var count int
	pattern := t.progressKey("*")
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return count, fmt.Errorf("progress: scanning for ttl shrink: %w", err)
		}
		for _, k := range keys {
			if err := t.client.PExpire(ctx, k, ttl).Err(); err == nil {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

// Subscribe returns a channel fed by a dedicated PubSub connection for
// jobID. The returned cancel func closes the subscription and drains the
// forwarding goroutine.
func (t *RedisTransport) Subscribe(ctx context.Context, jobID string) (<-chan Snapshot, func(), error) {
	pubsub := t.client.Subscribe(ctx, t.channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("progress: subscribing to %s: %w", jobID, err)
	}

	out := make(chan Snapshot, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}
