package queue

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// UserTaskIndex is the atomic "user -> active job id" mapping. SetIfAbsent
// is the single linearization point for the single-task-per-user invariant
// while Redis is available.
type UserTaskIndex struct {
	redisClient *redis.Client
}

func NewUserTaskIndex(redisClient *redis.Client) *UserTaskIndex {
	return &UserTaskIndex{redisClient: redisClient}
}

// SetIfAbsent maps to SET key value NX EX ttl. Returns true only if the
// slot was empty and this call claimed it.
func (u *UserTaskIndex) SetIfAbsent(ctx context.Context, userID, jobID string, ttl time.Duration) (bool, error) {
	return u.redisClient.SetNX(ctx, UserTaskKey(userID), jobID, ttl).Result()
}

func (u *UserTaskIndex) Get(ctx context.Context, userID string) (string, error) {
	jobID, err := u.redisClient.Get(ctx, UserTaskKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return jobID, err
}

func (u *UserTaskIndex) Clear(ctx context.Context, userID string) error {
	return u.redisClient.Del(ctx, UserTaskKey(userID)).Err()
}

func (u *UserTaskIndex) Extend(ctx context.Context, userID string, ttl time.Duration) (bool, error) {
	return u.redisClient.Expire(ctx, UserTaskKey(userID), ttl).Result()
}

// forceClearScript deletes the slot only if its current value matches the
// expected job id -- a check-and-delete executed atomically server-side so
// a concurrent legitimate claim is never clobbered by a stale admin call.
var forceClearScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// ForceClear is the admin override: it deletes the slot only if its
// current value matches expectedJobID.
func (u *UserTaskIndex) ForceClear(ctx context.Context, userID, expectedJobID string) (bool, error) {
	res, err := forceClearScript.Run(ctx, u.redisClient, []string{UserTaskKey(userID)}, expectedJobID).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
