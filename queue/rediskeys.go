package queue

import "fmt"

// UserTaskKey returns the Redis key for a user's active-task slot.
func UserTaskKey(userID string) string {
	return fmt.Sprintf("vedfolnir:user_active_task:%s", userID)
}

// AuthzKey returns the Redis key holding the (jobId, userId, platformId)
// authorization tuple recorded at enqueue time, consulted by the Security
// Gate's Authorize.
func AuthzKey(jobID string) string {
	return fmt.Sprintf("vedfolnir:authz:%s", jobID)
}
