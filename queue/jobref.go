package queue

import (
	"encoding/json"
	"time"

	"github.com/vedfolnir/capq/queue/pg"
)

// JobRef is the payload pushed onto a priority list -- just enough for a
// worker to look up and run the job without round-tripping through the
// durable store on the hot path. Exported so worker.IntegratedWorker can
// decode what Manager.Enqueue and Manager.Migrate push.
type JobRef struct {
	JobID       string        `json:"job_id"`
	UserID      string        `json:"user_id"`
	PlatformID  string        `json:"platform_connection_id"`
	Timeout     time.Duration `json:"timeout"`
	RetryPolicy RetryPolicy   `json:"retry_policy"`
}

func encodeJobRef(job Job, timeout time.Duration, retryPolicy RetryPolicy) string {
	ref := JobRef{JobID: job.ID, UserID: job.UserID, PlatformID: job.PlatformConnectionID, Timeout: timeout, RetryPolicy: retryPolicy}
	b, err := json.Marshal(ref)
	if err != nil {
		// JobRef has no types that can fail to marshal; this is unreachable.
		return "{}"
	}
	return string(b)
}

// DecodeJobRef parses a payload popped off a priority list.
func DecodeJobRef(payload string) (JobRef, error) {
	var ref JobRef
	err := json.Unmarshal([]byte(payload), &ref)
	return ref, err
}

func toRow(job Job) pg.Row {
	return pg.Row{
		ID:                   job.ID,
		UserID:               job.UserID,
		PlatformConnectionID: job.PlatformConnectionID,
		Status:               string(job.Status),
		Priority:             string(job.Priority),
		Settings:             job.Settings,
		StartedAt:            job.StartedAt,
		CompletedAt:          job.CompletedAt,
		ErrorMessage:         job.ErrorMessage,
		CurrentStep:          job.CurrentStep,
		ProgressPercent:      int32(job.ProgressPercent),
		CreatedAt:            job.CreatedAt,
	}
}

func fromRow(row pg.Row) Job {
	return Job{
		ID:                   row.ID,
		UserID:               row.UserID,
		PlatformConnectionID: row.PlatformConnectionID,
		Status:               Status(row.Status),
		Priority:             Priority(row.Priority),
		Settings:             row.Settings,
		StartedAt:            row.StartedAt,
		CompletedAt:          row.CompletedAt,
		ErrorMessage:         row.ErrorMessage,
		CurrentStep:          row.CurrentStep,
		ProgressPercent:      int(row.ProgressPercent),
		CreatedAt:            row.CreatedAt,
	}
}
