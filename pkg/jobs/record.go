package jobs

import (
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a job record.
type Status string

// Record statuses. Deleted records are simply gone.
const (
	StatusNew    Status = "new"
	StatusQueued Status = "queued"
	StatusFailed Status = "failed"
)

// DefaultQueue is used when neither the dispatcher nor the job names one.
const DefaultQueue = "default"

// Record is a persisted job as engines store and return it.
//
// Attempts counts executions: claiming a record increments it, Release keeps
// it and ReleaseWithoutIncrement restores the value it had before the claim.
type Record struct {
	ID          string
	Handler     string
	Payload     []byte
	Queue       string
	Status      Status
	Attempts    int
	Exception   string
	CreatedAt   time.Time
	ScheduledAt time.Time
	FailedAt    *time.Time

	// Reservation is an opaque claim token for broker backends (SQS receipt
	// handle, AMQP delivery tag). Row and key based engines leave it empty.
	Reservation string
}

// Due reports whether the record can be claimed at now.
func (r *Record) Due(now time.Time) bool {
	if r == nil {
		return false
	}
	return r.Status == StatusNew && !r.ScheduledAt.After(now)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Payload = append([]byte(nil), r.Payload...)
	if r.FailedAt != nil {
		failedAt := *r.FailedAt
		cloned.FailedAt = &failedAt
	}
	return &cloned
}

func normalizeQueue(queue string) string {
	trimmed := strings.TrimSpace(queue)
	if trimmed == "" {
		return DefaultQueue
	}
	return trimmed
}

func validateNewRecord(handler string, payload []byte) error {
	if strings.TrimSpace(handler) == "" {
		return jobsError(ErrValidation, "handler is required")
	}
	if len(payload) == 0 {
		return jobsError(ErrValidation, "payload is required")
	}
	return nil
}

func requireClaimed(rec *Record) error {
	if rec == nil {
		return jobsError(ErrInvalidArgument, "record is required")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return jobsError(ErrInvalidArgument, "record id is required")
	}
	return nil
}

func exceptionText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
