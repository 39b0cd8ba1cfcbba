package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultFailedQueue receives failed jobs on broker engines.
const DefaultFailedQueue = "jobs.failed"

// brokerEnvelope is the message body broker engines exchange. Attempts holds
// executions that happened before the message was (re)published.
type brokerEnvelope struct {
	ID          string     `json:"id"`
	Handler     string     `json:"handler"`
	Payload     string     `json:"payload"`
	Queue       string     `json:"queue"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Exception   string     `json:"exception,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

func newBrokerEnvelope(handler string, payload []byte, queue string, now time.Time, delay time.Duration) brokerEnvelope {
	return brokerEnvelope{
		ID:          uuid.NewString(),
		Handler:     handler,
		Payload:     string(payload),
		Queue:       normalizeQueue(queue),
		CreatedAt:   now,
		ScheduledAt: now.Add(normalizeDelay(delay)),
	}
}

func envelopeFromRecord(rec *Record, attempts int, scheduledAt time.Time) brokerEnvelope {
	return brokerEnvelope{
		ID:          rec.ID,
		Handler:     rec.Handler,
		Payload:     string(rec.Payload),
		Queue:       normalizeQueue(rec.Queue),
		Attempts:    max(attempts, 0),
		CreatedAt:   rec.CreatedAt,
		ScheduledAt: scheduledAt,
	}
}

func (e brokerEnvelope) encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode job envelope: %w", err)
	}
	return body, nil
}

func decodeBrokerEnvelope(body []byte) (brokerEnvelope, error) {
	var env brokerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return brokerEnvelope{}, fmt.Errorf("%w: decode job envelope: %v", ErrValidation, err)
	}
	if env.ID == "" || env.Handler == "" {
		return brokerEnvelope{}, jobsError(ErrValidation, "job envelope misses id or handler")
	}
	return env, nil
}

// record builds the claimed view. deliveries counts how many times the
// broker handed this message out.
func (e brokerEnvelope) record(reservation string, deliveries int) *Record {
	if deliveries < 1 {
		deliveries = 1
	}
	return &Record{
		ID:          e.ID,
		Handler:     e.Handler,
		Payload:     []byte(e.Payload),
		Queue:       e.Queue,
		Status:      StatusQueued,
		Attempts:    e.Attempts + deliveries,
		CreatedAt:   e.CreatedAt.UTC(),
		ScheduledAt: e.ScheduledAt.UTC(),
		Reservation: reservation,
	}
}
