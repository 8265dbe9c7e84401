package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobMessage is an export job taken off the queue. JobID is the id of the
// export row the API persisted before publishing.
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
	Redelivered bool   `json:"-"`
}

// ParseJobMessage decodes a queue body. Anything that does not name an
// export by UUID is an ErrInvalidPayload.
func ParseJobMessage(body []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return nil, fmt.Errorf("%w: export id %q: %w", ErrInvalidPayload, msg.JobID, err)
	}
	return &msg, nil
}
