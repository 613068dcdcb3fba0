package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

const payloadField = "payload"

var ErrInvalidPayload = errors.New("invalid job payload")

// Job is the moderation job. Images travel by key, never inline.
type Job struct {
	ImageID string `json:"imageId"`
	UserID  string `json:"userId"`
}

func (j Job) Encode() (map[string]any, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return map[string]any{payloadField: string(raw)}, nil
}

func DecodeJob(values map[string]any) (Job, error) {
	raw, ok := values[payloadField].(string)
	if !ok {
		return Job{}, fmt.Errorf("%w: missing %q field", ErrInvalidPayload, payloadField)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if job.ImageID == "" || job.UserID == "" {
		return Job{}, fmt.Errorf("%w: imageId and userId are required", ErrInvalidPayload)
	}
	return job, nil
}

// Outcome is the only thing a handler may decide about a delivery.
type Outcome int

const (
	// Ack removes the message: the job reached a terminal state.
	Ack Outcome = iota
	// Retry leaves the message pending so it is redelivered later.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Delivery struct {
	MessageID string
	// Attempt is 1 on first delivery and grows with every redelivery.
	Attempt int
	Job     Job
}
