package queue

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Routing keys on the exchange.
const (
	JobRoutingKey    = "puppysense.job"
	StatusRoutingKey = "puppysense.status"
)

// Job asks a worker to scan one uploaded media object.
type Job struct {
	JobID    uuid.UUID `json:"job_id"`
	MediaKey string    `json:"media_key"`
	MIMEType string    `json:"mime_type,omitempty"`
	Strategy string    `json:"strategy,omitempty"`
}

// Status reports how a job ended.
type Status struct {
	JobID  uuid.UUID `json:"job_id"`
	RunID  uuid.UUID `json:"run_id"`
	State  string    `json:"state"`
	Frames int       `json:"frames"`
	Keys   []string  `json:"keys,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// DecodeJob parses and validates a job body. A malformed body can never
// succeed, so the error is permanent.
func DecodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, Permanent(errors.Wrap(err, "decode job"))
	}
	if j.JobID == uuid.Nil {
		return Job{}, Permanent(errors.New("job_id is required"))
	}
	if j.MediaKey == "" {
		return Job{}, Permanent(errors.New("media_key is required"))
	}
	return j, nil
}

// ErrPermanent marks handler errors that retrying cannot fix.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err so the consumer acks instead of requeueing.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}
