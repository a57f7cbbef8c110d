package rabbitmq

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of a repair job delivery.
type JobMessage struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

var ErrBadMessage = errors.New("malformed job message")

func DecodeJob(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil || m.JobID == "" {
		return JobMessage{}, ErrBadMessage
	}
	return m, nil
}

func jobPublishing(m JobMessage, delay time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return amqp.Publishing{}, err
	}
	p := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if delay > 0 {
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return p, nil
}
