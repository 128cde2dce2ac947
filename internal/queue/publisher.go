package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp.Channel used for publishing.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	channel  channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open publisher channel")
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

func (p *Publisher) publishJSON(ctx context.Context, exchange, key string, v any, headers amqp.Table) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
		},
	)
}

// PublishJob enqueues a scan job.
func (p *Publisher) PublishJob(ctx context.Context, job Job) error {
	if err := p.publishJSON(ctx, p.exchange, JobRoutingKey, job, nil); err != nil {
		return errors.Wrapf(err, "publish job %s", job.JobID)
	}
	return nil
}

// PublishStatus reports a finished job.
func (p *Publisher) PublishStatus(ctx context.Context, status Status) error {
	if err := p.publishJSON(ctx, p.exchange, StatusRoutingKey, status, nil); err != nil {
		return errors.Wrapf(err, "publish status for job %s", status.JobID)
	}
	return nil
}

type DLQPublisher struct {
	pub   *Publisher
	queue string
}

func NewDLQPublisher(pub *Publisher, dlqQueue string) *DLQPublisher {
	return &DLQPublisher{pub: pub, queue: dlqQueue}
}

// PublishToDLQ parks a raw body on the dead-letter queue.
func (dp *DLQPublisher) PublishToDLQ(ctx context.Context, msg []byte, reason string) error {
	return dp.pub.channel.PublishWithContext(ctx,
		"",
		dp.queue,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"x-dlq-reason": reason,
			},
		},
	)
}
