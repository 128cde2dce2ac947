// Package queue moves scan jobs and their results over RabbitMQ.
package queue

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/puppysense/internal/metrics"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AttemptHeader counts deliveries of a job across republishes.
const AttemptHeader = "x-attempt"

// MessageHandler processes one delivery body on worker workerID.
// Errors marked with ErrPermanent are acked; any other error is retried.
type MessageHandler func(ctx context.Context, workerID int, body []byte) error

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	republisher channel
	dlq         *DLQPublisher
	queue       string
	exchange    string
	workerCount int
	maxRetries  int
	baseDelay   time.Duration
	handler     MessageHandler
	logger      *zap.Logger
	wg          sync.WaitGroup
}

type ConsumerConfig struct {
	URL         string
	Queue       string
	Exchange    string
	DLQ         string
	StatusQueue string
	Prefetch    int
	WorkerCount int
	MaxRetries  int
	BaseDelayMs int
}

// Declare sets up the exchange, queues and bindings on ch.
func Declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "declare exchange")
	}

	for _, q := range []string{cfg.Queue, cfg.DLQ, cfg.StatusQueue} {
		_, err = ch.QueueDeclare(q, true, false, false, false, nil)
		if err != nil {
			return errors.Wrapf(err, "declare queue %s", q)
		}
	}

	if err := ch.QueueBind(cfg.Queue, JobRoutingKey, cfg.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "bind job queue")
	}
	if err := ch.QueueBind(cfg.StatusQueue, StatusRoutingKey, cfg.Exchange, false, nil); err != nil {
		return errors.Wrap(err, "bind status queue")
	}
	return nil
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	if err := Declare(ch, cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "set qos")
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open republish channel")
	}

	c := newConsumer(cfg, handler, logger, pubCh)
	c.conn = conn
	c.channel = ch
	return c, nil
}

func newConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, pub channel) *Consumer {
	workers := cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		republisher: pub,
		dlq:         NewDLQPublisher(&Publisher{channel: pub, exchange: cfg.Exchange}, cfg.DLQ),
		queue:       cfg.Queue,
		exchange:    cfg.Exchange,
		workerCount: workers,
		maxRetries:  cfg.MaxRetries,
		baseDelay:   time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		handler:     handler,
		logger:      logger,
	}
}

// Start consumes until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // autoAck=false
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "consume")
	}

	c.logger.Info("starting worker pool",
		zap.Int("workers", c.workerCount),
		zap.String("queue", c.queue),
	)

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, deliveries)
	}

	<-ctx.Done()
	c.logger.Info("context cancelled, waiting for workers to finish")
	c.wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker_id", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("delivery channel closed")
				return
			}
			metrics.ActiveWorkers.Inc()
			c.processDelivery(ctx, id, d, log)
			metrics.ActiveWorkers.Dec()
		}
	}
}

func (c *Consumer) processDelivery(ctx context.Context, workerID int, d amqp.Delivery, log *zap.Logger) {
	err := c.handler(ctx, workerID, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if errors.Is(err, ErrPermanent) {
		log.Warn("message cannot succeed, acking", zap.Error(err), zap.Uint64("delivery_tag", d.DeliveryTag))
		_ = d.Ack(false)
		return
	}

	attempt := attemptFromHeaders(d)
	if ctx.Err() != nil {
		// Shutting down mid-job: hand it back untouched.
		_ = d.Nack(false, true)
		return
	}

	if c.maxRetries > 0 && attempt >= c.maxRetries {
		log.Error("retries exhausted, dead-lettering", zap.Error(err), zap.Int("attempt", attempt))
		if perr := c.dlq.PublishToDLQ(ctx, d.Body, err.Error()); perr != nil {
			log.Error("dead-letter publish failed, requeueing", zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	delay := c.calculateBackoff(attempt)
	log.Warn("message processing failed, retrying",
		zap.Error(err),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
	)
	metrics.RetryTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	// Republish with a bumped attempt so the count survives the round trip.
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptHeader] = int32(attempt + 1)
	perr := c.republisher.PublishWithContext(ctx, c.exchange, JobRoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
	})
	if perr != nil {
		log.Warn("republish failed, nacking", zap.Error(perr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func attemptFromHeaders(d amqp.Delivery) int {
	if d.Headers == nil {
		return 1
	}
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	if xDeath, ok := d.Headers["x-death"]; ok {
		if deaths, ok := xDeath.([]interface{}); ok && len(deaths) > 0 {
			return len(deaths)
		}
	}
	return 1
}

func (c *Consumer) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > 60*time.Second {
		delay = 60 * time.Second
	}
	return delay
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
