package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"docqa/internal/util"
)

type RabbitQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
}

// RabbitJobQueue is a JobQueue on a durable RabbitMQ queue. Retries are
// republished with an incremented attempt count before the original
// delivery is acknowledged.
type RabbitJobQueue struct {
	conn       *amqp.Connection
	queueName  string
	maxRetries int
	retryDelay time.Duration

	wg sync.WaitGroup
}

func NewRabbitJobQueue(ctx context.Context, cfg RabbitQueueConfig) (*RabbitJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("rabbitmq url required")
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      contextDialer(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}
	q := &RabbitJobQueue{
		conn:       conn,
		queueName:  strings.TrimSpace(cfg.Queue),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
	if q.queueName == "" {
		q.queueName = "docqa.reindex"
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.retryDelay <= 0 {
		q.retryDelay = 2 * time.Second
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()
	if err := q.declare(ch); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

// contextDialer bounds connection setup by ctx. The deadline is cleared by
// the client once the handshake completes.
func contextDialer(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func (q *RabbitJobQueue) declare(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(q.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}
	return nil
}

func (q *RabbitJobQueue) Enqueue(ctx context.Context, userID, documentID string) (Job, error) {
	userID, documentID, err := validateTarget(userID, documentID)
	if err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job := Job{
		ID:         util.NewID(),
		UserID:     userID,
		DocumentID: documentID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.publish(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RabbitJobQueue) publish(ctx context.Context, job Job) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	defer ch.Close()

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job payload failed: %w", err)
	}
	if err := ch.PublishWithContext(ctx, "", q.queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    job.ID,
		Timestamp:    job.UpdatedAt,
		Body:         payload,
		DeliveryMode: amqp.Persistent,
	}); err != nil {
		return fmt.Errorf("publish job failed: %w", err)
	}
	return nil
}

// Start consumes with a prefetch of concurrency and runs that many handlers.
func (q *RabbitJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch failed: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.queueName, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	for range concurrency {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					q.handleDelivery(ctx, d, handler)
				}
			}
		}()
	}
	go func() {
		q.wg.Wait()
		_ = ch.Close()
	}()
	return nil
}

func (q *RabbitJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	logger := util.LoggerFromContext(ctx)
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.UserID == "" || job.DocumentID == "" {
		logger.Warn("dropping malformed reindex job", "message_id", d.MessageId, "err", err)
		_ = d.Nack(false, false)
		return
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	logger = logger.With("job_id", job.ID, "document_id", job.DocumentID)

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if job.Attempts >= q.maxRetries {
		logger.Error("reindex job failed", "attempts", job.Attempts, "err", err)
		_ = d.Ack(false)
		return
	}
	logger.Warn("reindex job will retry", "attempts", job.Attempts, "err", err)
	if !sleepCtx(ctx, q.retryDelay) {
		_ = d.Nack(false, true)
		return
	}
	job.Status = StatusQueued
	job.ErrorMessage = err.Error()
	if perr := q.publish(ctx, job); perr != nil {
		logger.Error("requeue reindex job failed", "err", perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (q *RabbitJobQueue) Close() error {
	return q.conn.Close()
}
