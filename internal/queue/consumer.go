package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/tracing"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Handler processes one job. A returned error is retried with the job's backoff
// until its attempts are exhausted.
type Handler func(ctx context.Context, job Job) error

// Consumer pulls jobs from the subscriber and runs their handlers on a worker pool.
//
// A message is acked once the pool accepts the job and nacked when the pool
// refuses it, so jobs are redelivered across a shutdown.
type Consumer struct {
	subscriber message.Subscriber
	pool       *engine.WorkerPool
	retry      *engine.RetryExecutor
	topic      string
	maxBackoff time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerTopic overrides DefaultTopic.
func WithConsumerTopic(topic string) ConsumerOption {
	return func(c *Consumer) { c.topic = topic }
}

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = l }
}

// WithConsumerTracer sets the tracer used for job spans.
func WithConsumerTracer(t trace.Tracer) ConsumerOption {
	return func(c *Consumer) { c.tracer = t }
}

// WithRetryExecutor overrides the executor used for handler retries.
func WithRetryExecutor(r *engine.RetryExecutor) ConsumerOption {
	return func(c *Consumer) { c.retry = r }
}

// WithMaxBackoff caps the delay between handler attempts.
func WithMaxBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.maxBackoff = d }
}

// NewConsumer creates a Consumer reading from sub and running jobs on pool.
func NewConsumer(sub message.Subscriber, pool *engine.WorkerPool, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		subscriber: sub,
		pool:       pool,
		retry:      engine.NewRetryExecutor(),
		topic:      DefaultTopic,
		maxBackoff: 5 * time.Minute,
		logger:     slog.Default(),
		tracer:     tracing.Tracer(),
		handlers:   make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle registers the handler for a job type, replacing any previous one.
func (c *Consumer) Handle(jobType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[jobType] = h
}

func (c *Consumer) handler(jobType string) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[jobType]
	return h, ok
}

// Consume subscribes to the topic and dispatches jobs until ctx is done, the
// subscription closes, or the pool shuts down.
func (c *Consumer) Consume(ctx context.Context) error {
	messages, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	c.logger.InfoContext(ctx, "consumer started", slog.String("topic", c.topic), slog.Int("workers", c.pool.Size()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := c.dispatch(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *message.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		c.logger.ErrorContext(ctx, "drop malformed job",
			slog.String("message_id", msg.UUID), slog.String("error", err.Error()))
		msg.Ack()
		return nil
	}
	h, ok := c.handler(job.Type)
	if !ok {
		c.logger.WarnContext(ctx, "no handler for job type",
			slog.String("job_id", job.ID), slog.String("job_type", job.Type))
		msg.Ack()
		return nil
	}

	jobCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
	jobCtx = logging.WithJobID(jobCtx, job.ID)
	err := c.pool.Submit(jobCtx, func(ctx context.Context) error {
		return c.process(ctx, job, h)
	})
	if err != nil {
		msg.Nack()
		if errors.Is(err, engine.ErrPoolShutdown) {
			return err
		}
		// ctx is done; Consume returns on the next select.
		return nil
	}
	msg.Ack()
	return nil
}

// process runs h with retries. Handlers run detached from ctx so a consumer
// shutdown lets in-flight jobs finish; ctx still interrupts backoff waits.
func (c *Consumer) process(ctx context.Context, job Job, h Handler) error {
	ctx, span := tracing.StartSpan(ctx, c.tracer, "queue.process",
		attribute.String(tracing.JobTypeKey, job.Type),
		attribute.String("nodeflow.job.id", job.ID),
	)
	defer span.End()

	detached := context.WithoutCancel(ctx)
	res := c.retry.ExecuteWithRetry(ctx, func(context.Context) (any, error) {
		return nil, h(detached, job)
	}, c.retryConfig(job))
	if res.Success {
		if res.Attempts > 1 {
			c.logger.InfoContext(ctx, "job succeeded after retry", slog.Int("attempts", res.Attempts))
		}
		return nil
	}

	tracing.SetError(span, res.Err)
	c.logger.ErrorContext(ctx, "job failed",
		slog.String("job_type", job.Type),
		slog.Int("attempts", res.Attempts),
		slog.String("error", res.Err.Error()))
	return schema.NewErrorf(schema.ErrCodeRetryExhausted, "job %s (%s) failed after %d attempts: %s",
		job.ID, job.Type, res.Attempts, res.Err.Error()).WithCause(res.Err)
}

func (c *Consumer) retryConfig(job Job) engine.RetryConfig {
	attempts := job.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return engine.RetryConfig{
		MaxAttempts:       attempts,
		BaseDelay:         job.Backoff,
		MaxDelay:          c.maxBackoff,
		BackoffMultiplier: 2,
	}
}
