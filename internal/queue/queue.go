// Package queue dispatches jobs to workers over a watermill publisher/subscriber.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/nodeflow/internal/tracing"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultTopic carries every dispatched job.
const DefaultTopic = "nodeflow.dispatch"

// Message metadata keys.
const (
	MetadataJobID    = "job_id"
	MetadataJobType  = "job_type"
	MetadataPriority = "priority"
	MetadataAttempts = "attempts"
)

// Job is the envelope published for every dispatched unit of work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Backoff    time.Duration   `json:"backoff,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// Queue publishes jobs. It satisfies engine.Dispatcher.
type Queue struct {
	publisher message.Publisher
	topic     string
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithTopic overrides DefaultTopic.
func WithTopic(topic string) Option {
	return func(q *Queue) { q.topic = topic }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithTracer sets the tracer used for enqueue spans.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) { q.tracer = t }
}

// New creates a Queue publishing through pub.
func New(pub message.Publisher, opts ...Option) *Queue {
	q := &Queue{
		publisher: pub,
		topic:     DefaultTopic,
		logger:    slog.Default(),
		tracer:    tracing.Tracer(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Topic returns the topic jobs are published on.
func (q *Queue) Topic() string { return q.topic }

// Enqueue publishes a job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts schema.JobOptions) (string, error) {
	if jobType == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "job type is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	ctx, span := tracing.StartSpan(ctx, q.tracer, "queue.enqueue", attribute.String(tracing.JobTypeKey, jobType))
	defer span.End()

	job := Job{
		ID:         watermill.NewULID(),
		Type:       jobType,
		Payload:    raw,
		Priority:   opts.Priority,
		Attempts:   opts.Attempts,
		Backoff:    opts.Backoff,
		EnqueuedAt: q.now(),
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	msg := message.NewMessage(job.ID, body)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataJobID, job.ID)
	msg.Metadata.Set(MetadataJobType, jobType)
	msg.Metadata.Set(MetadataPriority, strconv.Itoa(opts.Priority))
	msg.Metadata.Set(MetadataAttempts, strconv.Itoa(opts.Attempts))
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))

	if err := q.publisher.Publish(q.topic, msg); err != nil {
		tracing.SetError(span, err)
		return "", fmt.Errorf("publish %s job: %w", jobType, err)
	}
	q.logger.DebugContext(ctx, "job enqueued",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.Int("priority", opts.Priority))
	return job.ID, nil
}

// Close closes the underlying publisher.
func (q *Queue) Close() error {
	return q.publisher.Close()
}
