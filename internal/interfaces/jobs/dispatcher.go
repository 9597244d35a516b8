package jobs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"contia/internal/shared/config"
	"contia/internal/shared/retry"
)

var (
	jobTracer         = otel.Tracer("contia/jobs")
	jobMeter          = otel.Meter("contia/jobs")
	jobDuration, _    = jobMeter.Float64Histogram("jobs.duration", metric.WithDescription("Job execution duration in seconds"), metric.WithUnit("s"))
	jobTotal, _       = jobMeter.Int64Counter("jobs.total", metric.WithDescription("Jobs processed by status"))
	jobDeadLetters, _ = jobMeter.Int64Counter("jobs.dead_letters", metric.WithDescription("Jobs abandoned after exhausting retries"))
)

// Handler processes one job. Handlers must be idempotent: the same event can
// arrive more than once, and retries re-run the handler from the start.
type Handler func(ctx context.Context, job Job) error

// DeadLetterFunc receives jobs that exhausted their retries.
type DeadLetterFunc func(job Job, err error)

// transientError marks a handler failure as retryable for the retry policy.
type transientError struct {
	err error
}

func (e transientError) Error() string     { return e.err.Error() }
func (e transientError) Unwrap() error     { return e.err }
func (e transientError) IsRetryable() bool { return true }

// Dispatcher routes jobs by kind and owns the retry policy.
type Dispatcher struct {
	handlers   map[string]Handler
	retryCfg   *retry.Config
	deadLetter DeadLetterFunc
	logger     *zap.Logger
}

func NewDispatcher(cfg config.QueueConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		retryCfg: &retry.Config{
			MaxAttempts:  cfg.MaxAttempts,
			InitialDelay: cfg.RetryBase,
			MaxDelay:     cfg.RetryMax,
			Multiplier:   2.0,
			JitterFactor: 0.2,
		},
		logger: logger,
	}
}

// Register binds a handler to a job kind. Last registration wins.
func (d *Dispatcher) Register(kind string, handler Handler) {
	d.handlers[kind] = handler
}

// SetDeadLetter installs the sink for exhausted jobs.
func (d *Dispatcher) SetDeadLetter(fn DeadLetterFunc) {
	d.deadLetter = fn
}

// Kinds returns every registered job kind.
func (d *Dispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.handlers))
	for kind := range d.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Process runs the job's handler with bounded retries. The job is considered
// consumed either way: on exhaustion it goes to the dead-letter sink and the
// returned error reports what happened.
func (d *Dispatcher) Process(ctx context.Context, job Job) error {
	handler, ok := d.handlers[job.Kind]
	if !ok {
		d.logger.Warn("no handler for job kind, dropping",
			zap.String("kind", job.Kind), zap.String("job", job.ID))
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "dropped")))
		return nil
	}

	ctx, span := jobTracer.Start(ctx, "job.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", job.Kind),
		attribute.String("job.connection_id", job.ConnectionID),
	))
	defer span.End()

	start := time.Now()
	err := retry.Do(ctx, d.retryCfg, func() error {
		if herr := handler(ctx, job); herr != nil {
			d.logger.Warn("job attempt failed",
				zap.String("job", job.ID),
				zap.String("kind", job.Kind),
				zap.Error(herr),
			)
			return transientError{herr}
		}
		return nil
	})
	jobDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		jobDeadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", job.Kind)))
		d.logger.Error("job exhausted retries",
			zap.String("job", job.ID),
			zap.String("kind", job.Kind),
			zap.String("connection", job.ConnectionID),
			zap.ByteString("payload", job.Payload),
			zap.Error(err),
		)
		if d.deadLetter != nil {
			d.deadLetter(job, err)
		}
		return fmt.Errorf("job %s exhausted retries: %w", job.ID, err)
	}

	jobTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "success")))
	return nil
}
