package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NotifierConfig holds configuration for the notifier.
type NotifierConfig struct {
	Concurrency    int
	QueueSize      int
	PublishTimeout time.Duration
}

// Notifier dispatches events to a Publisher on a bounded set of goroutines
// after the originating response has been sent.
type Notifier struct {
	publisher Publisher
	config    NotifierConfig
	logger    *slog.Logger
	queue     chan Event
	done      chan struct{}
}

func NewNotifier(p Publisher, config NotifierConfig, logger *slog.Logger) *Notifier {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher: p,
		config:    config,
		logger:    logger,
		queue:     make(chan Event, config.QueueSize),
		done:      make(chan struct{}),
	}
}

// Dispatch enqueues events without blocking. Events that do not fit in the
// queue are dropped and logged.
func (n *Notifier) Dispatch(events ...Event) {
	for _, e := range events {
		select {
		case n.queue <- e:
		default:
			n.logger.Warn("event queue full, dropping event", "type", e.Type, "job_id", e.JobID)
		}
	}
}

// Run publishes queued events until ctx is cancelled, then waits for
// in-flight publishes to finish.
func (n *Notifier) Run(ctx context.Context) error {
	n.logger.Info("notifier starting", "concurrency", n.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, n.config.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopping, waiting for in-flight events")
			wg.Wait()
			close(n.done)
			return ctx.Err()

		case e := <-n.queue:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				n.logger.Warn("notifier stopped before event was published", "type", e.Type)
				continue
			}

			wg.Add(1)
			go func(e Event) {
				defer wg.Done()
				defer func() { <-sem }()
				n.publish(e)
			}(e)
		}
	}
}

// Done returns a channel that is closed when the notifier has fully stopped.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) publish(e Event) {
	// detached from the request; the response is already gone
	ctx, cancel := context.WithTimeout(context.Background(), n.config.PublishTimeout)
	defer cancel()

	ctx, span := otel.Tracer("events-notifier").Start(ctx, "publish_event",
		trace.WithAttributes(
			attribute.String("event.type", e.Type),
			attribute.String("job.id", e.JobID),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	if err := n.publisher.Publish(ctx, e); err != nil {
		span.RecordError(err)
		n.logger.Error("failed to publish event", "type", e.Type, "job_id", e.JobID, "error", err)
	}
}
