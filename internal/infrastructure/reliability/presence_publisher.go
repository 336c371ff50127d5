package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/pkg/circuitbreaker"
	"visiocall/pkg/retry"

	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("presence queue full")

// PresencePublisherWrapper decouples the relay from the presence feed.
// PublishPresence only queues; a single worker drains the queue in order,
// retrying each update behind a circuit breaker.
type PresencePublisherWrapper struct {
	publisher ports.PresencePublisher
	logger    *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker

	queue   chan domain.UserIdentity
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewPresencePublisherWrapper(
	publisher ports.PresencePublisher,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	queueSize int,
	logger *zap.SugaredLogger,
) *PresencePublisherWrapper {
	return NewPresencePublisherWrapperWithBreaker(publisher, retryConfig, circuitbreaker.New(cbConfig), queueSize, logger)
}

func NewPresencePublisherWrapperWithBreaker(
	publisher ports.PresencePublisher,
	retryConfig retry.Config,
	cb *circuitbreaker.CircuitBreaker,
	queueSize int,
	logger *zap.SugaredLogger,
) *PresencePublisherWrapper {
	if queueSize <= 0 {
		queueSize = 256
	}
	// An open breaker fails fast; waiting it out is the breaker's job.
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen)

	w := &PresencePublisherWrapper{
		publisher:      publisher,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: cb,
		queue:          make(chan domain.UserIdentity, queueSize),
	}

	w.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("presence feed circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// PublishPresence queues identity. It never blocks.
func (w *PresencePublisherWrapper) PublishPresence(_ context.Context, identity domain.UserIdentity) error {
	select {
	case w.queue <- identity:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled.
func (w *PresencePublisherWrapper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case identity := <-w.queue:
			if err := w.publish(ctx, identity); err != nil && ctx.Err() == nil {
				w.failed.Add(1)
				w.logger.Warnw("presence update not published",
					"user_id", identity.UserID,
					"online", identity.Online,
					"error", err,
				)
			}
		}
	}
}

func (w *PresencePublisherWrapper) publish(ctx context.Context, identity domain.UserIdentity) error {
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.publisher.PublishPresence(ctx, identity)
		})
	})
}

// Healthy fails while the breaker is open.
func (w *PresencePublisherWrapper) Healthy(context.Context) error {
	if state := w.circuitBreaker.GetState(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("presence feed unavailable: %w", circuitbreaker.ErrOpen)
	}
	return nil
}

// Stats reports breaker state and update losses.
type Stats struct {
	Breaker circuitbreaker.Stats
	Queued  int
	Dropped int64
	Failed  int64
}

func (w *PresencePublisherWrapper) GetStats() Stats {
	return Stats{
		Breaker: w.circuitBreaker.GetStats(),
		Queued:  len(w.queue),
		Dropped: w.dropped.Load(),
		Failed:  w.failed.Load(),
	}
}
