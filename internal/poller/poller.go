// Package poller drives long-running upstream operations: submit once, then
// poll on a fixed interval until the operation is done, rejected, or the
// attempt budget runs out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"genplane/internal/observability"
)

var (
	// ErrUpstreamRejected means the upstream reported the operation as failed.
	ErrUpstreamRejected = errors.New("upstream rejected operation")
	// ErrTimeout means MaxAttempts polls passed without the operation finishing.
	ErrTimeout = errors.New("operation timed out")
	// ErrUnrecognizedResponseShape means a finished operation carried no usable payload.
	ErrUnrecognizedResponseShape = errors.New("unrecognized response shape")
)

// Handle is the opaque operation name returned by Submit.
type Handle string

// Status is the result of one poll.
type Status struct {
	Done bool
	// Result is the raw JSON response once Done.
	Result []byte
	// Err is set when the upstream finished the operation with an error.
	Err error
}

// Operation is one external job. The request is bound into the operation
// when it is constructed.
type Operation interface {
	Submit(ctx context.Context) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
}

type Config struct {
	InitialDelay time.Duration
	Interval     time.Duration
	MaxAttempts  int
}

type Poller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Instruments
}

func New(cfg Config, logger *slog.Logger, metrics *observability.Instruments) *Poller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{cfg: cfg, logger: logger, metrics: metrics}
}

// Run submits op and polls it to completion, returning the raw result.
// Cancelling ctx stops polling immediately and returns ctx.Err().
func (p *Poller) Run(ctx context.Context, op Operation) ([]byte, error) {
	handle, err := op.Submit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("submit operation: %w", err)
	}

	log := p.logger.With("operation", string(handle))
	log.Info("operation submitted", "initial_delay", p.cfg.InitialDelay, "max_attempts", p.cfg.MaxAttempts)

	if err := sleep(ctx, p.cfg.InitialDelay); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.cfg.Interval); err != nil {
				return nil, err
			}
		}

		p.metrics.PollAttempt(ctx)
		status, err := op.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// transport errors use up an attempt but are not terminal
			log.Warn("poll failed", "attempt", attempt, "error", err)
			continue
		}

		if !status.Done {
			log.Debug("operation pending", "attempt", attempt)
			continue
		}
		if status.Err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamRejected, status.Err)
		}

		log.Info("operation done", "attempt", attempt)
		return status.Result, nil
	}

	return nil, fmt.Errorf("%w after %d polls", ErrTimeout, p.cfg.MaxAttempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
