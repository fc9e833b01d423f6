package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "genplane"

// Instruments holds the domain metrics. A nil *Instruments is valid and
// records nothing, so components can be built without a meter provider.
type Instruments struct {
	creditsDeducted    metric.Int64Counter
	creditsRefunded    metric.Int64Counter
	pollAttempts       metric.Int64Counter
	jobOutcomes        metric.Int64Counter
	jobDuration        metric.Float64Histogram
	supervisorRestarts metric.Int64Counter
}

// NewInstruments creates the domain instruments on the global meter provider.
// InitMetrics calls it once the provider is installed.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)
	var (
		m   Instruments
		err error
	)

	if m.creditsDeducted, err = meter.Int64Counter("genplane_credits_deducted",
		metric.WithDescription("Credits deducted for metered work")); err != nil {
		return nil, fmt.Errorf("create credits_deducted counter: %w", err)
	}
	if m.creditsRefunded, err = meter.Int64Counter("genplane_credits_refunded",
		metric.WithDescription("Credits returned by compensating refunds")); err != nil {
		return nil, fmt.Errorf("create credits_refunded counter: %w", err)
	}
	if m.pollAttempts, err = meter.Int64Counter("genplane_poll_attempts",
		metric.WithDescription("Polls issued against long-running upstream operations")); err != nil {
		return nil, fmt.Errorf("create poll_attempts counter: %w", err)
	}
	if m.jobOutcomes, err = meter.Int64Counter("genplane_jobs",
		metric.WithDescription("Finished generation jobs by outcome")); err != nil {
		return nil, fmt.Errorf("create jobs counter: %w", err)
	}
	if m.jobDuration, err = meter.Float64Histogram("genplane_job_duration_seconds",
		metric.WithDescription("Wall time of generation jobs"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create job_duration histogram: %w", err)
	}
	if m.supervisorRestarts, err = meter.Int64Counter("genplane_sidecar_restarts",
		metric.WithDescription("Automatic sidecar restarts by cause")); err != nil {
		return nil, fmt.Errorf("create sidecar_restarts counter: %w", err)
	}

	return &m, nil
}

// ObserveKeyPool registers a gauge reporting active leases per key.
func ObserveKeyPool(activeByKey func() []int) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("genplane_keypool_active_leases",
		metric.WithDescription("Active session leases per upstream key"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for i, n := range activeByKey() {
				o.Observe(int64(n), metric.WithAttributes(attribute.Int("key_index", i)))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create keypool gauge: %w", err)
	}
	return nil
}

func (m *Instruments) CreditsDeducted(ctx context.Context, feature string, amount int64) {
	if m == nil {
		return
	}
	m.creditsDeducted.Add(ctx, amount, metric.WithAttributes(attribute.String("feature", feature)))
}

func (m *Instruments) CreditsRefunded(ctx context.Context, feature string, amount int64) {
	if m == nil {
		return
	}
	m.creditsRefunded.Add(ctx, amount, metric.WithAttributes(attribute.String("feature", feature)))
}

func (m *Instruments) PollAttempt(ctx context.Context) {
	if m == nil {
		return
	}
	m.pollAttempts.Add(ctx, 1)
}

func (m *Instruments) JobFinished(ctx context.Context, outcome string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.jobOutcomes.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, seconds, attrs)
}

func (m *Instruments) SidecarRestart(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.supervisorRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
