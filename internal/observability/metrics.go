// Package observability wires OpenTelemetry tracing and the genplane metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics is the controller's metrics surface.
type Metrics struct {
	// Handler serves the Prometheus scrape endpoint.
	Handler     http.Handler
	Instruments *Instruments
	Shutdown    func(context.Context) error
}

// InitMetrics installs a meter provider tagged with serviceName, exported
// through a dedicated Prometheus registry alongside Go runtime and process
// collectors, and creates the domain instruments on it.
func InitMetrics(ctx context.Context, serviceName string) (*Metrics, error) {
	registry := promclient.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := serviceResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	instruments, err := NewInstruments()
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	return &Metrics{
		Handler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Instruments: instruments,
		Shutdown:    provider.Shutdown,
	}, nil
}
