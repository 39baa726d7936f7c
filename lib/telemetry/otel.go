// Package telemetry initialises the OpenTelemetry metrics pipeline.
package telemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/predictops/bookwatch/config"
)

// Shutdown flushes and stops the metrics pipeline.
type Shutdown func(context.Context) error

// Setup builds a meter provider from config. An empty OTLP endpoint yields a
// noop provider, so instrumented code never branches on whether export is
// enabled.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (metric.MeterProvider, Shutdown, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "bookwatch"
	}
	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	return provider, provider.Shutdown, nil
}
