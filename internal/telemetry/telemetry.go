// SPDX-License-Identifier: BSD-3-Clause

// Package telemetry sets up the OTel meter provider used by
// internal/sensor to export published sensor values as gauges.
// Narrowed from pkg/telemetry/provider.go to metrics only: this daemon
// has no trace or log exporters of its own (it logs through
// internal/logging and has no spans to emit).
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

// Provider wraps an SDK meter provider scoped to this process.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
}

// Option configures provider construction.
type Option func(*config)

type config struct {
	serviceName string
	reader      sdkmetric.Reader
}

// WithServiceName sets the OTel resource service.name attribute.
func WithServiceName(name string) Option {
	return func(c *config) { c.serviceName = name }
}

// WithReader installs a custom metric reader (tests use an in-memory
// manual reader; production wires an OTLP periodic reader).
func WithReader(r sdkmetric.Reader) Option {
	return func(c *config) { c.reader = r }
}

// NewProvider constructs a meter provider and registers it as the
// process-global OTel meter provider.
func NewProvider(opts ...Option) (*Provider, error) {
	cfg := &config{serviceName: "powerseqd"}
	for _, opt := range opts {
		opt(cfg)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.serviceName)),
	)
	if err != nil {
		return nil, err
	}

	var mpOpts []sdkmetric.Option
	mpOpts = append(mpOpts, sdkmetric.WithResource(res))
	if cfg.reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.reader))
	}

	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp}, nil
}

// Meter returns a named meter from the provider.
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.meterProvider.Shutdown(ctx)
}
