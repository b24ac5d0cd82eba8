// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/absmach/linkem/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Resource attribute keys describing the relay process.
const (
	ChannelsKey = attribute.Key("linkem.channels")
	DocumentKey = attribute.Key("linkem.document")
	QueuesKey   = attribute.Key("linkem.queues")
)

// Relay identifies the running relay in exported telemetry.
type Relay struct {
	InstanceID string
	// Document is the channel parameter document path.
	Document string
	// Channels maps each enabled channel name to its "inbound->outbound" route.
	Channels map[string]string
}

// InitProvider installs the global tracer and meter providers with OTLP gRPC
// exporters. The returned function flushes and stops them.
func InitProvider(cfg config.ServerConfig, rl Relay) (func(context.Context) error, error) {
	ctx := context.Background()

	res, err := NewResource(ctx, cfg, rl)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var shutdownFuncs []func(context.Context) error
	if cfg.OtelTracesEnabled {
		shutdown, err := initTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		shutdown, err := initMeterProvider(ctx, cfg, res)
		if err != nil {
			for _, fn := range shutdownFuncs {
				_ = fn(ctx)
			}
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

// NewResource describes the service plus the channels it relays and the
// document it reads, so dashboards can tell relay instances apart.
func NewResource(ctx context.Context, cfg config.ServerConfig, rl Relay) (*resource.Resource, error) {
	names := make([]string, 0, len(rl.Channels))
	for name := range rl.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	routes := make([]string, 0, len(names))
	for _, name := range names {
		routes = append(routes, name+"="+rl.Channels[name])
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.OtelServiceName),
		semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
		ChannelsKey.StringSlice(names),
		QueuesKey.StringSlice(routes),
	}
	if rl.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceIDKey.String(rl.InstanceID))
	}
	if rl.Document != "" {
		attrs = append(attrs, DocumentKey.String(rl.Document))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

func initTracerProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithTimeout(exportTimeout(cfg)),
	}
	if cfg.OtelInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OtelHeaders))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(256),
			trace.WithBatchTimeout(5*time.Second),
		),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func initMeterProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (func(context.Context) error, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithTimeout(exportTimeout(cfg)),
	}
	if cfg.OtelInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(cfg.OtelHeaders) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.OtelHeaders))
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(cfg.OtelMetricsInterval),
		)),
		metric.WithView(delayView()),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// delayView buckets linkem.delay.ms for the millisecond range of emulated links.
func delayView() metric.View {
	return metric.NewView(
		metric.Instrument{Name: delayInstrument},
		metric.Stream{Aggregation: metric.AggregationExplicitBucketHistogram{
			Boundaries: DelayBuckets,
		}},
	)
}

func exportTimeout(cfg config.ServerConfig) time.Duration {
	if cfg.OtelExportTimeout > 0 {
		return cfg.OtelExportTimeout
	}
	return 30 * time.Second
}
