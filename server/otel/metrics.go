// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const delayInstrument = "linkem.delay.ms"

// DelayBuckets are the histogram boundaries, in milliseconds, of sampled delays.
var DelayBuckets = []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000}

// Metrics holds OpenTelemetry metric instruments for the relay channels.
// Every measurement is attributed by channel name.
type Metrics struct {
	meter metric.Meter

	// Counters
	received     metric.Int64Counter
	forwarded    metric.Int64Counter
	dropped      metric.Int64Counter
	failed       metric.Int64Counter
	retried      metric.Int64Counter
	exhausted    metric.Int64Counter
	configErrors metric.Int64Counter
	reconnects   metric.Int64Counter

	// UpDownCounters (Gauges)
	inflight metric.Int64UpDownCounter

	// Histograms
	delay metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("linkem"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.received, "linkem.packets.received", "Packets taken from inbound queues"},
		{&m.forwarded, "linkem.packets.forwarded", "Packets confirmed on outbound queues"},
		{&m.dropped, "linkem.packets.dropped", "Packets lost by the drop gate"},
		{&m.failed, "linkem.packets.failed", "Forward and resubmission failures"},
		{&m.retried, "linkem.packets.retried", "Resubmissions scheduled on the reverse channel"},
		{&m.exhausted, "linkem.packets.exhausted", "Packets discarded after their last retry"},
		{&m.configErrors, "linkem.packets.config_errors", "Packets requeued because the channel document was invalid"},
		{&m.reconnects, "linkem.reconnects", "Broker session reconnects"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.inflight, err = m.meter.Int64UpDownCounter(
		"linkem.inflight",
		metric.WithDescription("Packets waiting out their delay or being forwarded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight counter: %w", err)
	}

	m.delay, err = m.meter.Float64Histogram(
		delayInstrument,
		metric.WithDescription("Sampled forwarding delay"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delay histogram: %w", err)
	}

	return m, nil
}

func channelAttr(channel string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("channel", channel))
}

// RecordReceived records a packet taken from an inbound queue.
func (m *Metrics) RecordReceived(channel string) {
	m.received.Add(context.Background(), 1, channelAttr(channel))
}

// RecordForwarded records a confirmed forward.
func (m *Metrics) RecordForwarded(channel string) {
	m.forwarded.Add(context.Background(), 1, channelAttr(channel))
}

// RecordDropped records a packet lost on the link.
func (m *Metrics) RecordDropped(channel string) {
	m.dropped.Add(context.Background(), 1, channelAttr(channel))
}

// RecordFailed records a failed forward or resubmission.
func (m *Metrics) RecordFailed(channel string) {
	m.failed.Add(context.Background(), 1, channelAttr(channel))
}

// RecordRetried records a scheduled resubmission.
func (m *Metrics) RecordRetried(channel string) {
	m.retried.Add(context.Background(), 1, channelAttr(channel))
}

// RecordExhausted records a packet that ran out of retries.
func (m *Metrics) RecordExhausted(channel string) {
	m.exhausted.Add(context.Background(), 1, channelAttr(channel))
}

// RecordConfigError records a packet requeued on a document error.
func (m *Metrics) RecordConfigError(channel string) {
	m.configErrors.Add(context.Background(), 1, channelAttr(channel))
}

// RecordReconnect records a session reconnect.
func (m *Metrics) RecordReconnect(channel string) {
	m.reconnects.Add(context.Background(), 1, channelAttr(channel))
}

// RecordInflight adjusts the in-flight gauge.
func (m *Metrics) RecordInflight(channel string, delta int64) {
	m.inflight.Add(context.Background(), delta, channelAttr(channel))
}

// RecordDelay records a sampled delay in milliseconds.
func (m *Metrics) RecordDelay(channel string, ms float64) {
	m.delay.Record(context.Background(), ms, channelAttr(channel))
}
