// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the talk server. It records
// remote calls and delivery engine activity.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	connectionsRejected metric.Int64Counter
	callsTotal          metric.Int64Counter
	callErrors          metric.Int64Counter
	deliveryPushes      metric.Int64Counter
	deliveryPushErrors  metric.Int64Counter
	deliveryPasses      metric.Int64Counter
	pushRequests        metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	callDuration metric.Float64Histogram
	passDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on meter, or on the global "talk-server"
// meter when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("talk-server")
	}
	m := &Metrics{meter: meter}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "talk.connections.total", "Total number of accepted client connections"},
		{&m.disconnectionsTotal, "talk.disconnections.total", "Total number of closed client connections"},
		{&m.connectionsRejected, "talk.connections.rejected.total", "Connections refused by the connection rate limiter"},
		{&m.callsTotal, "talk.rpc.calls.total", "Handled client calls by method"},
		{&m.callErrors, "talk.rpc.errors.total", "Client calls answered with an error"},
		{&m.deliveryPushes, "talk.delivery.pushes.total", "Delivery notifications sent to connected clients"},
		{&m.deliveryPushErrors, "talk.delivery.push_errors.total", "Delivery notifications that failed to send"},
		{&m.deliveryPasses, "talk.delivery.passes.total", "Delivery passes run, by outcome"},
		{&m.pushRequests, "talk.push.requests.total", "Push requests submitted for offline clients"},
	}
	var err error
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.connectionsCurrent, err = meter.Int64UpDownCounter(
		"talk.connections.current",
		metric.WithDescription("Current number of open client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.callDuration, err = meter.Float64Histogram(
		"talk.rpc.call.duration.ms",
		metric.WithDescription("Client call handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callDuration histogram: %w", err)
	}

	m.passDuration, err = meter.Float64Histogram(
		"talk.delivery.pass.duration.ms",
		metric.WithDescription("Delivery pass duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create passDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a newly accepted connection.
func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed connection.
func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordConnectionRejected records a connection refused before upgrade.
func (m *Metrics) RecordConnectionRejected() {
	m.connectionsRejected.Add(context.Background(), 1)
}

// RecordCall implements rpc.CallRecorder.
func (m *Metrics) RecordCall(method string, d time.Duration, failed bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("method", method))
	m.callsTotal.Add(ctx, 1, attrs)
	if failed {
		m.callErrors.Add(ctx, 1, attrs)
	}
	m.callDuration.Record(ctx, ms(d), attrs)
}

// RecordDeliveryPass implements delivery.Metrics.
func (m *Metrics) RecordDeliveryPass(d time.Duration, aborted bool) {
	ctx := context.Background()
	outcome := "completed"
	if aborted {
		outcome = "aborted"
	}
	m.deliveryPasses.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.passDuration.Record(ctx, ms(d))
}

// RecordDeliveryPush implements delivery.Metrics.
func (m *Metrics) RecordDeliveryPush(method string, failed bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("method", method))
	if failed {
		m.deliveryPushErrors.Add(ctx, 1, attrs)
		return
	}
	m.deliveryPushes.Add(ctx, 1, attrs)
}

// RecordPushRequest implements delivery.Metrics.
func (m *Metrics) RecordPushRequest() {
	m.pushRequests.Add(context.Background(), 1)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
