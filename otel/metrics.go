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

// Metrics holds OpenTelemetry metric instruments for the autoscaler.
type Metrics struct {
	meter metric.Meter

	// Counters
	ticksTotal     metric.Int64Counter
	tickErrors     metric.Int64Counter
	scaleOpsTotal  metric.Int64Counter
	executorErrors metric.Int64Counter
	reconnects     metric.Int64Counter

	// UpDownCounter (gauge)
	workersCurrent metric.Int64UpDownCounter

	// Gauge
	backlogDepth metric.Int64Gauge

	// Histogram
	tickDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("workscale"),
	}

	var err error

	m.ticksTotal, err = m.meter.Int64Counter(
		"scaler.ticks.total",
		metric.WithDescription("Total number of monitoring ticks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticksTotal counter: %w", err)
	}

	m.tickErrors, err = m.meter.Int64Counter(
		"scaler.tick.errors.total",
		metric.WithDescription("Total tick failures by stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tickErrors counter: %w", err)
	}

	m.scaleOpsTotal, err = m.meter.Int64Counter(
		"scaler.operations.total",
		metric.WithDescription("Total executed scaling operations by direction"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scaleOpsTotal counter: %w", err)
	}

	m.executorErrors, err = m.meter.Int64Counter(
		"scaler.executor.errors.total",
		metric.WithDescription("Total failed executor invocations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executorErrors counter: %w", err)
	}

	m.reconnects, err = m.meter.Int64Counter(
		"scaler.broker.reconnects.total",
		metric.WithDescription("Total broker reconnect attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconnects counter: %w", err)
	}

	m.workersCurrent, err = m.meter.Int64UpDownCounter(
		"scaler.workers.current",
		metric.WithDescription("Current number of workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workersCurrent gauge: %w", err)
	}

	m.backlogDepth, err = m.meter.Int64Gauge(
		"scaler.backlog.depth",
		metric.WithDescription("Total unconsumed messages across watched queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create backlogDepth gauge: %w", err)
	}

	m.tickDuration, err = m.meter.Float64Histogram(
		"scaler.tick.duration.ms",
		metric.WithDescription("Tick processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tickDuration histogram: %w", err)
	}

	return m, nil
}

// RecordTick records a completed tick and its duration.
func (m *Metrics) RecordTick(durationMs float64) {
	ctx := context.Background()
	m.ticksTotal.Add(ctx, 1)
	m.tickDuration.Record(ctx, durationMs)
}

// RecordTickError records a failed tick by stage ("depth_read", "executor").
func (m *Metrics) RecordTickError(stage string) {
	m.tickErrors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordScale records an executed scaling operation.
func (m *Metrics) RecordScale(direction string, amount int) {
	m.scaleOpsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.Int("amount", amount),
	))
}

// RecordExecutorError records a failed executor invocation.
func (m *Metrics) RecordExecutorError() {
	m.executorErrors.Add(context.Background(), 1)
}

// RecordReconnect records a broker reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(context.Background(), 1)
}

// AddWorkers adjusts the current worker gauge by delta.
func (m *Metrics) AddWorkers(delta int) {
	m.workersCurrent.Add(context.Background(), int64(delta))
}

// RecordBacklog records the total backlog observed in a tick.
func (m *Metrics) RecordBacklog(total int) {
	m.backlogDepth.Record(context.Background(), int64(total))
}
