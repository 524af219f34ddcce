// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps an Executor with a circuit breaker so a failing
// orchestration backend trips open instead of being retried every tick.
type Breaker struct {
	inner Executor
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit-breaking executor decorator. The breaker
// opens after failureThreshold consecutive failures and probes again after
// resetTimeout.
func NewBreaker(inner Executor, failureThreshold uint32, resetTimeout time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scaling-executor",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("executor circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{inner: inner, cb: cb}
}

// CurrentCount queries the wrapped executor through the breaker.
func (b *Breaker) CurrentCount(ctx context.Context) (int, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CurrentCount(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SetCount scales through the breaker.
func (b *Breaker) SetCount(ctx context.Context, target int) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.SetCount(ctx, target)
	})
	return err
}
