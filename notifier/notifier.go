// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/workscale/config"
)

// Notifier delivers scaling events asynchronously.
type Notifier interface {
	// Notify queues an event for delivery (non-blocking)
	Notify(ctx context.Context, event Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send delivers a webhook payload to the given URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// WebhookNotifier fans scaling events out to HTTP endpoints with a worker
// pool, per-endpoint circuit breakers, and retry with exponential backoff.
type WebhookNotifier struct {
	cfg       config.WebhookConfig
	scalerID  string
	endpoints []endpointConfig
	jobs      chan deliveryJob
	breakers  map[string]*gobreaker.CircuitBreaker
	sender    Sender
	logger    *slog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	headers      map[string]string
	timeout      time.Duration
	retry        config.RetryConfig
}

type deliveryJob struct {
	event    Event
	endpoint endpointConfig
	attempt  int
}

// New creates a webhook notifier from configuration.
func New(cfg config.WebhookConfig, scalerID string, sender Sender, logger *slog.Logger) (*WebhookNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		filters := make(map[string]bool)
		for _, eventType := range ep.Events {
			filters[eventType] = true
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}

		retry := cfg.Defaults.Retry
		if ep.Retry != nil {
			retry = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: filters,
			headers:      ep.Headers,
			timeout:      timeout,
			retry:        retry,
		})
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	n := &WebhookNotifier{
		cfg:       cfg,
		scalerID:  scalerID,
		endpoints: endpoints,
		jobs:      make(chan deliveryJob, cfg.QueueSize),
		breakers:  breakers,
		sender:    sender,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook notifier started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues the event for every endpoint whose filter matches.
// Never blocks: when the queue is full the configured drop policy applies.
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	for _, endpoint := range n.endpoints {
		if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[event.Type()] {
			continue
		}

		job := deliveryJob{event: event, endpoint: endpoint}

		select {
		case n.jobs <- job:
		default:
			if n.cfg.DropPolicy == "oldest" {
				select {
				case <-n.jobs:
				default:
				}
				select {
				case n.jobs <- job:
					continue
				default:
				}
			}
			n.logger.Error("webhook queue full, event dropped",
				slog.String("event_type", event.Type()),
				slog.String("endpoint", endpoint.name))
		}
	}

	return nil
}

func (n *WebhookNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.jobs:
			n.deliver(job)
		}
	}
}

// deliver sends one webhook through the endpoint's circuit breaker,
// requeueing on failure until the retry budget is exhausted.
func (n *WebhookNotifier) deliver(job deliveryJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if job.attempt < job.endpoint.retry.MaxAttempts-1 {
		job.attempt++
		delay := retryDelay(job.attempt, job.endpoint.retry)

		n.logger.Debug("webhook delivery failed, retrying",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.event.Type()),
			slog.Int("attempt", job.attempt),
			slog.Duration("retry_after", delay),
			slog.String("error", err.Error()))

		time.AfterFunc(delay, func() {
			select {
			case n.jobs <- job:
			default:
				n.logger.Error("failed to requeue event for retry",
					slog.String("endpoint", job.endpoint.name),
					slog.String("event_type", job.event.Type()))
			}
		})
		return
	}

	n.logger.Error("webhook delivery failed after max retries",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.event.Type()),
		slog.Int("attempts", job.attempt+1),
		slog.String("error", err.Error()))
}

func (n *WebhookNotifier) send(job deliveryJob) error {
	envelope := job.event.Wrap(n.scalerID)

	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), job.endpoint.timeout)
	defer cancel()

	return n.sender.Send(ctx, job.endpoint.url, job.endpoint.headers, payload, job.endpoint.timeout)
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close gracefully shuts down the notifier.
func (n *WebhookNotifier) Close() error {
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("webhook notifier stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("webhook notifier shutdown timeout, some events may be lost",
			slog.Int("queue_depth", len(n.jobs)))
	}

	return nil
}
