// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package autoscaler implements a queue-depth-driven worker autoscaler:
// a controller polls broker queue depths on an interval, a pure decision
// function computes a target worker count from configurable thresholds,
// and a pluggable executor applies the change.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/workscale/notifier"
	"github.com/absmach/workscale/otel"
)

// Controller owns the poll-decide-act loop and the broker connection
// lifecycle. It is safe to construct multiple controllers side by side;
// there is no package-level state.
type Controller struct {
	cfg      Config
	broker   Broker
	exec     Executor
	logger   *slog.Logger
	metrics  *otel.Metrics
	notifier Notifier

	cooldown *rate.Limiter

	mu           sync.Mutex
	state        State
	workers      int
	gaugeInit    bool
	depths       map[string]int
	total        int
	lastDecision Decision
	startedAt    time.Time
	stopCh       chan struct{}

	tickBusy atomic.Bool
	wg       sync.WaitGroup
}

// New creates a controller. The configuration is validated here and never
// retried: an invalid configuration is surfaced to the caller immediately.
func New(cfg Config, broker Broker, exec Executor, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:     cfg,
		broker:  broker,
		exec:    exec,
		logger:  logger,
		state:   StateStopped,
		workers: cfg.Policy.MinWorkers,
		depths:  make(map[string]int),
	}

	if cfg.ScaleCooldown > 0 {
		c.cooldown = rate.NewLimiter(rate.Every(cfg.ScaleCooldown), 1)
	}

	return c, nil
}

// SetMetrics sets the optional metrics recorder. Call before Start.
func (c *Controller) SetMetrics(m *otel.Metrics) {
	c.metrics = m
}

// SetNotifier sets the optional event notifier. Call before Start.
func (c *Controller) SetNotifier(n Notifier) {
	c.notifier = n
}

// Start launches the control loop in the background. Connection failures
// do not propagate: the controller retries with a fixed delay until it
// connects or is stopped. Returns ErrAlreadyRunning if not stopped.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.state = StateStarting
	c.stopCh = make(chan struct{})
	c.startedAt = time.Now()
	stopCh := c.stopCh
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(stopCh)
	return nil
}

// Stop halts the control loop and closes the broker connection. Safe to
// call in any state, repeatedly; close errors are logged, not returned.
// An in-flight tick is allowed to settle; no new ticks start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()

	if err := c.broker.Close(); err != nil {
		c.logger.Warn("error closing broker connection", slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("monitor stopped")
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether the monitor loop is active.
func (c *Controller) IsRunning() bool {
	return c.State() == StateRunning
}

// Workers returns the current worker count as known to the controller.
func (c *Controller) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers
}

// Status returns a point-in-time snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make(map[string]int, len(c.depths))
	for q, d := range c.depths {
		queues[q] = d
	}

	var uptime int64
	if !c.startedAt.IsZero() && c.state != StateStopped {
		uptime = int64(time.Since(c.startedAt).Seconds())
	}

	return Status{
		State:        c.state.String(),
		Workers:      c.workers,
		Queues:       queues,
		TotalBacklog: c.total,
		LastDecision: c.lastDecision,
		UptimeSec:    uptime,
	}
}

// run is the supervised outer loop: connect (retrying with a fixed delay),
// poll until the connection drops, pause, start over. Iterative on purpose;
// reconnects must not grow the stack.
func (c *Controller) run(stopCh chan struct{}) {
	defer c.wg.Done()

	for {
		if !c.connectLoop(stopCh) {
			return
		}

		closeCh := c.broker.NotifyClose()

		c.mu.Lock()
		c.state = StateRunning
		c.mu.Unlock()
		c.logger.Info("monitor running",
			slog.Any("queues", c.cfg.Queues),
			slog.Duration("poll_interval", c.cfg.PollInterval))
		c.notify(notifier.Connected{Queues: c.cfg.Queues})

		c.ensureMinimumWorkers()

		if !c.pollLoop(stopCh, closeCh) {
			return
		}

		c.mu.Lock()
		c.state = StateReconnecting
		c.mu.Unlock()
		_ = c.broker.Close()
		c.logger.Warn("broker connection lost, reconnecting",
			slog.Duration("delay", c.cfg.ReconnectDelay))
		c.notify(notifier.Disconnected{Reason: "connection closed"})
		if c.metrics != nil {
			c.metrics.RecordReconnect()
		}

		select {
		case <-stopCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}

		c.mu.Lock()
		c.state = StateStarting
		c.mu.Unlock()
	}
}

// connectLoop retries the connection attempt with a fixed delay until it
// succeeds or the controller is stopped. Returns false when stopped.
func (c *Controller) connectLoop(stopCh chan struct{}) bool {
	for {
		err := c.connect()
		if err == nil {
			return true
		}

		_ = c.broker.Close()
		c.logger.Error("broker connection failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", c.cfg.ReconnectDelay))

		select {
		case <-stopCh:
			return false
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// connect opens the connection and declares every watched queue.
func (c *Controller) connect() error {
	if err := c.broker.Connect(); err != nil {
		return err
	}
	for _, queue := range c.cfg.Queues {
		if err := c.broker.Declare(queue); err != nil {
			return fmt.Errorf("declare queue %q: %w", queue, err)
		}
	}
	return nil
}

// pollLoop runs ticks until the connection drops (returns true) or the
// controller is stopped (returns false).
func (c *Controller) pollLoop(stopCh chan struct{}, closeCh <-chan error) bool {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return false
		case err, ok := <-closeCh:
			if ok && err != nil {
				c.logger.Warn("broker close event", slog.String("error", err.Error()))
			}
			return true
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick is one poll-decide-act cycle. Ticks never overlap: if the previous
// tick is still in flight the firing is skipped.
func (c *Controller) tick() {
	if !c.tickBusy.CompareAndSwap(false, true) {
		c.logger.Debug("previous tick still in flight, skipping")
		return
	}
	defer c.tickBusy.Store(false)

	start := time.Now()

	total, depths, err := c.readDepths()
	if err != nil {
		c.logger.Warn("depth read failed, holding this tick", slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.RecordTickError("depth_read")
		}
		return
	}

	c.mu.Lock()
	c.depths = depths
	c.total = total
	current := c.workers
	c.mu.Unlock()

	decision := Decide(total, current, c.cfg.Policy)

	c.mu.Lock()
	c.lastDecision = decision
	c.mu.Unlock()

	c.logger.Debug("tick",
		slog.Int("backlog", total),
		slog.Int("workers", current),
		slog.String("decision", decision.Action.String()))

	if c.metrics != nil {
		c.metrics.RecordBacklog(total)
	}

	if decision.Action != Hold {
		c.apply(decision, total, current)
	}

	if c.metrics != nil {
		c.metrics.RecordTick(float64(time.Since(start).Microseconds()) / 1000.0)
	}
}

// readDepths fetches every watched queue's depth concurrently and sums
// them. Any single failure fails the whole read.
func (c *Controller) readDepths() (int, map[string]int, error) {
	type result struct {
		depth int
		err   error
	}
	results := make([]result, len(c.cfg.Queues))

	var wg sync.WaitGroup
	for i, queue := range c.cfg.Queues {
		wg.Add(1)
		go func(i int, queue string) {
			defer wg.Done()
			depth, err := c.broker.DepthOf(queue)
			results[i] = result{depth: depth, err: err}
		}(i, queue)
	}
	wg.Wait()

	total := 0
	depths := make(map[string]int, len(c.cfg.Queues))
	for i, queue := range c.cfg.Queues {
		if results[i].err != nil {
			return 0, nil, fmt.Errorf("queue %q: %w", queue, results[i].err)
		}
		depths[queue] = results[i].depth
		total += results[i].depth
	}
	return total, depths, nil
}

// apply executes a non-Hold decision through the executor and records the
// new count on success. On failure the last known-good count is kept so
// the next tick re-evaluates from it.
func (c *Controller) apply(decision Decision, total, current int) {
	if c.cooldown != nil && !c.cooldown.Allow() {
		c.logger.Debug("scale cooldown active, holding",
			slog.String("action", decision.Action.String()))
		return
	}

	min, max := c.cfg.Policy.MinWorkers, c.cfg.Policy.MaxWorkers
	target := decision.Target(current, min, max)
	if target == current {
		return
	}

	if err := c.exec.SetCount(context.Background(), target); err != nil {
		c.logger.Error("scaling failed, keeping last known worker count",
			slog.Int("target", target),
			slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.RecordTickError("executor")
			c.metrics.RecordExecutorError()
		}
		c.notify(notifier.ScaleFailed{Target: target, Backlog: total, Reason: err.Error()})
		return
	}

	c.setWorkers(target)

	c.logger.Info("scaled workers",
		slog.String("action", decision.Action.String()),
		slog.Int("from", current),
		slog.Int("to", target),
		slog.Int("backlog", total))

	if c.metrics != nil {
		c.metrics.RecordScale(decision.Action.String(), decision.Amount)
	}
	switch decision.Action {
	case ScaleUp:
		c.notify(notifier.ScaledUp{From: current, To: target, Amount: target - current, Backlog: total})
	case ScaleDown:
		c.notify(notifier.ScaledDown{From: current, To: target, Amount: current - target, Backlog: total})
	}
}

// ensureMinimumWorkers queries the executor's actual worker count and, if
// below the minimum, scales up to it before the first monitoring tick.
// The count is never assumed from configuration.
func (c *Controller) ensureMinimumWorkers() {
	ctx := context.Background()
	min, max := c.cfg.Policy.MinWorkers, c.cfg.Policy.MaxWorkers

	count, err := c.exec.CurrentCount(ctx)
	if err != nil {
		c.logger.Warn("could not query current worker count, assuming minimum",
			slog.String("error", err.Error()))
		count = min
	}

	if count < min {
		if err := c.exec.SetCount(ctx, min); err != nil {
			c.logger.Error("failed to raise workers to minimum",
				slog.Int("min", min),
				slog.String("error", err.Error()))
			if c.metrics != nil {
				c.metrics.RecordExecutorError()
			}
		} else {
			c.logger.Info("raised workers to minimum",
				slog.Int("from", count),
				slog.Int("to", min))
			count = min
		}
	}

	c.setWorkers(clamp(count, min, max))
}

// setWorkers records the new count and keeps the worker gauge in sync.
func (c *Controller) setWorkers(count int) {
	c.mu.Lock()
	prev := c.workers
	init := !c.gaugeInit
	c.workers = count
	c.gaugeInit = true
	c.mu.Unlock()

	if c.metrics == nil {
		return
	}
	if init {
		c.metrics.AddWorkers(count)
	} else if delta := count - prev; delta != 0 {
		c.metrics.AddWorkers(delta)
	}
}

func (c *Controller) notify(event notifier.Event) {
	if c.notifier == nil {
		return
	}
	_ = c.notifier.Notify(context.Background(), event)
}
