// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/workscale/notifier"
)

// Controller errors.
var (
	ErrInvalidPolicy  = errors.New("invalid scaling policy")
	ErrInvalidConfig  = errors.New("invalid controller configuration")
	ErrAlreadyRunning = errors.New("controller already running")
)

// State is the controller lifecycle state.
type State int

// Controller states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Broker is the depth-reading broker connection the controller owns.
// Implemented by the amqp package; faked in tests.
type Broker interface {
	// Connect establishes the broker connection and session.
	Connect() error

	// Close tears the connection down. Must be safe when not connected.
	Close() error

	// Declare ensures the queue exists, creating it if absent.
	Declare(queue string) error

	// DepthOf returns the current backlog of the queue. Must be safe for
	// concurrent callers within one tick.
	DepthOf(queue string) (int, error)

	// NotifyClose returns a channel that yields or closes when the
	// connection is lost. Registered anew after each Connect.
	NotifyClose() <-chan error
}

// Executor changes the running worker count. Implemented by the executor
// package.
type Executor interface {
	CurrentCount(ctx context.Context) (int, error)
	SetCount(ctx context.Context, target int) error
}

// Notifier receives scaling lifecycle events. Optional.
type Notifier interface {
	Notify(ctx context.Context, event notifier.Event) error
}

// Config holds the controller configuration. Immutable after construction.
type Config struct {
	Queues         []string
	Policy         Policy
	PollInterval   time.Duration
	ReconnectDelay time.Duration

	// ScaleCooldown is the minimum interval between executed scaling
	// operations. Zero disables the cooldown.
	ScaleCooldown time.Duration
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue required", ErrInvalidConfig)
	}
	for _, q := range c.Queues {
		if q == "" {
			return fmt.Errorf("%w: queue name cannot be empty", ErrInvalidConfig)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: reconnect delay must be positive", ErrInvalidConfig)
	}
	if c.ScaleCooldown < 0 {
		return fmt.Errorf("%w: scale cooldown cannot be negative", ErrInvalidConfig)
	}
	return c.Policy.Validate()
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State        string         `json:"state"`
	Workers      int            `json:"workers"`
	Queues       map[string]int `json:"queues"`
	TotalBacklog int            `json:"total_backlog"`
	LastDecision Decision       `json:"last_decision"`
	UptimeSec    int64          `json:"uptime_sec"`
}
