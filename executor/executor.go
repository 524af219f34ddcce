// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package executor provides scaling executor implementations. The executor
// is the external authority that actually changes the running worker count;
// the autoscaler core never assumes its mechanism.
package executor

import (
	"context"
	"fmt"
	"sync"
)

// Executor changes the running worker count.
type Executor interface {
	// CurrentCount returns the actual number of running workers.
	CurrentCount(ctx context.Context) (int, error)

	// SetCount scales the worker pool to target.
	SetCount(ctx context.Context, target int) error
}

// Simulated tracks the worker count in memory without side effects.
// Used when execution mode is "simulated" to exercise the decision logic.
type Simulated struct {
	mu    sync.Mutex
	count int
}

// NewSimulated creates a simulated executor starting at initial workers.
func NewSimulated(initial int) *Simulated {
	if initial < 0 {
		initial = 0
	}
	return &Simulated{count: initial}
}

// CurrentCount returns the in-memory worker count.
func (s *Simulated) CurrentCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

// SetCount records the new worker count.
func (s *Simulated) SetCount(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("target count cannot be negative: %d", target)
	}
	s.mu.Lock()
	s.count = target
	s.mu.Unlock()
	return nil
}
