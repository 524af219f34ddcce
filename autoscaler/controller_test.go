// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package autoscaler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeBroker implements Broker against an in-memory depth table.
type fakeBroker struct {
	mu         sync.Mutex
	depths     map[string]int
	declared   []string
	connectErr error
	depthErr   error
	connected  bool
	connects   int
	closeCh    chan error
}

func newFakeBroker(depths map[string]int) *fakeBroker {
	if depths == nil {
		depths = make(map[string]int)
	}
	return &fakeBroker{depths: depths}
}

func (b *fakeBroker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = true
	b.closeCh = make(chan error, 1)
	return nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *fakeBroker) Declare(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared = append(b.declared, queue)
	return nil
}

func (b *fakeBroker) DepthOf(queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.depthErr != nil {
		return 0, b.depthErr
	}
	return b.depths[queue], nil
}

func (b *fakeBroker) NotifyClose() <-chan error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCh
}

func (b *fakeBroker) setDepth(queue string, depth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depths[queue] = depth
}

func (b *fakeBroker) setDepthErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.depthErr = err
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) dropConnection() {
	b.mu.Lock()
	ch := b.closeCh
	b.mu.Unlock()
	ch <- errors.New("connection reset by peer")
}

// fakeExecutor implements Executor and records every SetCount call.
type fakeExecutor struct {
	mu       sync.Mutex
	count    int
	setCalls []int
	setErr   error
	countErr error
}

func (e *fakeExecutor) CurrentCount(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.countErr != nil {
		return 0, e.countErr
	}
	return e.count, nil
}

func (e *fakeExecutor) SetCount(ctx context.Context, target int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.setErr != nil {
		return e.setErr
	}
	e.setCalls = append(e.setCalls, target)
	e.count = target
	return nil
}

func (e *fakeExecutor) setCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.setCalls)
}

func (e *fakeExecutor) lastSet() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.setCalls) == 0 {
		return 0, false
	}
	return e.setCalls[len(e.setCalls)-1], true
}

func (e *fakeExecutor) setSetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setErr = err
}

func testConfig() Config {
	return Config{
		Queues: []string{"tasks"},
		Policy: Policy{
			ScaleUpThreshold:   10,
			ScaleDownThreshold: 2,
			MinWorkers:         1,
			MaxWorkers:         5,
		},
		PollInterval:   20 * time.Millisecond,
		ReconnectDelay: 20 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	broker := newFakeBroker(nil)
	exec := &fakeExecutor{}

	cfg := testConfig()
	cfg.Policy.ScaleUpThreshold = 0
	if _, err := New(cfg, broker, exec, testLogger()); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}

	cfg = testConfig()
	cfg.Queues = nil
	if _, err := New(cfg, broker, exec, testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}

	cfg = testConfig()
	cfg.PollInterval = 0
	if _, err := New(cfg, broker, exec, testLogger()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestControllerEnsuresMinimumWorkers(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 5})
	exec := &fakeExecutor{count: 0}

	cfg := testConfig()
	cfg.Policy.MinWorkers = 2

	ctrl, err := New(cfg, broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "minimum workers", func() bool {
		last, ok := exec.lastSet()
		return ok && last == 2 && ctrl.Workers() == 2
	})
}

func TestControllerScalesUpOnBacklog(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 50})
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	// ceil(50/10)=5 clamped to max-current=4, so 1 -> 5.
	waitFor(t, time.Second, "scale up to max", func() bool {
		return ctrl.Workers() == 5
	})

	last, ok := exec.lastSet()
	if !ok || last != 5 {
		t.Errorf("expected executor set to 5, got %d (ok=%v)", last, ok)
	}
}

func TestControllerScalesDownWhenDrained(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 0})
	exec := &fakeExecutor{count: 3}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	// One worker removed per tick: 3 -> 2 -> 1, never below min.
	waitFor(t, time.Second, "scale down to min", func() bool {
		return ctrl.Workers() == 1
	})

	time.Sleep(100 * time.Millisecond)
	if w := ctrl.Workers(); w != 1 {
		t.Errorf("worker count left minimum: %d", w)
	}
}

func TestControllerHoldsOnDepthReadFailure(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 50})
	broker.setDepthErr(errors.New("broker unavailable"))
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "running state", func() bool {
		return ctrl.IsRunning()
	})

	time.Sleep(100 * time.Millisecond)
	if n := exec.setCallCount(); n != 0 {
		t.Errorf("executor called %d times despite depth-read failures", n)
	}
	if w := ctrl.Workers(); w != 1 {
		t.Errorf("worker count changed to %d despite depth-read failures", w)
	}

	// Recovery: once reads succeed the next tick scales.
	broker.setDepthErr(nil)
	waitFor(t, time.Second, "scale after recovery", func() bool {
		return ctrl.Workers() == 5
	})
}

func TestControllerKeepsCountOnExecutorFailure(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 50})
	exec := &fakeExecutor{count: 1}
	exec.setSetErr(errors.New("orchestrator rejected scale"))

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "running state", func() bool {
		return ctrl.IsRunning()
	})

	time.Sleep(100 * time.Millisecond)
	if w := ctrl.Workers(); w != 1 {
		t.Errorf("worker count changed to %d despite executor failures", w)
	}

	// Next tick re-evaluates from the last known-good count.
	exec.setSetErr(nil)
	waitFor(t, time.Second, "scale after executor recovery", func() bool {
		return ctrl.Workers() == 5
	})
}

func TestControllerReconnects(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 5})
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "running state", func() bool {
		return ctrl.IsRunning()
	})

	broker.dropConnection()

	waitFor(t, time.Second, "leave running state", func() bool {
		return !ctrl.IsRunning()
	})
	waitFor(t, 2*time.Second, "re-enter running state", func() bool {
		return ctrl.IsRunning() && broker.connectCount() >= 2
	})
}

func TestControllerStartTwice(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 0})
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestControllerStopIsSafeAnywhere(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 0})
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	// Stop before Start is a no-op.
	ctrl.Stop()
	if s := ctrl.State(); s != StateStopped {
		t.Errorf("expected stopped, got %v", s)
	}

	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	waitFor(t, time.Second, "running state", func() bool {
		return ctrl.IsRunning()
	})

	ctrl.Stop()
	ctrl.Stop() // repeated Stop must not panic

	if s := ctrl.State(); s != StateStopped {
		t.Errorf("expected stopped, got %v", s)
	}

	// The controller is restartable after a full stop.
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to restart: %v", err)
	}
	waitFor(t, time.Second, "running again", func() bool {
		return ctrl.IsRunning()
	})
	ctrl.Stop()
}

func TestControllerRetriesStartupConnect(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 0})
	broker.connectErr = errors.New("dial tcp: connection refused")
	exec := &fakeExecutor{count: 1}

	ctrl, err := New(testConfig(), broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("start should not surface connection errors, got %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "repeated connect attempts", func() bool {
		return broker.connectCount() >= 3
	})
	if ctrl.IsRunning() {
		t.Error("controller running without a broker connection")
	}

	broker.mu.Lock()
	broker.connectErr = nil
	broker.mu.Unlock()

	waitFor(t, time.Second, "running after broker recovery", func() bool {
		return ctrl.IsRunning()
	})
}

func TestControllerScaleCooldown(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 50})
	exec := &fakeExecutor{count: 1}

	cfg := testConfig()
	cfg.ScaleCooldown = time.Hour

	ctrl, err := New(cfg, broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "first scale", func() bool {
		return ctrl.Workers() == 5
	})

	// Draining the queue would normally scale down, but the cooldown
	// holds further operations.
	broker.setDepth("tasks", 0)
	time.Sleep(150 * time.Millisecond)

	if n := exec.setCallCount(); n != 1 {
		t.Errorf("expected exactly 1 scale operation under cooldown, got %d", n)
	}
	if w := ctrl.Workers(); w != 5 {
		t.Errorf("worker count changed under cooldown: %d", w)
	}
}

func TestControllerStatus(t *testing.T) {
	broker := newFakeBroker(map[string]int{"tasks": 5, "emails": 2})
	exec := &fakeExecutor{count: 2}

	cfg := testConfig()
	cfg.Queues = []string{"tasks", "emails"}

	ctrl, err := New(cfg, broker, exec, testLogger())
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	st := ctrl.Status()
	if st.State != "stopped" {
		t.Errorf("expected stopped state, got %s", st.State)
	}

	if err := ctrl.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer ctrl.Stop()

	waitFor(t, time.Second, "status backlog", func() bool {
		st := ctrl.Status()
		return st.State == "running" && st.TotalBacklog == 7
	})

	st = ctrl.Status()
	if st.Queues["tasks"] != 5 || st.Queues["emails"] != 2 {
		t.Errorf("unexpected per-queue depths: %+v", st.Queues)
	}
	if st.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", st.Workers)
	}
}
