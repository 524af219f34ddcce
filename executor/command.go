// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Command shells out to orchestration commands to scale the worker pool,
// e.g. a compose or swarm scale invocation. The scale command is a shell
// template with a single %d placeholder for the target count; the count
// command must print the current worker count on stdout.
type Command struct {
	scaleTmpl string
	countCmd  string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewCommand creates a command executor.
func NewCommand(scaleTmpl, countCmd string, timeout time.Duration, logger *slog.Logger) (*Command, error) {
	if !strings.Contains(scaleTmpl, "%d") {
		return nil, fmt.Errorf("scale command must contain a %%d placeholder")
	}
	if countCmd == "" {
		return nil, fmt.Errorf("count command cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Command{
		scaleTmpl: scaleTmpl,
		countCmd:  countCmd,
		timeout:   timeout,
		logger:    logger,
	}, nil
}

// CurrentCount runs the count command and parses its output.
func (c *Command) CurrentCount(ctx context.Context) (int, error) {
	out, err := c.run(ctx, c.countCmd)
	if err != nil {
		return 0, fmt.Errorf("count command failed: %w", err)
	}

	count, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("count command output %q is not an integer: %w", strings.TrimSpace(string(out)), err)
	}
	if count < 0 {
		return 0, fmt.Errorf("count command reported negative count: %d", count)
	}

	return count, nil
}

// SetCount runs the scale command with the target substituted in.
func (c *Command) SetCount(ctx context.Context, target int) error {
	if target < 0 {
		return fmt.Errorf("target count cannot be negative: %d", target)
	}

	cmdline := fmt.Sprintf(c.scaleTmpl, target)
	c.logger.Debug("executing scale command", slog.String("command", cmdline))

	if _, err := c.run(ctx, cmdline); err != nil {
		return fmt.Errorf("scale command failed: %w", err)
	}

	return nil
}

func (c *Command) run(ctx context.Context, cmdline string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdline)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, bytes.TrimSpace(out))
	}
	return out, nil
}
