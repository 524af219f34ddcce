// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package autoscaler

import "fmt"

// Action is the direction of a scaling decision.
type Action int

// Scaling actions.
const (
	Hold Action = iota
	ScaleUp
	ScaleDown
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ScaleUp:
		return "scale_up"
	case ScaleDown:
		return "scale_down"
	default:
		return "hold"
	}
}

// Decision is the outcome of one evaluation of the scaling policy.
// Amount is always positive for ScaleUp/ScaleDown and zero for Hold.
type Decision struct {
	Action Action `json:"action"`
	Amount int    `json:"amount"`
}

// Policy holds the scaling thresholds and worker bounds.
type Policy struct {
	ScaleUpThreshold   int
	ScaleDownThreshold int
	MinWorkers         int
	MaxWorkers         int
}

// Validate checks the policy for errors. Zero thresholds are rejected so
// the ceiling divisions below are always well-defined.
func (p Policy) Validate() error {
	if p.ScaleUpThreshold < 1 {
		return fmt.Errorf("%w: scale-up threshold must be at least 1", ErrInvalidPolicy)
	}
	if p.ScaleDownThreshold < 1 {
		return fmt.Errorf("%w: scale-down threshold must be at least 1", ErrInvalidPolicy)
	}
	if p.MinWorkers < 0 {
		return fmt.Errorf("%w: min workers cannot be negative", ErrInvalidPolicy)
	}
	if p.MaxWorkers < p.MinWorkers {
		return fmt.Errorf("%w: max workers must be >= min workers", ErrInvalidPolicy)
	}
	return nil
}

// Decide computes the scaling decision for the observed backlog and the
// current worker count. Pure function: identical inputs yield identical
// output.
//
// Scale-up is evaluated before scale-down so that the priority is explicit
// even under misordered thresholds. Comparisons are strict: a backlog
// exactly at a threshold holds.
func Decide(totalMessages, current int, p Policy) Decision {
	if totalMessages > p.ScaleUpThreshold && current < p.MaxWorkers {
		amount := ceilDiv(totalMessages, p.ScaleUpThreshold)
		if room := p.MaxWorkers - current; amount > room {
			amount = room
		}
		if amount < 1 {
			return Decision{Action: Hold}
		}
		return Decision{Action: ScaleUp, Amount: amount}
	}

	if totalMessages < p.ScaleDownThreshold && current > p.MinWorkers {
		amount := ceilDiv(p.ScaleDownThreshold-totalMessages, p.ScaleDownThreshold)
		if slack := current - p.MinWorkers; amount > slack {
			amount = slack
		}
		if amount < 1 {
			return Decision{Action: Hold}
		}
		return Decision{Action: ScaleDown, Amount: amount}
	}

	return Decision{Action: Hold}
}

// Target returns the worker count that results from applying the decision
// to current, clamped into [min, max].
func (d Decision) Target(current, min, max int) int {
	target := current
	switch d.Action {
	case ScaleUp:
		target = current + d.Amount
	case ScaleDown:
		target = current - d.Amount
	}
	return clamp(target, min, max)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
