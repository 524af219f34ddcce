// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notifier

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeScaledUp     = "scaler.up"
	TypeScaledDown   = "scaler.down"
	TypeScaleFailed  = "scaler.failed"
	TypeConnected    = "monitor.connected"
	TypeDisconnected = "monitor.disconnected"
)

// Event is the common interface for all scaling notifications.
type Event interface {
	// Type returns the event type identifier (e.g., "scaler.up")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(scalerID string) *Envelope
}

// Envelope is the common wrapper for all scaling events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	ScalerID  string `json:"scaler_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, scalerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ScalerID:  scalerID,
		Data:      e,
	}
}

// ScaledUp is emitted after a successful scale-up.
type ScaledUp struct {
	From    int `json:"from"`
	To      int `json:"to"`
	Amount  int `json:"amount"`
	Backlog int `json:"backlog"`
}

func (e ScaledUp) Type() string                   { return TypeScaledUp }
func (e ScaledUp) Wrap(scalerID string) *Envelope { return wrap(e, scalerID) }

// ScaledDown is emitted after a successful scale-down.
type ScaledDown struct {
	From    int `json:"from"`
	To      int `json:"to"`
	Amount  int `json:"amount"`
	Backlog int `json:"backlog"`
}

func (e ScaledDown) Type() string                   { return TypeScaledDown }
func (e ScaledDown) Wrap(scalerID string) *Envelope { return wrap(e, scalerID) }

// ScaleFailed is emitted when the executor rejects a scaling operation.
type ScaleFailed struct {
	Target  int    `json:"target"`
	Backlog int    `json:"backlog"`
	Reason  string `json:"reason"`
}

func (e ScaleFailed) Type() string                   { return TypeScaleFailed }
func (e ScaleFailed) Wrap(scalerID string) *Envelope { return wrap(e, scalerID) }

// Connected is emitted when the monitor establishes a broker connection.
type Connected struct {
	Queues []string `json:"queues"`
}

func (e Connected) Type() string                   { return TypeConnected }
func (e Connected) Wrap(scalerID string) *Envelope { return wrap(e, scalerID) }

// Disconnected is emitted when the broker connection is lost.
type Disconnected struct {
	Reason string `json:"reason"`
}

func (e Disconnected) Type() string                   { return TypeDisconnected }
func (e Disconnected) Wrap(scalerID string) *Envelope { return wrap(e, scalerID) }
