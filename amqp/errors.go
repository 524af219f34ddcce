// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import "errors"

// Reader errors.
var (
	ErrNoAddress         = errors.New("no broker address configured")
	ErrNotConnected      = errors.New("reader not connected")
	ErrAlreadyConnected  = errors.New("reader already connected")
	ErrInvalidQueueName  = errors.New("queue name cannot be empty")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)
