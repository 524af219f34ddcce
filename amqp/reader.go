// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Reader reads queue depths from an AMQP 0.9.1 broker. Declaring a queue
// that already exists is a no-op on the broker, so depth reads are
// idempotent apart from creating absent queues.
type Reader struct {
	opts *Options

	conn *amqp091.Connection
	ch   *amqp091.Channel

	chMu sync.Mutex

	connected atomic.Bool
}

// NewReader creates a new depth reader with the given options.
func NewReader(opts *Options) (*Reader, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &Reader{opts: opts}, nil
}

// Connect establishes a connection and channel to the broker.
func (r *Reader) Connect() error {
	if r.connected.Load() {
		return ErrAlreadyConnected
	}

	url, err := r.opts.dialURL()
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: r.opts.DialTimeout}
	cfg := amqp091.Config{
		TLSClientConfig: r.opts.TLSConfig,
		Heartbeat:       r.opts.Heartbeat,
		Dial:            dialer.Dial,
	}

	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	r.chMu.Lock()
	r.conn = conn
	r.ch = ch
	r.chMu.Unlock()
	r.connected.Store(true)
	return nil
}

// Close closes the channel and connection. Safe to call when not connected.
func (r *Reader) Close() error {
	if !r.connected.Load() {
		return nil
	}

	r.chMu.Lock()
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.chMu.Unlock()

	r.connected.Store(false)
	return nil
}

// IsConnected reports whether the reader is connected.
func (r *Reader) IsConnected() bool {
	return r.connected.Load()
}

// Declare ensures the queue exists, creating it with the configured
// durability if absent.
func (r *Reader) Declare(queue string) error {
	_, err := r.declare(queue)
	return err
}

// DepthOf returns the number of unconsumed messages in the queue.
// Safe for concurrent callers; channel operations are serialized.
func (r *Reader) DepthOf(queue string) (int, error) {
	q, err := r.declare(queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// NotifyClose returns a channel that yields at most one error when the
// broker connection is lost, then closes. A clean local Close closes the
// channel without an error. Call after each successful Connect.
func (r *Reader) NotifyClose() <-chan error {
	out := make(chan error, 1)

	r.chMu.Lock()
	conn := r.conn
	r.chMu.Unlock()

	if conn == nil {
		out <- ErrNotConnected
		close(out)
		return out
	}

	in := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-in; ok && err != nil {
			out <- err
		}
		close(out)
	}()
	return out
}

func (r *Reader) declare(queue string) (amqp091.Queue, error) {
	if queue == "" {
		return amqp091.Queue{}, ErrInvalidQueueName
	}
	if !r.connected.Load() {
		return amqp091.Queue{}, ErrBrokerUnavailable
	}

	r.chMu.Lock()
	defer r.chMu.Unlock()

	if r.ch == nil {
		return amqp091.Queue{}, ErrBrokerUnavailable
	}

	q, err := r.ch.QueueDeclare(
		queue,
		r.opts.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		// A failed declare closes the channel on the broker side.
		return amqp091.Queue{}, fmt.Errorf("%w: declare %q: %v", ErrBrokerUnavailable, queue, err)
	}

	return q, nil
}
