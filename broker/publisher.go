// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the publisher circuit breaker.
type BreakerSettings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultBreakerSettings returns the breaker defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Publisher forwards packets with publisher confirms over its own
// connection. It is safe for concurrent use; publishes are serialized on
// one channel and the connection is re-established lazily after a fault.
type Publisher struct {
	opts    *Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker

	chMu     sync.Mutex
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	declared map[string]bool
}

// NewPublisher creates a publisher. No connection is made until the first
// Publish.
func NewPublisher(opts *Options, bs BreakerSettings, logger *slog.Logger) (*Publisher, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if bs.FailureThreshold <= 0 {
		bs.FailureThreshold = DefaultBreakerSettings().FailureThreshold
	}

	p := &Publisher{
		opts:     opts,
		logger:   logger,
		declared: make(map[string]bool),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "publisher",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     bs.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(bs.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("publisher circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return p, nil
}

// Publish sends pkt to queue on the default exchange and waits for the
// broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, queue string, pkt Packet) error {
	if queue == "" {
		return ErrInvalidQueueName
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, queue, pkt)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (p *Publisher) publish(ctx context.Context, queue string, pkt Packet) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()

	p.chMu.Lock()
	ch, err := p.channelLocked(queue)
	if err != nil {
		p.chMu.Unlock()
		return err
	}
	msg := pkt.publishing()
	msg.Timestamp = time.Now()
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		p.resetLocked()
		p.chMu.Unlock()
		return &TransportError{Op: "publish", Err: err}
	}
	p.chMu.Unlock()

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return &TransportError{Op: "confirm", Err: err}
	}
	if !ok {
		return ErrPublishNacked
	}
	return nil
}

func (p *Publisher) channelLocked(queue string) (*amqp091.Channel, error) {
	if p.ch == nil || p.ch.IsClosed() || p.conn == nil || p.conn.IsClosed() {
		p.resetLocked()

		conn, err := p.opts.dial()
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, &TransportError{Op: "channel", Err: err}
		}
		if err := ch.Confirm(false); err != nil {
			conn.Close()
			return nil, &TransportError{Op: "confirm", Err: err}
		}
		p.conn = conn
		p.ch = ch
		p.logger.Debug("publisher connected")
	}

	if !p.declared[queue] {
		if err := declareQuorum(p.ch, queue); err != nil {
			p.resetLocked()
			return nil, &TransportError{Op: "declare " + queue, Err: err}
		}
		p.declared[queue] = true
	}
	return p.ch, nil
}

func (p *Publisher) resetLocked() {
	if p.conn != nil && !p.conn.IsClosed() {
		p.conn.Close()
	}
	p.conn = nil
	p.ch = nil
	p.declared = make(map[string]bool)
}

// Close closes the publisher connection. A later Publish reconnects.
func (p *Publisher) Close() error {
	p.chMu.Lock()
	defer p.chMu.Unlock()
	p.resetLocked()
	return nil
}
