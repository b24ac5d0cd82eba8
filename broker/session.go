// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Session is a consuming connection to the broker. It is not safe for
// concurrent use: one goroutine opens it, polls it, settles its deliveries
// and closes it. Connected may be called from any goroutine.
type Session struct {
	opts    *Options
	inbound string
	declare []string
	logger  *slog.Logger

	conn       *amqp091.Connection
	ch         *amqp091.Channel
	deliveries <-chan amqp091.Delivery
	connClose  chan *amqp091.Error
	chClose    chan *amqp091.Error
	tag        string

	epoch     uint64
	connected atomic.Bool
}

// NewSession creates a session consuming from inbound. Every queue in
// declare, and inbound itself, is declared as a durable quorum queue on
// each Open.
func NewSession(opts *Options, inbound string, declare []string, logger *slog.Logger) (*Session, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if inbound == "" {
		return nil, ErrInvalidQueueName
	}
	for _, q := range declare {
		if q == "" {
			return nil, ErrInvalidQueueName
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		opts:    opts,
		inbound: inbound,
		declare: declare,
		logger:  logger,
	}, nil
}

// Open dials the broker and starts consuming. Each successful Open starts
// a new epoch; handles from earlier epochs can no longer be settled.
func (s *Session) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.cleanup()

	conn, err := s.opts.dial()
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &TransportError{Op: "channel", Err: err}
	}

	if err := ch.Qos(s.opts.PrefetchCount, 0, false); err != nil {
		conn.Close()
		return &TransportError{Op: "qos", Err: err}
	}

	queues := append([]string{s.inbound}, s.declare...)
	for _, q := range queues {
		if err := declareQuorum(ch, q); err != nil {
			conn.Close()
			return &TransportError{Op: "declare " + q, Err: err}
		}
	}

	tag := "linkem-" + s.inbound + "-" + uuid.NewString()
	deliveries, err := ch.Consume(s.inbound, tag, false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return &TransportError{Op: "consume", Err: err}
	}

	s.conn = conn
	s.ch = ch
	s.deliveries = deliveries
	s.tag = tag
	s.connClose = conn.NotifyClose(make(chan *amqp091.Error, 1))
	s.chClose = ch.NotifyClose(make(chan *amqp091.Error, 1))
	s.epoch++
	s.connected.Store(true)

	s.logger.Info("session opened",
		slog.String("queue", s.inbound),
		slog.String("consumer_tag", tag),
		slog.Uint64("epoch", s.epoch))
	return nil
}

// Epoch returns the number of successful opens.
func (s *Session) Epoch() uint64 {
	return s.epoch
}

// Connected reports whether the last Open succeeded and no fault has been
// observed since.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Poll waits up to timeout for deliveries. It returns as soon as at least
// one delivery is available, together with any others already buffered.
// A nil slice with a nil error means the wait elapsed with nothing to do.
func (s *Session) Poll(ctx context.Context, timeout time.Duration) ([]Packet, error) {
	if s.ch == nil {
		return nil, &TransportError{Op: "poll", Err: ErrNotConnected}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var packets []Packet
	select {
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, s.fault("poll", ErrDeliveriesClosed)
		}
		packets = append(packets, packetFrom(d, s.epoch))
	case e, ok := <-s.connClose:
		return nil, s.closed("connection", e, ok)
	case e, ok := <-s.chClose:
		return nil, s.closed("channel", e, ok)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	limit := s.opts.PrefetchCount
	if limit <= 0 {
		limit = DefaultPrefetchCount
	}
	for len(packets) < limit {
		select {
		case d, ok := <-s.deliveries:
			if !ok {
				return packets, nil
			}
			packets = append(packets, packetFrom(d, s.epoch))
		default:
			return packets, nil
		}
	}
	return packets, nil
}

// Ack acknowledges a delivery.
func (s *Session) Ack(tag uint64) error {
	if s.ch == nil {
		return &TransportError{Op: "ack", Err: ErrNotConnected}
	}
	if err := s.ch.Ack(tag, false); err != nil {
		return s.fault("ack", err)
	}
	return nil
}

// Nack negatively acknowledges a delivery. With requeue the broker
// redelivers it.
func (s *Session) Nack(tag uint64, requeue bool) error {
	if s.ch == nil {
		return &TransportError{Op: "nack", Err: ErrNotConnected}
	}
	if err := s.ch.Nack(tag, false, requeue); err != nil {
		return s.fault("nack", err)
	}
	return nil
}

// Reject discards a delivery without redelivery.
func (s *Session) Reject(tag uint64) error {
	if s.ch == nil {
		return &TransportError{Op: "reject", Err: ErrNotConnected}
	}
	if err := s.ch.Reject(tag, false); err != nil {
		return s.fault("reject", err)
	}
	return nil
}

// Close cancels the consumer and closes the connection.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.ch != nil && !s.ch.IsClosed() {
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.logger.Debug("consumer cancel failed", slog.String("error", err.Error()))
		}
	}
	var err error
	if !s.conn.IsClosed() {
		err = s.conn.Close()
	}
	s.reset()
	return err
}

func (s *Session) fault(op string, err error) error {
	s.connected.Store(false)
	return &TransportError{Op: op, Err: err}
}

func (s *Session) closed(op string, e *amqp091.Error, ok bool) error {
	if !ok || e == nil {
		return s.fault(op, ErrConnectionClosed)
	}
	return s.fault(op, e)
}

func (s *Session) cleanup() {
	if s.conn != nil && !s.conn.IsClosed() {
		s.conn.Close()
	}
	s.reset()
}

func (s *Session) reset() {
	s.conn = nil
	s.ch = nil
	s.deliveries = nil
	s.connClose = nil
	s.chClose = nil
	s.connected.Store(false)
}
