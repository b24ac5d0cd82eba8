// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"math"
	"strconv"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// HeaderRetries carries the number of resubmissions a packet has been through.
const HeaderRetries = "x-retries"

// Handle identifies a delivery on the session that received it. Tags are
// only meaningful while the session epoch is unchanged.
type Handle struct {
	Epoch uint64
	Tag   uint64
}

// Packet is one delivery taken from the inbound queue.
type Packet struct {
	Body          []byte
	Headers       amqp091.Table
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Redelivered   bool
	Handle        Handle
}

// RetryCount returns the packet retry counter, 0 when absent or unreadable.
func (p Packet) RetryCount() int {
	v, ok := headerInt64(p.Headers, HeaderRetries)
	if !ok || v < 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// WithRetryCount returns a copy of the packet whose headers carry n retries.
// The receiver's header table is not modified.
func (p Packet) WithRetryCount(n int) Packet {
	headers := make(amqp091.Table, len(p.Headers)+1)
	for k, v := range p.Headers {
		headers[k] = v
	}
	headers[HeaderRetries] = int32(n)
	p.Headers = headers
	return p
}

func (p Packet) publishing() amqp091.Publishing {
	return amqp091.Publishing{
		Headers:       p.Headers,
		ContentType:   p.ContentType,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		MessageId:     p.MessageID,
		DeliveryMode:  amqp091.Persistent,
		Body:          p.Body,
	}
}

func packetFrom(d amqp091.Delivery, epoch uint64) Packet {
	return Packet{
		Body:          d.Body,
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Redelivered:   d.Redelivered,
		Handle:        Handle{Epoch: epoch, Tag: d.DeliveryTag},
	}
}

func headerInt64(headers amqp091.Table, key string) (int64, bool) {
	if headers == nil {
		return 0, false
	}
	val, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case int:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		return int64(v), true
	case float32:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
