// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
)

// Broker errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrInvalidPrefetch  = errors.New("prefetch count cannot be negative")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	ErrNotConnected     = errors.New("session not connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrDeliveriesClosed = errors.New("delivery stream closed")
	ErrPublishNacked    = errors.New("publish not confirmed by broker")
	ErrCircuitOpen      = errors.New("publisher circuit open")
)

// TransportError reports a connection or channel fault. The session that
// returned it is unusable and must be reopened.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is, or wraps, a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
