// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ack hands delivery settlements from worker goroutines back to the
// goroutine that owns the broker session.
package ack

import "sync"

// Action is how a delivery is settled with the broker.
type Action uint8

const (
	// Ack removes the delivery from its queue.
	Ack Action = iota
	// Requeue returns the delivery to its queue for redelivery.
	Requeue
	// Discard rejects the delivery without requeueing it.
	Discard
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Ticket identifies a delivery ready to be settled.
// Epoch is the session generation the delivery tag belongs to.
type Ticket struct {
	Epoch  uint64
	Tag    uint64
	Action Action
}

// Result summarizes one Reconcile pass.
type Result struct {
	Settled int
	Stale   int
}

// Queue is a FIFO of tickets. Push is safe from any goroutine;
// Drain and Reconcile must only be called by the session owner.
type Queue struct {
	mu    sync.Mutex
	items []Ticket
	ready chan struct{}
}

// NewQueue creates an empty ticket queue.
func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues a ticket.
func (q *Queue) Push(t Ticket) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Push. A receive does not guarantee a non-empty
// queue, only that Drain is worth calling.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of queued tickets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns all queued tickets in push order.
func (q *Queue) Drain() []Ticket {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Reconcile drains the queue and settles every ticket of the given epoch with
// settle, in FIFO order. Tickets from other epochs are dropped: their tags died
// with the session that issued them. On the first settle error the remaining
// tickets are dropped and the error returned, since it means the session is gone.
func (q *Queue) Reconcile(epoch uint64, settle func(Ticket) error) (Result, error) {
	var res Result
	for _, t := range q.Drain() {
		if t.Epoch != epoch {
			res.Stale++
			continue
		}
		if err := settle(t); err != nil {
			return res, err
		}
		res.Settled++
	}
	return res, nil
}
