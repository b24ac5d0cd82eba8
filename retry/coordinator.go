// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry resubmits packets that failed to cross the reverse channel.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/absmach/linkem/ack"
	"github.com/absmach/linkem/broker"
	"github.com/absmach/linkem/channel"
	"github.com/absmach/linkem/impair"
	"github.com/absmach/linkem/scheduler"
)

// ErrExhausted is returned when a packet has used all of its retries.
var ErrExhausted = errors.New("retries exhausted")

// Publisher forwards a packet to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, pkt broker.Packet) error
}

// Outcome reports how a scheduled resubmission ended.
type Outcome struct {
	Packet broker.Packet
	Err    error
}

// Coordinator schedules resubmissions with exponential backoff. Settlement of
// the original delivery is pushed to the owner's ticket queue.
type Coordinator struct {
	queue  string
	model  *impair.Model
	sched  *scheduler.Scheduler
	pub    Publisher
	acks   *ack.Queue
	logger *slog.Logger

	// OnResult is called from the task goroutine after each resubmission.
	OnResult func(Outcome)
}

// New creates a coordinator that resubmits to queue.
func New(queue string, model *impair.Model, sched *scheduler.Scheduler, pub Publisher, acks *ack.Queue, logger *slog.Logger) *Coordinator {
	if model == nil {
		model = impair.New(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		queue:  queue,
		model:  model,
		sched:  sched,
		pub:    pub,
		acks:   acks,
		logger: logger,
	}
}

// Backoff returns the delay in milliseconds before resubmission number
// retries+1: 2^retries * base plus uniform jitter, never negative.
func Backoff(policy channel.RetryPolicy, retries int, model *impair.Model) float64 {
	if retries < 0 {
		retries = 0
	}
	d := math.Ldexp(policy.BaseDelay, retries)
	d += model.Uniform(-policy.Jitter, policy.Jitter)
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	return d
}

// Retry takes ownership of pkt after a failed forward. It returns
// ErrExhausted, without scheduling anything, once the retry counter has
// reached policy.MaxRetries. Otherwise it schedules a resubmission with the
// counter incremented and returns the backoff delay. The original delivery
// is acked when the resubmission is confirmed and requeued when it fails.
func (c *Coordinator) Retry(ctx context.Context, policy channel.RetryPolicy, pkt broker.Packet) (time.Duration, error) {
	retries := pkt.RetryCount()
	if retries >= policy.MaxRetries {
		return 0, ErrExhausted
	}

	delay := impair.Duration(Backoff(policy, retries, c.model))
	next := pkt.WithRetryCount(retries + 1)

	err := c.sched.Schedule(delay, func() {
		err := c.pub.Publish(ctx, c.queue, next)
		action := ack.Ack
		if err != nil {
			action = ack.Requeue
			c.logger.Error("resubmission failed",
				slog.String("queue", c.queue),
				slog.Int("retries", retries+1),
				slog.String("error", err.Error()))
		} else {
			c.logger.Info("packet resubmitted",
				slog.String("queue", c.queue),
				slog.Int("retries", retries+1))
		}
		c.acks.Push(ack.Ticket{Epoch: pkt.Handle.Epoch, Tag: pkt.Handle.Tag, Action: action})
		if c.OnResult != nil {
			c.OnResult(Outcome{Packet: next, Err: err})
		}
	})
	if err != nil {
		return 0, err
	}
	return delay, nil
}
