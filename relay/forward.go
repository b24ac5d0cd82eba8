// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/linkem/ack"
	"github.com/absmach/linkem/broker"
	"github.com/absmach/linkem/impair"
	"github.com/absmach/linkem/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const bodyPrefixLen = 20

// handle processes one delivery on the loop goroutine. Parameters are read
// from the document for every packet. A returned error is a session fault.
func (c *Channel) handle(ctx context.Context, pkt broker.Packet) error {
	c.stats.received.Add(1)
	c.recorder.RecordReceived(c.cfg.Name)

	params, err := c.store.Load(c.cfg.Section)
	if err != nil {
		c.stats.configErrors.Add(1)
		c.recorder.RecordConfigError(c.cfg.Name)
		c.logger.Error("invalid channel parameters, requeueing packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.String("error", err.Error()))
		return c.session.Nack(pkt.Handle.Tag, true)
	}

	if c.model.ShouldDrop(params) {
		c.stats.dropped.Add(1)
		c.recorder.RecordDropped(c.cfg.Name)
		c.logger.Info("packet dropped",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.Float64("drop_probability", params.DropProbability))
		return c.session.Nack(pkt.Handle.Tag, true)
	}

	ms := c.model.Sample(params)
	queued := c.limiter.delay(c.clock.Now(), params.RateLimit)
	delay := impair.Duration(ms) + queued

	// Forwards run past loop cancellation so shutdown can drain them.
	taskCtx := context.WithoutCancel(ctx)
	c.addInflight(1)
	err = c.sched.ScheduleWithCancel(delay,
		func() { c.forward(taskCtx, pkt, delay) },
		func() { c.addInflight(-1) })
	if err != nil {
		c.addInflight(-1)
		c.logger.Warn("cannot schedule forward, requeueing packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.String("error", err.Error()))
		return c.session.Nack(pkt.Handle.Tag, true)
	}

	c.recorder.RecordDelay(c.cfg.Name, ms)
	c.logger.Debug("packet scheduled",
		slog.String("body", bodyPrefix(pkt.Body)),
		slog.Float64("delay_ms", ms),
		slog.Duration("queued", queued),
		slog.Int("retries", pkt.RetryCount()))
	return nil
}

// forward runs on a scheduler goroutine. It never touches the session.
func (c *Channel) forward(ctx context.Context, pkt broker.Packet, delay time.Duration) {
	defer c.addInflight(-1)

	ctx, span := c.tracer.Start(ctx, "relay.forward",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("channel", c.cfg.Name),
			attribute.String("queue", c.cfg.OutboundQueue),
			attribute.Int64("delay_ms", delay.Milliseconds()),
			attribute.Int("retries", pkt.RetryCount()),
		))
	defer span.End()

	err := c.pub.Publish(ctx, c.cfg.OutboundQueue, pkt)
	if err == nil {
		c.stats.forwarded.Add(1)
		c.recorder.RecordForwarded(c.cfg.Name)
		c.acks.Push(ticket(pkt, ack.Ack))
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.stats.failed.Add(1)
	c.recorder.RecordFailed(c.cfg.Name)

	if c.retry == nil {
		c.logger.Error("forward failed, requeueing packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.Int("retries", pkt.RetryCount()),
			slog.String("error", err.Error()))
		c.acks.Push(ticket(pkt, ack.Requeue))
		return
	}
	c.resubmit(ctx, pkt, err)
}

// resubmit hands a failed reverse forward to the retry coordinator.
func (c *Channel) resubmit(ctx context.Context, pkt broker.Packet, cause error) {
	policy, err := c.store.LoadRetry()
	if err != nil {
		c.stats.configErrors.Add(1)
		c.recorder.RecordConfigError(c.cfg.Name)
		c.logger.Error("invalid retry policy, requeueing packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.String("error", err.Error()))
		c.acks.Push(ticket(pkt, ack.Requeue))
		return
	}

	backoff, err := c.retry.Retry(ctx, policy, pkt)
	switch {
	case errors.Is(err, retry.ErrExhausted):
		c.stats.exhausted.Add(1)
		c.recorder.RecordExhausted(c.cfg.Name)
		c.logger.Error("retries exhausted, discarding packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.Int("retries", pkt.RetryCount()),
			slog.Int("max_retries", policy.MaxRetries),
			slog.String("error", cause.Error()))
		c.acks.Push(ticket(pkt, ack.Discard))
	case err != nil:
		c.logger.Error("cannot schedule resubmission, requeueing packet",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.String("error", err.Error()))
		c.acks.Push(ticket(pkt, ack.Requeue))
	default:
		c.stats.retried.Add(1)
		c.recorder.RecordRetried(c.cfg.Name)
		c.logger.Warn("forward failed, resubmitting",
			slog.String("body", bodyPrefix(pkt.Body)),
			slog.Int("retries", pkt.RetryCount()),
			slog.Duration("backoff", backoff),
			slog.String("error", cause.Error()))
	}
}

func (c *Channel) addInflight(delta int64) {
	c.stats.inflight.Add(delta)
	c.recorder.RecordInflight(c.cfg.Name, delta)
}

func ticket(pkt broker.Packet, action ack.Action) ack.Ticket {
	return ack.Ticket{Epoch: pkt.Handle.Epoch, Tag: pkt.Handle.Tag, Action: action}
}

func bodyPrefix(b []byte) string {
	if len(b) > bodyPrefixLen {
		b = b[:bodyPrefixLen]
	}
	return string(b)
}
