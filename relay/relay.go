// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay moves packets from an inbound queue to an outbound queue
// through an emulated link: each packet is delayed, possibly dropped, and
// forwarded by a deferred task while the consume loop keeps polling.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/linkem/ack"
	"github.com/absmach/linkem/broker"
	"github.com/absmach/linkem/channel"
	"github.com/absmach/linkem/impair"
	"github.com/absmach/linkem/retry"
	"github.com/absmach/linkem/scheduler"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Defaults for Config.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultReconnectInterval = 5 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
)

// Relay errors.
var (
	ErrNoSession      = errors.New("relay requires a session")
	ErrNoPublisher    = errors.New("relay requires a publisher")
	ErrNoStore        = errors.New("relay requires a channel document store")
	ErrQueueUnset     = errors.New("inbound and outbound queues must be set")
	ErrAlreadyStarted = errors.New("relay already started")
)

// Session is the consuming side of a broker connection. All methods except
// Connected are called only from the goroutine running Channel.Run.
type Session interface {
	Open(ctx context.Context) error
	Epoch() uint64
	Poll(ctx context.Context, timeout time.Duration) ([]broker.Packet, error)
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	Reject(tag uint64) error
	Close() error
	Connected() bool
}

// Publisher forwards packets. It must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, queue string, pkt broker.Packet) error
}

// Config describes one logical channel.
type Config struct {
	Name          string
	Section       string
	InboundQueue  string
	OutboundQueue string
	// Reverse channels resubmit failed forwards with backoff.
	Reverse bool

	PollInterval      time.Duration
	ReconnectInterval time.Duration
	DrainTimeout      time.Duration
}

// Option configures a Channel.
type Option func(*Channel)

// WithClock sets the clock driving forward delays.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) {
		c.clock = clk
	}
}

// WithModel sets the impairment model.
func WithModel(m *impair.Model) Option {
	return func(c *Channel) {
		c.model = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		c.logger = l
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Channel) {
		c.recorder = r
	}
}

// WithTracer sets the tracer for forward spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Channel) {
		c.tracer = t
	}
}

// Channel relays one logical channel. Run owns the session; deferred tasks
// only publish and hand settlement tickets back to Run.
type Channel struct {
	cfg      Config
	store    *channel.Store
	session  Session
	pub      Publisher
	model    *impair.Model
	clock    clock.Clock
	sched    *scheduler.Scheduler
	acks     *ack.Queue
	retry    *retry.Coordinator
	limiter  linkLimiter
	recorder Recorder
	tracer   trace.Tracer
	logger   *slog.Logger

	stats   Stats
	started atomic.Bool
}

// New creates a relay channel.
func New(cfg Config, store *channel.Store, session Session, pub Publisher, opts ...Option) (*Channel, error) {
	switch {
	case store == nil:
		return nil, ErrNoStore
	case session == nil:
		return nil, ErrNoSession
	case pub == nil:
		return nil, ErrNoPublisher
	case cfg.InboundQueue == "" || cfg.OutboundQueue == "":
		return nil, ErrQueueUnset
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Section
	}

	c := &Channel{
		cfg:     cfg,
		store:   store,
		session: session,
		pub:     pub,
		acks:    ack.NewQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.model == nil {
		c.model = impair.New(nil)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("channel", cfg.Name))
	if c.recorder == nil {
		c.recorder = noopRecorder{}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("linkem/relay")
	}

	c.sched = scheduler.New(c.clock, c.logger)
	if cfg.Reverse {
		c.retry = retry.New(cfg.InboundQueue, c.model, c.sched, pub, c.acks, c.logger)
		c.retry.OnResult = func(o retry.Outcome) {
			if o.Err != nil {
				c.stats.failed.Add(1)
				c.recorder.RecordFailed(c.cfg.Name)
			}
		}
	}
	return c, nil
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.cfg.Name
}

// Connected reports whether the channel currently holds a live session.
func (c *Channel) Connected() bool {
	return c.session.Connected()
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Snapshot {
	s := c.stats.snapshot()
	s.Channel = c.cfg.Name
	s.Connected = c.session.Connected()
	return s
}

// Run consumes until ctx is done, reconnecting after every transport fault.
// On return in-flight forwards have been drained, or abandoned after the
// drain timeout, and the session is closed. Run may be called once.
func (c *Channel) Run(ctx context.Context) error {
	if c.started.Swap(true) {
		return ErrAlreadyStarted
	}

	c.logger.Info("relay started",
		slog.String("inbound", c.cfg.InboundQueue),
		slog.String("outbound", c.cfg.OutboundQueue),
		slog.Bool("reverse", c.cfg.Reverse))

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.stats.reconnects.Add(1)
			c.recorder.RecordReconnect(c.cfg.Name)
			c.logger.Info("reconnecting", slog.Int("attempt", attempt))
		}

		if err := c.session.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return c.shutdown(0, false)
			}
			c.logger.Error("failed to open session",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", c.cfg.ReconnectInterval),
				slog.String("error", err.Error()))
			if !sleep(ctx, c.cfg.ReconnectInterval) {
				return c.shutdown(0, false)
			}
			continue
		}

		epoch := c.session.Epoch()
		err := c.serve(ctx, epoch)
		if ctx.Err() != nil {
			return c.shutdown(epoch, err == nil)
		}

		c.logger.Warn("session lost",
			slog.Uint64("epoch", epoch),
			slog.Duration("retry_in", c.cfg.ReconnectInterval),
			slog.String("error", err.Error()))
		if cerr := c.session.Close(); cerr != nil {
			c.logger.Debug("session close failed", slog.String("error", cerr.Error()))
		}
		if !sleep(ctx, c.cfg.ReconnectInterval) {
			return c.shutdown(0, false)
		}
	}
}

// serve runs the poll loop on one session epoch. It returns nil when ctx is
// done and the session is still usable, or the transport error that ended it.
func (c *Channel) serve(ctx context.Context, epoch uint64) error {
	for {
		if err := c.reconcile(epoch); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		packets, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, pkt := range packets {
			if err := c.handle(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// poll waits for deliveries, returning early with nothing when a forward
// hands back a settlement ticket.
func (c *Channel) poll(ctx context.Context) ([]broker.Packet, error) {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.acks.Ready():
			cancel()
		case <-done:
		}
	}()

	packets, err := c.session.Poll(pollCtx, c.cfg.PollInterval)
	if err != nil && ctx.Err() == nil && pollCtx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil, nil
	}
	return packets, err
}

// shutdown stops the scheduler, waits for in-flight forwards and, when the
// session survived, settles what they produced before closing it.
func (c *Channel) shutdown(epoch uint64, live bool) error {
	c.sched.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()
	if err := c.sched.Drain(ctx); err != nil {
		n := c.sched.Stop()
		c.logger.Warn("drain timed out, abandoning deferred forwards",
			slog.Int("abandoned", n),
			slog.Int("running", c.sched.Pending()))
	}

	var errs []error
	if live {
		errs = append(errs, c.reconcile(epoch))
	}
	errs = append(errs, c.session.Close())
	c.logger.Info("relay stopped")
	return errors.Join(errs...)
}

func (c *Channel) reconcile(epoch uint64) error {
	res, err := c.acks.Reconcile(epoch, c.settle)
	if res.Stale > 0 {
		c.logger.Debug("dropped tickets from a previous session", slog.Int("count", res.Stale))
	}
	return err
}

func (c *Channel) settle(t ack.Ticket) error {
	switch t.Action {
	case ack.Requeue:
		return c.session.Nack(t.Tag, true)
	case ack.Discard:
		return c.session.Reject(t.Tag)
	default:
		return c.session.Ack(t.Tag)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
