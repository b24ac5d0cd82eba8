// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/linkem/broker"
	"github.com/absmach/linkem/channel"
	"github.com/absmach/linkem/impair"
	"github.com/benbjohnson/clock"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	inbound  = "network_reply"
	outbound = "network_reply_after_channel"
)

func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	id, _ := strconv.ParseInt(fields[1], 10, 64)
	return id
}

// fakeSession records settlements and flags any call that overlaps another
// or comes from a goroutine other than the first caller.
type fakeSession struct {
	mu       sync.Mutex
	inbox    []broker.Packet
	acked    []uint64
	nacked   []uint64
	rejected []uint64
	openErrs []error
	pollErr  error
	fullWait bool
	epoch    uint64
	nextTag  uint64

	connected  atomic.Bool
	busy       atomic.Bool
	owner      atomic.Int64
	violations atomic.Int32
}

func (s *fakeSession) enter() {
	id := goid()
	if !s.owner.CompareAndSwap(0, id) && s.owner.Load() != id {
		s.violations.Add(1)
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.violations.Add(1)
	}
}

func (s *fakeSession) leave() {
	s.busy.Store(false)
}

func (s *fakeSession) deliver(pkts ...broker.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, pkts...)
}

func (s *fakeSession) failNextPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErr = err
}

func (s *fakeSession) Open(ctx context.Context) error {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.openErrs) > 0 {
		err := s.openErrs[0]
		s.openErrs = s.openErrs[1:]
		return err
	}
	s.epoch++
	s.connected.Store(true)
	return nil
}

func (s *fakeSession) Epoch() uint64 {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *fakeSession) Poll(ctx context.Context, timeout time.Duration) ([]broker.Packet, error) {
	s.enter()
	defer s.leave()

	s.mu.Lock()
	if err := s.pollErr; err != nil {
		s.pollErr = nil
		s.connected.Store(false)
		s.mu.Unlock()
		return nil, err
	}
	if len(s.inbox) > 0 {
		pkts := s.inbox
		s.inbox = nil
		for i := range pkts {
			s.nextTag++
			pkts[i].Handle = broker.Handle{Epoch: s.epoch, Tag: s.nextTag}
		}
		s.mu.Unlock()
		return pkts, nil
	}
	s.mu.Unlock()

	if !s.fullWait && timeout > 2*time.Millisecond {
		timeout = 2 * time.Millisecond
	}
	select {
	case <-time.After(timeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func (s *fakeSession) Ack(tag uint64) error {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, tag)
	return nil
}

func (s *fakeSession) Nack(tag uint64, requeue bool) error {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !requeue {
		s.rejected = append(s.rejected, tag)
		return nil
	}
	s.nacked = append(s.nacked, tag)
	return nil
}

func (s *fakeSession) Reject(tag uint64) error {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected = append(s.rejected, tag)
	return nil
}

func (s *fakeSession) Close() error {
	s.enter()
	defer s.leave()
	s.connected.Store(false)
	return nil
}

func (s *fakeSession) Connected() bool {
	return s.connected.Load()
}

func (s *fakeSession) settled() (acked, nacked, rejected []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.acked...),
		append([]uint64(nil), s.nacked...),
		append([]uint64(nil), s.rejected...)
}

func (s *fakeSession) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

type sent struct {
	queue string
	pkt   broker.Packet
}

type fakePublisher struct {
	mu   sync.Mutex
	fail func(queue string) error
	sent []sent
}

func (p *fakePublisher) Publish(_ context.Context, queue string, pkt broker.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(queue); err != nil {
			return err
		}
	}
	p.sent = append(p.sent, sent{queue: queue, pkt: pkt})
	return nil
}

func (p *fakePublisher) to(queue string) []broker.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []broker.Packet
	for _, s := range p.sent {
		if s.queue == queue {
			out = append(out, s.pkt)
		}
	}
	return out
}

type delayRecorder struct {
	noopRecorder
	mu     sync.Mutex
	delays []float64
}

func (r *delayRecorder) RecordDelay(_ string, ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, ms)
}

func writeDocument(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channel.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const fixedDelayDocument = `
reply_channel:
  min_delay: 10
  max_delay: 10
  jitter: 0
  drop_probability: 0
  distribution:
    type: uniform
retry:
  max_retries: 5
  base_delay: 1000
  jitter: 500
`

type harness struct {
	t       *testing.T
	mock    *clock.Mock
	session *fakeSession
	pub     *fakePublisher
	relay   *Channel
	cancel  context.CancelFunc
	done    chan error
}

func newHarness(t *testing.T, doc string, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		mock:    clock.NewMock(),
		session: &fakeSession{},
		pub:     &fakePublisher{},
	}
	if cfg.Section == "" {
		cfg.Section = channel.SectionReply
	}
	cfg.Name = "reply"
	cfg.InboundQueue = inbound
	cfg.OutboundQueue = outbound
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 5 * time.Millisecond
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Second
	}

	opts = append([]Option{WithClock(h.mock), WithModel(impair.New(impair.Seeded(1)))}, opts...)
	r, err := New(cfg, channel.NewStore(writeDocument(t, doc)), h.session, h.pub, opts...)
	require.NoError(t, err)
	h.relay = r
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.relay.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		h.relay.sched.Stop()
	})
}

func (h *harness) stop() error {
	h.t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("relay did not stop")
		return nil
	}
}

func (h *harness) waitPending(n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.relay.sched.Pending() == n },
		2*time.Second, time.Millisecond, "pending forwards")
}

func (h *harness) waitAcked(n int) []uint64 {
	h.t.Helper()
	var acked []uint64
	require.Eventually(h.t, func() bool {
		acked, _, _ = h.session.settled()
		return len(acked) >= n
	}, 5*time.Second, time.Millisecond, "acked deliveries")
	return acked
}

func TestNewValidation(t *testing.T) {
	store := channel.NewStore("channel.yml")
	cfg := Config{InboundQueue: "in", OutboundQueue: "out"}

	_, err := New(cfg, nil, &fakeSession{}, &fakePublisher{})
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = New(cfg, store, nil, &fakePublisher{})
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = New(cfg, store, &fakeSession{}, nil)
	assert.ErrorIs(t, err, ErrNoPublisher)
	_, err = New(Config{InboundQueue: "in"}, store, &fakeSession{}, &fakePublisher{})
	assert.ErrorIs(t, err, ErrQueueUnset)

	r, err := New(Config{Section: channel.SectionRequest, InboundQueue: "in", OutboundQueue: "out"}, store, &fakeSession{}, &fakePublisher{})
	require.NoError(t, err)
	assert.Equal(t, channel.SectionRequest, r.Name())
	assert.Equal(t, DefaultPollInterval, r.cfg.PollInterval)
	assert.Nil(t, r.retry)
}

func TestRelayForwardsAndAcksOnce(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{})
	h.session.deliver(broker.Packet{Body: []byte("pong from container b")})
	h.start()

	h.waitPending(1)
	assert.Empty(t, h.pub.to(outbound))

	h.mock.Add(10 * time.Millisecond)
	acked := h.waitAcked(1)
	assert.Equal(t, []uint64{1}, acked)

	fwd := h.pub.to(outbound)
	require.Len(t, fwd, 1)
	assert.Equal(t, []byte("pong from container b"), fwd[0].Body)

	require.NoError(t, h.stop())
	acked, nacked, rejected := h.session.settled()
	assert.Equal(t, []uint64{1}, acked)
	assert.Empty(t, nacked)
	assert.Empty(t, rejected)
	assert.Zero(t, h.session.violations.Load())

	stats := h.relay.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Forwarded)
	assert.Zero(t, stats.Inflight)
	assert.False(t, stats.Connected)
}

func TestRelaySettlesWithoutWaitingOutPoll(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{PollInterval: time.Hour})
	h.session.fullWait = true
	h.session.deliver(broker.Packet{Body: []byte("quick ack")})
	h.start()

	h.waitPending(1)
	h.mock.Add(10 * time.Millisecond)
	assert.Equal(t, []uint64{1}, h.waitAcked(1))

	require.NoError(t, h.stop())
	assert.Zero(t, h.session.violations.Load())
}

func TestRelayUniformScenario(t *testing.T) {
	const doc = `
reply_channel:
  min_delay: 10
  max_delay: 20
  jitter: 0
  drop_probability: 0
  distribution:
    type: uniform
    parameters:
      min_delay: 10
      max_delay: 20
`
	rec := &delayRecorder{}
	h := newHarness(t, doc, Config{}, WithRecorder(rec))

	const packets = 1000
	batch := make([]broker.Packet, packets)
	for i := range batch {
		batch[i] = broker.Packet{Body: []byte(strconv.Itoa(i))}
	}
	h.session.deliver(batch...)
	h.start()

	h.waitPending(packets)
	h.mock.Add(20 * time.Millisecond)
	acked := h.waitAcked(packets)
	require.NoError(t, h.stop())

	seen := make(map[uint64]bool, packets)
	for _, tag := range acked {
		require.False(t, seen[tag], "tag %d acked twice", tag)
		seen[tag] = true
	}
	assert.Len(t, seen, packets)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.delays, packets)
	for _, d := range rec.delays {
		require.GreaterOrEqual(t, d, 10.0)
		require.LessOrEqual(t, d, 20.0)
	}
	assert.Zero(t, h.relay.Stats().Dropped)
	assert.Zero(t, h.session.violations.Load())
}

func TestRelayConcurrentForwardsSettleOnOwner(t *testing.T) {
	const doc = `
reply_channel:
  min_delay: 0
  max_delay: 50
  jitter: 5
  drop_probability: 0
`
	h := newHarness(t, doc, Config{})
	h.pub.fail = func(string) error {
		time.Sleep(time.Millisecond)
		return nil
	}

	const packets = 100
	for i := 0; i < packets; i++ {
		h.session.deliver(broker.Packet{Body: []byte("p" + strconv.Itoa(i))})
	}
	h.start()

	h.waitPending(packets)
	h.mock.Add(50 * time.Millisecond)
	acked := h.waitAcked(packets)
	require.NoError(t, h.stop())

	assert.Len(t, acked, packets)
	assert.Len(t, h.pub.to(outbound), packets)
	assert.Zero(t, h.session.violations.Load())
}

func TestRelayDropRequeues(t *testing.T) {
	const doc = `
reply_channel:
  min_delay: 0
  max_delay: 5
  drop_probability: 1
`
	h := newHarness(t, doc, Config{})
	for i := 0; i < 5; i++ {
		h.session.deliver(broker.Packet{Body: []byte("lost")})
	}
	h.start()

	require.Eventually(t, func() bool {
		_, nacked, _ := h.session.settled()
		return len(nacked) == 5
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.stop())

	acked, _, _ := h.session.settled()
	assert.Empty(t, acked)
	assert.Empty(t, h.pub.to(outbound))
	assert.Equal(t, uint64(5), h.relay.Stats().Dropped)
}

func TestRelayConfigErrorRequeuesAndRecovers(t *testing.T) {
	h := newHarness(t, "request_channel: {min_delay: 0, max_delay: 1}\n", Config{})
	h.session.deliver(broker.Packet{Body: []byte("early")})
	h.start()

	require.Eventually(t, func() bool {
		_, nacked, _ := h.session.settled()
		return len(nacked) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), h.relay.Stats().ConfigErrors)
	assert.Zero(t, h.relay.sched.Pending())

	require.NoError(t, channel.Update(h.relay.store.Path(), map[string]channel.Patch{
		channel.SectionReply: {MinDelay: ptr(5.0), MaxDelay: ptr(5.0)},
	}))
	h.session.deliver(broker.Packet{Body: []byte("late")})

	h.waitPending(1)
	h.mock.Add(5 * time.Millisecond)
	h.waitAcked(1)
	require.NoError(t, h.stop())
}

func TestRelayForwardFailureRequeues(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{})
	h.pub.fail = func(string) error { return broker.ErrPublishNacked }
	h.session.deliver(broker.Packet{Body: []byte("x")})
	h.start()

	h.waitPending(1)
	h.mock.Add(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, nacked, _ := h.session.settled()
		return len(nacked) == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, h.stop())

	acked, _, rejected := h.session.settled()
	assert.Empty(t, acked)
	assert.Empty(t, rejected)
	assert.Equal(t, uint64(1), h.relay.Stats().Failed)
}

func TestRelayReverseRetryBacksOff(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{Reverse: true})
	h.pub.fail = func(queue string) error {
		if queue == outbound {
			return errors.New("downstream unavailable")
		}
		return nil
	}
	h.session.deliver(broker.Packet{Body: []byte("reply"), Headers: amqp091.Table{"trace": "t"}})
	h.start()

	h.waitPending(1)
	h.mock.Add(10 * time.Millisecond)
	require.Eventually(t, func() bool { return h.relay.Stats().Retried == 1 },
		2*time.Second, time.Millisecond)
	h.waitPending(1)

	// base_delay 1000 with jitter 500 puts the resubmission in [500, 1500] ms.
	h.mock.Add(499 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, h.pub.to(inbound))

	h.mock.Add(1001 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.pub.to(inbound)) == 1 },
		2*time.Second, time.Millisecond)

	resub := h.pub.to(inbound)[0]
	assert.Equal(t, 1, resub.RetryCount())
	assert.Equal(t, "t", resub.Headers["trace"])
	assert.Equal(t, []byte("reply"), resub.Body)

	acked := h.waitAcked(1)
	assert.Equal(t, []uint64{1}, acked)
	require.NoError(t, h.stop())
	assert.Zero(t, h.session.violations.Load())
}

func TestRelayReverseRetryExhausted(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{Reverse: true})
	h.pub.fail = func(queue string) error {
		if queue == outbound {
			return errors.New("downstream unavailable")
		}
		return nil
	}
	h.session.deliver(broker.Packet{
		Body:    []byte("tired"),
		Headers: amqp091.Table{broker.HeaderRetries: int32(5)},
	})
	h.start()

	h.waitPending(1)
	h.mock.Add(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, rejected := h.session.settled()
		return len(rejected) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, h.relay.sched.Pending())
	assert.Empty(t, h.pub.to(inbound))

	// The loop keeps serving after exhaustion.
	h.pub.mu.Lock()
	h.pub.fail = nil
	h.pub.mu.Unlock()
	h.session.deliver(broker.Packet{Body: []byte("fresh")})
	h.waitPending(1)
	h.mock.Add(10 * time.Millisecond)
	acked := h.waitAcked(1)
	require.NoError(t, h.stop())

	assert.Equal(t, []uint64{2}, acked)
	assert.Equal(t, uint64(1), h.relay.Stats().Exhausted)
}

func TestRelayReconnectDropsStaleTickets(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{})
	h.session.openErrs = []error{&broker.TransportError{Op: "dial", Err: broker.ErrConnectionClosed}}
	h.session.deliver(broker.Packet{Body: []byte("orphan")})
	h.start()

	h.waitPending(1)
	h.session.failNextPoll(&broker.TransportError{Op: "poll", Err: broker.ErrDeliveriesClosed})
	require.Eventually(t, func() bool { return h.session.currentEpoch() == 2 },
		2*time.Second, time.Millisecond)

	h.mock.Add(10 * time.Millisecond)
	require.Eventually(t, func() bool { return len(h.pub.to(outbound)) == 1 },
		2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.relay.acks.Len() == 0 },
		2*time.Second, time.Millisecond)

	require.NoError(t, h.stop())
	acked, _, _ := h.session.settled()
	assert.Empty(t, acked)
	assert.Equal(t, uint64(2), h.relay.Stats().Reconnects)
	assert.Zero(t, h.session.violations.Load())
}

func TestRelayShutdownDrainsInflight(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{})
	h.session.deliver(broker.Packet{Body: []byte("last")})
	h.start()
	h.waitPending(1)

	h.cancel()
	// Let Run reach the drain before the forward fires.
	time.Sleep(20 * time.Millisecond)
	h.mock.Add(10 * time.Millisecond)

	require.NoError(t, h.stop())
	acked, _, _ := h.session.settled()
	assert.Equal(t, []uint64{1}, acked)
}

func TestRelayShutdownAbandonsAfterTimeout(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{DrainTimeout: 20 * time.Millisecond})
	h.session.deliver(broker.Packet{Body: []byte("stuck")})
	h.start()
	h.waitPending(1)

	require.NoError(t, h.stop())
	assert.Zero(t, h.relay.sched.Pending())
	assert.Zero(t, h.relay.Stats().Inflight)
	assert.Empty(t, h.pub.to(outbound))
	acked, nacked, _ := h.session.settled()
	assert.Empty(t, acked)
	assert.Empty(t, nacked)
}

func TestRelayRunOnce(t *testing.T) {
	h := newHarness(t, fixedDelayDocument, Config{})
	h.start()
	require.Eventually(t, h.relay.Connected, 2*time.Second, time.Millisecond)

	assert.ErrorIs(t, h.relay.Run(context.Background()), ErrAlreadyStarted)
	require.NoError(t, h.stop())
}

func ptr[T any](v T) *T {
	return &v
}
