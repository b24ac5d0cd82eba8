// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import "sync/atomic"

// Recorder receives per-channel measurements. server/otel.Metrics
// implements it.
type Recorder interface {
	RecordReceived(channel string)
	RecordForwarded(channel string)
	RecordDropped(channel string)
	RecordFailed(channel string)
	RecordRetried(channel string)
	RecordExhausted(channel string)
	RecordConfigError(channel string)
	RecordReconnect(channel string)
	RecordInflight(channel string, delta int64)
	RecordDelay(channel string, ms float64)
}

type noopRecorder struct{}

func (noopRecorder) RecordReceived(string)        {}
func (noopRecorder) RecordForwarded(string)       {}
func (noopRecorder) RecordDropped(string)         {}
func (noopRecorder) RecordFailed(string)          {}
func (noopRecorder) RecordRetried(string)         {}
func (noopRecorder) RecordExhausted(string)       {}
func (noopRecorder) RecordConfigError(string)     {}
func (noopRecorder) RecordReconnect(string)       {}
func (noopRecorder) RecordInflight(string, int64) {}
func (noopRecorder) RecordDelay(string, float64)  {}

// Stats holds running counters for one channel.
type Stats struct {
	received     atomic.Uint64
	forwarded    atomic.Uint64
	dropped      atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	exhausted    atomic.Uint64
	configErrors atomic.Uint64
	reconnects   atomic.Uint64
	inflight     atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Channel      string `json:"channel"`
	Connected    bool   `json:"connected"`
	Received     uint64 `json:"received"`
	Forwarded    uint64 `json:"forwarded"`
	Dropped      uint64 `json:"dropped"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	Exhausted    uint64 `json:"exhausted"`
	ConfigErrors uint64 `json:"config_errors"`
	Reconnects   uint64 `json:"reconnects"`
	Inflight     int64  `json:"inflight"`
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Received:     s.received.Load(),
		Forwarded:    s.forwarded.Load(),
		Dropped:      s.dropped.Load(),
		Failed:       s.failed.Load(),
		Retried:      s.retried.Load(),
		Exhausted:    s.exhausted.Load(),
		ConfigErrors: s.configErrors.Load(),
		Reconnects:   s.reconnects.Load(),
		Inflight:     s.inflight.Load(),
	}
}
