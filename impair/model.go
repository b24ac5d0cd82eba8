// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package impair samples per-packet link impairments: the forwarding delay
// and the drop decision of a logical channel.
package impair

import (
	"math"
	"time"

	"github.com/absmach/linkem/channel"
)

// Model draws delays and drop decisions from a Source.
type Model struct {
	src Source
}

// New creates a model. A nil source uses the goroutine-safe global generator.
func New(src Source) *Model {
	if src == nil {
		src = globalSource{}
	}
	return &Model{src: src}
}

// Sample returns the forwarding delay in milliseconds for one packet.
// The result always lies within [p.MinDelay, p.MaxDelay].
func (m *Model) Sample(p channel.Parameters) float64 {
	var delay float64

	d := p.Distribution
	switch d.Kind {
	case channel.KindExponential:
		delay = m.src.ExpFloat64() / d.Lambda
	case channel.KindNormal:
		delay = d.Mu + d.Sigma*m.src.NormFloat64()
	case channel.KindUniform:
		delay = m.Uniform(d.MinDelay, d.MaxDelay)
	default:
		delay = m.Uniform(0, p.MaxDelay)
	}

	delay += m.Uniform(-p.Jitter, p.Jitter)
	return Clamp(delay, p.MinDelay, p.MaxDelay)
}

// ShouldDrop reports whether the packet is lost on the link.
func (m *Model) ShouldDrop(p channel.Parameters) bool {
	return m.src.Float64() < p.DropProbability
}

// Uniform draws from [lo, hi].
func (m *Model) Uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + (hi-lo)*m.src.Float64()
}

// Clamp bounds v to [lo, hi]; NaN maps to lo.
func Clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(v, hi))
}

// Duration converts milliseconds to a time.Duration, flooring negatives at zero.
func Duration(ms float64) time.Duration {
	if !(ms > 0) {
		return 0
	}
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms * float64(time.Millisecond))
}
