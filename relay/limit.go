// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"time"

	"github.com/absmach/linkem/channel"
	"golang.org/x/time/rate"
)

// linkLimiter models link capacity as a token bucket. Packets beyond the
// bucket wait for a token, and that wait is added to their delay.
// Only the consume loop uses it.
type linkLimiter struct {
	cfg     channel.RateLimit
	limiter *rate.Limiter
}

// delay reserves a token at now and returns the queueing delay. The bucket
// is rebuilt whenever the configured rate or burst changes.
func (l *linkLimiter) delay(now time.Time, cfg channel.RateLimit) time.Duration {
	if !cfg.Enabled() {
		l.cfg = cfg
		l.limiter = nil
		return 0
	}
	if l.limiter == nil || cfg != l.cfg {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		l.cfg = cfg
		l.limiter = rate.NewLimiter(rate.Limit(cfg.PacketsPerSecond), burst)
	}

	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	return r.DelayFrom(now)
}
