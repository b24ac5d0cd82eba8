// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Section names of the channel document.
const (
	SectionRequest = "request_channel"
	SectionReply   = "reply_channel"
	SectionRetry   = "retry"
)

// Kind selects the delay distribution of a channel.
type Kind string

// Supported distributions. KindUnset falls back to a uniform draw over [0, max_delay].
const (
	KindUnset       Kind = ""
	KindExponential Kind = "exponential"
	KindNormal      Kind = "normal"
	KindUniform     Kind = "uniform"
)

// ParseKind maps a document distribution tag to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindUnset, KindExponential, KindNormal, KindUniform:
		return k, nil
	default:
		return KindUnset, fmt.Errorf("%w: %q", ErrUnknownDistribution, s)
	}
}

// Distribution is the tagged delay distribution of a channel.
// Only the fields of the selected Kind are meaningful.
type Distribution struct {
	Kind Kind

	// exponential
	Lambda float64 // rate, 1/ms

	// normal
	Mu    float64
	Sigma float64

	// uniform
	MinDelay float64
	MaxDelay float64
}

// RateLimit caps the packet rate of a channel. Zero PacketsPerSecond disables it.
type RateLimit struct {
	PacketsPerSecond float64
	Burst            int
}

// Enabled reports whether the limit applies.
func (r RateLimit) Enabled() bool {
	return r.PacketsPerSecond > 0
}

// Parameters are the impairment settings of one logical channel.
// All delays are in milliseconds.
type Parameters struct {
	MinDelay        float64
	MaxDelay        float64
	Jitter          float64
	DropProbability float64
	Distribution    Distribution
	ErrorIndicator  ErrorIndicator
	RateLimit       RateLimit
}

// RetryPolicy configures reverse-channel resubmission. Delays are in milliseconds.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  float64
	Jitter     float64
}

// DefaultRetryPolicy is used when the document carries no retry section.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  1000,
		Jitter:     500,
	}
}

// ErrorIndicator is the 16-bit bit_flip value of a channel.
// It is carried through configuration but never applied to payloads.
type ErrorIndicator uint16

// ParseErrorIndicator accepts "0xFFFF", "FFFF" or a decimal integer.
// Values wider than 16 bits are masked.
func ParseErrorIndicator(s string) (ErrorIndicator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIndicator, s)
	}
	return ErrorIndicator(n & 0xFFFF), nil
}

// String returns the normalized "0xFFFF" form.
func (e ErrorIndicator) String() string {
	return fmt.Sprintf("0x%04X", uint16(e))
}

// UnmarshalYAML accepts both quoted hex strings and plain integers.
func (e *ErrorIndicator) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: not a scalar", ErrInvalidIndicator)
	}
	if value.Tag == "!!int" {
		n, err := strconv.ParseInt(value.Value, 0, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", ErrInvalidIndicator, value.Value)
		}
		*e = ErrorIndicator(n & 0xFFFF)
		return nil
	}
	v, err := ParseErrorIndicator(value.Value)
	if err != nil {
		return err
	}
	*e = v
	return nil
}
