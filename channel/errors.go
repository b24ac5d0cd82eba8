// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
)

// Document errors.
var (
	ErrEmptyDocument       = errors.New("channel document is empty")
	ErrNotMapping          = errors.New("channel document root is not a mapping")
	ErrMissingSection      = errors.New("channel section not found")
	ErrSectionNotMapping   = errors.New("channel section is not a mapping")
	ErrMissingField        = errors.New("required field missing")
	ErrUnknownDistribution = errors.New("unknown distribution type")
	ErrInvalidParameter    = errors.New("invalid channel parameter")
	ErrInvalidIndicator    = errors.New("invalid error indicator")
)

// ConfigError reports a channel document that cannot be used to process a packet.
// It is fatal to the packet being processed, never to the relay.
type ConfigError struct {
	Path    string
	Section string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("channel config %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("channel config %s [%s]: %v", e.Path, e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
