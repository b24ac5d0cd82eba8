// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Store reads channel parameters from the channel document.
// Every call re-reads the file so that edits apply to the next packet.
type Store struct {
	path     string
	readFile func(string) ([]byte, error)
}

// NewStore creates a store backed by the document at path.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		readFile: os.ReadFile,
	}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the parameters of the named section.
// All failures are reported as *ConfigError.
func (s *Store) Load(section string) (Parameters, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		return Parameters{}, &ConfigError{Path: s.path, Section: section, Err: err}
	}

	params, err := Parse(data, section)
	if err != nil {
		return Parameters{}, &ConfigError{Path: s.path, Section: section, Err: err}
	}
	return params, nil
}

// LoadRetry reads the retry section, falling back to DefaultRetryPolicy
// for a missing section or missing fields.
func (s *Store) LoadRetry() (RetryPolicy, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		return RetryPolicy{}, &ConfigError{Path: s.path, Section: SectionRetry, Err: err}
	}

	policy, err := ParseRetry(data)
	if err != nil {
		return RetryPolicy{}, &ConfigError{Path: s.path, Section: SectionRetry, Err: err}
	}
	return policy, nil
}

type rawDistribution struct {
	Type       string `yaml:"type"`
	Parameters struct {
		Lambda   *float64 `yaml:"lambda"`
		Mu       *float64 `yaml:"mu"`
		Sigma    *float64 `yaml:"sigma"`
		MinDelay *float64 `yaml:"min_delay"`
		MaxDelay *float64 `yaml:"max_delay"`
	} `yaml:"parameters"`
}

type rawChannel struct {
	MinDelay        *float64        `yaml:"min_delay"`
	MaxDelay        *float64        `yaml:"max_delay"`
	Jitter          float64         `yaml:"jitter"`
	DropProbability float64         `yaml:"drop_probability"`
	BitFlip         ErrorIndicator  `yaml:"bit_flip"`
	Distribution    rawDistribution `yaml:"distribution"`
	RateLimit       struct {
		PacketsPerSecond float64 `yaml:"packets_per_second"`
		Burst            int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

type rawRetry struct {
	MaxRetries *int     `yaml:"max_retries"`
	BaseDelay  *float64 `yaml:"base_delay"`
	Jitter     *float64 `yaml:"jitter"`
}

// Parse decodes the named section of a channel document.
func Parse(data []byte, section string) (Parameters, error) {
	root, err := parseRoot(data)
	if err != nil {
		return Parameters{}, err
	}

	node := lookup(root, section)
	if node == nil {
		return Parameters{}, fmt.Errorf("%w: %s", ErrMissingSection, section)
	}
	if node.Kind != yaml.MappingNode {
		return Parameters{}, fmt.Errorf("%w: %s", ErrSectionNotMapping, section)
	}

	var raw rawChannel
	if err := node.Decode(&raw); err != nil {
		return Parameters{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return raw.parameters()
}

// ParseRetry decodes the retry section of a channel document.
func ParseRetry(data []byte) (RetryPolicy, error) {
	root, err := parseRoot(data)
	if err != nil {
		return RetryPolicy{}, err
	}

	policy := DefaultRetryPolicy()
	node := lookup(root, SectionRetry)
	if node == nil {
		return policy, nil
	}
	if node.Kind != yaml.MappingNode {
		return RetryPolicy{}, fmt.Errorf("%w: %s", ErrSectionNotMapping, SectionRetry)
	}

	var raw rawRetry
	if err := node.Decode(&raw); err != nil {
		return RetryPolicy{}, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if raw.MaxRetries != nil {
		policy.MaxRetries = *raw.MaxRetries
	}
	if raw.BaseDelay != nil {
		policy.BaseDelay = *raw.BaseDelay
	}
	if raw.Jitter != nil {
		policy.Jitter = *raw.Jitter
	}

	switch {
	case policy.MaxRetries < 0:
		return RetryPolicy{}, fmt.Errorf("%w: retry.max_retries must not be negative", ErrInvalidParameter)
	case !finite(policy.BaseDelay) || policy.BaseDelay < 0:
		return RetryPolicy{}, fmt.Errorf("%w: retry.base_delay must be a non-negative number", ErrInvalidParameter)
	case !finite(policy.Jitter) || policy.Jitter < 0:
		return RetryPolicy{}, fmt.Errorf("%w: retry.jitter must be a non-negative number", ErrInvalidParameter)
	}
	return policy, nil
}

func (r rawChannel) parameters() (Parameters, error) {
	if r.MinDelay == nil {
		return Parameters{}, fmt.Errorf("%w: min_delay", ErrMissingField)
	}
	if r.MaxDelay == nil {
		return Parameters{}, fmt.Errorf("%w: max_delay", ErrMissingField)
	}

	p := Parameters{
		MinDelay:        *r.MinDelay,
		MaxDelay:        *r.MaxDelay,
		Jitter:          r.Jitter,
		DropProbability: r.DropProbability,
		ErrorIndicator:  r.BitFlip,
		RateLimit: RateLimit{
			PacketsPerSecond: r.RateLimit.PacketsPerSecond,
			Burst:            r.RateLimit.Burst,
		},
	}

	switch {
	case !finite(p.MinDelay) || p.MinDelay < 0:
		return Parameters{}, fmt.Errorf("%w: min_delay must be a non-negative number", ErrInvalidParameter)
	case !finite(p.MaxDelay) || p.MaxDelay < p.MinDelay:
		return Parameters{}, fmt.Errorf("%w: max_delay must not be below min_delay", ErrInvalidParameter)
	case !finite(p.Jitter) || p.Jitter < 0:
		return Parameters{}, fmt.Errorf("%w: jitter must be a non-negative number", ErrInvalidParameter)
	case !(p.DropProbability >= 0 && p.DropProbability <= 1):
		return Parameters{}, fmt.Errorf("%w: drop_probability must be within [0, 1]", ErrInvalidParameter)
	case !finite(p.RateLimit.PacketsPerSecond) || p.RateLimit.PacketsPerSecond < 0 || p.RateLimit.Burst < 0:
		return Parameters{}, fmt.Errorf("%w: rate_limit must not be negative", ErrInvalidParameter)
	}

	dist, err := r.Distribution.distribution(p)
	if err != nil {
		return Parameters{}, err
	}
	p.Distribution = dist
	return p, nil
}

func (r rawDistribution) distribution(p Parameters) (Distribution, error) {
	kind, err := ParseKind(r.Type)
	if err != nil {
		return Distribution{}, err
	}

	d := Distribution{Kind: kind}
	dp := r.Parameters
	switch kind {
	case KindExponential:
		if dp.Lambda == nil {
			return Distribution{}, fmt.Errorf("%w: distribution.parameters.lambda", ErrMissingField)
		}
		if !finite(*dp.Lambda) || *dp.Lambda <= 0 {
			return Distribution{}, fmt.Errorf("%w: lambda must be positive", ErrInvalidParameter)
		}
		d.Lambda = *dp.Lambda
	case KindNormal:
		if dp.Mu == nil || dp.Sigma == nil {
			return Distribution{}, fmt.Errorf("%w: distribution.parameters.mu and sigma", ErrMissingField)
		}
		if !finite(*dp.Mu) || !finite(*dp.Sigma) || *dp.Sigma < 0 {
			return Distribution{}, fmt.Errorf("%w: sigma must be a non-negative number", ErrInvalidParameter)
		}
		d.Mu, d.Sigma = *dp.Mu, *dp.Sigma
	case KindUniform:
		d.MinDelay, d.MaxDelay = p.MinDelay, p.MaxDelay
		if dp.MinDelay != nil {
			d.MinDelay = *dp.MinDelay
		}
		if dp.MaxDelay != nil {
			d.MaxDelay = *dp.MaxDelay
		}
		if !finite(d.MinDelay) || !finite(d.MaxDelay) || d.MinDelay > d.MaxDelay {
			return Distribution{}, fmt.Errorf("%w: uniform min_delay must not exceed max_delay", ErrInvalidParameter)
		}
	}
	return d, nil
}

func parseRoot(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrEmptyDocument
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, ErrNotMapping
	}
	return root, nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
