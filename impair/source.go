// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package impair

import (
	"math/rand/v2"
	"sync"
)

// Source provides the random draws of the impairment model.
// *rand.Rand from math/rand/v2 satisfies it, but is not safe for concurrent use;
// wrap it with Locked when shared.
type Source interface {
	Float64() float64
	ExpFloat64() float64
	NormFloat64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64     { return rand.Float64() }
func (globalSource) ExpFloat64() float64  { return rand.ExpFloat64() }
func (globalSource) NormFloat64() float64 { return rand.NormFloat64() }

type lockedSource struct {
	mu  sync.Mutex
	src Source
}

// Locked serializes access to src.
func Locked(src Source) Source {
	return &lockedSource{src: src}
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func (l *lockedSource) ExpFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.ExpFloat64()
}

func (l *lockedSource) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.NormFloat64()
}

// Seeded returns a goroutine-safe deterministic source.
func Seeded(seed uint64) Source {
	return Locked(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}
