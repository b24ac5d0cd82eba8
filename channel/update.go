// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Patch holds the channel fields to change. Nil fields are left untouched.
type Patch struct {
	MinDelay        *float64
	MaxDelay        *float64
	Jitter          *float64
	DropProbability *float64
	ErrorIndicator  *ErrorIndicator

	Distribution *Kind
	Lambda       *float64
	Mu           *float64
	Sigma        *float64
	UniformMin   *float64
	UniformMax   *float64

	RatePerSecond *float64
	RateBurst     *int
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Update merges patches (keyed by section name) into the document at path.
// Keys the patches do not name are preserved. The file is replaced atomically,
// so a concurrent Load sees either the old or the new document.
func Update(path string, patches map[string]Patch) error {
	doc, mode, err := readDocument(path)
	if err != nil {
		return err
	}

	root := doc.Content[0]
	for section, patch := range patches {
		if patch.Empty() {
			continue
		}
		patch.apply(ensureMap(root, section))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode channel document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode channel document: %w", err)
	}

	return writeAtomic(path, buf.Bytes(), mode)
}

func readDocument(path string) (*yaml.Node, fs.FileMode, error) {
	mode := fs.FileMode(0o644)

	info, err := os.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil, 0, fmt.Errorf("channel document %s is a directory", path)
	case err == nil:
		mode = info.Mode().Perm()
	case errors.Is(err, fs.ErrNotExist):
		return newDocument(), mode, nil
	default:
		return nil, 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read channel document: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, 0, fmt.Errorf("failed to parse channel document: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return newDocument(), mode, nil
	}
	if doc.Content[0].Kind != yaml.MappingNode {
		// Refuse rather than overwrite content we do not understand.
		return nil, 0, ErrNotMapping
	}
	return &doc, mode, nil
}

func newDocument() *yaml.Node {
	return &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
	}
}

func writeAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write channel document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync channel document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close channel document: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to set channel document mode: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace channel document: %w", err)
	}
	return nil
}

func (p Patch) apply(sec *yaml.Node) {
	setNumber(sec, "min_delay", p.MinDelay)
	setNumber(sec, "max_delay", p.MaxDelay)
	setNumber(sec, "jitter", p.Jitter)
	setNumber(sec, "drop_probability", p.DropProbability)

	if p.ErrorIndicator != nil {
		setScalar(sec, "bit_flip", &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!str",
			Style: yaml.DoubleQuotedStyle,
			Value: p.ErrorIndicator.String(),
		})
	}

	if p.Distribution != nil || p.Lambda != nil || p.Mu != nil || p.Sigma != nil || p.UniformMin != nil || p.UniformMax != nil {
		dist := ensureMap(sec, "distribution")
		if p.Distribution != nil {
			setScalar(dist, "type", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(*p.Distribution)})
		}
		params := ensureMap(dist, "parameters")
		setNumber(params, "lambda", p.Lambda)
		setNumber(params, "mu", p.Mu)
		setNumber(params, "sigma", p.Sigma)
		setNumber(params, "min_delay", p.UniformMin)
		setNumber(params, "max_delay", p.UniformMax)
	}

	if p.RatePerSecond != nil || p.RateBurst != nil {
		rl := ensureMap(sec, "rate_limit")
		setNumber(rl, "packets_per_second", p.RatePerSecond)
		if p.RateBurst != nil {
			setScalar(rl, "burst", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(*p.RateBurst)})
		}
	}
}

// ensureMap returns the mapping stored under key, replacing a non-mapping value.
func ensureMap(m *yaml.Node, key string) *yaml.Node {
	if v := lookup(m, key); v != nil {
		if v.Kind != yaml.MappingNode {
			*v = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		}
		return v
	}

	v := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

func setScalar(m *yaml.Node, key string, value *yaml.Node) {
	if v := lookup(m, key); v != nil {
		// Keep comments attached to the old value.
		value.HeadComment, value.LineComment, value.FootComment = v.HeadComment, v.LineComment, v.FootComment
		*v = *value
		return
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func setNumber(m *yaml.Node, key string, v *float64) {
	if v == nil {
		return
	}
	tag := "!!float"
	if *v == math.Trunc(*v) && math.Abs(*v) < 1e15 {
		tag = "!!int"
	}
	setScalar(m, key, &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   tag,
		Value: strconv.FormatFloat(*v, 'f', -1, 64),
	})
}
