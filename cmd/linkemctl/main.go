// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command linkemctl edits the channel parameter document of a running
// link emulator. Changes take effect on the next relayed packet.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/absmach/linkem/channel"
)

var errUsage = errors.New("usage: linkemctl [set|show] [flags]")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("linkemctl failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	if strings.HasPrefix(args[0], "-") {
		return runSet(args, out)
	}
	switch args[0] {
	case "set":
		return runSet(args[1:], out)
	case "show":
		return runShow(args[1:], out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func runSet(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.SetOutput(out)
	document := fs.String("document", "channel.yml", "Path to the channel document")
	which := fs.String("channel", "request", "Channel to edit: request or reply")

	minDelay := fs.Float64("min-delay", 0, "Minimum delay in ms")
	maxDelay := fs.Float64("max-delay", 0, "Maximum delay in ms")
	jitter := fs.Float64("jitter", 0, "Jitter in ms")
	drop := fs.Float64("drop", 0, "Drop probability in [0, 1]")
	bitFlip := fs.String("bit-flip", "", "Error indicator, e.g. 0x0000")
	dist := fs.String("distribution", "", "Delay distribution: exponential, normal or uniform")
	lambda := fs.Float64("lambda", 0, "Exponential rate")
	mu := fs.Float64("mu", 0, "Normal mean in ms")
	sigma := fs.Float64("sigma", 0, "Normal standard deviation in ms")
	uniformMin := fs.Float64("uniform-min", 0, "Uniform lower bound in ms")
	uniformMax := fs.Float64("uniform-max", 0, "Uniform upper bound in ms")
	ratePPS := fs.Float64("rate", 0, "Packets per second, 0 disables the limit")
	burst := fs.Int("burst", 0, "Rate limit burst")

	if err := fs.Parse(args); err != nil {
		return err
	}

	section, err := sectionFor(*which)
	if err != nil {
		return err
	}

	var patch channel.Patch
	var perr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "min-delay":
			patch.MinDelay = minDelay
		case "max-delay":
			patch.MaxDelay = maxDelay
		case "jitter":
			patch.Jitter = jitter
		case "drop":
			patch.DropProbability = drop
		case "bit-flip":
			ei, err := channel.ParseErrorIndicator(*bitFlip)
			if err != nil {
				perr = err
				return
			}
			patch.ErrorIndicator = &ei
		case "distribution":
			k, err := channel.ParseKind(*dist)
			if err != nil {
				perr = err
				return
			}
			patch.Distribution = &k
		case "lambda":
			patch.Lambda = lambda
		case "mu":
			patch.Mu = mu
		case "sigma":
			patch.Sigma = sigma
		case "uniform-min":
			patch.UniformMin = uniformMin
		case "uniform-max":
			patch.UniformMax = uniformMax
		case "rate":
			patch.RatePerSecond = ratePPS
		case "burst":
			patch.RateBurst = burst
		}
	})
	if perr != nil {
		return perr
	}
	if patch.Empty() {
		return errors.New("nothing to change")
	}

	if err := channel.Update(*document, map[string]channel.Patch{section: patch}); err != nil {
		return err
	}

	// Read back so a bad combination is reported now rather than per packet.
	if _, err := channel.NewStore(*document).Load(section); err != nil {
		return fmt.Errorf("document updated but %s is not usable: %w", section, err)
	}
	fmt.Fprintf(out, "updated %s in %s\n", section, *document)
	return nil
}

type channelView struct {
	MinDelay        float64 `json:"min_delay"`
	MaxDelay        float64 `json:"max_delay"`
	Jitter          float64 `json:"jitter"`
	DropProbability float64 `json:"drop_probability"`
	BitFlip         string  `json:"bit_flip"`
	Distribution    string  `json:"distribution,omitempty"`
	Lambda          float64 `json:"lambda,omitempty"`
	Mu              float64 `json:"mu,omitempty"`
	Sigma           float64 `json:"sigma,omitempty"`
	UniformMin      float64 `json:"uniform_min,omitempty"`
	UniformMax      float64 `json:"uniform_max,omitempty"`
	RatePerSecond   float64 `json:"rate_per_second,omitempty"`
	RateBurst       int     `json:"rate_burst,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type retryView struct {
	MaxRetries int     `json:"max_retries"`
	BaseDelay  float64 `json:"base_delay"`
	Jitter     float64 `json:"jitter"`
	Error      string  `json:"error,omitempty"`
}

func runShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.SetOutput(out)
	document := fs.String("document", "channel.yml", "Path to the channel document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store := channel.NewStore(*document)
	view := map[string]any{}
	for _, section := range []string{channel.SectionRequest, channel.SectionReply} {
		p, err := store.Load(section)
		if err != nil {
			view[section] = channelView{Error: err.Error()}
			continue
		}
		view[section] = channelView{
			MinDelay:        p.MinDelay,
			MaxDelay:        p.MaxDelay,
			Jitter:          p.Jitter,
			DropProbability: p.DropProbability,
			BitFlip:         p.ErrorIndicator.String(),
			Distribution:    string(p.Distribution.Kind),
			Lambda:          p.Distribution.Lambda,
			Mu:              p.Distribution.Mu,
			Sigma:           p.Distribution.Sigma,
			UniformMin:      p.Distribution.MinDelay,
			UniformMax:      p.Distribution.MaxDelay,
			RatePerSecond:   p.RateLimit.PacketsPerSecond,
			RateBurst:       p.RateLimit.Burst,
		}
	}
	if rp, err := store.LoadRetry(); err != nil {
		view[channel.SectionRetry] = retryView{Error: err.Error()}
	} else {
		view[channel.SectionRetry] = retryView{MaxRetries: rp.MaxRetries, BaseDelay: rp.BaseDelay, Jitter: rp.Jitter}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

func sectionFor(name string) (string, error) {
	switch name {
	case "request":
		return channel.SectionRequest, nil
	case "reply":
		return channel.SectionReply, nil
	default:
		return "", fmt.Errorf("unknown channel %q", name)
	}
}
