// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/linkem/broker"
	"github.com/absmach/linkem/channel"
	"github.com/absmach/linkem/config"
	"github.com/absmach/linkem/relay"
	"github.com/absmach/linkem/server/health"
	"github.com/absmach/linkem/server/otel"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	which := flag.String("channel", "both", "Channels to relay: request, reply or both")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := selectChannels(cfg, *which); err != nil {
		slog.Error("Invalid channel selection", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	slog.Info("Starting link emulator", "instance", instanceID)
	slog.Info("Configuration loaded",
		"document", cfg.Channels.Document,
		"request_enabled", cfg.Channels.Request.Enabled,
		"reply_enabled", cfg.Channels.Reply.Enabled,
		"log_level", cfg.Log.Level)

	store := channel.NewStore(cfg.Channels.Document)
	checkDocument(store, cfg.Channels)

	var otelShutdown func(context.Context) error
	var opts []relay.Option
	opts = append(opts, relay.WithLogger(logger))

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, otel.Relay{
			InstanceID: instanceID,
			Document:   cfg.Channels.Document,
			Channels:   routes(cfg.Channels),
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"insecure", cfg.Server.OtelInsecure)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			opts = append(opts, relay.WithRecorder(m))
		}
		if cfg.Server.OtelTracesEnabled {
			opts = append(opts, relay.WithTracer(oteltrace.Tracer("linkem")))
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	brokerOpts := brokerOptions(cfg.Broker)
	breaker := broker.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}

	var (
		channels   []*relay.Channel
		publishers []*broker.Publisher
	)
	for _, lc := range []struct {
		name    string
		cfg     config.ChannelConfig
		reverse bool
	}{
		{name: "request", cfg: cfg.Channels.Request},
		{name: "reply", cfg: cfg.Channels.Reply, reverse: true},
	} {
		if !lc.cfg.Enabled {
			continue
		}
		chLogger := logger.With(slog.String("component", "broker"), slog.String("channel", lc.name))

		session, err := broker.NewSession(brokerOpts, lc.cfg.InboundQueue, []string{lc.cfg.OutboundQueue}, chLogger)
		if err != nil {
			slog.Error("Failed to create session", "channel", lc.name, "error", err)
			os.Exit(1)
		}
		pub, err := broker.NewPublisher(brokerOpts, breaker, chLogger)
		if err != nil {
			slog.Error("Failed to create publisher", "channel", lc.name, "error", err)
			os.Exit(1)
		}
		publishers = append(publishers, pub)

		ch, err := relay.New(relay.Config{
			Name:              lc.name,
			Section:           lc.cfg.Section,
			InboundQueue:      lc.cfg.InboundQueue,
			OutboundQueue:     lc.cfg.OutboundQueue,
			Reverse:           lc.reverse,
			PollInterval:      cfg.Channels.PollInterval,
			ReconnectInterval: cfg.Broker.ReconnectInterval,
			DrainTimeout:      cfg.Channels.DrainTimeout,
		}, store, session, pub, opts...)
		if err != nil {
			slog.Error("Failed to create relay", "channel", lc.name, "error", err)
			os.Exit(1)
		}
		channels = append(channels, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	for _, ch := range channels {
		wg.Add(1)
		go func(ch *relay.Channel) {
			defer wg.Done()
			if err := ch.Run(ctx); err != nil {
				slog.Error("Relay stopped with error", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}

	if cfg.Server.HealthEnabled {
		statuses := make([]health.Channel, 0, len(channels))
		for _, ch := range channels {
			statuses = append(statuses, ch)
		}
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, statuses, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Link emulator started", "channels", len(channels))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	for _, pub := range publishers {
		if err := pub.Close(); err != nil {
			slog.Error("Failed to close publisher", "error", err)
		}
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Link emulator stopped")
}

func routes(cfg config.ChannelsConfig) map[string]string {
	out := make(map[string]string, 2)
	if cfg.Request.Enabled {
		out["request"] = cfg.Request.InboundQueue + "->" + cfg.Request.OutboundQueue
	}
	if cfg.Reply.Enabled {
		out["reply"] = cfg.Reply.InboundQueue + "->" + cfg.Reply.OutboundQueue
	}
	return out
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func selectChannels(cfg *config.Config, which string) error {
	switch which {
	case "both":
	case "request":
		cfg.Channels.Reply.Enabled = false
	case "reply":
		cfg.Channels.Request.Enabled = false
	default:
		return fmt.Errorf("unknown channel %q", which)
	}
	if !cfg.Channels.Request.Enabled && !cfg.Channels.Reply.Enabled {
		return fmt.Errorf("channel %q is disabled in the configuration", which)
	}
	return nil
}

func brokerOptions(cfg config.BrokerConfig) *broker.Options {
	return broker.NewOptions().
		SetURL(cfg.URL).
		SetAddress(cfg.Address).
		SetCredentials(cfg.Username, cfg.Password).
		SetVhost(cfg.Vhost).
		SetHeartbeat(cfg.Heartbeat).
		SetDialTimeout(cfg.DialTimeout).
		SetPrefetch(cfg.Prefetch).
		SetReconnectInterval(cfg.ReconnectInterval).
		SetConfirmTimeout(cfg.ConfirmTimeout)
}

// checkDocument reports document problems at startup. They are not fatal:
// the document is re-read for every packet and may be fixed while running.
func checkDocument(store *channel.Store, cfg config.ChannelsConfig) {
	for _, ch := range []config.ChannelConfig{cfg.Request, cfg.Reply} {
		if !ch.Enabled {
			continue
		}
		if _, err := store.Load(ch.Section); err != nil {
			slog.Warn("Channel document not usable yet", "section", ch.Section, "error", err)
		}
	}
	if _, err := store.LoadRetry(); err != nil {
		slog.Warn("Retry policy not usable yet", "error", err)
	}
}
