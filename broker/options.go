// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Default values.
const (
	DefaultAddress           = "localhost:5672"
	DefaultDialTimeout       = 10 * time.Second
	DefaultHeartbeat         = 60 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultPrefetchCount     = 50
	DefaultConfirmTimeout    = 5 * time.Second
)

// Options configures broker connections.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Consumption
	PrefetchCount int // Maximum unacked deliveries per session

	// Reconnection uses a fixed interval, retried without bound.
	ReconnectInterval time.Duration

	// Publishing
	ConfirmTimeout time.Duration
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:           DefaultAddress,
		Username:          "guest",
		Password:          "guest",
		Vhost:             "/",
		DialTimeout:       DefaultDialTimeout,
		Heartbeat:         DefaultHeartbeat,
		PrefetchCount:     DefaultPrefetchCount,
		ReconnectInterval: DefaultReconnectInterval,
		ConfirmTimeout:    DefaultConfirmTimeout,
	}
}

// SetURL sets a full AMQP URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the TCP dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetHeartbeat sets the heartbeat interval.
func (o *Options) SetHeartbeat(d time.Duration) *Options {
	o.Heartbeat = d
	return o
}

// SetPrefetch sets the per-session prefetch count.
func (o *Options) SetPrefetch(count int) *Options {
	o.PrefetchCount = count
	return o
}

// SetReconnectInterval sets the fixed wait between reconnect attempts.
func (o *Options) SetReconnectInterval(d time.Duration) *Options {
	o.ReconnectInterval = d
	return o
}

// SetConfirmTimeout sets how long a publish waits for the broker confirm.
func (o *Options) SetConfirmTimeout(d time.Duration) *Options {
	o.ConfirmTimeout = d
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	if o.PrefetchCount < 0 {
		return ErrInvalidPrefetch
	}
	return nil
}

func (o *Options) dialURL() string {
	if o.URL != "" {
		return o.URL
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String()
}

func (o *Options) dial() (*amqp091.Connection, error) {
	dialer := &net.Dialer{Timeout: o.DialTimeout}
	return amqp091.DialConfig(o.dialURL(), amqp091.Config{
		TLSClientConfig: o.TLSConfig,
		Heartbeat:       o.Heartbeat,
		Dial:            dialer.Dial,
	})
}

func declareQuorum(ch *amqp091.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp091.Table{"x-queue-type": "quorum"},
	)
	return err
}
