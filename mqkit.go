// Copyright 2024 Mqkit Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqkit

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/glimte/mqkit/config"
	"github.com/glimte/mqkit/internal/certs"
	"github.com/glimte/mqkit/messaging"
	"github.com/glimte/mqkit/transports/rabbitmq"
)

// Client is a publish/consume client with its own connection
type Client struct {
	*messaging.Client
	Conn *messaging.Connection
}

// Close stops the client and disconnects
func (c *Client) Close(ctx context.Context) error {
	_ = c.Client.Close()
	return c.Conn.Disconnect(ctx)
}

// RPCClient is an RPC client with its own connection
type RPCClient struct {
	*messaging.RPCClient
	Conn *messaging.Connection
}

// Close fails pending calls and disconnects
func (c *RPCClient) Close(ctx context.Context) error {
	_ = c.RPCClient.Close()
	return c.Conn.Disconnect(ctx)
}

// RPCServer is an RPC server with its own connection
type RPCServer struct {
	*messaging.RPCServer
	Conn *messaging.Connection
}

// Close stops serving and disconnects
func (s *RPCServer) Close(ctx context.Context) error {
	_ = s.RPCServer.Close()
	return s.Conn.Disconnect(ctx)
}

// NewConnection creates a connection to url and starts connecting. An empty
// url falls back to the configured mq.url.
func NewConnection(url string, options ...Option) (*messaging.Connection, error) {
	cfg := newOptions(options)
	if url != "" {
		cfg.settings.URL = url
	}
	if err := cfg.settings.Validate(); err != nil {
		return nil, err
	}

	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	conn, err := messaging.NewConnection(cfg.settings.URL, dialer,
		messaging.WithLogger(cfg.logger),
		messaging.WithReconnectPolicy(cfg.settings.ReconnectPolicy()),
	)
	if err != nil {
		return nil, err
	}

	conn.Ensure()
	return conn, nil
}

// NewClient creates a Client on a new connection to url
func NewClient(url string, options ...Option) (*Client, error) {
	cfg := newOptions(options)

	conn, err := NewConnection(url, options...)
	if err != nil {
		return nil, err
	}

	client, err := messaging.NewClient(conn,
		messaging.WithClientLogger(cfg.logger),
		messaging.WithPublishConcurrency(cfg.settings.PublishConcurrency),
		messaging.WithRequeueDelay(cfg.settings.RequeueDelay),
	)
	if err != nil {
		_ = conn.Disconnect(context.Background())
		return nil, err
	}

	return &Client{Client: client, Conn: conn}, nil
}

// NewRPCClient creates an RPCClient on a new connection to url
func NewRPCClient(url string, options ...Option) (*RPCClient, error) {
	cfg := newOptions(options)

	conn, err := NewConnection(url, options...)
	if err != nil {
		return nil, err
	}

	client, err := messaging.NewRPCClient(conn,
		messaging.WithRPCLogger(cfg.logger),
		messaging.WithRPCTimeout(cfg.settings.RPCTimeout),
	)
	if err != nil {
		_ = conn.Disconnect(context.Background())
		return nil, err
	}

	return &RPCClient{RPCClient: client, Conn: conn}, nil
}

// NewRPCServer serves queue with handler on a new connection to url
func NewRPCServer(url, queue string, handler messaging.RPCHandler, options ...Option) (*RPCServer, error) {
	cfg := newOptions(options)

	conn, err := NewConnection(url, options...)
	if err != nil {
		return nil, err
	}

	server, err := messaging.NewRPCServer(conn, queue, handler,
		messaging.WithServerLogger(cfg.logger),
		messaging.WithPrefetch(cfg.settings.Prefetch),
	)
	if err != nil {
		_ = conn.Disconnect(context.Background())
		return nil, err
	}

	return &RPCServer{RPCServer: server, Conn: conn}, nil
}

// options holds constructor configuration
type options struct {
	logger    *slog.Logger
	settings  config.Settings
	tlsConfig *tls.Config
	transport messaging.Dialer
}

// Option configures the constructors
type Option func(*options)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// FromConfig applies the current values of cfg
func FromConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.settings = cfg.Settings()
	}
}

// WithSettings applies s
func WithSettings(s config.Settings) Option {
	return func(o *options) {
		o.settings = s
	}
}

// WithTLSConfig uses cfg instead of the certificates directory
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithDialer replaces the RabbitMQ dialer, e.g. with an in-memory broker
func WithDialer(dialer messaging.Dialer) Option {
	return func(o *options) {
		o.transport = dialer
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:   slog.Default(),
		settings: config.New().Settings(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) dialer() (messaging.Dialer, error) {
	if o.transport != nil {
		return o.transport, nil
	}

	tlsConfig := o.tlsConfig
	if tlsConfig == nil {
		loaded, err := certs.Load(o.settings.CertsDir, o.settings.Env)
		if err != nil {
			return nil, fmt.Errorf("load broker certificates: %w", err)
		}
		if loaded != nil {
			o.logger.Debug("loaded broker certificates", "dir", o.settings.CertsDir, "env", o.settings.Env)
		}
		tlsConfig = loaded
	}

	dialerOpts := []rabbitmq.DialerOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithTLSConfig(tlsConfig),
	}
	if o.settings.Heartbeat > 0 {
		dialerOpts = append(dialerOpts, rabbitmq.WithHeartbeat(o.settings.Heartbeat))
	}
	if o.settings.ConnectionName != "" {
		dialerOpts = append(dialerOpts, rabbitmq.WithConnectionName(o.settings.ConnectionName))
	}

	return rabbitmq.NewDialer(dialerOpts...), nil
}
