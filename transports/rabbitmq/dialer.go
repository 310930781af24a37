package rabbitmq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/url"
	"time"

	"github.com/glimte/mqkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// Dialer opens RabbitMQ sessions with amqp091-go
type Dialer struct {
	tlsConfig      *tls.Config
	heartbeat      time.Duration
	dialTimeout    time.Duration
	connectionName string
	logger         *slog.Logger
}

// DialerOption configures the Dialer
type DialerOption func(*Dialer)

// WithTLSConfig sets the TLS material used for amqps URLs
func WithTLSConfig(cfg *tls.Config) DialerOption {
	return func(d *Dialer) {
		d.tlsConfig = cfg
	}
}

// WithHeartbeat sets the heartbeat interval negotiated with the broker
func WithHeartbeat(interval time.Duration) DialerOption {
	return func(d *Dialer) {
		d.heartbeat = interval
	}
}

// WithDialTimeout bounds the TCP connect
func WithDialTimeout(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.dialTimeout = timeout
	}
}

// WithConnectionName sets the name shown in the management UI
func WithConnectionName(name string) DialerOption {
	return func(d *Dialer) {
		d.connectionName = name
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDialer creates a Dialer
func NewDialer(options ...DialerOption) *Dialer {
	d := &Dialer{
		heartbeat:   defaultHeartbeat,
		dialTimeout: defaultDialTimeout,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Dial implements messaging.Dialer. amqp091-go dials without a context, so
// a dial that outlives ctx is closed as soon as it completes.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (messaging.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := d.config(rawURL)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: messaging.SanitizeURL(rawURL), Err: err, Timestamp: time.Now()}
	}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(rawURL, cfg)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &ConnectionError{Op: "dial", URL: messaging.SanitizeURL(rawURL), Err: res.err, Timestamp: time.Now()}
		}
		return newSession(res.conn, d.logger), nil

	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, &ConnectionError{Op: "dial", URL: messaging.SanitizeURL(rawURL), Err: ctx.Err(), Timestamp: time.Now()}
	}
}

func (d *Dialer) config(rawURL string) (amqp.Config, error) {
	tlsConfig, err := tlsFor(rawURL, d.tlsConfig)
	if err != nil {
		return amqp.Config{}, err
	}

	props := amqp.NewConnectionProperties()
	if d.connectionName != "" {
		props.SetClientConnectionName(d.connectionName)
	}

	return amqp.Config{
		Heartbeat:       d.heartbeat,
		TLSClientConfig: tlsConfig,
		Properties:      props,
		Locale:          "en_US",
		Dial:            amqp.DefaultDial(d.dialTimeout),
	}, nil
}

// tlsFor returns a copy of cfg whose ServerName defaults to the URL host
func tlsFor(rawURL string, cfg *tls.Config) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	out := cfg.Clone()
	if out.ServerName == "" {
		out.ServerName = u.Hostname()
	}
	return out, nil
}
