package sensorlog

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Client is the sending side of the ingestion protocol: connect, send one
// reading per connection, await acknowledgment, retry on failure.
type Client struct {
	config  ClientConfig
	logger  *slog.Logger
	retryer *Retryer

	mu   sync.Mutex
	conn net.Conn
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for transport events.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for the given transport configuration.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	def := DefaultConfig("").Client
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	c := &Client{
		config: cfg,
		logger: slog.Default(),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.Retries,
			InitialBackoff:    cfg.RetryDelay,
			MaxBackoff:        cfg.RetryDelay,
			BackoffMultiplier: 1.0,
			Jitter:            0,
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
}

// Connect establishes a connection eagerly. Send dials on its own when
// needed, so Connect is only required by callers that want connection
// failures surfaced up front.
func (c *Client) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr(), c.config.DialTimeout)
	if err != nil {
		c.logger.Error("connect failed", "addr", c.addr(), "err", err)
		return err
	}
	c.logger.Info("connected", "addr", c.addr())

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Send transmits one reading and awaits the acknowledgment, retrying up to
// the configured attempt count with a fixed delay between attempts. The
// server closes the connection after each request, so every retry dials
// fresh. It returns false once retries are exhausted and never panics.
func (c *Client) Send(r Reading) bool {
	return c.SendContext(context.Background(), r)
}

// SendContext is Send with cancellation between attempts.
func (c *Client) SendContext(ctx context.Context, r Reading) bool {
	frame, err := EncodeFrame(r)
	if err != nil {
		c.logger.Error("encode failed", "sensor", r.SensorID, "err", err)
		return false
	}

	result := c.retryer.Do(ctx, func() error {
		return c.attempt(frame)
	})
	if result.LastErr != nil {
		c.logger.Error("send failed", "sensor", r.SensorID, "attempts", result.Attempts, "err", result.LastErr)
		return false
	}
	return true
}

// attempt performs one request cycle on a dedicated connection.
func (c *Client) attempt(frame []byte) error {
	conn, err := c.takeConn()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(c.config.AckTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	reply, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if string(reply) != AckToken {
		return ErrBadAck
	}
	return nil
}

// takeConn hands out the eagerly-dialed connection once, then dials per
// attempt.
func (c *Client) takeConn() (net.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	return net.DialTimeout("tcp", c.addr(), c.config.DialTimeout)
}

// Close releases the connection. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
