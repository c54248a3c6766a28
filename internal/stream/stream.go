// Package stream connects the attribution consumer to NATS JetStream.
//
// Outcome events are read from a durable pull consumer; attribution and
// deprecation events are published back to the same stream with a
// Nats-Msg-Id header so the broker drops duplicates produced by replays.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
)

// Config configures the NATS connection and JetStream resources.
type Config struct {
	URL      string        `koanf:"url"`
	Stream   string        `koanf:"stream"`
	Subjects []string      `koanf:"subjects"`
	Durable  string        `koanf:"durable"`
	Replicas int           `koanf:"replicas"`
	InMemory bool          `koanf:"in_memory"`
	MaxAge   time.Duration `koanf:"max_age"`

	// DuplicateWindow bounds how long the broker remembers message ids.
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	AckWait       time.Duration `koanf:"ack_wait"`
	MaxDeliver    int           `koanf:"max_deliver"`
	MaxAckPending int           `koanf:"max_ack_pending"`
	FetchWait     time.Duration `koanf:"fetch_wait"`
	NakDelay      time.Duration `koanf:"nak_delay"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig returns local development defaults.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Stream:          "GROOVE",
		Subjects:        []string{"groove.>"},
		Durable:         "attribution",
		Replicas:        1,
		MaxAge:          30 * 24 * time.Hour,
		DuplicateWindow: 24 * time.Hour,
		AckWait:         2 * time.Minute,
		MaxDeliver:      20,
		MaxAckPending:   256,
		FetchWait:       time.Second,
		NakDelay:        2 * time.Second,
		MaxReconnects:   -1,
		ReconnectWait:   time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if len(c.Subjects) == 0 {
		c.Subjects = d.Subjects
	}
	if c.Durable == "" {
		c.Durable = d.Durable
	}
	if c.Replicas <= 0 {
		c.Replicas = d.Replicas
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = d.DuplicateWindow
	}
	if c.AckWait <= 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = d.MaxDeliver
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = d.MaxAckPending
	}
	if c.FetchWait <= 0 {
		c.FetchWait = d.FetchWait
	}
	if c.NakDelay <= 0 {
		c.NakDelay = d.NakDelay
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = d.ReconnectWait
	}
}

// Client owns the NATS connection and the JetStream handle.
type Client struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("groove-attribution"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	c := &Client{cfg: cfg, nc: nc, js: js, logger: logger}
	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("connected to nats",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.Stream))
	return c, nil
}

func (c *Client) ensureStream(ctx context.Context) error {
	storage := jetstream.FileStorage
	if c.cfg.InMemory {
		storage = jetstream.MemoryStorage
	}
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       c.cfg.Stream,
		Subjects:   c.cfg.Subjects,
		Storage:    storage,
		Replicas:   c.cfg.Replicas,
		MaxAge:     c.cfg.MaxAge,
		Duplicates: c.cfg.DuplicateWindow,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() error {
	if c.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", c.nc.Status())
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() error {
	if err := c.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.nc.Close()
		return err
	}
	return nil
}

// transient marks broker failures as retryable for the consumer.
func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, attribution.ErrTransient, err)
}
