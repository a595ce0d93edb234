package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Client wraps NATS connection and JetStream context with minimal helpers.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	options := []nats.Option{
		nats.Name("narratord"),
		nats.Timeout(timeout),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		js:   js,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) JetStream() nats.JetStreamContext {
	return c.js
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// EnsureStream creates the named JetStream stream when the server has
// JetStream and the stream is missing. A server without JetStream is not an
// error; events are then only delivered to live subscribers.
func (c *Client) EnsureStream(name string, subjects []string, maxAge time.Duration) error {
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	} else if errors.Is(err, nats.ErrJetStreamNotEnabled) || errors.Is(err, nats.ErrJetStreamNotEnabledForAccount) {
		c.log.Warn("jetstream unavailable, job events will not be retained")
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	c.log.Info("jetstream stream created", slog.String("stream", name))
	return nil
}
