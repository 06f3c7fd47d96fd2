// Package ingest subscribes to the decoder feed and hands raw sonde
// messages to the pipeline. NATS delivers to a subscription callback in
// arrival order, which gives the sequential processing the pipeline
// relies on.
package ingest

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"sonde_relay/internal/sonde"
)

// Config holds the decoder feed settings.
type Config struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// DefaultConfig returns the feed defaults.
func DefaultConfig() Config {
	return Config{
		URL:     nats.DefaultURL,
		Subject: "openwebrx.radiosonde",
		Name:    "sonde_relay",
	}
}

// Handler receives each decoded sonde message in arrival order.
type Handler func(msg *sonde.RawMessage)

// Ingestor owns the feed connection and subscription.
type Ingestor struct {
	cfg    Config
	logger *slog.Logger
	conn   *nats.Conn
	sub    *nats.Subscription
}

// New connects to the feed server.
func New(cfg Config, logger *slog.Logger) (*Ingestor, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	return &Ingestor{
		cfg:    cfg,
		logger: logger.With("component", "ingest"),
		conn:   conn,
	}, nil
}

// Start subscribes and delivers every sonde-mode message to the handler.
// Messages that fail to decode or carry a different mode tag are dropped.
func (i *Ingestor) Start(handler Handler) error {
	sub, err := i.conn.Subscribe(i.cfg.Subject, func(m *nats.Msg) {
		msg, err := sonde.Decode(m.Data)
		if err != nil {
			i.logger.Warn("undecodable message", "error", err)
			return
		}
		if !msg.IsSonde() {
			return
		}
		handler(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", i.cfg.Subject, err)
	}
	i.sub = sub
	i.logger.Info("subscribed", "subject", i.cfg.Subject, "server", i.conn.ConnectedUrl())
	return nil
}

// Stop drains the subscription so in-flight messages finish, then closes
// the connection.
func (i *Ingestor) Stop() {
	if i.sub != nil {
		if err := i.sub.Drain(); err != nil {
			i.logger.Warn("drain subscription", "error", err)
		}
	}
	i.conn.Close()
}
