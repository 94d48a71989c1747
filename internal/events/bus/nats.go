package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roostlabs/roostd/internal/common/logger"
)

// NATSMirrorConfig configures the outbound NATS mirror.
type NATSMirrorConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
	SubjectPrefix string // defaults to "roost."
}

// NATSMirror republishes every bus event to NATS so out-of-process
// observers can follow agent and channel activity. It is publish-only;
// the daemon never consumes from NATS.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
	sub    Subscription
}

// NewNATSMirror connects to NATS with reconnection handling.
func NewNATSMirror(cfg NATSMirrorConfig, log *logger.Logger) (*NATSMirror, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "roost."
	}
	log = log.WithFields(zap.String("component", "nats_mirror"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return &NATSMirror{conn: conn, prefix: cfg.SubjectPrefix, logger: log}, nil
}

// Attach subscribes the mirror to every subject on the bus.
func (m *NATSMirror) Attach(b Bus) error {
	sub, err := b.Subscribe(">", m.forward)
	if err != nil {
		return err
	}
	m.sub = sub
	return nil
}

func (m *NATSMirror) forward(_ context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		// Payloads are mirrored best-effort; unmarshalable ones are dropped.
		m.logger.Debug("skipping unmarshalable event", zap.String("subject", event.Subject))
		return nil
	}
	if err := m.conn.Publish(m.prefix+event.Subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", event.Subject, err)
	}
	return nil
}

// Close detaches from the bus and drains the connection.
func (m *NATSMirror) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("nats drain failed", zap.Error(err))
	}
}
