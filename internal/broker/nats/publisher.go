// Package nats publishes applied trade mutations to a NATS JetStream stream
// for downstream consumers.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brokex/tradeindexer/internal/domain"
)

const (
	// StreamName is the JetStream stream carrying trade changes.
	StreamName    = "BROKEX_TRADES"
	subjectPrefix = "brokex.trades"
)

// Config holds connection and stream settings.
type Config struct {
	URL            string
	MaxAge         time.Duration
	Replicas       int
	PublishTimeout time.Duration
}

// Publisher implements domain.ChangePublisher on JetStream.
type Publisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.ChangePublisher = (*Publisher)(nil)

// Connect dials NATS with unlimited reconnects and ensures the trade change
// stream exists.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With(slog.String("component", "nats"))
	nc, err := nats.Connect(cfg.URL,
		nats.Name("brokex-tradeindexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	p := &Publisher{nc: nc, js: js, timeout: cfg.PublishTimeout, logger: logger}
	if p.timeout <= 0 {
		p.timeout = 5 * time.Second
	}
	if err := p.ensureStream(ctx, cfg); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureStream(ctx context.Context, cfg Config) error {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}
	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  replicas,
	})
	if err != nil {
		return fmt.Errorf("nats: ensure stream %s: %w", StreamName, err)
	}
	p.logger.Info("ensured change stream", slog.String("stream", StreamName))
	return nil
}

// Subject returns the subject a change is published on.
func Subject(change domain.TradeChange) string {
	return fmt.Sprintf("%s.%s.%d", subjectPrefix, change.Stream, change.TradeID)
}

// PublishChange publishes change as JSON. The message id makes JetStream
// drop redeliveries of the same log within its duplicate window.
func (p *Publisher) PublishChange(ctx context.Context, change domain.TradeChange) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("nats: marshal change: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msgID := fmt.Sprintf("%s:%d", change.TxHash, change.LogIndex)
	if _, err := p.js.Publish(ctx, Subject(change), data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("nats: publish %s: %w", Subject(change), err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}
