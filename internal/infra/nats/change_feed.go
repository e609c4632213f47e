package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
)

const DefaultSubject = "quiz.answers.changes"

type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Subject:       DefaultSubject,
		MaxReconnects: -1, // infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Handler receives decoded change events.
type Handler func(ctx context.Context, ev domain.ChangeEvent)

// ChangeFeed carries answer change notifications between relay instances over
// core NATS subjects. Delivery is at-most-once; a missed event only delays
// cache invalidation until the entry's TTL runs out.
type ChangeFeed struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
}

func Connect(cfg Config) (*ChangeFeed, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	opts := []nats.Option{
		nats.Name("quiz-sync-relay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &ChangeFeed{nc: nc, subject: cfg.Subject}, nil
}

func (f *ChangeFeed) Publish(_ context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if err := f.nc.Publish(f.subject, data); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe delivers every valid event on the subject to h until Close.
func (f *ChangeFeed) Subscribe(ctx context.Context, h Handler) error {
	sub, err := f.nc.Subscribe(f.subject, func(msg *nats.Msg) {
		if err := dispatch(ctx, msg.Data, h); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping change event")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.subject, err)
	}
	f.sub = sub
	log.Info().Str("subject", f.subject).Msg("subscribed to answer changes")
	return nil
}

func dispatch(ctx context.Context, data []byte, h Handler) error {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode change event: %w", err)
	}
	switch ev.Kind {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return fmt.Errorf("unknown change kind %q", ev.Kind)
	}
	if err := ev.Record.Validate(); err != nil {
		return err
	}
	h(ctx, ev)
	return nil
}

func (f *ChangeFeed) Close() error {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	return f.nc.Drain()
}
