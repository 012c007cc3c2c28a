package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

type NATSConfig struct {
	URL               string
	Subject           string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// NATSSink publishes records as JSON on Subject.<device>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

func DialNATS(cfg NATSConfig) (*NATSSink, error) {
	logger := log.With().Str("component", "sink").Str("sink", "nats").Logger()

	opts := []nats.Option{
		nats.Name("envsensed"),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	logger.Info().Str("url", cfg.URL).Msg("connected")
	return &NATSSink{nc: nc, subject: cfg.Subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	subject := s.subject
	if msg.Device != "" {
		subject += "." + subjectToken(msg.Device)
	}
	if err := s.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return s.nc.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// subjectToken makes a MAC address usable as a single subject token.
func subjectToken(device string) string {
	b := []byte(device)
	for i, c := range b {
		if c == ':' || c == '.' || c == ' ' || c == '*' || c == '>' {
			b[i] = '_'
		}
	}
	return string(b)
}
