package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// MQTTSink publishes records as JSON. Records are published under
// Topic/<device> when the device is known.
type MQTTSink struct {
	client mqtt.Client
	cfg    MQTTConfig
	log    zerolog.Logger
}

// DialMQTT connects with a bounded exponential backoff; paho takes over
// reconnection once the first connect succeeds.
func DialMQTT(ctx context.Context, cfg MQTTConfig) (*MQTTSink, error) {
	logger := log.With().Str("component", "sink").Str("sink", "mqtt").Logger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("connected")
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	const maxRetries = 5

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			logger.Warn().Err(token.Error()).Msg("failed to connect to broker")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries-1), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection after retries: %w", err)
	}

	return &MQTTSink{client: client, cfg: cfg, log: logger}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) topic(msg Message) string {
	if msg.Device == "" {
		return s.cfg.Topic
	}
	return s.cfg.Topic + "/" + msg.Device
}

func (s *MQTTSink) Write(ctx context.Context, msg Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic(msg), s.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
		s.log.Info().Msg("MQTT client disconnected")
	}
	return nil
}
