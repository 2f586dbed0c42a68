// Package events publishes sync lifecycle events to an MQTT broker: an
// availability topic with a last-will message, a retained summary after
// every cycle, and individual error events. The broker is optional
// infrastructure; every publish failure is logged and swallowed.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/draftmill/draftmill/internal/config"
	"github.com/draftmill/draftmill/internal/syncer"
)

// publishTimeout bounds each broker round trip.
const publishTimeout = 5 * time.Second

// Publisher manages the MQTT connection and implements
// syncer.Publisher. The zero value is unusable; call New.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to establish the connection.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, logger: logger}
}

// Start connects to the broker. autopaho reconnects in the background,
// so a slow initial connection is a warning, not a failure.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			p.publishRetained(ctx, cm, p.availabilityTopic(), []byte("online"))
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an offline availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishRetained(ctx, p.cm, p.availabilityTopic(), []byte("offline"))
	return p.cm.Disconnect(ctx)
}

// PublishCycle implements syncer.Publisher. The summary is retained so
// late subscribers see the most recent cycle.
func (p *Publisher) PublishCycle(summary syncer.CycleSummary) {
	payload, err := cyclePayload(summary)
	if err != nil {
		p.logger.Error("mqtt marshal cycle summary", "error", err)
		return
	}
	p.publish(p.cycleTopic(), payload, true)
}

// PublishError implements syncer.Publisher. Errors are transient
// events, not retained.
func (p *Publisher) PublishError(account string, err error) {
	payload, merr := errorPayload(account, err, time.Now())
	if merr != nil {
		p.logger.Error("mqtt marshal error event", "error", merr)
		return
	}
	p.publish(p.errorTopic(), payload, false)
}

func (p *Publisher) publish(topic string, payload []byte, retain bool) {
	if p.cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) availabilityTopic() string { return p.cfg.TopicPrefix + "/availability" }
func (p *Publisher) cycleTopic() string        { return p.cfg.TopicPrefix + "/cycle" }
func (p *Publisher) errorTopic() string        { return p.cfg.TopicPrefix + "/error" }

// errorEvent is the wire shape of a published error.
type errorEvent struct {
	Account string    `json:"account"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

func cyclePayload(summary syncer.CycleSummary) ([]byte, error) {
	return json.Marshal(summary)
}

func errorPayload(account string, err error, now time.Time) ([]byte, error) {
	return json.Marshal(errorEvent{
		Account: account,
		Time:    now,
		Message: err.Error(),
	})
}
