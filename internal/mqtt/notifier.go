// Package mqtt publishes operational events to an MQTT broker so
// external automations can react to calendar activity (a mutation, a
// completed request) without polling the API. The notifier is a bus
// subscriber: it observes the same event stream the WebSocket handler
// serves and forwards each event as retained-free JSON.
package mqtt

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

	"github.com/almanac-ai/almanac/internal/config"
	"github.com/almanac-ai/almanac/internal/events"
)

// Notifier manages the MQTT connection and forwards bus events to the
// broker. Topics are <prefix>/events/<source>/<kind>; availability is
// published retained on <prefix>/availability with an offline will.
type Notifier struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Notifier but does not connect. Call [Notifier.Start]
// to begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Notifier {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "almanac"
	}
	return &Notifier{
		cfg:    cfg,
		bus:    bus,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes an online availability
// message; the broker publishes the offline will on unclean disconnect.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := n.cfg.TopicPrefix + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("connected to broker", "broker", n.cfg.Broker)
			n.publish(ctx, cm, availTopic, []byte("online"), true)
		},
		OnConnectError: func(err error) {
			n.logger.Warn("connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "almanac-notifier",
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	n.cm = cm

	// Wait for the initial connection before forwarding. Log but don't
	// fail on timeout; autopaho keeps retrying in the background and
	// queued events are simply dropped until it succeeds.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		n.logger.Warn("initial connection timed out, will retry in background", "error", err)
	}

	n.forward(ctx)

	// Publish offline cleanly before disconnecting.
	discCtx, discCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer discCancel()
	n.publish(discCtx, cm, availTopic, []byte("offline"), true)
	return cm.Disconnect(discCtx)
}

// forward drains the bus subscription until ctx is cancelled.
func (n *Notifier) forward(ctx context.Context) {
	sub := n.bus.Subscribe(64)
	defer n.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			n.forwardEvent(ctx, evt)
		}
	}
}

func (n *Notifier) forwardEvent(ctx context.Context, evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Warn("marshal event", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/events/%s/%s", n.cfg.TopicPrefix, evt.Source, evt.Kind)
	n.publish(ctx, n.cm, topic, payload, false)
}

func (n *Notifier) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, retain bool) {
	if cm == nil {
		return
	}
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	})
	if err != nil {
		n.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}
