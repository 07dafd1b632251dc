package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/whiskerlink/whisker-bridge/internal/account"
	"github.com/whiskerlink/whisker-bridge/internal/config"
	"github.com/whiskerlink/whisker-bridge/internal/model"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Bridge republishes device state to an MQTT broker. Full snapshots go
// retained to <prefix>/<serial>/state; individual changes go to
// <prefix>/<serial>/event. Availability uses a retained LWT topic.
type Bridge struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	logger *slog.Logger
}

// Connect dials the broker and announces the bridge online. The LWT flips
// the availability topic to offline if the process dies uncleanly.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Bridge, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(availabilityTopic(cfg.TopicPrefix), "offline", byte(cfg.QoS), true)

	b := &Bridge{cfg: cfg, logger: logger}
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		b.publish(availabilityTopic(cfg.TopicPrefix), []byte("online"), true)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect timeout after %v", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Run consumes change events from the account until ctx is canceled. Each
// event produces an event message plus a retained refresh of the full
// state snapshot.
func (b *Bridge) Run(ctx context.Context, acct *account.Account) {
	sub := acct.Subscribe(64)
	defer sub.Close()

	for _, descriptor := range acct.ListDevices() {
		b.publishSnapshot(acct, descriptor.Serial)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			b.publishEvent(event)
			b.publishSnapshot(acct, event.Serial)
		}
	}
}

func (b *Bridge) publishEvent(event model.ChangeEvent) {
	payload, err := json.Marshal(map[string]any{
		"serial":    event.Serial,
		"source":    event.Source,
		"timestamp": event.Timestamp,
		"changes":   event.Changes,
	})
	if err != nil {
		b.logger.Error("encode event payload", "serial", event.Serial, "err", err)
		return
	}
	b.publish(b.topic(event.Serial, "event"), payload, false)
}

func (b *Bridge) publishSnapshot(acct *account.Account, serial string) {
	current, err := acct.GetState(serial)
	if err != nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"serial":     current.Serial,
		"attributes": current.Attributes,
		"updatedAt":  current.UpdatedAt,
		"source":     current.Source,
	})
	if err != nil {
		b.logger.Error("encode state payload", "serial", serial, "err", err)
		return
	}
	b.publish(b.topic(serial, "state"), payload, true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, byte(b.cfg.QoS), retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("mqtt publish timeout", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("mqtt publish failed", "topic", topic, "err", err)
	}
}

func (b *Bridge) topic(serial, suffix string) string {
	return b.cfg.TopicPrefix + "/" + serial + "/" + suffix
}

func availabilityTopic(prefix string) string {
	return prefix + "/bridge/availability"
}

// Close announces offline and disconnects from the broker.
func (b *Bridge) Close() {
	b.publish(availabilityTopic(b.cfg.TopicPrefix), []byte("offline"), true)
	b.client.Disconnect(1000)
}
