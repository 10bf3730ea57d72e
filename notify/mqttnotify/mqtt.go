// Package mqttnotify relays subscription events to an MQTT broker, typically
// the local broker bridged to the cloud on a Greengrass core device.
// Events are published as JSON-encoded notify.Event values.
package mqttnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

// Config for the MQTT notifier. Defaults can be loaded via envdecode.
type Config struct {
	// Broker URL. ENV: GGIPC_MQTT_BROKER
	Broker string `env:"GGIPC_MQTT_BROKER,default=tcp://localhost:1883"`
	// Topic events are published to. ENV: GGIPC_MQTT_TOPIC
	Topic string `env:"GGIPC_MQTT_TOPIC,default=ggipc/component-updates"`
	// ClientID defaults to a random "ggipc-" id. ENV: GGIPC_MQTT_CLIENT_ID
	ClientID string `env:"GGIPC_MQTT_CLIENT_ID"`
	// QoS for published messages. ENV: GGIPC_MQTT_QOS
	QoS int `env:"GGIPC_MQTT_QOS,default=1"`
	// ConnectTimeout bounds the initial broker connect. ENV: GGIPC_MQTT_CONNECT_TIMEOUT
	ConnectTimeout time.Duration `env:"GGIPC_MQTT_CONNECT_TIMEOUT,default=5s"`
}

const (
	DefaultBroker = "tcp://localhost:1883"
	DefaultTopic  = "ggipc/component-updates"
)

// Notifier publishes events to a topic.
type Notifier struct {
	client mqtt.Client
	topic  string
	qos    byte
	closed atomic.Bool
}

var _ notify.Notifier = (*Notifier)(nil)

func New(cfg Config) (*Notifier, error) {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "ggipc-" + uuid.NewString()[:8]
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("mqttnotify: invalid qos %d", cfg.QoS)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &Notifier{client: client, topic: cfg.Topic, qos: byte(cfg.QoS)}, nil
}

// NewFromEnv builds a Notifier using envdecode to populate Config.
func NewFromEnv() (*Notifier, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (n *Notifier) Topic() string { return n.topic }

// Notify publishes ev and waits for the broker acknowledgement (for QoS > 0)
// or ctx, whichever comes first.
func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	if n.closed.Load() {
		return notify.ErrClosed
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := n.client.Publish(n.topic, n.qos, false, b)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker, allowing 250ms for in-flight work.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.client.Disconnect(250)
	return nil
}
