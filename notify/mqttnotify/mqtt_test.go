package mqttnotify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/ggoodman/nucleus-ipc-go/notify/notifytest"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

func testConfig() Config {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	cfg.Topic = "ggipc/test/" + uuid.NewString()
	cfg.ConnectTimeout = time.Second
	return cfg
}

func TestMQTTNotifier(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without a broker
	n, err := New(testConfig())
	if err != nil {
		t.Skipf("skipping mqtt notifier tests: %v", err)
		return
	}
	_ = n.Close()

	notifytest.RunNotifierTests(t, func(t *testing.T) notify.Notifier {
		n, err := New(testConfig())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return n
	})

	t.Run("SubscriberReceivesEvent", func(t *testing.T) {
		cfg := testConfig()
		n, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer n.Close()

		got := make(chan notify.Event, 1)
		sub := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(brokerURL(cfg)).SetClientID("ggipc-sub-" + uuid.NewString()[:8]))
		if tok := sub.Connect(); tok.Wait() && tok.Error() != nil {
			t.Fatalf("subscriber connect: %v", tok.Error())
		}
		defer sub.Disconnect(0)
		tok := sub.Subscribe(n.Topic(), 1, func(_ mqtt.Client, m mqtt.Message) {
			var ev notify.Event
			if err := json.Unmarshal(m.Payload(), &ev); err == nil {
				select {
				case got <- ev:
				default:
				}
			}
		})
		if tok.Wait() && tok.Error() != nil {
			t.Fatalf("subscribe: %v", tok.Error())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		want := notifytest.SampleEvent()
		if err := n.Notify(ctx, want); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		select {
		case ev := <-got:
			if ev.Kind != want.Kind || ev.ID != want.ID {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-ctx.Done():
			t.Fatal("subscriber did not receive the event")
		}
	})
}

func brokerURL(cfg Config) string {
	if cfg.Broker == "" {
		return DefaultBroker
	}
	return cfg.Broker
}
