package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/notify"
	"github.com/ggoodman/nucleus-ipc-go/notify/notifytest"
)

func TestFuncNotifier(t *testing.T) {
	notifytest.RunNotifierTests(t, func(t *testing.T) notify.Notifier {
		return notify.Func(func(context.Context, notify.Event) error { return nil })
	})
}

func TestChannelNotifier(t *testing.T) {
	notifytest.RunNotifierTests(t, func(t *testing.T) notify.Notifier {
		return notify.NewChannel()
	})
}

func TestChannel_CoalescesSignals(t *testing.T) {
	c := notify.NewChannel()
	sub := c.Subscriber()

	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		ev := notifytest.SampleEvent()
		ev.ID = id
		if err := c.Notify(ctx, ev); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected a pending signal")
	}
	select {
	case <-sub:
		t.Fatal("signals should coalesce into one")
	default:
	}
	latest, ok := c.Latest()
	if !ok || latest.ID != "c" {
		t.Fatalf("Latest = %+v, %v", latest, ok)
	}
	if c.Count() != 3 {
		t.Fatalf("Count = %d, want 3", c.Count())
	}

	_ = c.Close()
	if _, open := <-sub; open {
		t.Fatal("subscriber channel should be closed after Close")
	}
	if _, open := <-c.Subscriber(); open {
		t.Fatal("subscribing after Close should yield a closed channel")
	}
}
