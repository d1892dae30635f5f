package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"meteobot/internal/eventbus"
	"meteobot/internal/transport/telegram/router"
)

func TestObserve(t *testing.T) {
	m := New(nil, func() int { return 4 })

	m.Observe(eventbus.Event{Type: eventbus.SubscriptionAdded})
	m.Observe(eventbus.Event{Type: eventbus.SubscriptionAdded})
	m.Observe(eventbus.Event{Type: eventbus.SubscriptionRemoved})
	m.Observe(eventbus.Event{Type: eventbus.TriggerFired})
	m.Observe(eventbus.Event{Type: eventbus.DispatchFailed})
	m.Observe(eventbus.Event{Type: eventbus.NotifierSent})
	m.Observe(eventbus.Event{Type: eventbus.PersistFailed})
	m.Observe(eventbus.Event{Type: eventbus.CommandHandled, Data: router.CommandEvent{Command: "weather add", Outcome: "Ville non trouvée", Took: time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.CommandHandled, Data: "garbage"})

	if got := testutil.ToFloat64(m.SubscriptionChanges.WithLabelValues("added")); got != 2 {
		t.Fatalf("added = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SubscriptionChanges.WithLabelValues("removed")); got != 1 {
		t.Fatalf("removed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TriggerEvents.WithLabelValues(eventbus.TriggerFired)); got != 1 {
		t.Fatalf("fired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DispatchFailures); got != 1 {
		t.Fatalf("dispatch failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PersistFailures); got != 1 {
		t.Fatalf("persist failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("sent")); got != 1 {
		t.Fatalf("sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Commands.WithLabelValues("weather add", "error")); got != 1 {
		t.Fatalf("commands = %v, want 1", got)
	}
}

func TestHandlerExposesGauge(t *testing.T) {
	m := New(eventbus.New(), func() int { return 3 })
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"meteobot_triggers_armed 3", "meteobot_eventbus_dropped_total 0", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body lacks %q", want)
		}
	}
}

func TestConsume(t *testing.T) {
	bus := eventbus.New()
	m := New(bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Consume(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.Notifications.WithLabelValues("dropped")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event not consumed")
		}
		// Publishing before Subscribe loses the event, so keep publishing.
		bus.Publish(eventbus.Event{Type: eventbus.NotifierDropped})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}
