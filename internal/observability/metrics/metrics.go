// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meteobot/internal/eventbus"
	"meteobot/internal/transport/telegram/router"
)

type Metrics struct {
	reg *prometheus.Registry

	SubscriptionChanges *prometheus.CounterVec
	TriggerEvents       *prometheus.CounterVec
	DispatchFailures    prometheus.Counter
	PersistFailures     prometheus.Counter
	Notifications       *prometheus.CounterVec
	Commands            *prometheus.CounterVec
	CommandDuration     prometheus.Histogram
	BusDropped          prometheus.CounterFunc
}

// New registers the bot's series on a private registry. armed reports the
// number of live triggers; it may be nil.
func New(bus eventbus.Bus, armed func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		SubscriptionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meteobot_subscription_changes_total",
			Help: "Subscriptions added or removed.",
		}, []string{"action"}),
		TriggerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meteobot_trigger_events_total",
			Help: "Trigger lifecycle events by type.",
		}, []string{"event"}),
		DispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meteobot_dispatch_failures_total",
			Help: "Scheduled fires that could not produce a report.",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "meteobot_persist_failures_total",
			Help: "Subscription changes the backend failed to save.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meteobot_notifications_total",
			Help: "Outbound notifications by outcome.",
		}, []string{"outcome"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meteobot_commands_total",
			Help: "Handled chat commands.",
		}, []string{"command", "result"}),
		CommandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meteobot_command_duration_seconds",
			Help:    "Chat command handling time.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	if bus != nil {
		m.BusDropped = f.NewCounterFunc(prometheus.CounterOpts{
			Name: "meteobot_eventbus_dropped_total",
			Help: "Events a slow subscriber missed.",
		}, func() float64 { return float64(bus.Dropped()) })
	}
	if armed != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "meteobot_triggers_armed",
			Help: "Subscriptions with a live daily trigger.",
		}, func() float64 { return float64(armed()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.SubscriptionAdded:
		m.SubscriptionChanges.WithLabelValues("added").Inc()
	case eventbus.SubscriptionRemoved:
		m.SubscriptionChanges.WithLabelValues("removed").Inc()
	case eventbus.TriggerArmed, eventbus.TriggerFired, eventbus.TriggerCanceled:
		m.TriggerEvents.WithLabelValues(e.Type).Inc()
	case eventbus.DispatchFailed:
		m.DispatchFailures.Inc()
	case eventbus.PersistFailed:
		m.PersistFailures.Inc()
	case eventbus.NotifierQueued:
		m.Notifications.WithLabelValues("queued").Inc()
	case eventbus.NotifierSent:
		m.Notifications.WithLabelValues("sent").Inc()
	case eventbus.NotifierFailed:
		m.Notifications.WithLabelValues("failed").Inc()
	case eventbus.NotifierDropped:
		m.Notifications.WithLabelValues("dropped").Inc()
	case eventbus.NotifierDeduped:
		m.Notifications.WithLabelValues("deduped").Inc()
	case eventbus.CommandHandled:
		ev, ok := e.Data.(router.CommandEvent)
		if !ok {
			return
		}
		result := "ok"
		if ev.Outcome != "ok" {
			result = "error"
		}
		m.Commands.WithLabelValues(ev.Command, result).Inc()
		m.CommandDuration.Observe(ev.Took.Seconds())
	}
}

// Consume observes bus events until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
