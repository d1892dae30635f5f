// Package dispatch turns a fired subscription into a delivered forecast.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meteobot/internal/eventbus"
	"meteobot/internal/subscription"
	kit "meteobot/internal/transport"
	"meteobot/internal/weather"
	logx "meteobot/pkg/logx"
)

// Notifier queues a message for a room.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Dispatcher struct {
	provider weather.Provider
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
	loc      func() *time.Location
}

type Option func(*Dispatcher)

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

// WithLocation sets the zone used to date fires (dedup key). Default Local.
func WithLocation(loc func() *time.Location) Option { return func(d *Dispatcher) { d.loc = loc } }

func WithNow(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(provider weather.Provider, notifier Notifier, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider: provider,
		notifier: notifier,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
		loc:      func() *time.Location { return time.Local },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch fetches the subscription's forecast and queues it for its room.
// Upstream failures are logged once and returned wrapped in
// ErrUpstreamUnavailable; nothing is sent in that case.
func (d *Dispatcher) Dispatch(ctx context.Context, sub subscription.Subscription) error {
	log := d.log.With(logx.Room(string(sub.Room)), logx.Int64("id", sub.ID), logx.String("location", sub.LocationName))

	target, err := kit.ParseRoomID(string(sub.Room))
	if err != nil {
		log.Error("undeliverable room", logx.Err(err))
		d.publishFailure(sub, err)
		return err
	}

	fc, err := d.provider.Forecast(ctx, sub.LocationID, sub.ForecastDays)
	if err != nil {
		if !errors.Is(err, subscription.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %v", subscription.ErrUpstreamUnavailable, err)
		}
		log.Warn("forecast fetch failed; skipping this fire", logx.Err(err))
		d.publishFailure(sub, err)
		return err
	}

	day := d.now().In(d.loc()).Format("2006-01-02")
	err = d.notifier.Notify(ctx, kit.Notification{
		Target:   target,
		Text:     ScheduledMessage(sub.LocationName, fc),
		Options:  &kit.SendOptions{DisablePreview: true},
		DedupKey: "fire:" + sub.Key().String() + ":" + day,
	})
	if err != nil {
		log.Warn("queue notification failed", logx.Err(err))
		d.publishFailure(sub, err)
		return err
	}
	log.Debug("forecast queued", logx.Int("records", len(fc)))
	return nil
}

// Show resolves query and renders the next days days.
func (d *Dispatcher) Show(ctx context.Context, query string, days int) (string, error) {
	if days < 1 {
		return "", fmt.Errorf("%w: days %d", subscription.ErrInvalidArgument, days)
	}
	loc, err := d.provider.Search(ctx, query)
	if err != nil {
		return "", err
	}
	fc, err := d.provider.Forecast(ctx, loc.ID, days)
	if err != nil {
		return "", err
	}
	return ShowMessage(days, loc.Name, fc), nil
}

// Rain renders the next-hour rain forecast for query.
func (d *Dispatcher) Rain(ctx context.Context, query string) (string, error) {
	loc, err := d.provider.Search(ctx, query)
	if err != nil {
		return "", err
	}
	rf, err := d.provider.RainNextHour(ctx, loc.ID)
	if err != nil {
		return "", err
	}
	return RainMessage(loc.Name, rf), nil
}

func (d *Dispatcher) publishFailure(sub subscription.Subscription, err error) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Data: map[string]any{
		"key":   sub.Key().String(),
		"error": err.Error(),
	}})
}
