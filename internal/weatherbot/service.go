// Package weatherbot owns the subscription lifecycle: it keeps the store and
// the live triggers in step for every command and on startup.
package weatherbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meteobot/internal/eventbus"
	"meteobot/internal/storage"
	"meteobot/internal/subscription"
	"meteobot/internal/weather"
	logx "meteobot/pkg/logx"
)

// Scheduler is the trigger side of a subscription.
type Scheduler interface {
	Arm(sub subscription.Subscription) (time.Time, error)
	Cancel(room subscription.RoomID, id int64) bool
	Has(room subscription.RoomID, id int64) bool
	Keys() []subscription.Key
}

type Locator interface {
	Search(ctx context.Context, query string) (weather.Location, error)
}

// Reporter renders on-demand forecasts.
type Reporter interface {
	Show(ctx context.Context, query string, days int) (string, error)
	Rain(ctx context.Context, query string) (string, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Store     *subscription.Store
	Scheduler Scheduler
	Locator   Locator
	Reporter  Reporter
	Audit     Auditor // optional
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Actor is who issued a command, for the audit log.
type Actor struct {
	ID       int64
	Username string
}

type Service struct {
	// opMu orders store+trigger pairs so they change together.
	opMu sync.Mutex

	store *subscription.Store
	sched Scheduler
	loc   Locator
	rep   Reporter
	audit Auditor
	bus   eventbus.Bus
	log   logx.Logger
}

func New(d Deps) *Service {
	return &Service{
		store: d.Store,
		sched: d.Scheduler,
		loc:   d.Locator,
		rep:   d.Reporter,
		audit: d.Audit,
		bus:   d.Bus,
		log:   d.Log.With(logx.String("comp", "weatherbot")),
	}
}

// Subscribe resolves query, records the subscription and arms its trigger.
// If arming fails the record is removed again.
func (s *Service) Subscribe(ctx context.Context, room subscription.RoomID, actor Actor, query, fireAt string, days int) (subscription.Subscription, error) {
	fire, err := subscription.ParseFireTime(fireAt)
	if err != nil {
		return subscription.Subscription{}, err
	}
	if days < 1 {
		return subscription.Subscription{}, fmt.Errorf("%w: days %d", subscription.ErrInvalidArgument, days)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return subscription.Subscription{}, fmt.Errorf("%w: empty location", subscription.ErrInvalidArgument)
	}

	// Network I/O stays outside the op lock.
	place, err := s.loc.Search(ctx, query)
	if err != nil {
		return subscription.Subscription{}, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	sub, err := s.store.Add(ctx, room, subscription.Location{ID: place.ID, Name: place.Name}, fire, days)
	if err != nil {
		s.appendAudit(ctx, room, actor, "subscribe", sub.ID, place.Name, err)
		return subscription.Subscription{}, err
	}
	next, err := s.sched.Arm(sub)
	if err != nil {
		if _, rerr := s.store.RemoveID(ctx, room, sub.ID); rerr != nil {
			s.log.Error("rollback after arm failure failed", logx.Room(string(room)), logx.Int64("id", sub.ID), logx.Err(rerr))
		}
		s.appendAudit(ctx, room, actor, "subscribe", sub.ID, place.Name, err)
		return subscription.Subscription{}, err
	}

	s.appendAudit(ctx, room, actor, "subscribe", sub.ID, place.Name, nil)
	s.publish(eventbus.SubscriptionAdded, sub)
	s.log.Info("subscribed",
		logx.Room(string(room)),
		logx.Int64("id", sub.ID),
		logx.String("location", place.Name),
		logx.String("fire", fire.String()),
		logx.Time("next", next),
	)
	return sub, nil
}

func (s *Service) List(room subscription.RoomID) []subscription.Subscription {
	return s.store.List(room)
}

// Delete cancels the index-th (1-based) subscription of room and removes it.
// If the removal cannot be persisted the trigger is armed again.
func (s *Service) Delete(ctx context.Context, room subscription.RoomID, actor Actor, index int) (subscription.Subscription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	subs := s.store.List(room)
	if index < 1 || index > len(subs) {
		return subscription.Subscription{}, fmt.Errorf("%w: %d not in [1, %d]", subscription.ErrIndexOutOfRange, index, len(subs))
	}
	target := subs[index-1]

	hadTrigger := s.sched.Cancel(room, target.ID)
	removed, err := s.store.RemoveID(ctx, room, target.ID)
	if err != nil {
		if hadTrigger {
			if _, aerr := s.sched.Arm(target); aerr != nil {
				s.log.Error("re-arm after failed delete failed", logx.Room(string(room)), logx.Int64("id", target.ID), logx.Err(aerr))
			}
		}
		s.appendAudit(ctx, room, actor, "delete", target.ID, target.LocationName, err)
		return subscription.Subscription{}, err
	}

	s.appendAudit(ctx, room, actor, "delete", removed.ID, removed.LocationName, nil)
	s.publish(eventbus.SubscriptionRemoved, removed)
	s.log.Info("unsubscribed", logx.Room(string(room)), logx.Int64("id", removed.ID), logx.String("location", removed.LocationName))
	return removed, nil
}

func (s *Service) Show(ctx context.Context, query string, days int) (string, error) {
	return s.rep.Show(ctx, query, days)
}

func (s *Service) Rain(ctx context.Context, query string) (string, error) {
	return s.rep.Rain(ctx, query)
}

// Recover loads the persisted subscriptions and arms each exactly once.
// Elapsed fire times wait for the next day. It returns how many were armed.
func (s *Service) Recover(ctx context.Context) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	start := time.Now()
	if _, err := s.store.Load(ctx); err != nil {
		return 0, err
	}
	armed := 0
	var errs []error
	for _, sub := range s.store.All() {
		if _, err := s.sched.Arm(sub); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.Key(), err))
			continue
		}
		armed++
	}
	s.log.Info("recovered subscriptions", logx.Int("armed", armed), logx.Int("failed", len(errs)), logx.Duration("took", time.Since(start)))
	return armed, errors.Join(errs...)
}

// Reconcile arms persisted subscriptions that lack a trigger and cancels
// triggers with no subscription behind them.
func (s *Service) Reconcile(ctx context.Context) (armed, canceled int, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	want := map[subscription.Key]subscription.Subscription{}
	for _, sub := range s.store.All() {
		want[sub.Key()] = sub
	}
	for _, k := range s.sched.Keys() {
		if _, ok := want[k]; !ok && s.sched.Cancel(k.Room, k.ID) {
			canceled++
		}
	}
	var errs []error
	for k, sub := range want {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if s.sched.Has(k.Room, k.ID) {
			continue
		}
		if _, aerr := s.sched.Arm(sub); aerr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, aerr))
			continue
		}
		armed++
	}
	if armed > 0 || canceled > 0 {
		s.log.Warn("triggers reconciled", logx.Int("armed", armed), logx.Int("canceled", canceled))
	}
	return armed, canceled, errors.Join(errs...)
}

func (s *Service) appendAudit(ctx context.Context, room subscription.RoomID, actor Actor, action string, id int64, location string, opErr error) {
	if errors.Is(opErr, subscription.ErrPersistence) && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.PersistFailed, Data: opErr.Error()})
	}
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:             time.Now().UTC(),
		Room:           string(room),
		ActorID:        actor.ID,
		ActorUsername:  actor.Username,
		Action:         action,
		SubscriptionID: id,
		Location:       location,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := s.audit.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, sub subscription.Subscription) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: sub})
	}
}
