package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"meteobot/internal/eventbus"
	"meteobot/internal/subscription"
	logx "meteobot/pkg/logx"
)

// Arm registers the daily trigger for sub and returns its first fire time.
// Any previous trigger under the same key is replaced.
func (s *Service) Arm(sub subscription.Subscription) (time.Time, error) {
	if !sub.Fire.Valid() {
		return time.Time{}, fmt.Errorf("%w: fire time %s", subscription.ErrInvalidArgument, sub.Fire)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return time.Time{}, ErrStopped
	}
	return s.armLocked(sub, s.clock.Now())
}

// Cancel disarms the trigger for (room, id). It reports whether one existed.
// A fire already in progress still completes but is not re-armed.
func (s *Service) Cancel(room subscription.RoomID, id int64) bool {
	key := subscription.Key{Room: room, ID: id}
	s.mu.Lock()
	t, ok := s.triggers[key]
	if ok {
		t.timer.Stop()
		delete(s.triggers, key)
	}
	s.mu.Unlock()

	if ok {
		s.publish(eventbus.TriggerCanceled, key)
		s.log.Debug("trigger canceled", logx.Room(string(room)), logx.Int64("id", id))
	}
	return ok
}

// Has reports whether a trigger is armed for (room, id).
func (s *Service) Has(room subscription.RoomID, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triggers[subscription.Key{Room: room, ID: id}]
	return ok
}

// Keys lists armed triggers ordered by room then id.
func (s *Service) Keys() []subscription.Key {
	s.mu.Lock()
	keys := make([]subscription.Key, 0, len(s.triggers))
	for k := range s.triggers {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sortKeys(keys)
	return keys
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.triggers)
}

func (s *Service) nextFireLocked(fire subscription.FireTime, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(dailySpec(fire))
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(s.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no next fire for %s", fire)
	}
	return next, nil
}

func dailySpec(f subscription.FireTime) string {
	return fmt.Sprintf("%d %d * * *", f.Minute, f.Hour)
}

// armLocked computes the next fire strictly after from and installs a fresh
// timer generation. Call with s.mu held.
func (s *Service) armLocked(sub subscription.Subscription, from time.Time) (time.Time, error) {
	key := sub.Key()
	next, err := s.nextFireLocked(sub.Fire, from)
	if err != nil {
		return time.Time{}, err
	}

	var fires uint64
	if old, ok := s.triggers[key]; ok {
		old.timer.Stop()
		fires = old.fires
	}
	s.seq++
	ver := s.seq
	now := s.clock.Now()
	t := &trigger{sub: sub, ver: ver, next: next, armedAt: now, fires: fires}
	t.timer = s.clock.AfterFunc(next.Sub(now), func() { s.onFire(key, ver) })
	s.triggers[key] = t

	s.publish(eventbus.TriggerArmed, TriggerInfo{Room: sub.Room, ID: sub.ID, Location: sub.LocationName, Fire: sub.Fire.String(), Days: sub.ForecastDays, Next: next, ArmedAt: now, Fires: fires})
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("trigger armed",
			logx.Room(string(sub.Room)),
			logx.Int64("id", sub.ID),
			logx.String("next", next.Format("2006-01-02 15:04:05 MST")),
			logx.Duration("in", next.Sub(now)),
		)
	}
	return next, nil
}

// onFire runs on the timer goroutine. It dispatches the snapshot captured at
// arm time and re-arms only if generation ver is still the registered one.
func (s *Service) onFire(key subscription.Key, ver uint64) {
	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok || t.ver != ver || s.stopped {
		s.mu.Unlock()
		return
	}
	sub := t.sub
	scheduled := t.next
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	s.fired.Add(1)
	s.publish(eventbus.TriggerFired, key)
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(s.baseCtx, s.fireTimeout())
	err := s.runFire(ctx, sub)
	cancel()
	if err != nil {
		s.failures.Add(1)
		s.warnThrottled("fire:"+key.String(), "dispatch failed; will retry tomorrow",
			logx.Room(string(key.Room)), logx.Int64("id", key.ID), logx.Err(err))
	} else {
		s.log.Info("subscription fired", logx.Room(string(key.Room)), logx.Int64("id", key.ID), logx.Duration("took", time.Since(start)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok = s.triggers[key]
	if !ok || t.ver != ver || s.stopped {
		s.log.Debug("trigger gone during fire; not re-armed", logx.Room(string(key.Room)), logx.Int64("id", key.ID))
		return
	}
	t.fires++
	from := s.clock.Now()
	if from.Before(scheduled) {
		from = scheduled
	}
	if _, err := s.armLocked(sub, from); err != nil {
		delete(s.triggers, key)
		s.log.Error("re-arm failed; trigger dropped", logx.Room(string(key.Room)), logx.Int64("id", key.ID), logx.Err(err))
	}
}

func (s *Service) runFire(ctx context.Context, sub subscription.Subscription) (err error) {
	if s.fire == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fire panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fire(ctx, sub)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func sortKeys(keys []subscription.Key) {
	sort.Slice(keys, func(i, j int) bool {
		if c := strings.Compare(string(keys[i].Room), string(keys[j].Room)); c != 0 {
			return c < 0
		}
		return keys[i].ID < keys[j].ID
	})
}
