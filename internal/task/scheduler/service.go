package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"meteobot/internal/subscription"
	logx "meteobot/pkg/logx"
)

func New(cfg Config, fire FireFunc, log logx.Logger, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		log:      log.With(logx.String("comp", "scheduler")),
		cfg:      cfg,
		clock:    realClock{},
		fire:     fire,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		triggers: map[subscription.Key]*trigger{},
		baseCtx:  ctx,
		cancel:   cancel,
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Location is the zone fire times are interpreted in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start runs the housekeeping cron until ctx is done or Stop is called.
// Triggers are live from Arm onwards and do not depend on Start.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.stopped {
		return
	}
	s.startCronLocked()
	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.Int("triggers", len(s.triggers)),
		logx.Int("housekeeping", len(s.jobs)),
	)

	go func() {
		select {
		case <-ctx.Done():
			s.stopHousekeeping()
		case <-s.baseCtx.Done():
		}
	}()
}

func (s *Service) stopHousekeeping() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
		s.log.Info("housekeeping stopped")
	}
}

// Stop disarms every trigger, stops housekeeping and waits for in-flight
// fires until ctx expires. Stragglers then see their context canceled.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	n := len(s.triggers)
	for k, t := range s.triggers {
		t.timer.Stop()
		delete(s.triggers, k)
	}
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop: in-flight fires still running", logx.Err(ctx.Err()))
	}
	s.cancel()
	s.log.Info("service stopped", logx.Int("disarmed", n), logx.Duration("took", time.Since(start)))
}

// Apply updates the fire timeout and, on a timezone change, re-arms every
// trigger and restarts housekeeping in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ == strings.TrimSpace(cfg.Timezone) || s.stopped {
		return
	}

	s.loc = s.loadLocationLocked()
	now := s.clock.Now()
	for k, t := range s.triggers {
		if _, err := s.armLocked(t.sub, now); err != nil {
			t.timer.Stop()
			delete(s.triggers, k)
			s.log.Error("re-arm failed; trigger dropped", logx.String("key", k.String()), logx.Err(err))
		}
	}
	if s.c != nil {
		// Running housekeeping jobs may need s.mu; do not wait for them here.
		s.c.Stop()
		s.startCronLocked()
	}
	s.log.Info("timezone changed; triggers re-armed", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
}

func (s *Service) fireTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.FireTimeout > 0 {
		return s.cfg.FireTimeout
	}
	return defaultFireTimeout
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// warnThrottled logs at most one warning per key every 5s.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := s.clock.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < 5*time.Second {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, fields...)
}
