package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "meteobot/pkg/logx"
)

// AddHousekeeping registers a cron-driven maintenance job (e.g. "@every 15m").
// A run is skipped while the previous one is still going. Re-adding a name
// replaces the earlier definition.
func (s *Service) AddHousekeeping(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || job == nil {
		return errors.New("housekeeping: name and job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeHousekeepingLocked(name)
	s.jobs = append(s.jobs, housekeepingDef{name: name, spec: spec, timeout: timeout, job: job, running: &atomic.Bool{}})
	if s.c != nil {
		return s.addCronLocked(&s.jobs[len(s.jobs)-1])
	}
	return nil
}

func (s *Service) RemoveHousekeeping(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeHousekeepingLocked(strings.TrimSpace(name))
}

func (s *Service) removeHousekeepingLocked(name string) bool {
	n := 0
	removed := false
	for _, d := range s.jobs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.jobs[n] = d
		n++
	}
	s.jobs = s.jobs[:n]
	return removed
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.jobs {
		if err := s.addCronLocked(&s.jobs[i]); err != nil {
			s.log.Error("housekeeping register failed", logx.String("name", s.jobs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) addCronLocked(d *housekeepingDef) error {
	name, timeout, job, running := d.name, d.timeout, d.job, d.running
	eid, err := s.c.AddFunc(d.spec, func() {
		if !running.CompareAndSwap(false, true) {
			s.log.Debug("housekeeping skipped; previous run in flight", logx.String("name", name))
			return
		}
		defer running.Store(false)
		s.runHousekeeping(name, timeout, job)
	})
	if err != nil {
		return err
	}
	d.entryID = eid
	s.log.Debug("housekeeping registered", logx.String("name", name), logx.String("spec", d.spec))
	return nil
}

func (s *Service) runHousekeeping(name string, timeout time.Duration, job func(ctx context.Context) error) {
	ctx := s.baseCtx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("housekeeping panicked", logx.String("name", name), logx.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := job(ctx); err != nil {
		s.warnThrottled("hk:"+name, "housekeeping failed", logx.String("name", name), logx.Err(err))
		return
	}
	s.log.Debug("housekeeping done", logx.String("name", name), logx.Duration("took", time.Since(start)))
}
