package app

import (
	"context"
	"testing"

	"meteobot/internal/config"
	"meteobot/internal/subscription"
	"meteobot/internal/task/scheduler"
	logx "meteobot/pkg/logx"
)

func TestApplyReconcileFollowsConfig(t *testing.T) {
	sched := scheduler.New(scheduler.Config{Timezone: "UTC"}, func(context.Context, subscription.Subscription) error { return nil }, logx.Nop())
	t.Cleanup(func() { sched.Stop(context.Background()) })
	a := &App{sched: sched, log: logx.Nop()}

	jobs := func() []scheduler.JobInfo { return sched.Snapshot().Housekeeping }

	if err := a.applyReconcile(&config.Config{}); err != nil {
		t.Fatalf("applyReconcile(default) err = %v", err)
	}
	if j := jobs(); len(j) != 1 || j[0].Name != reconcileJob || j[0].Spec != defaultReconcileSpec {
		t.Fatalf("jobs = %+v, want reconcile at %s", j, defaultReconcileSpec)
	}

	if err := a.applyReconcile(&config.Config{Scheduler: config.SchedulerConfig{Reconcile: "@every 1h"}}); err != nil {
		t.Fatalf("applyReconcile(1h) err = %v", err)
	}
	if j := jobs(); len(j) != 1 || j[0].Spec != "@every 1h" {
		t.Fatalf("jobs = %+v, want one job at @every 1h", j)
	}

	if err := a.applyReconcile(&config.Config{Scheduler: config.SchedulerConfig{Reconcile: "whenever"}}); err == nil {
		t.Fatalf("applyReconcile(bad spec) err = nil")
	}
	if j := jobs(); len(j) != 1 || j[0].Spec != "@every 1h" {
		t.Fatalf("bad spec replaced job: %+v", j)
	}

	if err := a.applyReconcile(&config.Config{Scheduler: config.SchedulerConfig{Reconcile: "off"}}); err != nil {
		t.Fatalf("applyReconcile(off) err = %v", err)
	}
	if j := jobs(); len(j) != 0 {
		t.Fatalf("jobs = %+v, want none", j)
	}
}
