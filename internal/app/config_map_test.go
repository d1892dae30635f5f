package app

import (
	"strings"
	"testing"
	"time"

	"meteobot/internal/config"
)

func TestMapNotifierDefaults(t *testing.T) {
	nc, err := mapNotifierConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapNotifierConfig() err = %v", err)
	}
	if !nc.Enabled || nc.Workers != 2 || nc.RetryMax != 3 || nc.DedupWindow != time.Minute {
		t.Fatalf("defaults = %+v", nc)
	}

	_, err = mapNotifierConfig(&config.Config{Notifier: &config.NotifierConfig{RetryBase: "5s", RetryMaxDelay: "1s"}})
	if err == nil || !strings.Contains(err.Error(), "retry_max_delay") {
		t.Fatalf("err = %v, want retry_max_delay bound error", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		path    string
		wantErr bool
	}{
		{name: "default file", in: config.StorageConfig{}, driver: "file", path: "./meteobot.json"},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}, driver: "sqlite", path: "./x.db"},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bolt without path", in: config.StorageConfig{Driver: "bolt"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{Driver: "sqlite", Path: "x", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tc := range cases {
		sc, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: err = %v", tc.name, err)
		}
		if sc.Driver != tc.driver || sc.Path != tc.path {
			t.Fatalf("%s: got %s %q, want %s %q", tc.name, sc.Driver, sc.Path, tc.driver, tc.path)
		}
	}
}

func TestReconcileSpec(t *testing.T) {
	for in, want := range map[string]string{
		"":             defaultReconcileSpec,
		"off":          "",
		"@every 1h":    "@every 1h",
		" */5 * * * *": "*/5 * * * *",
	} {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{Reconcile: in}}
		if got := reconcileSpec(cfg); got != want {
			t.Fatalf("reconcileSpec(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateConfigRejectsBadTimezone(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	cfg.Scheduler.Timezone = "Europe/Paris"
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("validateConfig() err = %v", err)
	}
}
