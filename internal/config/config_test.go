package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: info
  console: true
scheduler:
  timezone: Europe/Paris
  fire_timeout: 30s
  reconcile: "@every 15m"
weather:
  base_url: http://ws.meteofrance.com
  rate_per_sec: 2
storage:
  driver: sqlite
  path: ./meteobot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	if cfg.Scheduler.Timezone != "Europe/Paris" {
		t.Fatalf("timezone = %q, want %q", cfg.Scheduler.Timezone, "Europe/Paris")
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if m.Get() != cfg {
		t.Fatalf("Get() did not return committed config")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"telegram":{"token":"x"},"bogus":1}`, "unknown field"},
		{"trailing data", "c.json", `{"telegram":{"token":"x"}}{}`, "trailing data"},
		{"missing token", "c.json", `{"telegram":{}}`, "Token"},
		{"bad duration", "c.json", `{"telegram":{"token":"x","poll_timeout":"soon"}}`, "PollTimeout"},
		{"bad driver", "c.json", `{"telegram":{"token":"x"},"storage":{"driver":"mongo"}}`, "Driver"},
		{"bad timezone", "c.json", `{"telegram":{"token":"x"},"scheduler":{"timezone":"Mars/Olympus"}}`, "Timezone"},
		{"postgres without dsn", "c.json", `{"telegram":{"token":"x"},"storage":{"driver":"postgres"}}`, "storage.dsn"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewManager(writeFile(t, tc.file, tc.body)).Parse()
			if err == nil {
				t.Fatalf("Parse() err = nil, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse() err = %v, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")
	t.Setenv(EnvStorageDSN, "postgres://u@h/db")

	cfg, err := NewManager(writeFile(t, "c.json", `{"telegram":{"token":"file"},"storage":{"driver":"postgres"}}`)).Parse()
	if err != nil {
		t.Fatalf("Parse() err = %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, want from-env", cfg.Telegram.Token)
	}
	if cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret"}}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "secret"},
		Scheduler: SchedulerConfig{Timezone: "UTC", Reconcile: "off"},
		Storage:   StorageConfig{Driver: "bolt"},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if got, want := strings.Join(changed, ","), "scheduler,storage"; got != want {
		t.Fatalf("changed = %q, want %q", got, want)
	}
	if got, want := strings.Join(restart, ","), "storage"; got != want {
		t.Fatalf("restart = %q, want %q", got, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("attrs empty")
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("changed = %v, want none", changed)
	}
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "c.json", `{"telegram":{"token":"x"},"logging":{"level":"info"}}`)
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() err = %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and picks a change.
		if err := os.WriteFile(path, []byte(`{"telegram":{"token":"x"},"logging":{"level":"debug"}}`), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("level = %q, want debug", cfg.Logging.Level)
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}
