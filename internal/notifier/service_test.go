package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meteobot/internal/eventbus"
	kit "meteobot/internal/transport"
	logx "meteobot/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	failFor int // fail this many calls first
	calls   int
	sent    []string
	block   chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.sent = append(f.sent, to.RoomID()+":"+text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeSender) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	to := kit.ChatTarget{ChatID: -100, ThreadID: 7}
	if err := s.Notify(context.Background(), kit.Notification{Target: to, Text: "Météo de Paris:"}); err != nil {
		t.Fatalf("Notify() err = %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(fs.snapshot()) == 1 })
	if got, want := fs.snapshot()[0], "-100/7:Météo de Paris:"; got != want {
		t.Fatalf("sent = %q, want %q", got, want)
	}
	if h := s.History(); len(h) != 1 || h[0].Room != "-100/7" {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{failFor: 2}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
		t.Fatalf("Notify() err = %v", err)
	}
	waitFor(t, "delivery after retries", func() bool { return len(fs.snapshot()) == 1 })
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	fs := &fakeSender{failFor: 100}
	s := New(fastConfig(), fs, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
		t.Fatalf("Notify() err = %v", err)
	}
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.NotifierFailed {
				continue
			}
			fs.mu.Lock()
			calls := fs.calls
			fs.mu.Unlock()
			if calls != 3 {
				t.Fatalf("attempts = %d, want 3", calls)
			}
			return
		case <-timeout:
			t.Fatalf("no %s event", eventbus.NotifierFailed)
		}
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 1}
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, kit.Notification{Target: to, Text: "same", DedupKey: "fire:1#4:2024-03-10"}); err != nil {
			t.Fatalf("Notify() err = %v", err)
		}
	}
	if err := s.Notify(ctx, kit.Notification{Target: to, Text: "other"}); err != nil {
		t.Fatalf("Notify() err = %v", err)
	}
	waitFor(t, "two deliveries", func() bool { return len(fs.snapshot()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(fs.snapshot()); n != 2 {
		t.Fatalf("deliveries = %d, want 2", n)
	}
}

func TestDedupAllowCapsEntries(t *testing.T) {
	t.Parallel()
	s := New(fastConfig(), nil, logx.Nop(), nil)
	for _, k := range []string{"a", "b", "c", "d"} {
		if !s.dedupAllow(k, time.Minute, 2) {
			t.Fatalf("dedupAllow(%q) = false on first sight", k)
		}
	}
	if n := len(s.dedup); n != 2 {
		t.Fatalf("entries = %d, want 2", n)
	}
	if s.dedupAllow("d", time.Minute, 2) {
		t.Fatalf("dedupAllow(d) = true inside window")
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}

	disabled := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil)
	disabled.Start(ctx)
	if err := disabled.Notify(ctx, n); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify() disabled err = %v, want ErrDisabled", err)
	}

	notStarted := New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	if err := notStarted.Notify(ctx, n); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify() before Start err = %v, want ErrStopped", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := notStarted.Notify(canceled, n); !errors.Is(err, context.Canceled) {
		t.Fatalf("Notify() canceled ctx err = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{block: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(fs.block)
		s.Stop(context.Background())
	}()

	ctx := context.Background()
	to := kit.ChatTarget{ChatID: 1}
	var full bool
	for i := 0; i < 5 && !full; i++ {
		err := s.Notify(ctx, kit.Notification{Target: to, Text: "x"})
		if errors.Is(err, ErrQueueFull) {
			full = true
		} else if err != nil {
			t.Fatalf("Notify() err = %v", err)
		}
	}
	if !full {
		t.Fatalf("queue never reported full")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	cfg := fastConfig()
	cfg.DedupWindow = 0
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"}); err != nil {
			t.Fatalf("Notify() err = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	if n := len(fs.snapshot()); n != 5 {
		t.Fatalf("delivered = %d, want 5", n)
	}
	if err := s.Notify(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify() after Stop err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(%d) = %v, want in (0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
}
