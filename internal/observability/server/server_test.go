package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "meteobot/pkg/logx"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not bind")
	return ""
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServeEnableDisable(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("m 1")) })
	var unhealthy atomic.Bool
	health := func(context.Context) error {
		if !unhealthy.Load() {
			return nil
		}
		return errors.New("scheduler stopped")
	}
	s := New(Config{}, logx.Nop(), metrics, health)
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	base := "http://" + waitForAddr(t, s)

	if code, body := get(t, base+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, body := get(t, base+"/metrics", ""); code != 200 || body != "m 1" {
		t.Fatalf("metrics = %d %q", code, body)
	}
	if code, _ := get(t, base+"/debug/pprof/", ""); code != 200 {
		t.Fatalf("pprof index = %d", code)
	}
	unhealthy.Store(true)
	if code, _ := get(t, base+"/healthz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy = %d, want 503", code)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("addr after disable = %q", a)
	}
}

func TestDebugTriggersRequiresToken(t *testing.T) {
	debug := func() any {
		return map[string]any{"armed": 2, "timezone": "Europe/Paris"}
	}
	s := New(Config{}, logx.Nop(), nil, nil, WithDebug(debug))
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"})
	base := "http://" + waitForAddr(t, s)

	if code, _ := get(t, base+"/debug/triggers", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", code)
	}
	code, body := get(t, base+"/debug/triggers", "s3cret")
	if code != 200 {
		t.Fatalf("debug = %d %q", code, body)
	}
	var got struct {
		Armed    int    `json:"armed"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if got.Armed != 2 || got.Timezone != "Europe/Paris" {
		t.Fatalf("debug = %+v", got)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil)
	if err := s.serveOnce(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("serveOnce = %v, want ErrInsecureBind", err)
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()
	h := withAuth("s3cret", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer", "/metrics", "Bearer s3cret", http.StatusNoContent},
		{"query", "/metrics?token=s3cret", "", http.StatusNoContent},
		{"wrong query", "/metrics?token=nope", "Bearer s3cret", http.StatusUnauthorized},
		{"missing", "/metrics", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: code = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
