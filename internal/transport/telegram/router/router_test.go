package router

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"meteobot/internal/subscription"
	kit "meteobot/internal/transport"
	"meteobot/internal/weatherbot"
	logx "meteobot/pkg/logx"
)

type sentMsg struct {
	to   kit.ChatTarget
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	menu    []kit.BotCommand
	lookups []kit.ChatTarget
	roomErr error
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }
func (a *fakeAdapter) Room(_ context.Context, to kit.ChatTarget) (kit.RoomInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups = append(a.lookups, to)
	if a.roomErr != nil {
		return kit.RoomInfo{}, a.roomErr
	}
	return kit.RoomInfo{Target: to, Title: "Météo", Kind: "supergroup"}, nil
}
func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, sentMsg{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}
func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.sent))
	for _, m := range a.sent {
		out = append(out, m.text)
	}
	return out
}

type subscribeCall struct {
	room  subscription.RoomID
	actor weatherbot.Actor
	query string
	at    string
	days  int
}

type fakeService struct {
	mu        sync.Mutex
	subs      map[subscription.RoomID][]subscription.Subscription
	calls     []subscribeCall
	showDays  int
	failWith  error
	deleteIdx []int
}

func (f *fakeService) Subscribe(_ context.Context, room subscription.RoomID, actor weatherbot.Actor, query, at string, days int) (subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subscribeCall{room, actor, query, at, days})
	if f.failWith != nil {
		return subscription.Subscription{}, f.failWith
	}
	return subscription.Subscription{Room: room, LocationName: strings.ToUpper(query[:1]) + query[1:]}, nil
}

func (f *fakeService) List(room subscription.RoomID) []subscription.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[room]
}

func (f *fakeService) Delete(_ context.Context, _ subscription.RoomID, _ weatherbot.Actor, index int) (subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteIdx = append(f.deleteIdx, index)
	if f.failWith != nil {
		return subscription.Subscription{}, f.failWith
	}
	return subscription.Subscription{}, nil
}

func (f *fakeService) Show(_ context.Context, query string, days int) (string, error) {
	f.mu.Lock()
	f.showDays = days
	err := f.failWith
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("show %s %d", query, days), nil
}

func (f *fakeService) Rain(_ context.Context, query string) (string, error) {
	return "rain " + query, f.failWith
}

func startRouter(t *testing.T, svc WeatherService) (*fakeAdapter, chan kit.Update) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewCommandManager(Config{Workers: 1}, logx.Nop(), ad, nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.SetRegistry(ctx, WeatherCommands(svc))

	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		_ = m.DispatchLoop(ctx, updates)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ad, updates
}

func message(text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -100, ThreadID: 5, FromID: 9, FromUsername: "bob", Text: text, IsGroup: true}}
}

// roundTrip sends text and waits for the n-th reply overall.
func roundTrip(t *testing.T, ad *fakeAdapter, updates chan kit.Update, text string, n int) string {
	t.Helper()
	updates <- message(text)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := ad.texts(); len(got) >= n {
			return got[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reply to %q", text)
	return ""
}

func TestCommandReplies(t *testing.T) {
	svc := &fakeService{subs: map[subscription.RoomID][]subscription.Subscription{
		"-100/5": {
			{LocationName: "Paris", ForecastDays: 3, Fire: subscription.FireTime{Hour: 8}},
			{LocationName: "Lyon", ForecastDays: 1, Fire: subscription.FireTime{Hour: 18, Minute: 5}},
		},
	}}
	ad, updates := startRouter(t, svc)

	cases := []struct {
		in   string
		want string
	}{
		{"!weather", HelpText()},
		{"!weather nope", HelpText()},
		{"/weather@MeteoBot", HelpText()},
		{"!weather list", "2 enregistrements.\n\nID: 1 Paris 3 jours à 08:00\nID: 2 Lyon 1 jours à 18:05"},
		{"!weather show paris", "show paris 1"},
		{"!weather show paris 3", "show paris 3"},
		{`/weather show "saint malo" 2`, "show saint malo 2"},
		{"!weather show paris x", "Nombre de jours invalide"},
		{"!weather show", "Commande invalide"},
		{"!weather add paris 08:00 3", "Paris ajouté"},
		{"!weather subscribe lyon 7:30 1", "Lyon ajouté"},
		{"!weather add paris 08:00", "Commande invalide"},
		{"!weather add paris 8h 3", "Heure invalide"},
		{"!weather add paris 24:00 3", "Heure invalide"},
		{"!weather add paris 08:00 0", "Nombre de jours invalide"},
		{"!weather add paris 08:00 two", "Nombre de jours invalide"},
		{"!weather delete 1", "Ville supprimée"},
		{"!weather delete one", "Indice invalide"},
		{"!weather delete", "Commande invalide"},
		{"!weather pluie paris", "rain paris"},
		{"/weather_list", "2 enregistrements.\n\nID: 1 Paris 3 jours à 08:00\nID: 2 Lyon 1 jours à 18:05"},
		{"/start", HelpText()},
	}
	for i, tc := range cases {
		if got := roundTrip(t, ad, updates, tc.in, i+1); got != tc.want {
			t.Fatalf("%q -> %q, want %q", tc.in, got, tc.want)
		}
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	want := []subscribeCall{
		{"-100/5", weatherbot.Actor{ID: 9, Username: "bob"}, "paris", "08:00", 3},
		{"-100/5", weatherbot.Actor{ID: 9, Username: "bob"}, "lyon", "7:30", 1},
	}
	if !reflect.DeepEqual(svc.calls, want) {
		t.Fatalf("subscribe calls = %+v, want %+v", svc.calls, want)
	}
	if !reflect.DeepEqual(svc.deleteIdx, []int{1}) {
		t.Fatalf("delete calls = %v, want [1]", svc.deleteIdx)
	}
}

func TestErrorReplies(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("x: %w", subscription.ErrLocationNotFound), "Ville non trouvée"},
		{fmt.Errorf("x: %w", subscription.ErrPersistence), "Erreur de sauvegarde"},
		{fmt.Errorf("x: %w", subscription.ErrUpstreamUnavailable), "Service météo indisponible"},
		{subscription.ErrIndexOutOfRange, "Indice invalide"},
		{subscription.ErrInvalidArgument, "Commande invalide"},
		{context.DeadlineExceeded, "Service météo indisponible"},
		{fmt.Errorf("boom"), "Erreur interne"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			svc := &fakeService{failWith: tc.err}
			ad, updates := startRouter(t, svc)
			if got := roundTrip(t, ad, updates, "!weather add paris 08:00 1", 1); got != tc.want {
				t.Fatalf("reply = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestListEmpty(t *testing.T) {
	ad, updates := startRouter(t, &fakeService{})
	if got := roundTrip(t, ad, updates, "!weather list", 1); got != "Il n'y a pas d'enregistrements pour ce salon." {
		t.Fatalf("reply = %q", got)
	}
}

func TestIgnoresForeignText(t *testing.T) {
	ad, updates := startRouter(t, &fakeService{})
	for _, text := range []string{"hello", "/other", "!", "weather list"} {
		updates <- message(text)
	}
	// A known command afterwards proves the earlier ones were consumed silently.
	if got := roundTrip(t, ad, updates, "!weather list", 1); got != "Il n'y a pas d'enregistrements pour ce salon." {
		t.Fatalf("first reply = %q", got)
	}
}

func TestJoinSendsHelp(t *testing.T) {
	for _, roomErr := range []error{nil, errors.New("chat not found")} {
		ad, updates := startRouter(t, &fakeService{})
		ad.mu.Lock()
		ad.roomErr = roomErr
		ad.mu.Unlock()
		updates <- kit.Update{Kind: kit.UpdateJoined, Message: &kit.Message{ChatID: -42}}

		deadline := time.Now().Add(3 * time.Second)
		var first sentMsg
		var lookups []kit.ChatTarget
		for {
			ad.mu.Lock()
			n := len(ad.sent)
			if n > 0 {
				first = ad.sent[0]
			}
			lookups = append([]kit.ChatTarget(nil), ad.lookups...)
			ad.mu.Unlock()
			if n > 0 {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("roomErr=%v: no help sent on join", roomErr)
			}
			time.Sleep(5 * time.Millisecond)
		}
		if first.to.ChatID != -42 || first.text != HelpText() {
			t.Fatalf("roomErr=%v: sent %+v, want help to -42", roomErr, first)
		}
		if len(lookups) != 1 || lookups[0].ChatID != -42 {
			t.Fatalf("roomErr=%v: lookups = %+v, want one for -42", roomErr, lookups)
		}
	}
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"!weather add paris 08:00 3", []string{"!weather", "add", "paris", "08:00", "3"}},
		{`!weather show "Saint Malo" 2`, []string{"!weather", "show", "Saint Malo", "2"}},
		{"!weather show L'Isle-Adam", []string{"!weather", "show", "L'Isle-Adam"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{"", nil},
	}
	for _, tc := range cases {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenizeCommandLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()
	got := buildTelegramMenuCommands(WeatherCommands(&fakeService{}))
	names := make([]string, 0, len(got))
	for _, c := range got {
		names = append(names, c.Command)
	}
	want := []string{"help", "weather", "weather_add", "weather_delete", "weather_list", "weather_pluie", "weather_show", "weather_subscribe"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("menu = %v, want %v", names, want)
	}
}
