package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	if got := splitTelegramText("court", 10); len(got) != 1 || got[0] != "court" {
		t.Fatalf("short text = %q", got)
	}

	long := strings.Repeat("é", 25)
	chunks := splitTelegramText(long, 10)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for _, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes, want <= 10", n)
		}
	}
	if strings.Join(chunks, "") != long {
		t.Fatalf("chunks lost text")
	}

	lines := "aaaa\nbbbb\ncccc"
	chunks = splitTelegramText(lines, 10)
	if len(chunks) != 2 || chunks[0] != "aaaa\nbbbb" || chunks[1] != "cccc" {
		t.Fatalf("newline split = %q", chunks)
	}
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := &tele.Message{
		ID:       3,
		ThreadID: 12,
		Text:     "!weather list",
		Chat:     &tele.Chat{ID: -1001, Type: tele.ChatSuperGroup},
		Sender:   &tele.User{ID: 8, Username: "carol"},
	}
	got := toMessage(m)
	if got.ChatID != -1001 || got.ThreadID != 12 || got.FromID != 8 || got.FromUsername != "carol" || !got.IsGroup {
		t.Fatalf("toMessage = %+v", got)
	}
	if rid := got.Target().RoomID(); rid != "-1001/12" {
		t.Fatalf("RoomID = %q, want -1001/12", rid)
	}

	private := toMessage(&tele.Message{Chat: &tele.Chat{ID: 5, Type: tele.ChatPrivate}})
	if private.IsGroup || private.FromID != 0 {
		t.Fatalf("private = %+v", private)
	}
}
