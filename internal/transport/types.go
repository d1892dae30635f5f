package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	// UpdateJoined is emitted when the bot is invited into a room.
	UpdateJoined UpdateKind = "joined"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

func (m *Message) Target() ChatTarget {
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// RoomID renders the target as "<chat>" or "<chat>/<thread>".
func (t ChatTarget) RoomID() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
}

var ErrBadRoomID = errors.New("transport: bad room id")

// ParseRoomID is the inverse of ChatTarget.RoomID.
func ParseRoomID(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadRoomID, s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(thread)
		if err != nil || n < 0 {
			return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadRoomID, s)
		}
		t.ThreadID = n
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Priority int // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
	// DedupKey overrides the text-derived key used by the notifier dedup window.
	DedupKey string
}

// RoomInfo is what the transport knows about a room.
type RoomInfo struct {
	Target ChatTarget
	Title  string
	Kind   string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Room(ctx context.Context, to ChatTarget) (RoomInfo, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
