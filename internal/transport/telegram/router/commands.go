package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"meteobot/internal/eventbus"
	rtsup "meteobot/internal/runtime/supervisor"
	"meteobot/internal/subscription"
	kit "meteobot/internal/transport"
	"meteobot/internal/weatherbot"
	logx "meteobot/pkg/logx"
)

// Prefixes a message must start with to be routed. "!" keeps the chat-room
// habit of the bang command; "/" is the Telegram one.
var Prefixes = []string{"!", "/"}

type Command struct {
	// Route is a space-separated command path, e.g. "weather add".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["weather_add"]
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	Room    subscription.RoomID
	Actor   weatherbot.Actor
	Path    []string // matched command path tokens
	Command string
	Args    []string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text back to the request's room.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type Config struct {
	Workers        int           // 0 means NumCPU, at least 2
	QueueSize      int           // 0 means 256
	CommandTimeout time.Duration // 0 means 30s
}

type CommandManager struct {
	mu    sync.RWMutex
	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewCommandManager(cfg Config, log logx.Logger, adapter kit.Adapter, bus eventbus.Bus) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU(), 2)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		bus:     bus,
		jobs:    make(chan func(), cfg.QueueSize),
	}
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *CommandManager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *CommandManager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// SetRegistry installs cmds and refreshes the Telegram menu best-effort.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		leaf := root.find(route)
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := buildTelegramMenuCommands(cmds)
	go func() {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}()
}

// DispatchLoop routes updates until ctx is done or updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := m.cfg.Workers
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			// Not running before close, so enqueue degrades gracefully.
			m.setSupervisor(sup, false)
			close(m.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					// Middleware already recovers; keep the worker alive regardless.
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeUpdate(ctx, up)
		}
	}
}

func (m *CommandManager) routeUpdate(root context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(root, up)
	case kit.UpdateJoined:
		m.routeJoined(root, up)
	}
}

// routeJoined greets a room the bot was just added to with the help text.
func (m *CommandManager) routeJoined(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	to := up.Message.Target()
	ok := m.tryEnqueue(func() {
		ctx, cancel := context.WithTimeout(root, m.cfg.CommandTimeout)
		defer cancel()
		if info, err := m.adapter.Room(ctx, to); err != nil {
			m.log.Warn("room lookup failed", logx.Room(to.RoomID()), logx.Err(err))
		} else {
			m.log.Info("joined room", logx.Room(to.RoomID()), logx.String("title", info.Title), logx.String("kind", info.Kind))
		}
		if _, err := m.adapter.SendText(ctx, to, HelpText(), &kit.SendOptions{DisablePreview: true}); err != nil {
			m.log.Warn("send help on join failed", logx.Room(to.RoomID()), logx.Err(err))
		}
	})
	if !ok {
		m.log.Warn("queue full; join greeting dropped", logx.Room(to.RoomID()))
	}
}

// commandWord strips the prefix and a "@botname" suffix. ok is false for
// text that is not a command.
func commandWord(tok string) (string, bool) {
	for _, p := range Prefixes {
		if strings.HasPrefix(tok, p) && len(tok) > len(p) {
			word := tok[len(p):]
			if i := strings.IndexByte(word, '@'); i >= 0 {
				word = word[:i]
			}
			return strings.ToLower(word), word != ""
		}
	}
	return "", false
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	parts := tokenizeCommandLine(msg.Text)
	if len(parts) == 0 {
		return
	}
	word, ok := commandWord(parts[0])
	if !ok {
		return
	}
	args := parts[1:]

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		m.enqueueCommand(root, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	// Commands we do not own are left alone: groups host other bots.
	cur, ok := rootNode.child(word)
	if !ok {
		return
	}
	path := []string{word}
	for len(args) > 0 {
		child, ok := cur.child(strings.ToLower(args[0]))
		if !ok {
			break
		}
		cur = child
		path = append(path, strings.ToLower(args[0]))
		args = args[1:]
	}

	// Unknown or missing subcommand: fall back to the nearest handler up
	// the path (the group's help).
	for cur.cmd == nil && len(path) > 1 {
		path = path[:len(path)-1]
		cur = rootNode.find(path)
	}
	if cur == nil || cur.cmd == nil {
		return
	}
	m.enqueueCommand(root, up, *cur.cmd, path, args)
}

func (m *CommandManager) enqueueCommand(root context.Context, up kit.Update, cmd Command, path []string, args []string) {
	msg := up.Message
	to := msg.Target()
	rid := newReqID()
	req := &Request{
		Update:  up,
		Chat:    to,
		Room:    subscription.RoomID(to.RoomID()),
		Actor:   weatherbot.Actor{ID: msg.FromID, Username: msg.FromUsername},
		Path:    path,
		Command: strings.Join(path, " "),
		Args:    args,
		ReqID:   rid,
		Adapter: m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Room(to.RoomID()),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", strings.Join(path, " ")),
		),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.cfg.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log, m.bus),
		MWReplyError(),
		MWTimeout(timeout),
	)

	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_ = req.Reply(root, "Occupé, réessayez plus tard")
	}
}
