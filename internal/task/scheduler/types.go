package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"meteobot/internal/eventbus"
	"meteobot/internal/subscription"
	logx "meteobot/pkg/logx"
)

var ErrStopped = errors.New("scheduler stopped")

const defaultFireTimeout = 2 * time.Minute

type Config struct {
	Timezone    string        // IANA name, e.g. "Europe/Paris"; empty means host local
	FireTimeout time.Duration // bound for one dispatch; 0 means 2m
}

// FireFunc delivers one notification. Its error is logged and never stops
// the daily cadence.
type FireFunc func(ctx context.Context, sub subscription.Subscription) error

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

type trigger struct {
	sub     subscription.Subscription
	ver     uint64
	next    time.Time
	armedAt time.Time
	timer   Timer
	fires   uint64
}

type housekeepingDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	running *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	clock Clock
	fire  FireFunc

	parser cron.Parser
	c      *cron.Cron
	jobs   []housekeepingDef

	triggers map[subscription.Key]*trigger
	seq      uint64
	stopped  bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	fired    atomic.Uint64
	failures atomic.Uint64

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

// TriggerInfo describes one live trigger.
type TriggerInfo struct {
	Room     subscription.RoomID `json:"room"`
	ID       int64               `json:"id"`
	Location string              `json:"location"`
	Fire     string              `json:"fire"`
	Days     int                 `json:"days"`
	Next     time.Time           `json:"next"`
	ArmedAt  time.Time           `json:"armed_at"`
	Fires    uint64              `json:"fires"`
}

type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type Snapshot struct {
	Timezone     string        `json:"timezone"`
	Armed        int           `json:"armed"`
	Fired        uint64        `json:"fired"`
	Failures     uint64        `json:"failures"`
	Triggers     []TriggerInfo `json:"triggers"`
	Housekeeping []JobInfo     `json:"housekeeping,omitempty"`
}
