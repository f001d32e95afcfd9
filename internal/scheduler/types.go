package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"feedbot/internal/eventbus"
	logx "feedbot/pkg/logx"
)

// ErrOverlap is returned by RunNow while the job is already running.
var ErrOverlap = errors.New("previous run still in flight")

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// DefaultTimeout applies to jobs registered with a zero timeout.
	DefaultTimeout time.Duration
	// NoSpread disables the random first-run delay of interval schedules.
	NoSpread bool
}

const (
	EventRunDone    = "scheduler.run.done"
	EventRunSkipped = "scheduler.run.skipped"
)

// RunEvent is published on the bus after every run or skipped trigger.
type RunEvent struct {
	Name  string
	Took  time.Duration
	Error string
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	spread  time.Duration

	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	errMu   sync.Mutex
	lastErr string
	lastRun time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	runCtx    context.Context
	runCancel context.CancelFunc
}

type ScheduleInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Running  bool
	Runs     uint64
	Skips    uint64
	Failures uint64
	LastErr  string
	LastRun  time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
