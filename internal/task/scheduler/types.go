package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"plantpal/internal/eventbus"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

var (
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrScheduleExists    = errors.New("schedule already exists")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidSchedule   = errors.New("invalid schedule")
)

// Config controls the schedule service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Singapore"
}

// Overlap decides what happens when a schedule fires while a previous
// execution of the same schedule is still running.
type Overlap int

const (
	// OverlapSkip drops the new fire.
	OverlapSkip Overlap = iota
	// OverlapBufferOne keeps at most one pending fire and starts it when the
	// running execution ends.
	OverlapBufferOne
	// OverlapCancelOther cancels running executions before starting.
	OverlapCancelOther
	// OverlapAllowAll starts every fire.
	OverlapAllowAll
)

func (o Overlap) String() string {
	switch o {
	case OverlapSkip:
		return "skip"
	case OverlapBufferOne:
		return "buffer_one"
	case OverlapCancelOther:
		return "cancel_other"
	case OverlapAllowAll:
		return "allow_all"
	default:
		return fmt.Sprintf("overlap(%d)", int(o))
	}
}

func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OverlapSkip, nil
	case "buffer_one":
		return OverlapBufferOne, nil
	case "cancel_other":
		return OverlapCancelOther, nil
	case "allow_all":
		return OverlapAllowAll, nil
	default:
		return OverlapSkip, fmt.Errorf("unknown overlap policy %q", s)
	}
}

// SignalCancel asks the schedule's owner to stop gracefully.
const SignalCancel = "cancel"

// ScheduleOptions describes a recurring trigger.
type ScheduleOptions struct {
	ID           string
	WorkflowType string
	Every        time.Duration
	Overlap      Overlap
	Paused       bool

	// Action runs once per fire. Its context is cancelled by Terminate,
	// by OverlapCancelOther and when the service stops.
	Action func(ctx context.Context) error
	// Timeout bounds a single execution. 0 means no bound.
	Timeout time.Duration
	// OnSignal receives signals sent with Service.Signal.
	OnSignal func(signal string)
}

func (o ScheduleOptions) validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidSchedule)
	}
	if o.Every < time.Second {
		return fmt.Errorf("%w: interval %s below 1s", ErrInvalidSchedule, o.Every)
	}
	if o.Action == nil {
		return fmt.Errorf("%w: action required", ErrInvalidSchedule)
	}
	return nil
}

// Execution is one running fire of a schedule.
type Execution struct {
	ID           string
	ScheduleID   string
	WorkflowType string
	Started      time.Time
}

// ScheduleInfo is a diagnostics view of a registered schedule.
type ScheduleInfo struct {
	ID           string
	WorkflowType string
	Every        time.Duration
	Overlap      string
	Paused       bool
	Running      int
	Fired        uint64
	Skipped      uint64
	Next         time.Time
	Prev         time.Time
}

type schedule struct {
	opts    ScheduleOptions
	entryID cron.EntryID
	paused  bool

	// gate holds the Skip policy's single-flight slot.
	gate    engine.RunState
	pending bool

	running map[string]*execution
	fired   uint64
	skipped uint64
	prev    time.Time
}

type execution struct {
	Execution
	cancel context.CancelCauseFunc
}

// Service is a cron-backed registry of recurring schedules.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu  sync.Mutex
	cfg Config
	loc *time.Location
	c   *cron.Cron

	// baseCtx parents every execution; cancelled by Stop.
	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	schedules map[string]*schedule
	execs     map[string]*execution
}
