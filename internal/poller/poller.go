package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"plantpal/internal/delivery"
	"plantpal/internal/eventbus"
	"plantpal/internal/reminder"
	"plantpal/internal/storage"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

// Deliverer runs one Delivery Task.
type Deliverer interface {
	Deliver(ctx context.Context, r reminder.Reminder) delivery.Outcome
}

// Observer receives one call per finished cycle.
type Observer interface {
	CycleFinished(res CycleResult, err error)
}

// Config holds the hot-reloadable cycle settings.
type Config struct {
	WindowSec int
	// MaxConcurrency bounds in-flight Delivery Tasks per cycle; 0 means one
	// goroutine per reminder.
	MaxConcurrency int
}

// CycleResult is the tally of one Poll Cycle.
type CycleResult struct {
	BatchID    string        `json:"batch_id"`
	WindowSec  int           `json:"window_sec"`
	Dispatched int           `json:"dispatched"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Skipped    int           `json:"skipped"`
	Duplicates int           `json:"duplicates"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
}

// Deps are the collaborators of a Poller. Ledger, Bus and Observer are
// optional.
type Deps struct {
	Source    reminder.Source
	Deliverer Deliverer
	Ledger    storage.Ledger
	Bus       eventbus.Bus
	Observer  Observer
}

// Poller runs Poll Cycles.
type Poller struct {
	deps Deps
	log  logx.Logger
	// gate spans cycles: a task still running from an earlier cycle is not
	// dispatched again.
	gate *engine.KeyGate

	mu  sync.RWMutex
	cfg Config
}

func New(deps Deps, cfg Config, log logx.Logger) (*Poller, error) {
	if deps.Source == nil {
		return nil, errors.New("poller: source is required")
	}
	if deps.Deliverer == nil {
		return nil, errors.New("poller: deliverer is required")
	}
	return &Poller{deps: deps, log: log, gate: engine.NewKeyGate(), cfg: cfg}, nil
}

func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Poller) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// InFlight returns the number of Delivery Tasks currently running.
func (p *Poller) InFlight() int { return p.gate.InFlight() }

// RunCycle fetches reminders due within windowSec and runs one Delivery Task
// per distinct task key. It returns after every dispatched task has reached
// a terminal state. Task failures are tallied, not returned; only a source
// failure is an error.
func (p *Poller) RunCycle(ctx context.Context, windowSec int) (res CycleResult, err error) {
	cfg := p.Config()
	res = CycleResult{BatchID: uuid.NewString(), WindowSec: windowSec, Started: time.Now()}
	log := p.log.With(logx.String("batch", res.BatchID))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrCyclePanic, rec)
			log.Error("poll cycle panic", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
		res.Took = time.Since(res.Started)
		if err != nil {
			eventbus.Emit(p.deps.Bus, eventbus.CycleFailed, res)
		} else {
			eventbus.Emit(p.deps.Bus, eventbus.CycleCompleted, res)
		}
		if p.deps.Observer != nil {
			p.deps.Observer.CycleFinished(res, err)
		}
	}()

	due, err := p.deps.Source.ListDue(ctx, windowSec)
	if err != nil {
		return res, fmt.Errorf("list due reminders: %w", err)
	}
	if len(due) == 0 {
		log.Debug("no reminders due", logx.Int("window_sec", windowSec))
		return res, nil
	}

	var (
		g     errgroup.Group
		mu    sync.Mutex
		seen  = make(map[string]struct{}, len(due))
		tally = func(o delivery.Outcome) {
			mu.Lock()
			defer mu.Unlock()
			switch o.State {
			case delivery.StateDone:
				res.Succeeded++
			case delivery.StateCancelled:
				res.Cancelled++
			case delivery.StateSkipped:
				res.Skipped++
			default:
				res.Failed++
			}
		}
	)
	if cfg.MaxConcurrency > 0 {
		g.SetLimit(cfg.MaxConcurrency)
	}

	for _, r := range due {
		key := delivery.TaskKey(r.ID)
		if _, dup := seen[key]; dup {
			res.Duplicates++
			log.Debug("duplicate task key in cycle", logx.String("task", key))
			continue
		}
		seen[key] = struct{}{}
		if !p.gate.TryAcquire(key) {
			res.Duplicates++
			log.Info("task still in flight from an earlier cycle", logx.String("task", key))
			continue
		}

		res.Dispatched++
		r := r
		g.Go(func() error {
			defer p.gate.Release(key)
			o := p.deliver(ctx, log, r)
			tally(o)
			p.audit(log, res.BatchID, o)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("poll cycle complete",
		logx.Int("window_sec", windowSec),
		logx.Int("dispatched", res.Dispatched),
		logx.Int("succeeded", res.Succeeded),
		logx.Int("failed", res.Failed),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("skipped", res.Skipped),
		logx.Int("duplicates", res.Duplicates),
		logx.Duration("took", time.Since(res.Started)),
	)
	return res, nil
}

// deliver runs one Delivery Task. A panic fails that task only.
func (p *Poller) deliver(ctx context.Context, log logx.Logger, r reminder.Reminder) (o delivery.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			o = delivery.Outcome{
				TaskKey:    delivery.TaskKey(r.ID),
				ReminderID: r.ID,
				State:      delivery.StateFailed,
				Err:        fmt.Errorf("delivery task panic: %v", rec),
			}
			log.Error("delivery task panic", logx.String("task", o.TaskKey), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return p.deps.Deliverer.Deliver(ctx, r)
}

func (p *Poller) audit(log logx.Logger, batchID string, o delivery.Outcome) {
	if p.deps.Ledger == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("audit append panic", logx.String("task", o.TaskKey), logx.Any("panic", rec))
		}
	}()
	e := storage.AuditEntry{
		At:         time.Now(),
		BatchID:    batchID,
		TaskKey:    o.TaskKey,
		ReminderID: o.ReminderID,
		State:      string(o.State),
		Attempts:   o.Attempts,
		TookMS:     o.Took.Milliseconds(),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.deps.Ledger.AppendAudit(ctx, e); err != nil {
		log.Debug("audit append failed", logx.String("task", o.TaskKey), logx.Err(err))
	}
}
