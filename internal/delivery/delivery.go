package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"plantpal/internal/eventbus"
	"plantpal/internal/phone"
	"plantpal/internal/reminder"
	"plantpal/internal/storage"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

// State is the lifecycle position of a Delivery Task.
type State string

const (
	StatePending   State = "pending"
	StateResolving State = "resolving"
	StateSending   State = "sending"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	// StateSkipped means the occurrence was already recorded as sent.
	StateSkipped State = "skipped"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

// TaskKey derives the task key for a reminder.
func TaskKey(reminderID string) string { return "send-" + reminderID }

// Outcome is the result of one Delivery Task.
type Outcome struct {
	TaskKey         string
	ReminderID      string
	State           State
	Attempts        int
	ResolveAttempts int
	Receipt         reminder.Receipt
	Err             error
	Took            time.Duration
}

// Config holds the hot-reloadable delivery settings.
type Config struct {
	Policy        engine.Policy
	FallbackTitle string
	FallbackBody  string
	Channel       reminder.Channel
	Timezone      string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.FallbackTitle) == "" {
		c.FallbackTitle = "Reminder"
	}
	if strings.TrimSpace(c.FallbackBody) == "" {
		c.FallbackBody = "No notes provided"
	}
	if c.Channel == "" {
		c.Channel = reminder.ChannelSMS
	}
	return c
}

// Observer receives one call per finished task.
type Observer interface {
	DeliveryFinished(state string, sendAttempts int, took time.Duration)
}

// Deps are the collaborators of a Deliverer. Ledger, Marker, Bus and
// Observer are optional.
type Deps struct {
	Resolver  reminder.Resolver
	Gateway   reminder.Gateway
	Formatter phone.Formatter
	Ledger    storage.Ledger
	Marker    reminder.SentMarker
	Bus       eventbus.Bus
	Observer  Observer
}

// Deliverer runs Delivery Tasks.
type Deliverer struct {
	deps Deps
	log  logx.Logger

	mu     sync.RWMutex
	cfg    Config
	runner *engine.Runner

	newID func() string
	now   func() time.Time
}

func New(deps Deps, cfg Config, log logx.Logger) (*Deliverer, error) {
	if deps.Resolver == nil {
		return nil, errors.New("delivery: resolver is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("delivery: gateway is required")
	}
	if deps.Formatter == nil {
		deps.Formatter = phone.NewE164("65")
	}
	cfg = cfg.withDefaults()
	return &Deliverer{
		deps:   deps,
		log:    log,
		cfg:    cfg,
		runner: engine.NewRunner(cfg.Policy, log),
		newID:  func() string { return "rmdr_" + uuid.NewString() },
		now:    time.Now,
	}, nil
}

// Apply swaps the delivery settings. Tasks already running keep the
// settings they started with.
func (d *Deliverer) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	r := engine.NewRunner(cfg.Policy, d.log)
	d.mu.Lock()
	d.cfg = cfg
	d.runner = r
	d.mu.Unlock()
}

func (d *Deliverer) snapshot() (Config, *engine.Runner) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg, d.runner
}

// Deliver resolves the destination for r and sends one notification.
//
// ctx is the cancellation signal. It is checked before each phase and while
// waiting to retry. Remote calls in flight are not interrupted by it.
func (d *Deliverer) Deliver(ctx context.Context, r reminder.Reminder) (out Outcome) {
	cfg, runner := d.snapshot()
	start := d.now()
	out = Outcome{TaskKey: TaskKey(r.ID), ReminderID: r.ID, State: StatePending}
	log := d.log.With(logx.String("task", out.TaskKey))

	defer func() {
		out.Took = d.now().Sub(start)
		d.finish(log, out)
	}()

	if d.alreadySent(ctx, log, r) {
		out.State = StateSkipped
		return out
	}

	// resolving
	if ctx.Err() != nil {
		out.State = StateCancelled
		return out
	}
	out.State = StateResolving
	var to string
	res := runner.Do(ctx, out.TaskKey+":resolve", func(actx context.Context) error {
		raw, err := d.deps.Resolver.Resolve(actx, r.OwnerID, r.IsProxy, r.ProxyNumber)
		if err != nil {
			return err
		}
		n, err := d.deps.Formatter.Format(raw)
		if err != nil {
			return engine.NoRetry(fmt.Errorf("destination: %w", err))
		}
		to = n
		return nil
	})
	out.ResolveAttempts = res.Attempts
	if res.Err != nil {
		return settle(out, res.Err)
	}

	// sending
	if ctx.Err() != nil {
		out.State = StateCancelled
		return out
	}
	out.State = StateSending
	n := reminder.Notification{
		IdempotencyKey: d.newID(),
		Channel:        cfg.Channel,
		To:             to,
		Title:          orDefault(r.Title, cfg.FallbackTitle),
		Body:           orDefault(r.Notes, cfg.FallbackBody),
		DueAt:          r.DueAt,
		Timezone:       cfg.Timezone,
	}
	var receipt reminder.Receipt
	res = runner.Do(ctx, out.TaskKey+":send", func(actx context.Context) error {
		rc, err := d.deps.Gateway.Send(actx, n)
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	})
	out.Attempts = res.Attempts
	if res.Err != nil {
		return settle(out, res.Err)
	}

	if receipt.SentAt.IsZero() {
		receipt.SentAt = d.now()
	}
	if receipt.To == "" {
		receipt.To = to
	}
	out.State = StateDone
	out.Receipt = receipt
	d.recordSent(log, r, receipt)
	return out
}

func settle(out Outcome, err error) Outcome {
	if engine.IsCancelled(err) {
		out.State = StateCancelled
		return out
	}
	out.State = StateFailed
	out.Err = err
	return out
}

func (d *Deliverer) alreadySent(ctx context.Context, log logx.Logger, r reminder.Reminder) bool {
	if r.SentAt != nil && !r.DueAt.IsZero() && !r.SentAt.Before(r.DueAt) {
		return true
	}
	if d.deps.Ledger == nil {
		return false
	}
	_, ok, err := d.deps.Ledger.Lookup(ctx, r.OccurrenceKey())
	if err != nil {
		// The ledger is best effort; an unreadable ledger never blocks a send.
		log.Warn("sent ledger lookup failed", logx.Err(err))
		return false
	}
	return ok
}

// recordSent runs detached from the task's cancellation: the message is out.
func (d *Deliverer) recordSent(log logx.Logger, r reminder.Reminder, rc reminder.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if d.deps.Ledger != nil {
		err := d.deps.Ledger.MarkSent(ctx, storage.SentRecord{
			Key:        r.OccurrenceKey(),
			ReminderID: r.ID,
			ProviderID: rc.ProviderID,
			To:         rc.To,
			SentAt:     rc.SentAt,
		})
		if err != nil {
			log.Warn("sent ledger write failed", logx.Err(err))
		}
	}
	if d.deps.Marker != nil {
		if err := d.deps.Marker.MarkSent(ctx, r.ID, rc.SentAt); err != nil {
			log.Warn("sent_at write-back failed", logx.Err(err))
		}
	}
}

func (d *Deliverer) finish(log logx.Logger, out Outcome) {
	fields := []logx.Field{
		logx.String("state", string(out.State)),
		logx.Int("attempts", out.Attempts),
		logx.Int("resolve_attempts", out.ResolveAttempts),
		logx.Duration("took", out.Took),
	}
	switch out.State {
	case StateDone:
		log.Info("reminder sent", append(fields, logx.String("provider_id", out.Receipt.ProviderID))...)
		eventbus.Emit(d.deps.Bus, eventbus.DeliveryDone, out)
	case StateFailed:
		log.Error("reminder delivery failed", append(fields, logx.Err(out.Err))...)
		eventbus.Emit(d.deps.Bus, eventbus.DeliveryFailed, out)
	case StateCancelled:
		log.Info("reminder delivery cancelled", fields...)
		eventbus.Emit(d.deps.Bus, eventbus.DeliveryCancelled, out)
	case StateSkipped:
		log.Debug("reminder already sent", fields...)
		eventbus.Emit(d.deps.Bus, eventbus.DeliverySkipped, out)
	}
	if d.deps.Observer != nil {
		d.deps.Observer.DeliveryFinished(string(out.State), out.Attempts, out.Took)
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
