package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"plantpal/internal/eventbus"
	logx "plantpal/pkg/logx"
)

// errServiceStopped is the cancellation cause for executions cut off by Stop.
var errServiceStopped = errors.New("schedule service stopped")

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		schedules: map[string]*schedule{},
		execs:     map[string]*execution{},
	}
}

// Start starts cron triggering for every registered schedule. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.baseCtx, s.baseCancel = context.WithCancelCause(context.WithoutCancel(ctx))
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.schedules)))
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, sch := range s.schedules {
		s.addCronLocked(sch)
	}
	s.c.Start()
}

// Stop stops triggering, cancels running executions and waits for them to
// return or for ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.baseCancel
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel(errServiceStopped)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out; executions still running", logx.Duration("took", time.Since(start)))
	}
}

// Apply updates the service config; a timezone change restarts cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	c := s.c
	if c == nil || oldTZ == strings.TrimSpace(cfg.Timezone) {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// Cron jobs take s.mu, so wait for them without holding it.
	<-c.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.baseCtx == nil || s.baseCtx.Err() != nil {
		return
	}
	s.startCronLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// Create registers a new schedule. It fails with ErrScheduleExists when the
// ID is taken.
func (s *Service) Create(ctx context.Context, opts ScheduleOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[opts.ID]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, opts.ID)
	}
	sch := &schedule{opts: opts, paused: opts.Paused, running: map[string]*execution{}}
	s.schedules[opts.ID] = sch
	if s.c != nil {
		s.addCronLocked(sch)
	}
	s.log.Info("schedule created",
		logx.String("schedule", opts.ID),
		logx.Duration("every", opts.Every),
		logx.String("overlap", opts.Overlap.String()),
		logx.Bool("paused", opts.Paused),
	)
	return nil
}

// Delete unregisters a schedule. Running executions are left alone.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if s.c != nil && sch.entryID != 0 {
		s.c.Remove(sch.entryID)
	}
	delete(s.schedules, id)
	s.log.Info("schedule deleted", logx.String("schedule", id))
	return nil
}

func (s *Service) Pause(ctx context.Context, id string) error   { return s.setPaused(id, true) }
func (s *Service) Unpause(ctx context.Context, id string) error { return s.setPaused(id, false) }

func (s *Service) setPaused(id string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	sch.paused = paused
	s.log.Info("schedule paused state changed", logx.String("schedule", id), logx.Bool("paused", paused))
	return nil
}

// Signal delivers signal to the schedule's OnSignal handler.
func (s *Service) Signal(ctx context.Context, id, signal string) error {
	s.mu.Lock()
	sch, ok := s.schedules[id]
	var fn func(string)
	if ok {
		fn = sch.opts.OnSignal
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	if fn != nil {
		fn(signal)
	}
	return nil
}

// Trigger fires a schedule immediately, subject to its overlap policy and
// paused state.
func (s *Service) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.fireLocked(sch)
	return nil
}

// ListRunning returns running executions of workflowType (all when empty).
func (s *Service) ListRunning(ctx context.Context, workflowType string) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.execs))
	for _, e := range s.execs {
		if workflowType == "" || e.WorkflowType == workflowType {
			out = append(out, e.Execution)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// Terminate hard-cancels a running execution with reason as the cause.
func (s *Service) Terminate(ctx context.Context, executionID, reason string) error {
	s.mu.Lock()
	e, ok := s.execs[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	e.cancel(errors.New(reason))
	s.log.Info("execution terminated", logx.String("execution", executionID), logx.String("reason", reason))
	return nil
}

// Snapshot returns a diagnostics view of all schedules.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.schedules))
	for _, sch := range s.schedules {
		it := ScheduleInfo{
			ID:           sch.opts.ID,
			WorkflowType: sch.opts.WorkflowType,
			Every:        sch.opts.Every,
			Overlap:      sch.opts.Overlap.String(),
			Paused:       sch.paused,
			Running:      len(sch.running),
			Fired:        sch.fired,
			Skipped:      sch.skipped,
			Prev:         sch.prev,
		}
		if s.c != nil && sch.entryID != 0 {
			it.Next = s.c.Entry(sch.entryID).Next
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) addCronLocked(sch *schedule) {
	id := sch.opts.ID
	sch.entryID = s.c.Schedule(cron.Every(sch.opts.Every), cron.FuncJob(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.schedules[id]
		if !ok || cur != sch {
			return
		}
		s.fireLocked(sch)
	}))
}

// fireLocked applies the overlap policy and starts an execution. Call with
// s.mu held.
func (s *Service) fireLocked(sch *schedule) {
	if sch.paused || s.baseCtx == nil || s.baseCtx.Err() != nil {
		return
	}
	sch.fired++
	sch.prev = time.Now()

	switch sch.opts.Overlap {
	case OverlapSkip:
		if !sch.gate.TryAcquire() {
			s.skipLocked(sch)
			return
		}
	case OverlapBufferOne:
		if len(sch.running) > 0 {
			if sch.pending {
				s.skipLocked(sch)
			} else {
				sch.pending = true
			}
			return
		}
	case OverlapCancelOther:
		for _, e := range sch.running {
			e.cancel(errors.New("cancelled by newer execution"))
		}
	}
	s.startLocked(sch)
}

func (s *Service) skipLocked(sch *schedule) {
	sch.skipped++
	s.log.Debug("schedule fire skipped (overlap)", logx.String("schedule", sch.opts.ID), logx.Int("running", len(sch.running)))
	eventbus.Emit(s.bus, eventbus.ScheduleSkipped, sch.opts.ID)
}

func (s *Service) startLocked(sch *schedule) {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	e := &execution{
		Execution: Execution{
			ID:           sch.opts.ID + "-" + uuid.NewString(),
			ScheduleID:   sch.opts.ID,
			WorkflowType: sch.opts.WorkflowType,
			Started:      time.Now(),
		},
		cancel: cancel,
	}
	sch.running[e.ID] = e
	s.execs[e.ID] = e
	eventbus.Emit(s.bus, eventbus.ScheduleFired, e.Execution)

	s.wg.Add(1)
	go s.run(ctx, sch, e)
}

func (s *Service) run(ctx context.Context, sch *schedule, e *execution) {
	defer s.wg.Done()

	runCtx := ctx
	if sch.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, sch.opts.Timeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("execution panic", logx.String("execution", e.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return sch.opts.Action(runCtx)
	}()
	e.cancel(nil)
	took := time.Since(e.Started)

	if err != nil {
		s.log.Warn("execution failed", logx.String("execution", e.ID), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("execution finished", logx.String("execution", e.ID), logx.Duration("took", took))
	}
	eventbus.Emit(s.bus, eventbus.ExecutionFinished, e.Execution)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, e.ID)
	delete(sch.running, e.ID)
	if sch.opts.Overlap == OverlapSkip {
		sch.gate.Release()
	}
	if sch.pending && len(sch.running) == 0 {
		sch.pending = false
		if _, ok := s.schedules[sch.opts.ID]; ok && s.baseCtx.Err() == nil {
			s.startLocked(sch)
		}
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
