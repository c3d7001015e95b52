package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logx "plantpal/pkg/logx"
)

// TerminateReason is recorded on executions replaced by a fresh registration.
const TerminateReason = "Replacing with new schedule"

// MinInterval is the lower bound applied to trigger intervals.
const MinInterval = 5 * time.Second

// ScheduleClient is the trigger surface the Registrar drives. *Service
// implements it.
type ScheduleClient interface {
	Create(ctx context.Context, opts ScheduleOptions) error
	Delete(ctx context.Context, id string) error
	ListRunning(ctx context.Context, workflowType string) ([]Execution, error)
	Terminate(ctx context.Context, executionID, reason string) error
}

// TriggerSpec is the desired state of the poll trigger.
type TriggerSpec struct {
	ScheduleID   string
	WorkflowType string
	Every        time.Duration
	Paused       bool
	Timeout      time.Duration
	Action       func(ctx context.Context) error
	OnSignal     func(signal string)
}

// Registrar installs exactly one recurring trigger, replacing whatever a
// previous registration left behind.
type Registrar struct {
	client ScheduleClient
	log    logx.Logger

	// mu serializes Ensure so concurrent reloads cannot interleave steps.
	mu sync.Mutex
}

func NewRegistrar(client ScheduleClient, log logx.Logger) *Registrar {
	return &Registrar{client: client, log: log}
}

// EffectiveInterval truncates d to whole seconds and applies MinInterval.
func EffectiveInterval(d time.Duration) time.Duration {
	d = d.Truncate(time.Second)
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// Ensure converges the trigger to spec:
//  1. delete any existing schedule with the same ID (not-found is fine),
//  2. terminate running executions of the workflow type (failures only warn),
//  3. create the schedule with Skip overlap.
//
// Only a failure in step 3 is returned. Safe to call repeatedly.
func (r *Registrar) Ensure(ctx context.Context, spec TriggerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.client.Delete(ctx, spec.ScheduleID); err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			r.log.Debug("no previous schedule", logx.String("schedule", spec.ScheduleID))
		} else {
			r.log.Warn("delete previous schedule failed", logx.String("schedule", spec.ScheduleID), logx.Err(err))
		}
	}

	running, err := r.client.ListRunning(ctx, spec.WorkflowType)
	if err != nil {
		r.log.Warn("list running executions failed", logx.String("workflow", spec.WorkflowType), logx.Err(err))
	}
	terminated := 0
	for _, e := range running {
		if err := r.client.Terminate(ctx, e.ID, TerminateReason); err != nil {
			r.log.Warn("terminate execution failed", logx.String("execution", e.ID), logx.Err(err))
			continue
		}
		terminated++
	}

	every := EffectiveInterval(spec.Every)
	err = r.client.Create(ctx, ScheduleOptions{
		ID:           spec.ScheduleID,
		WorkflowType: spec.WorkflowType,
		Every:        every,
		Overlap:      OverlapSkip,
		Paused:       spec.Paused,
		Timeout:      spec.Timeout,
		Action:       spec.Action,
		OnSignal:     spec.OnSignal,
	})
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", spec.ScheduleID, err)
	}

	r.log.Info("trigger registered",
		logx.String("schedule", spec.ScheduleID),
		logx.Duration("every", every),
		logx.Int("terminated", terminated),
		logx.Bool("paused", spec.Paused),
	)
	return nil
}
