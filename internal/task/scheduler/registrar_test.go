package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "plantpal/pkg/logx"
)

type fakeClient struct {
	calls []string

	schedules  map[string]ScheduleOptions
	running    []Execution
	listErr    error
	termErr    error
	createErr  error
	terminated []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{schedules: map[string]ScheduleOptions{}}
}

func (f *fakeClient) Create(ctx context.Context, opts ScheduleOptions) error {
	f.calls = append(f.calls, "create")
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.schedules[opts.ID]; ok {
		return ErrScheduleExists
	}
	f.schedules[opts.ID] = opts
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, id string) error {
	f.calls = append(f.calls, "delete")
	if _, ok := f.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(f.schedules, id)
	return nil
}

func (f *fakeClient) ListRunning(ctx context.Context, workflowType string) ([]Execution, error) {
	f.calls = append(f.calls, "list")
	return f.running, f.listErr
}

func (f *fakeClient) Terminate(ctx context.Context, executionID, reason string) error {
	f.calls = append(f.calls, "terminate")
	if f.termErr != nil {
		return f.termErr
	}
	if reason != TerminateReason {
		return errors.New("unexpected reason " + reason)
	}
	f.terminated = append(f.terminated, executionID)
	return nil
}

func testSpec(every time.Duration) TriggerSpec {
	return TriggerSpec{
		ScheduleID:   "poll-due-reminders",
		WorkflowType: "PollDueReminders",
		Every:        every,
		Action:       func(ctx context.Context) error { return nil },
	}
}

func TestRegistrar_EnsureIsIdempotent(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	r := NewRegistrar(fc, logx.Nop())

	for i := 0; i < 3; i++ {
		if err := r.Ensure(context.Background(), testSpec(30*time.Second)); err != nil {
			t.Fatalf("Ensure #%d: %v", i+1, err)
		}
	}
	if len(fc.schedules) != 1 {
		t.Fatalf("schedules=%d want exactly 1", len(fc.schedules))
	}
	got := fc.schedules["poll-due-reminders"]
	if got.Overlap != OverlapSkip || got.Paused || got.Every != 30*time.Second {
		t.Fatalf("unexpected schedule %+v", got)
	}
}

func TestRegistrar_TerminatesPreviousExecutions(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.running = []Execution{{ID: "a"}, {ID: "b"}}
	r := NewRegistrar(fc, logx.Nop())

	if err := r.Ensure(context.Background(), testSpec(time.Minute)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if len(fc.terminated) != 2 {
		t.Fatalf("terminated=%v", fc.terminated)
	}
	want := []string{"delete", "list", "terminate", "terminate", "create"}
	if len(fc.calls) != len(want) {
		t.Fatalf("calls=%v want %v", fc.calls, want)
	}
	for i := range want {
		if fc.calls[i] != want[i] {
			t.Fatalf("calls=%v want %v", fc.calls, want)
		}
	}
}

func TestRegistrar_CleanupFailuresAreNotFatal(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.running = []Execution{{ID: "a"}}
	fc.termErr = errors.New("rpc unavailable")
	r := NewRegistrar(fc, logx.Nop())
	if err := r.Ensure(context.Background(), testSpec(time.Minute)); err != nil {
		t.Fatalf("terminate failure must not fail Ensure: %v", err)
	}

	fc2 := newFakeClient()
	fc2.listErr = errors.New("list failed")
	if err := NewRegistrar(fc2, logx.Nop()).Ensure(context.Background(), testSpec(time.Minute)); err != nil {
		t.Fatalf("list failure must not fail Ensure: %v", err)
	}
}

func TestRegistrar_CreateFailureIsFatal(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	fc.createErr = errors.New("backend down")
	err := NewRegistrar(fc, logx.Nop()).Ensure(context.Background(), testSpec(time.Minute))
	if err == nil || !errors.Is(err, fc.createErr) {
		t.Fatalf("expected create error, got %v", err)
	}
}

func TestRegistrar_ClampsInterval(t *testing.T) {
	t.Parallel()

	fc := newFakeClient()
	if err := NewRegistrar(fc, logx.Nop()).Ensure(context.Background(), testSpec(1500*time.Millisecond)); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if got := fc.schedules["poll-due-reminders"].Every; got != 5*time.Second {
		t.Fatalf("every=%s want 5s", got)
	}
}

func TestEffectiveInterval(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want time.Duration
	}{
		{0, 5 * time.Second},
		{4999 * time.Millisecond, 5 * time.Second},
		{5 * time.Second, 5 * time.Second},
		{12500 * time.Millisecond, 12 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := EffectiveInterval(tc.in); got != tc.want {
			t.Fatalf("EffectiveInterval(%s)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestRegistrar_AgainstService(t *testing.T) {
	t.Parallel()

	svc := New(Config{Timezone: "UTC"}, logx.Nop(), nil)
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	block := make(chan struct{})
	spec := testSpec(time.Hour)
	spec.Action = func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return ctx.Err()
	}

	r := NewRegistrar(svc, logx.Nop())
	if err := r.Ensure(context.Background(), spec); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := svc.Trigger(context.Background(), spec.ScheduleID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, func() bool { return runningCount(svc) == 1 })

	// A second registration replaces the schedule and kills the old run.
	if err := r.Ensure(context.Background(), spec); err != nil {
		t.Fatalf("Ensure again: %v", err)
	}
	waitFor(t, func() bool { return runningCount(svc) == 0 })
	if n := len(svc.Snapshot()); n != 1 {
		t.Fatalf("schedules=%d want 1", n)
	}
	close(block)
}
