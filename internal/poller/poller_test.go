package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"plantpal/internal/delivery"
	"plantpal/internal/phone"
	"plantpal/internal/reminder"
	"plantpal/internal/storage"
	"plantpal/internal/task/engine"
	logx "plantpal/pkg/logx"
)

type fakeSource struct {
	mu        sync.Mutex
	reminders []reminder.Reminder
	err       error
	windows   []int
}

func (s *fakeSource) ListDue(ctx context.Context, windowSec int) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, windowSec)
	if s.err != nil {
		return nil, s.err
	}
	return append([]reminder.Reminder(nil), s.reminders...), nil
}

type fakeOwners struct {
	calls   atomic.Int32
	numbers map[string]string
}

func (o *fakeOwners) LookupOwner(ctx context.Context, ownerID string) (string, error) {
	o.calls.Add(1)
	n, ok := o.numbers[ownerID]
	if !ok {
		return "", engine.NoRetry(errors.New("user not found"))
	}
	return n, nil
}

type recordingGateway struct {
	mu    sync.Mutex
	to    []string
	calls map[string]int
	fail  func(n reminder.Notification, call int) error
	block chan struct{}
}

func (g *recordingGateway) Send(ctx context.Context, n reminder.Notification) (reminder.Receipt, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[n.To]++
	call := g.calls[n.To]
	block := g.block
	g.mu.Unlock()

	if block != nil {
		<-block
	}
	if g.fail != nil {
		if err := g.fail(n, call); err != nil {
			return reminder.Receipt{}, err
		}
	}
	g.mu.Lock()
	g.to = append(g.to, n.To)
	g.mu.Unlock()
	return reminder.Receipt{ProviderID: "SM1", SentAt: time.Now()}, nil
}

func (g *recordingGateway) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.to...)
	sort.Strings(out)
	return out
}

type pipeline struct {
	source  *fakeSource
	owners  *fakeOwners
	gateway *recordingGateway
	poller  *Poller
}

func newPipeline(t *testing.T, ledger storage.Ledger, cfg Config) *pipeline {
	t.Helper()
	pl := &pipeline{
		source:  &fakeSource{},
		owners:  &fakeOwners{numbers: map[string]string{"owner-a": "+6598765432", "owner-e": "+6581112222"}},
		gateway: &recordingGateway{},
	}
	d, err := delivery.New(delivery.Deps{
		Resolver:  reminder.ProxyResolver{Owners: pl.owners},
		Gateway:   pl.gateway,
		Formatter: phone.NewE164("65"),
		Ledger:    ledger,
	}, delivery.Config{
		Policy: engine.Policy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("delivery.New: %v", err)
	}
	p, err := New(Deps{Source: pl.source, Deliverer: d, Ledger: ledger}, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pl.poller = p
	return pl
}

func TestRunCycleProxyAndOwner(t *testing.T) {
	t.Parallel()

	pl := newPipeline(t, nil, Config{WindowSec: 60})
	pl.source.reminders = []reminder.Reminder{
		{ID: "A", OwnerID: "owner-a", Title: "Monstera"},
		{ID: "B", OwnerID: "owner-b", IsProxy: true, ProxyNumber: "91234567", Title: "Fern"},
	}

	res, err := pl.poller.RunCycle(context.Background(), 60)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Dispatched != 2 || res.Succeeded != 2 || res.Failed != 0 {
		t.Fatalf("tally: %+v", res)
	}
	got := pl.gateway.sent()
	want := []string{"+6591234567", "+6598765432"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("destinations=%v want %v", got, want)
	}
	// Only the non-proxy reminder reaches the owner lookup.
	if n := pl.owners.calls.Load(); n != 1 {
		t.Fatalf("owner lookups=%d, want 1", n)
	}
	if pl.source.windows[0] != 60 || res.WindowSec != 60 || res.BatchID == "" {
		t.Fatalf("unexpected window/batch: %+v %v", res, pl.source.windows)
	}
}

func TestRunCycleDispatchesOnePerReminder(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 7, 40} {
		pl := newPipeline(t, nil, Config{})
		for i := 0; i < n; i++ {
			pl.source.reminders = append(pl.source.reminders, reminder.Reminder{
				ID: fmt.Sprintf("r%d", i), OwnerID: "owner-a",
			})
		}
		res, err := pl.poller.RunCycle(context.Background(), 60)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if res.Dispatched != n || res.Succeeded != n {
			t.Fatalf("n=%d: tally %+v", n, res)
		}
	}
}

func TestRunCycleDuplicateKeys(t *testing.T) {
	t.Parallel()

	pl := newPipeline(t, nil, Config{})
	pl.source.reminders = []reminder.Reminder{
		{ID: "A", OwnerID: "owner-a"},
		{ID: "A", OwnerID: "owner-a"},
	}
	res, err := pl.poller.RunCycle(context.Background(), 60)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Dispatched != 1 || res.Duplicates != 1 || len(pl.gateway.sent()) != 1 {
		t.Fatalf("tally %+v sent=%v", res, pl.gateway.sent())
	}
}

func TestRunCycleFailureIsolation(t *testing.T) {
	t.Parallel()

	pl := newPipeline(t, nil, Config{})
	pl.gateway.fail = func(n reminder.Notification, call int) error {
		if n.To == "+6581112222" {
			return errors.New("gateway 503")
		}
		return nil
	}
	pl.source.reminders = []reminder.Reminder{
		{ID: "A", OwnerID: "owner-a"},
		{ID: "E", OwnerID: "owner-e"},
		{ID: "B", IsProxy: true, ProxyNumber: "91234567"},
		{ID: "U", OwnerID: "missing"},
	}
	res, err := pl.poller.RunCycle(context.Background(), 60)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Dispatched != 4 || res.Succeeded != 2 || res.Failed != 2 {
		t.Fatalf("tally %+v", res)
	}
	pl.gateway.mu.Lock()
	calls := pl.gateway.calls["+6581112222"]
	pl.gateway.mu.Unlock()
	if calls != 5 {
		t.Fatalf("failing destination attempts=%d, want 5", calls)
	}
}

func TestRunCycleTaskPanicFailsOnlyThatTask(t *testing.T) {
	t.Parallel()

	d := delivererFunc(func(ctx context.Context, r reminder.Reminder) delivery.Outcome {
		if r.ID == "b" {
			panic("formatter bug")
		}
		return delivery.Outcome{TaskKey: delivery.TaskKey(r.ID), State: delivery.StateDone}
	})
	src := &fakeSource{reminders: []reminder.Reminder{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	p, err := New(Deps{Source: src, Deliverer: d}, Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.RunCycle(context.Background(), 60)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if res.Dispatched != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("tally %+v", res)
	}
	if p.InFlight() != 0 {
		t.Fatalf("in flight=%d after cycle", p.InFlight())
	}
}

func TestRunCycleSourceError(t *testing.T) {
	t.Parallel()

	pl := newPipeline(t, nil, Config{})
	pl.source.err = errors.New("connection refused")
	res, err := pl.poller.RunCycle(context.Background(), 60)
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Dispatched != 0 || len(pl.gateway.sent()) != 0 {
		t.Fatalf("nothing may be dispatched: %+v", res)
	}
}

func TestRunCycleMaxConcurrency(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	d := delivererFunc(func(ctx context.Context, r reminder.Reminder) delivery.Outcome {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return delivery.Outcome{TaskKey: delivery.TaskKey(r.ID), State: delivery.StateDone}
	})
	src := &fakeSource{}
	for i := 0; i < 12; i++ {
		src.reminders = append(src.reminders, reminder.Reminder{ID: fmt.Sprintf("r%d", i)})
	}
	p, err := New(Deps{Source: src, Deliverer: d}, Config{MaxConcurrency: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.RunCycle(context.Background(), 60)
	if err != nil || res.Succeeded != 12 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds limit", peak.Load())
	}
}

func TestRunCycleSkipsInFlightFromEarlierCycle(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := delivererFunc(func(ctx context.Context, r reminder.Reminder) delivery.Outcome {
		started <- struct{}{}
		<-release
		return delivery.Outcome{TaskKey: delivery.TaskKey(r.ID), State: delivery.StateDone}
	})
	src := &fakeSource{reminders: []reminder.Reminder{{ID: "slow"}}}
	p, err := New(Deps{Source: src, Deliverer: d}, Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first := make(chan CycleResult, 1)
	go func() {
		res, _ := p.RunCycle(context.Background(), 60)
		first <- res
	}()
	<-started

	res, err := p.RunCycle(context.Background(), 60)
	if err != nil || res.Dispatched != 0 || res.Duplicates != 1 {
		t.Fatalf("second cycle res=%+v err=%v", res, err)
	}
	close(release)
	if r := <-first; r.Succeeded != 1 {
		t.Fatalf("first cycle %+v", r)
	}
	if p.InFlight() != 0 {
		t.Fatalf("gate not released")
	}
}

func TestRunCycleLedgerDedupeAndAudit(t *testing.T) {
	t.Parallel()

	ledger, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	defer ledger.Close()

	pl := newPipeline(t, ledger, Config{})
	due := time.Now().Add(30 * time.Second).Truncate(time.Second)
	pl.source.reminders = []reminder.Reminder{{ID: "A", OwnerID: "owner-a", DueAt: due}}

	// The same reminder stays inside the window for two consecutive cycles.
	first, _ := pl.poller.RunCycle(context.Background(), 60)
	second, _ := pl.poller.RunCycle(context.Background(), 60)
	if first.Succeeded != 1 || second.Skipped != 1 || second.Succeeded != 0 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if len(pl.gateway.sent()) != 1 {
		t.Fatalf("sent=%v", pl.gateway.sent())
	}
}

type delivererFunc func(ctx context.Context, r reminder.Reminder) delivery.Outcome

func (f delivererFunc) Deliver(ctx context.Context, r reminder.Reminder) delivery.Outcome {
	return f(ctx, r)
}
