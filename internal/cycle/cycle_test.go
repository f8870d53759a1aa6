package cycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"gauge-cycler/internal/gauge"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGauge 可设置快照并记录继电器动作
type fakeGauge struct {
	mu        sync.Mutex
	snap      gauge.Snapshot
	charge    bool
	load      bool
	relayOps  int
	relaysOff int
	pulses    int
	// 非 nil 时 Snapshot 先调用它，用于模拟慢速设备
	hold func()
}

func (g *fakeGauge) Snapshot() gauge.Snapshot {
	g.mu.Lock()
	hold := g.hold
	g.mu.Unlock()
	if hold != nil {
		hold()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap
}

func (g *fakeGauge) set(fn func(s *gauge.Snapshot)) {
	g.mu.Lock()
	fn(&g.snap)
	g.mu.Unlock()
}

func (g *fakeGauge) SetChargeRelay(on bool) error {
	g.mu.Lock()
	g.charge = on
	g.relayOps++
	g.mu.Unlock()
	return nil
}

func (g *fakeGauge) SetLoadRelay(on bool) error {
	g.mu.Lock()
	g.load = on
	g.relayOps++
	g.mu.Unlock()
	return nil
}

func (g *fakeGauge) RelaysOff() error {
	g.mu.Lock()
	g.charge, g.load = false, false
	g.relaysOff++
	g.mu.Unlock()
	return nil
}

func (g *fakeGauge) TriggerLoadStart() {
	g.mu.Lock()
	g.pulses++
	g.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	kinds := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func (l *eventLog) count(kind EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestCycle(t *testing.T, phases []Phase, mode Mode) (*Cycle, *fakeGauge, *fakeClock, *eventLog) {
	t.Helper()
	g := &fakeGauge{}
	g.snap.Voltage = 4000
	g.snap.Flags[gauge.FlagVOK] = true
	g.snap.Flags[gauge.FlagRDIS] = true
	clock := newFakeClock()
	log := &eventLog{}
	c := New(zaptest.NewLogger(t), g, phases, Config{Mode: mode},
		WithClock(clock.Now), WithObserver(log.record))
	return c, g, clock, log
}

func TestCycle_AdvanceInSameTick(t *testing.T) {
	c, g, clock, log := newTestCycle(t, []Phase{Discharge(3000), Relax(time.Minute)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}

	c.Tick()
	if c.Cursor() != 0 {
		t.Fatal("advanced before discharge hold-off")
	}

	clock.Advance(5 * time.Second)
	g.set(func(s *gauge.Snapshot) {
		s.Voltage = 2900
		s.Flags[gauge.FlagVOK] = false
		s.Flags[gauge.FlagRDIS] = false
	})
	at := clock.Now()
	c.Tick()

	if c.Cursor() != 1 {
		t.Fatalf("cursor = %d, want 1", c.Cursor())
	}
	p, ok := c.Current()
	if !ok || p.Kind != KindRelax || !p.StartTime().Equal(at) {
		t.Errorf("relax not initialized at completion tick: %+v", p)
	}

	// 下一阶段条件已满足，但同一个 tick 只推进一次
	want := []EventKind{EventPhaseStarted, EventPhaseCompleted, EventPhaseStarted}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestCycle_CompletesOnce(t *testing.T) {
	c, g, clock, log := newTestCycle(t, []Phase{Relax(time.Minute)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		c.Tick()
	}

	if c.Status() != StatusCompleted {
		t.Fatalf("status = %s", c.Status())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("completion channel not closed")
	}
	if n := log.count(EventCompleted); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
	if g.charge || g.load {
		t.Error("relays left energized after completion")
	}

	c.Cancel()
	if c.Status() != StatusCompleted {
		t.Errorf("cancel after completion changed status to %s", c.Status())
	}
}

func TestCycle_CancelIdempotent(t *testing.T) {
	c, g, clock, log := newTestCycle(t, []Phase{Charge(100), Relax(time.Hour), Discharge(3000)}, ModeAuto)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	c.Tick()
	if !g.charge {
		t.Fatal("charge relay not energized")
	}

	c.Cancel()
	c.Cancel()

	if c.Status() != StatusCancelled || c.Cursor() != 0 {
		t.Errorf("status = %s cursor = %d", c.Status(), c.Cursor())
	}
	if g.charge || g.load {
		t.Error("relays energized after cancel")
	}
	if n := log.count(EventCancelled); n != 1 {
		t.Errorf("cancel events = %d, want 1", n)
	}
	select {
	case <-c.Done():
		t.Error("completion fired on cancel")
	default:
	}

	ops := g.relayOps
	c.Tick()
	if g.relayOps != ops {
		t.Error("tick after cancel touched relays")
	}
}

func TestCycle_OverlappingTickDropped(t *testing.T) {
	c, g, _, _ := newTestCycle(t, []Phase{Relax(time.Hour)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	g.mu.Lock()
	g.hold = func() {
		close(entered)
		<-release
	}
	g.mu.Unlock()

	first := make(chan bool, 1)
	go func() { first <- c.Tick() }()
	<-entered
	if c.Tick() {
		t.Error("overlapping tick was processed")
	}

	g.mu.Lock()
	g.hold = nil
	g.mu.Unlock()
	close(release)
	if !<-first {
		t.Error("blocked tick reported as dropped")
	}
	if !c.Tick() {
		t.Error("tick dropped with none in flight")
	}
}

func TestCycle_HaltOnInitFailure(t *testing.T) {
	c, g, clock, log := newTestCycle(t, []Phase{Discharge(3000), Relax(0)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	g.set(func(s *gauge.Snapshot) { s.Voltage = 2900 })
	c.Tick()

	if !c.Halted() || c.Status() != StatusRunning || c.Cursor() != 0 {
		t.Fatalf("halted = %v status = %s cursor = %d", c.Halted(), c.Status(), c.Cursor())
	}
	if log.count(EventHalted) != 1 {
		t.Errorf("events = %v", log.kinds())
	}

	ops := g.relayOps
	clock.Advance(time.Hour)
	c.Tick()
	if g.relayOps != ops || c.Cursor() != 0 {
		t.Error("halted cycle kept processing")
	}

	c.Cancel()
	if c.Status() != StatusCancelled || c.Halted() {
		t.Errorf("after cancel status = %s halted = %v", c.Status(), c.Halted())
	}
}

func TestCycle_DischargeSideEffects(t *testing.T) {
	c, g, clock, _ := newTestCycle(t, []Phase{Discharge(3000)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		c.Tick()
		clock.Advance(time.Second)
	}
	if !g.load || g.charge {
		t.Errorf("relays charge=%v load=%v", g.charge, g.load)
	}
	if g.pulses != 1 {
		t.Errorf("load start pulses = %d, want 1", g.pulses)
	}

	// 有电流时不再操作继电器
	g.set(func(s *gauge.Snapshot) { s.Current = -2000 })
	ops := g.relayOps
	c.Tick()
	if g.relayOps != ops {
		t.Error("relays driven while current flows")
	}
}

func TestCycle_RelaxSideEffects(t *testing.T) {
	c, g, _, _ := newTestCycle(t, []Phase{Relax(time.Hour)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}
	g.load = true
	g.set(func(s *gauge.Snapshot) { s.Current = 5 })
	c.Tick()
	if g.load || g.relaysOff != 1 {
		t.Errorf("relax did not de-energize relays: load=%v off=%d", g.load, g.relaysOff)
	}
}

func TestCycle_ManualMode(t *testing.T) {
	c, g, clock, _ := newTestCycle(t, []Phase{Charge(100), Discharge(3000)}, ModeManual)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		c.Tick()
		clock.Advance(time.Second)
	}
	if g.relayOps != 0 || g.pulses != 0 {
		t.Errorf("manual mode drove relays: ops=%d pulses=%d", g.relayOps, g.pulses)
	}
}

func TestCycle_StartErrors(t *testing.T) {
	c, _, _, _ := newTestCycle(t, nil, ModeAuto)
	if err := c.Start(context.Background()); !errors.Is(err, ErrNoPhases) {
		t.Errorf("no phases err = %v", err)
	}

	c, _, _, _ = newTestCycle(t, []Phase{Charge(0)}, ModeAuto)
	if err := c.Start(context.Background()); !errors.Is(err, ErrPhaseInit) {
		t.Errorf("bad first phase err = %v", err)
	}
	if c.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", c.Status())
	}

	c, _, _, _ = newTestCycle(t, []Phase{Relax(time.Hour)}, ModeAuto)
	if err := c.begin(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second start err = %v", err)
	}
}

func TestCycle_DriverRunsToCompletion(t *testing.T) {
	g := &fakeGauge{}
	clock := newFakeClock()
	c := New(zaptest.NewLogger(t), g, []Phase{Relax(time.Hour)},
		Config{TickInterval: 5 * time.Millisecond}, WithClock(clock.Now))
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// VOK 与 RDIS 均为 false，放电静置提前结束
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not complete")
	}
	c.Wait()
	if c.Status() != StatusCompleted {
		t.Errorf("status = %s", c.Status())
	}
}

func TestPhase_Charge(t *testing.T) {
	clock := newFakeClock()
	p := Charge(100)
	if err := p.init(clock.Now()); err != nil {
		t.Fatal(err)
	}
	snap := gauge.Snapshot{Current: 500}

	clock.Advance(5 * time.Second)
	if p.complete(clock.Now(), snap) || p.started {
		t.Fatal("charge started before hold-off")
	}

	clock.Advance(5 * time.Second)
	if p.complete(clock.Now(), snap) {
		t.Fatal("completed on the tick that detected charge current")
	}
	if !p.started {
		t.Fatal("charge current above threshold not detected")
	}

	snap.Current = 50
	if p.complete(clock.Now(), snap) {
		t.Error("completed without FC")
	}
	snap.Flags[gauge.FlagFC] = true
	if !p.complete(clock.Now(), snap) {
		t.Error("not complete with current below taper and FC set")
	}
}

func TestPhase_ChargeIgnoresSmallCurrent(t *testing.T) {
	clock := newFakeClock()
	p := Charge(100)
	_ = p.init(clock.Now())
	clock.Advance(time.Minute)

	snap := gauge.Snapshot{Current: 30}
	snap.Flags[gauge.FlagFC] = true
	if p.complete(clock.Now(), snap) || p.started {
		t.Error("30 mA counted as charge started")
	}
}

func TestPhase_Discharge(t *testing.T) {
	clock := newFakeClock()
	p := Discharge(3000)
	_ = p.init(clock.Now())
	low := gauge.Snapshot{Voltage: 2999}

	clock.Advance(4 * time.Second)
	if p.complete(clock.Now(), low) {
		t.Error("completed inside hold-off")
	}
	clock.Advance(time.Second)
	if p.complete(clock.Now(), gauge.Snapshot{Voltage: 3000}) {
		t.Error("completed at termination voltage")
	}
	if !p.complete(clock.Now(), low) {
		t.Error("not complete below termination voltage")
	}
}

func TestPhase_Relax(t *testing.T) {
	clock := newFakeClock()
	p := Relax(2 * time.Hour)
	_ = p.init(clock.Now())

	resting := gauge.Snapshot{}
	resting.Flags[gauge.FlagVOK] = true
	resting.Flags[gauge.FlagRDIS] = false
	if p.complete(clock.Now(), resting) {
		t.Error("completed with VOK still set")
	}

	clock.Advance(2 * time.Hour)
	if !p.complete(clock.Now(), resting) {
		t.Error("not complete at timeout")
	}

	q := Relax(2 * time.Hour)
	_ = q.init(clock.Now())
	if !q.complete(clock.Now(), gauge.Snapshot{}) {
		t.Error("not complete once VOK and RDIS cleared")
	}
}

func TestPhase_String(t *testing.T) {
	cases := map[string]Phase{
		"Discharge to 6000 mV":   Discharge(6000),
		"Relax for 2h0m0s":       Relax(2 * time.Hour),
		"Charge to taper 100 mA": Charge(100),
	}
	for want, p := range cases {
		if p.String() != want {
			t.Errorf("String() = %q, want %q", p.String(), want)
		}
	}
}
