package cycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/gauge"
)

var (
	ErrNoPhases = errors.New("cycle has no phases")
	ErrNotIdle  = errors.New("cycle already started")
)

// Status 循环状态
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Mode 手动模式下不操作继电器，只提示操作员
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// Gauge 循环依赖的电量计操作
type Gauge interface {
	Snapshot() gauge.Snapshot
	SetChargeRelay(on bool) error
	SetLoadRelay(on bool) error
	RelaysOff() error
	TriggerLoadStart()
}

// EventKind 循环事件类型
type EventKind int

const (
	EventPhaseStarted EventKind = iota
	EventPhaseCompleted
	EventCompleted
	EventCancelled
	EventHalted
)

func (k EventKind) String() string {
	switch k {
	case EventPhaseStarted:
		return "phase_started"
	case EventPhaseCompleted:
		return "phase_completed"
	case EventCompleted:
		return "cycle_completed"
	case EventCancelled:
		return "cycle_cancelled"
	case EventHalted:
		return "cycle_halted"
	default:
		return "unknown"
	}
}

// Event 阶段切换通知
type Event struct {
	Kind    EventKind
	Index   int
	Phase   Phase
	Elapsed time.Duration
	Time    time.Time
	LStatus int
	Err     error
}

type Config struct {
	Mode         Mode
	TickInterval time.Duration
}

// Cycle 按顺序执行阶段。由周期 tick 驱动，tick 重入时直接丢弃。
type Cycle struct {
	logger   *zap.Logger
	gauge    Gauge
	cfg      Config
	now      func() time.Time
	observer func(Event)

	busy atomic.Bool

	mu         sync.Mutex
	phases     []Phase
	status     Status
	cursor     int
	halted     bool
	loadPulsed bool

	done     chan struct{}
	doneOnce sync.Once
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Cycle)

func WithClock(now func() time.Time) Option {
	return func(c *Cycle) { c.now = now }
}

// WithObserver 注册阶段事件回调，回调在循环锁之外执行。
// 回调运行在 tick 协程中，不能在回调里调用 Cancel。
func WithObserver(fn func(Event)) Option {
	return func(c *Cycle) { c.observer = fn }
}

func New(logger *zap.Logger, g Gauge, phases []Phase, cfg Config, opts ...Option) *Cycle {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	c := &Cycle{
		logger: logger,
		gauge:  g,
		cfg:    cfg,
		now:    time.Now,
		phases: append([]Phase(nil), phases...),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 初始化第一个阶段并启动 tick 驱动。ctx 结束时驱动停止 (不等同于 Cancel)。
func (c *Cycle) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
	return nil
}

// begin 不启动驱动的 Start，测试中手动调用 Tick
func (c *Cycle) begin() error {
	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	if len(c.phases) == 0 {
		c.mu.Unlock()
		return ErrNoPhases
	}
	now := c.now()
	if err := c.phases[0].init(now); err != nil {
		c.mu.Unlock()
		c.logger.Error("Cycle start failed", zap.Error(err))
		return err
	}
	c.status = StatusRunning
	c.cursor = 0
	c.loadPulsed = false
	ev := c.event(EventPhaseStarted, now)
	c.mu.Unlock()

	c.logger.Info("Cycle started", zap.Int("phases", len(c.phases)), zap.String("phase", ev.Phase.String()))
	c.emit(ev)
	return nil
}

func (c *Cycle) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick 处理一次循环。上一次 tick 未结束时返回 false。
func (c *Cycle) Tick() bool {
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}
	defer c.busy.Store(false)

	events := c.process()
	for _, ev := range events {
		c.emit(ev)
	}
	return true
}

func (c *Cycle) process() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status != StatusRunning || c.halted {
		return nil
	}

	now := c.now()
	snap := c.gauge.Snapshot()
	p := &c.phases[c.cursor]

	if !p.complete(now, snap) {
		c.apply(p, snap)
		return nil
	}

	done := c.event(EventPhaseCompleted, now)
	done.LStatus = snap.LStatus
	c.logger.Info("Phase completed",
		zap.Int("index", c.cursor),
		zap.String("phase", p.String()),
		zap.Duration("elapsed", done.Elapsed),
		zap.Int("lstatus", snap.LStatus))
	events := []Event{done}

	next := c.cursor + 1
	if next >= len(c.phases) {
		c.finish()
		c.logger.Info("Cycle completed")
		return append(events, Event{Kind: EventCompleted, Index: c.cursor, Time: now, LStatus: snap.LStatus})
	}

	if err := c.phases[next].init(now); err != nil {
		// 停在当前阶段，需要人工取消
		c.halted = true
		c.logger.Error("Phase initialization failed, cycle halted",
			zap.Int("index", next),
			zap.String("phase", c.phases[next].String()),
			zap.Error(err))
		halted := c.event(EventHalted, now)
		halted.Err = err
		return append(events, halted)
	}

	c.cursor = next
	c.loadPulsed = false
	started := c.event(EventPhaseStarted, now)
	c.logger.Info("Phase started", zap.Int("index", next), zap.String("phase", started.Phase.String()))
	if started.Phase.Kind == KindRelax {
		c.logger.Info("Relaxing, please wait")
	}
	return append(events, started)
}

// apply 阶段未完成时每个 tick 的继电器动作，调用方持有锁
func (c *Cycle) apply(p *Phase, snap gauge.Snapshot) {
	switch p.Kind {
	case KindCharge:
		if snap.Current != 0 {
			return
		}
		if c.cfg.Mode == ModeManual {
			c.logger.Info("Charge mode: connect charger or power supply now")
			return
		}
		_ = c.gauge.SetChargeRelay(true)
		_ = c.gauge.SetLoadRelay(false)
		c.logger.Info("Charge relay activated")

	case KindDischarge:
		if snap.Current != 0 {
			return
		}
		if c.cfg.Mode == ModeManual {
			c.logger.Info("Discharge mode: connect load now")
			return
		}
		_ = c.gauge.SetChargeRelay(false)
		_ = c.gauge.SetLoadRelay(true)
		if !c.loadPulsed {
			c.gauge.TriggerLoadStart()
			c.loadPulsed = true
		}
		c.logger.Info("Discharge relay activated")

	case KindRelax:
		_ = c.gauge.RelaysOff()
		if snap.Current != 0 {
			c.logger.Error("Current not zero during relax", zap.Int("current", snap.Current))
		}
	}
}

// finish 进入 Completed，调用方持有锁
func (c *Cycle) finish() {
	c.stopDriver()
	_ = c.gauge.RelaysOff()
	c.status = StatusCompleted
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Cycle) stopDriver() {
	if c.stop != nil {
		c.stop()
	}
}

// Cancel 停止驱动、断开继电器并复位游标。重复调用无副作用。
func (c *Cycle) Cancel() {
	c.mu.Lock()
	if c.status == StatusCancelled || c.status == StatusCompleted {
		c.mu.Unlock()
		return
	}
	c.stopDriver()
	if err := c.gauge.RelaysOff(); err != nil {
		c.logger.Warn("Relays off failed during cancel", zap.Error(err))
	}
	ev := Event{Kind: EventCancelled, Index: c.cursor, Time: c.now()}
	c.status = StatusCancelled
	c.cursor = 0
	c.halted = false
	c.loadPulsed = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Cycle cancelled")
	c.emit(ev)
}

// Wait blocks until the tick driver has exited.
func (c *Cycle) Wait() {
	c.wg.Wait()
}

// Done 在循环完成时关闭 (仅一次)，取消不会关闭
func (c *Cycle) Done() <-chan struct{} {
	return c.done
}

func (c *Cycle) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Cycle) Cursor() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Halted reports whether automatic advancement stopped on a phase init failure.
func (c *Cycle) Halted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted
}

// Current returns the active phase.
func (c *Cycle) Current() (Phase, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return Phase{}, false
	}
	return c.phases[c.cursor], true
}

func (c *Cycle) event(kind EventKind, now time.Time) Event {
	p := c.phases[c.cursor]
	return Event{
		Kind:    kind,
		Index:   c.cursor,
		Phase:   p,
		Elapsed: now.Sub(p.start),
		Time:    now,
	}
}

func (c *Cycle) emit(ev Event) {
	if c.observer != nil {
		c.observer(ev)
	}
}
