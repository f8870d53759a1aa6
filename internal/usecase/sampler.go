package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/cycle"
	"gauge-cycler/internal/gauge"
)

// Sample 一次采样，GPC 日志的一行
type Sample struct {
	Time           time.Time     `json:"time"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsed_s"`
	Voltage        int           `json:"voltage_mv"`
	Current        int           `json:"current_ma"`
	Temperature    float64       `json:"temperature_c"`
	Phase          string        `json:"phase,omitempty"`
}

// PhaseEvent 循环阶段切换消息
type PhaseEvent struct {
	Time           time.Time `json:"time"`
	Event          string    `json:"event"`
	Index          int       `json:"index"`
	Kind           string    `json:"kind,omitempty"`
	Phase          string    `json:"phase,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_s"`
	LStatus        int       `json:"lstatus"`
	Error          string    `json:"error,omitempty"`
}

func NewPhaseEvent(ev cycle.Event) PhaseEvent {
	pe := PhaseEvent{
		Time:           ev.Time,
		Event:          ev.Kind.String(),
		Index:          ev.Index,
		ElapsedSeconds: ev.Elapsed.Seconds(),
		LStatus:        ev.LStatus,
	}
	if ev.Kind == cycle.EventPhaseStarted || ev.Kind == cycle.EventPhaseCompleted || ev.Kind == cycle.EventHalted {
		pe.Kind = ev.Phase.Kind.String()
		pe.Phase = ev.Phase.String()
	}
	if ev.Err != nil {
		pe.Error = ev.Err.Error()
	}
	return pe
}

// Dispatcher 投递队列消息
type Dispatcher interface {
	Dispatch(p MQPayload)
}

// SampleRecorder 按顺序持久化采样 (GPC 日志)
type SampleRecorder interface {
	Record(elapsed time.Duration, voltage, current int, temperature float64) error
}

// SnapshotSource 提供最近一次轮询结果
type SnapshotSource interface {
	Snapshot() gauge.Snapshot
}

// PhaseSource 返回当前阶段描述，可为 nil
type PhaseSource interface {
	Current() (cycle.Phase, bool)
}

// Sampler 在循环运行期间按固定间隔采样并分发
type Sampler struct {
	logger     *zap.Logger
	source     SnapshotSource
	phases     PhaseSource
	dispatcher Dispatcher
	recorders  []SampleRecorder
	origin     Origin
	interval   time.Duration
	now        func() time.Time
	start      time.Time
}

func NewSampler(logger *zap.Logger, source SnapshotSource, dispatcher Dispatcher, origin Origin, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		logger:     logger,
		source:     source,
		dispatcher: dispatcher,
		origin:     origin,
		interval:   interval,
		now:        time.Now,
	}
}

// WithPhases 采样时附带当前阶段
func (s *Sampler) WithPhases(p PhaseSource) *Sampler {
	s.phases = p
	return s
}

// AddRecorder 增加一个顺序写入的采样记录器
func (s *Sampler) AddRecorder(r SampleRecorder) *Sampler {
	s.recorders = append(s.recorders, r)
	return s
}

// Run 阻塞直到 ctx 结束。运行开始的时刻作为 elapsed 的零点。
func (s *Sampler) Run(ctx context.Context) {
	s.start = s.now()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Take()
		}
	}
}

// Take 采样一次。电压、电流或温度读取失败时跳过，不写入过期数据；
// 其他寄存器的失败不影响采样。
func (s *Sampler) Take() (Sample, bool) {
	snap := s.source.Snapshot()
	if snap.MeasureErr != nil {
		s.logger.Debug("Skipping sample, gauge poll failing", zap.Error(snap.MeasureErr))
		return Sample{}, false
	}

	now := s.now()
	if s.start.IsZero() {
		s.start = now
	}
	elapsed := now.Sub(s.start)
	sample := Sample{
		Time:           now,
		Elapsed:        elapsed,
		ElapsedSeconds: elapsed.Seconds(),
		Voltage:        snap.Voltage,
		Current:        snap.Current,
		Temperature:    snap.Temperature,
	}
	if s.phases != nil {
		if p, ok := s.phases.Current(); ok {
			sample.Phase = p.Kind.String()
		}
	}

	for _, r := range s.recorders {
		if err := r.Record(elapsed, sample.Voltage, sample.Current, sample.Temperature); err != nil {
			s.logger.Error("Failed to record sample", zap.Error(err))
		}
	}
	s.dispatcher.Dispatch(s.origin.Payload(PayloadSample, sample))
	return sample, true
}

// PhaseReporter 返回一个把循环事件转发到队列的观察者
func PhaseReporter(logger *zap.Logger, dispatcher Dispatcher, origin Origin) func(cycle.Event) {
	return func(ev cycle.Event) {
		logger.Debug("Cycle event", zap.String("event", ev.Kind.String()), zap.Int("index", ev.Index))
		dispatcher.Dispatch(origin.Payload(PayloadPhaseEvent, NewPhaseEvent(ev)))
	}
}
