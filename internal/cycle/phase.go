package cycle

import (
	"errors"
	"fmt"
	"time"

	"gauge-cycler/internal/gauge"
)

// 阶段完成判定常量
const (
	dischargeHoldOff     = 5 * time.Second
	chargeHoldOff        = 10 * time.Second
	chargeStartedCurrent = 30 // mA
)

// ErrPhaseInit 阶段初始化失败，循环停止自动推进
var ErrPhaseInit = errors.New("phase initialization failed")

// Kind 阶段类型
type Kind int

const (
	KindDischarge Kind = iota
	KindRelax
	KindCharge
)

func (k Kind) String() string {
	switch k {
	case KindDischarge:
		return "discharge"
	case KindRelax:
		return "relax"
	case KindCharge:
		return "charge"
	default:
		return "unknown"
	}
}

// Phase 循环中的一个阶段，按 Kind 使用对应的参数
type Phase struct {
	Kind         Kind
	TermVoltage  int           // Discharge, mV
	Duration     time.Duration // Relax
	TaperCurrent int           // Charge, mA

	start   time.Time
	started bool // Charge: 已观察到充电电流
}

func Discharge(termVoltage int) Phase {
	return Phase{Kind: KindDischarge, TermVoltage: termVoltage}
}

func Relax(d time.Duration) Phase {
	return Phase{Kind: KindRelax, Duration: d}
}

func Charge(taperCurrent int) Phase {
	return Phase{Kind: KindCharge, TaperCurrent: taperCurrent}
}

func (p Phase) String() string {
	switch p.Kind {
	case KindDischarge:
		return fmt.Sprintf("Discharge to %d mV", p.TermVoltage)
	case KindRelax:
		return fmt.Sprintf("Relax for %s", p.Duration)
	case KindCharge:
		return fmt.Sprintf("Charge to taper %d mA", p.TaperCurrent)
	default:
		return p.Kind.String()
	}
}

// StartTime returns when the phase was last initialized.
func (p Phase) StartTime() time.Time {
	return p.start
}

// init 重置阶段时钟与内部状态
func (p *Phase) init(now time.Time) error {
	switch p.Kind {
	case KindDischarge:
		if p.TermVoltage <= 0 {
			return fmt.Errorf("%w: termination voltage %d", ErrPhaseInit, p.TermVoltage)
		}
	case KindRelax:
		if p.Duration <= 0 {
			return fmt.Errorf("%w: relax duration %s", ErrPhaseInit, p.Duration)
		}
	case KindCharge:
		if p.TaperCurrent <= 0 {
			return fmt.Errorf("%w: taper current %d", ErrPhaseInit, p.TaperCurrent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrPhaseInit, p.Kind)
	}
	p.start = now
	p.started = false
	return nil
}

// complete 判断阶段是否完成
func (p *Phase) complete(now time.Time, snap gauge.Snapshot) bool {
	elapsed := now.Sub(p.start)

	switch p.Kind {
	case KindDischarge:
		return elapsed >= dischargeHoldOff && snap.Voltage < p.TermVoltage
	case KindRelax:
		if !now.Before(p.start.Add(p.Duration)) {
			return true
		}
		return !snap.Flag(gauge.FlagVOK) && !snap.Flag(gauge.FlagRDIS)
	case KindCharge:
		if p.started {
			return snap.Current < p.TaperCurrent && snap.Flag(gauge.FlagFC)
		}
		if elapsed >= chargeHoldOff && snap.Current > chargeStartedCurrent {
			p.started = true
		}
	}
	return false
}
