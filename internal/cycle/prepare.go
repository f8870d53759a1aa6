package cycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/gauge"
)

// learning 循环复位后要求的 LStatus
const lstatusReset = 0x04

const (
	defaultTaperCurrent   = 100 // mA
	defaultChargeRelax    = 2 * time.Hour
	defaultDischargeRelax = 5 * time.Hour
)

var (
	ErrInvalidSettings = errors.New("invalid cycle settings")
	ErrPrepare         = errors.New("device preparation failed")
)

// Type 循环类型
type Type int

const (
	TypeLearning Type = iota
	TypeGPC
)

func (t Type) String() string {
	if t == TypeGPC {
		return "gpc"
	}
	return "learning"
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "learning":
		return TypeLearning, nil
	case "gpc":
		return TypeGPC, nil
	}
	return 0, fmt.Errorf("%w: cycle type %q", ErrInvalidSettings, s)
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	}
	return 0, fmt.Errorf("%w: cycle mode %q", ErrInvalidSettings, s)
}

// Settings 循环参数，TermVoltage 为整组电压
type Settings struct {
	Type           Type
	Mode           Mode
	CellCount      int
	TermVoltage    int // mV
	TaperCurrent   int // mA, 0 表示默认 100
	ChargeRelax    time.Duration
	DischargeRelax time.Duration
	CommandDelay   time.Duration
	ResetDelay     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.TaperCurrent == 0 {
		s.TaperCurrent = defaultTaperCurrent
	}
	if s.ChargeRelax == 0 {
		s.ChargeRelax = defaultChargeRelax
	}
	if s.DischargeRelax == 0 {
		s.DischargeRelax = defaultDischargeRelax
	}
	return s
}

// Validate 检查串数 (1-7)、单体终止电压 (2500-4200 mV) 与截止电流
func (s Settings) Validate() error {
	s = s.withDefaults()
	if s.CellCount <= 0 || s.CellCount > 7 {
		return fmt.Errorf("%w: cell count %d", ErrInvalidSettings, s.CellCount)
	}
	perCell := s.TermVoltage / s.CellCount
	if s.TermVoltage <= 0 || perCell < 2500 || perCell > 4200 {
		return fmt.Errorf("%w: termination voltage %d mV/cell", ErrInvalidSettings, perCell)
	}
	if s.TaperCurrent <= 0 {
		return fmt.Errorf("%w: taper current %d", ErrInvalidSettings, s.TaperCurrent)
	}
	return nil
}

// Phases 生成阶段列表。learning 循环附带一轮现场更新 (C,R,D,R)。
func Phases(s Settings) []Phase {
	s = s.withDefaults()
	charge := []Phase{Charge(s.TaperCurrent), Relax(s.ChargeRelax)}
	discharge := []Phase{Discharge(s.TermVoltage), Relax(s.DischargeRelax)}

	var phases []Phase
	if s.Type == TypeGPC {
		phases = append(phases, charge...)
		return append(phases, discharge...)
	}
	phases = append(phases, discharge...)
	phases = append(phases, charge...)
	phases = append(phases, discharge...)
	phases = append(phases, charge...)
	return append(phases, discharge...)
}

// Preparer 准备阶段需要的电量计操作
type Preparer interface {
	ExecuteCommand(name string) (string, error)
	Refresh() gauge.Snapshot
}

type preparation struct {
	ctx   context.Context
	gauge Preparer
}

// Prepare 在启动循环前设置器件状态: 清除 FET_EN，按循环类型开关 gauging，
// 并确保充放电 FET 打开。每条命令后等待设定的延时再确认标志。
func Prepare(ctx context.Context, logger *zap.Logger, g Preparer, s Settings) error {
	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return err
	}
	p := &preparation{ctx: ctx, gauge: g}
	logger.Info("Preparing device", zap.String("type", s.Type.String()))

	snap, err := p.refresh()
	if err != nil {
		return err
	}

	if snap.Flag(gauge.FlagFETEnabled) {
		if err := p.exec(gauge.CmdFETEnable); err != nil {
			return err
		}
	}
	if snap, err = p.settle(s.CommandDelay); err != nil {
		return err
	}
	if snap.Flag(gauge.FlagFETEnabled) {
		return fmt.Errorf("%w: failed to clear FET_EN", ErrPrepare)
	}

	gaugeOn := func(v gauge.Snapshot) bool { return v.Flag(gauge.FlagGaugeEnabled) && v.Flag(gauge.FlagQEN) }
	gaugeAny := func(v gauge.Snapshot) bool { return v.Flag(gauge.FlagGaugeEnabled) || v.Flag(gauge.FlagQEN) }

	switch s.Type {
	case TypeLearning:
		if !gaugeOn(snap) {
			if err := p.exec(gauge.CmdGaugeEnable); err != nil {
				return err
			}
		}
		if snap, err = p.settle(s.CommandDelay); err != nil {
			return err
		}
		if !gaugeOn(snap) {
			return fmt.Errorf("%w: failed to enable gauging mode", ErrPrepare)
		}

		if err := p.exec(gauge.CmdReset); err != nil {
			return err
		}
		if snap, err = p.settle(s.ResetDelay); err != nil {
			return err
		}
		if !snap.Flag(gauge.FlagRDIS) {
			return fmt.Errorf("%w: RDIS not set after reset", ErrPrepare)
		}
		if snap.LStatus != lstatusReset {
			return fmt.Errorf("%w: LStatus %#x after reset", ErrPrepare, snap.LStatus)
		}

	case TypeGPC:
		if gaugeAny(snap) {
			if err := p.exec(gauge.CmdGaugeEnable); err != nil {
				return err
			}
		}
		if snap, err = p.settle(s.CommandDelay); err != nil {
			return err
		}
		if gaugeAny(snap) {
			return fmt.Errorf("%w: failed to disable gauging mode", ErrPrepare)
		}
	}

	if !snap.Flag(gauge.FlagDischargeFET) {
		if err := p.exec(gauge.CmdDsgFETToggle); err != nil {
			return err
		}
	}
	if !snap.Flag(gauge.FlagChargeFET) {
		if err := p.exec(gauge.CmdChgFETToggle); err != nil {
			return err
		}
	}
	if snap, err = p.settle(s.CommandDelay); err != nil {
		return err
	}
	if !snap.Flag(gauge.FlagChargeFET) && !snap.Flag(gauge.FlagDischargeFET) {
		return fmt.Errorf("%w: failed to set charge and discharge FETs", ErrPrepare)
	}

	logger.Info("Device preparation successful")
	return nil
}

func (p *preparation) exec(name string) error {
	if _, err := p.gauge.ExecuteCommand(name); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPrepare, name, err)
	}
	return nil
}

func (p *preparation) refresh() (gauge.Snapshot, error) {
	snap := p.gauge.Refresh()
	if snap.Err != nil {
		return snap, fmt.Errorf("%w: %w", ErrPrepare, snap.Err)
	}
	return snap, nil
}

// settle 等待命令生效后重新读取标志
func (p *preparation) settle(d time.Duration) (gauge.Snapshot, error) {
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-p.ctx.Done():
			t.Stop()
			return gauge.Snapshot{}, p.ctx.Err()
		case <-t.C:
		}
	}
	return p.refresh()
}
