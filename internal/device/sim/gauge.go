package sim

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/schema"
)

// manufacturerAccess 字写入时作为子命令寄存器
const manufacturerAccess uint16 = 0x00

const temperatureRaw = 2981 // 25.0 degC in 0.1 K

// Op identifies a bus primitive for fault injection.
type Op int

const (
	OpReadWord Op = iota
	OpReadBlock
	OpWriteWord
	OpWriteBlock
	OpWriteCommand
	OpSetGPIO
)

// Config 电池模型参数
type Config struct {
	Speed            float64 // 模拟时间相对墙钟的倍率
	CapacityMAh      float64
	ChargeCurrent    float64 // mA
	DischargeCurrent float64 // mA
	FullVoltage      float64 // mV
	EmptyVoltage     float64 // mV
	Resistance       float64 // mV/mA
	InitialSOC       float64
	RestPeriod       time.Duration // 无电流后 VOK/RDIS 清除所需时间
	Latency          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Speed:            1,
		CapacityMAh:      4400,
		ChargeCurrent:    2000,
		DischargeCurrent: 2000,
		FullVoltage:      8400,
		EmptyVoltage:     5800,
		Resistance:       0.05,
		InitialSOC:       0.5,
		RestPeriod:       30 * time.Minute,
	}
}

// Gauge 是由目录驱动的模拟电量计，实现 device.Bus
type Gauge struct {
	logger *zap.Logger
	schema *schema.Schema
	cfg    Config
	now    func() time.Time

	mu        sync.Mutex
	present   bool
	faults    map[Op]device.Code
	overrides map[string]uint32
	text      map[string]string
	results   map[uint16][]byte
	gpio      uint8
	macSelect uint16
	dfImage   []byte
	dfPage    int

	// 电池模型状态
	lastStep time.Time
	soc      float64
	current  float64
	restFor  time.Duration
	chgFET   bool
	dsgFET   bool
	fetEn    bool
	gaugeEn  bool
	fc       bool
	vok      bool
	rdis     bool
	lstatus  uint8
}

// ConfigFrom 以配置文件中的非零项覆盖默认模型参数
func ConfigFrom(c config.SimConfig) Config {
	cfg := DefaultConfig()
	if c.Speed > 0 {
		cfg.Speed = c.Speed
	}
	if c.CapacityMAh > 0 {
		cfg.CapacityMAh = c.CapacityMAh
	}
	if c.ChargeCurrent > 0 {
		cfg.ChargeCurrent = c.ChargeCurrent
	}
	if c.DischargeCurrent > 0 {
		cfg.DischargeCurrent = c.DischargeCurrent
	}
	if c.InitialSOC > 0 && c.InitialSOC <= 1 {
		cfg.InitialSOC = c.InitialSOC
	}
	if c.RestPeriod > 0 {
		cfg.RestPeriod = c.RestPeriod
	}
	return cfg
}

type Option func(*Gauge)

// WithClock 注入时钟，测试中用于精确推进模型
func WithClock(now func() time.Time) Option {
	return func(g *Gauge) { g.now = now }
}

func New(logger *zap.Logger, s *schema.Schema, cfg Config, opts ...Option) *Gauge {
	g := &Gauge{
		logger:    logger,
		schema:    s,
		cfg:       cfg,
		now:       time.Now,
		present:   true,
		faults:    make(map[Op]device.Code),
		overrides: make(map[string]uint32),
		text: map[string]string{
			"Manufacturer Name": "Texas Instruments",
			"Device Name":       "bq40z50-R2",
		},
		results: map[uint16][]byte{
			0x0001: {0x50, 0x45},
			0x0002: {0x50, 0x45, 0x01, 0x05, 0x00, 0x2A, 0x00, 0x38, 0x00, 0x00, 0x00},
			0x0003: {0x11, 0x00},
			0x0006: {0x10, 0x04},
		},
		soc:    cfg.InitialSOC,
		chgFET: true,
		dsgFET: true,
		fetEn:  true,
		vok:    true,
		rdis:   true,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastStep = g.now()
	g.dfImage = buildDataflash(s)
	return g
}

func buildDataflash(s *schema.Schema) []byte {
	image := make([]byte, device.DataflashBlocks*device.DataflashBlockSize)
	for _, f := range s.DataflashFields() {
		idx := s.DataflashIndex(f)
		if idx < 0 || f.Length <= 0 || idx+f.Length > len(image) {
			continue
		}
		var word [4]byte
		switch f.DataType {
		case "F":
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(float32(f.Default)))
		case "S":
			continue
		default:
			binary.LittleEndian.PutUint32(word[:], uint32(int32(f.Default)))
		}
		copy(image[idx:idx+f.Length], word[:])
	}
	return image
}

// SetPresent 模拟适配板插拔
func (g *Gauge) SetPresent(present bool) {
	g.mu.Lock()
	g.present = present
	g.mu.Unlock()
}

// Fail 让指定原语持续返回错误码，传入 NoError 取消
func (g *Gauge) Fail(op Op, code device.Code) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if code == device.NoError {
		delete(g.faults, op)
		return
	}
	g.faults[op] = code
}

// Set 固定寄存器原始值，覆盖电池模型
func (g *Gauge) Set(register string, raw uint32) {
	g.mu.Lock()
	g.overrides[register] = raw
	g.mu.Unlock()
}

func (g *Gauge) Clear(register string) {
	g.mu.Lock()
	delete(g.overrides, register)
	g.mu.Unlock()
}

// SetLatency delays every bus call by d.
func (g *Gauge) SetLatency(d time.Duration) {
	g.mu.Lock()
	g.cfg.Latency = d
	g.mu.Unlock()
}

// GPIO returns the current output latch.
func (g *Gauge) GPIO() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gpio
}

// SOC returns the model state of charge (0..1).
func (g *Gauge) SOC() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.step()
	return g.soc
}

// begin 处理公共前置: 延迟、在位检查、故障注入，并推进电池模型。
// 返回时持有锁 (仅当 error 为 nil)。
func (g *Gauge) begin(op Op) error {
	g.mu.Lock()
	latency := g.cfg.Latency
	g.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	g.mu.Lock()
	if !g.present {
		g.mu.Unlock()
		return device.DeviceAbsent
	}
	if code, ok := g.faults[op]; ok {
		g.mu.Unlock()
		return code
	}
	g.step()
	return nil
}

func (g *Gauge) readAddr(addr uint8) bool {
	return addr == g.schema.Target.Address
}

func (g *Gauge) writeAddr(addr uint8) bool {
	return addr == g.schema.Target.Address-1
}

func (g *Gauge) ReadWord(addr uint8, command uint16) (uint16, error) {
	if err := g.begin(OpReadWord); err != nil {
		return 0, err
	}
	defer g.mu.Unlock()

	if !g.readAddr(addr) {
		return 0, device.SMBNack
	}
	for _, r := range g.schema.Registers() {
		if r.ReadStyle == schema.ReadStyleWord && r.Command == command {
			return uint16(g.rawFor(r)), nil
		}
	}
	return 0, device.SMBNack
}

func (g *Gauge) ReadBlock(addr uint8, command uint16) ([]byte, error) {
	if err := g.begin(OpReadBlock); err != nil {
		return nil, err
	}
	defer g.mu.Unlock()

	if !g.readAddr(addr) {
		return nil, device.SMBNack
	}
	if command == g.schema.Target.MACCommand {
		return g.manufacturerBlock(), nil
	}

	var regs []*schema.RegisterDescriptor
	for _, r := range g.schema.Registers() {
		if r.ReadStyle == schema.ReadStyleBlock && !r.IsMAC && r.Command == command {
			regs = append(regs, r)
		}
	}
	if len(regs) == 0 {
		return nil, device.SMBNack
	}
	return g.block(command, regs), nil
}

func (g *Gauge) WriteWord(addr uint8, command uint16, value uint16) error {
	if err := g.begin(OpWriteWord); err != nil {
		return err
	}
	defer g.mu.Unlock()

	if !g.writeAddr(addr) {
		return device.SMBNack
	}
	if command == manufacturerAccess || command == g.schema.Target.MACCommand {
		g.selectSubcommand(value)
		return nil
	}
	for _, r := range g.schema.Registers() {
		if r.ReadStyle == schema.ReadStyleWord && r.Command == command {
			g.overrides[r.Name] = uint32(value)
			return nil
		}
	}
	return device.SMBNack
}

func (g *Gauge) WriteBlock(addr uint8, command uint16, data []byte) error {
	if err := g.begin(OpWriteBlock); err != nil {
		return err
	}
	defer g.mu.Unlock()

	if !g.writeAddr(addr) {
		return device.SMBNack
	}
	if command != g.schema.Target.MACCommand {
		return device.SMBNack
	}
	if len(data) < 2 {
		return device.WrongByteCount
	}
	g.selectSubcommand(binary.LittleEndian.Uint16(data))
	return nil
}

func (g *Gauge) WriteCommand(addr uint8, command uint16) error {
	if err := g.begin(OpWriteCommand); err != nil {
		return err
	}
	defer g.mu.Unlock()

	if !g.writeAddr(addr) {
		return device.SMBNack
	}
	return nil
}

func (g *Gauge) SetGPIO(mask uint8, high bool) error {
	if err := g.begin(OpSetGPIO); err != nil {
		return err
	}
	defer g.mu.Unlock()

	if high {
		g.gpio |= mask
	} else {
		g.gpio &^= mask
	}
	return nil
}

func (g *Gauge) Present() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.present
}

func (g *Gauge) Close() error {
	return nil
}

// selectSubcommand 记录 MAC 选择并执行对应命令的副作用
func (g *Gauge) selectSubcommand(sub uint16) {
	g.macSelect = sub
	if sub >= device.DataflashStart {
		g.dfPage = int(sub-device.DataflashStart) / device.DataflashBlockSize
		return
	}
	for _, c := range g.schema.Commands() {
		if c.Command == sub {
			g.execute(c.Name)
			return
		}
	}
}

func (g *Gauge) execute(name string) {
	switch name {
	case "FET_EN":
		g.fetEn = !g.fetEn
	case "GAUGE_EN":
		g.gaugeEn = !g.gaugeEn
	case "CHG_FET_TOGGLE":
		g.chgFET = !g.chgFET
	case "DSG_FET_TOGGLE":
		g.dsgFET = !g.dsgFET
	case "RESET":
		g.rdis = true
		g.lstatus = 0x04
		g.restFor = 0
	default:
		return
	}
	g.logger.Debug("Simulated command executed", zap.String("command", name))
}

func (g *Gauge) manufacturerBlock() []byte {
	sub := g.macSelect
	if sub >= device.DataflashStart {
		start := g.dfPage * device.DataflashBlockSize
		block := make([]byte, device.BlockHeaderLen+device.DataflashBlockSize)
		binary.LittleEndian.PutUint16(block, device.DataflashStart+uint16(start))
		if start < len(g.dfImage) {
			copy(block[device.BlockHeaderLen:], g.dfImage[start:])
		}
		g.dfPage++
		return block
	}

	var regs []*schema.RegisterDescriptor
	for _, r := range g.schema.Registers() {
		mac := r.ReadStyle == schema.ReadStyleManufacturerBlock || (r.ReadStyle == schema.ReadStyleBlock && r.IsMAC)
		if mac && r.Command == sub {
			regs = append(regs, r)
		}
	}
	if len(regs) > 0 {
		return g.block(sub, regs)
	}

	block := make([]byte, device.BlockHeaderLen)
	binary.LittleEndian.PutUint16(block, sub)
	return append(block, g.results[sub]...)
}

// block 按描述符的块内偏移拼出一个带地址头的响应块
func (g *Gauge) block(command uint16, regs []*schema.RegisterDescriptor) []byte {
	size := 0
	for _, r := range regs {
		size = max(size, r.BlockLength, r.Offset+r.Length)
	}
	block := make([]byte, device.BlockHeaderLen+size)
	binary.LittleEndian.PutUint16(block, command)
	payload := block[device.BlockHeaderLen:]

	for _, r := range regs {
		field := payload[r.Offset : r.Offset+r.Length]
		if r.DataType == "S" {
			copy(field, g.text[r.Name])
			continue
		}
		var word [4]byte
		binary.LittleEndian.PutUint32(word[:], g.rawFor(r))
		copy(field, word[:])
	}
	return block
}

func (g *Gauge) rawFor(r *schema.RegisterDescriptor) uint32 {
	if v, ok := g.overrides[r.Name]; ok {
		return v
	}
	if r.IsBitfield {
		var raw uint32
		for _, b := range r.Bits {
			if g.flag(r.Name, b.Name) {
				raw |= 1 << uint(b.Position)
			}
		}
		return raw
	}
	switch r.Name {
	case "Voltage":
		return uint32(math.Round(g.voltage()))
	case "Current", "Average Current":
		return uint32(int32(math.Round(g.current)))
	case "Temperature":
		return temperatureRaw
	case "LStatus":
		return uint32(g.lstatus)
	}
	return 0
}

func (g *Gauge) flag(register, bit string) bool {
	switch register {
	case "Battery Status":
		switch bit {
		case "FC":
			return g.fc
		case "FD":
			return g.soc <= 0
		case "DSG":
			return g.current <= 0
		}
	case "Operation Status A":
		switch bit {
		case "PRES":
			return true
		case "CHG":
			return g.chgFET
		case "DSG":
			return g.dsgFET
		}
	case "Manufacturing Status":
		switch bit {
		case "GAUGE_EN":
			return g.gaugeEn
		case "FET_EN":
			return g.fetEn
		}
	case "IT Status":
		switch bit {
		case "QEN":
			return g.gaugeEn
		case "VOK":
			return g.vok
		case "RDIS":
			return g.rdis
		case "REST":
			return g.current == 0 && g.restFor > 0
		}
	}
	return false
}

func (g *Gauge) voltage() float64 {
	v := g.cfg.EmptyVoltage + (g.cfg.FullVoltage-g.cfg.EmptyVoltage)*g.soc
	return v + g.current*g.cfg.Resistance
}

// step 按模拟时间推进电池模型，调用方持有锁
func (g *Gauge) step() {
	now := g.now()
	elapsed := now.Sub(g.lastStep)
	g.lastStep = now
	if elapsed <= 0 {
		return
	}
	dt := time.Duration(float64(elapsed) * g.cfg.Speed)

	charging := g.gpio&device.GPIOVout != 0 && g.chgFET
	discharging := g.gpio&device.GPIOHdq != 0 && g.dsgFET

	switch {
	case charging && !discharging:
		// 恒流至 80%，之后电流线性衰减
		if g.soc < 0.8 {
			g.current = g.cfg.ChargeCurrent
		} else {
			g.current = g.cfg.ChargeCurrent * (1 - g.soc) / 0.2
		}
		g.fc = g.soc >= 0.99
	case discharging && !charging:
		if g.soc > 0 {
			g.current = -g.cfg.DischargeCurrent
		} else {
			g.current = 0
		}
		g.fc = false
	default:
		g.current = 0
	}

	g.soc += g.current * dt.Hours() / g.cfg.CapacityMAh
	g.soc = math.Min(1, math.Max(0, g.soc))

	if g.current != 0 {
		g.restFor = 0
		g.vok = true
		return
	}
	g.restFor += dt
	if g.restFor >= g.cfg.RestPeriod {
		g.vok = false
		g.rdis = false
	}
}
