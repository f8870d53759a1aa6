package gauge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/decoder"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/schema"
)

// manufacturerAccess 字写命令寄存器
const manufacturerAccess uint16 = 0x00

var (
	// ErrNoSchema 目录为空时无法轮询 ("尚无数据")
	ErrNoSchema = errors.New("no register schema loaded")
	// ErrNotReadable 寄存器没有可用的读取方式
	ErrNotReadable = errors.New("register has no read style")
	// ErrNotWritable 命令没有可用的写入方式
	ErrNotWritable = errors.New("command has no write style")
)

// Config 会话参数
type Config struct {
	PollInterval   time.Duration
	LoadStartDelay time.Duration
	LoadPulse      time.Duration
	// 为 0 时使用目录中的地址
	TargetAddress uint8
	MACCommand    uint16
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   500 * time.Millisecond,
		LoadStartDelay: 3 * time.Second,
		LoadPulse:      100 * time.Millisecond,
	}
}

// Snapshot 最近一次轮询得到的工程值
type Snapshot struct {
	Time        time.Time
	Voltage     int     // mV
	Current     int     // mA
	Temperature float64 // degC
	LStatus     int
	Flags       [flagCount]bool
	// 最近一次轮询中所有读取失败的合并错误，nil 表示成功。
	// 失败的寄存器保留上一次的值。
	Err error
	// 电压、电流或温度本次未能读取
	MeasureErr error
}

func (s Snapshot) Flag(f Flag) bool {
	return f >= 0 && f < flagCount && s.Flags[f]
}

// Identity 启动时读取的器件识别信息
type Identity struct {
	DeviceNumber string
	HWVersion    string
	FWVersion    string
	FWBuild      string
	ChemID       string
	DeviceName   string
}

type flagSlot struct {
	register *schema.RegisterDescriptor
	index    int
}

// Session 持有一个设备句柄，周期轮询寄存器并缓存解码结果
type Session struct {
	logger  *zap.Logger
	dev     device.Device
	schema  *schema.Schema
	decoder *decoder.Decoder
	cfg     Config
	target  uint8
	mac     uint16
	now     func() time.Time

	// 跨多步操作串行化设备访问
	devMu *sync.Mutex
	busy  atomic.Bool

	cyclic   []*schema.RegisterDescriptor
	flags    [flagCount]flagSlot
	snapshot atomic.Pointer[Snapshot]
	identity atomic.Pointer[Identity]

	dfMu      sync.Mutex
	dataflash []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Session)

// WithDeviceLock 与其他设备使用者共享同一把锁
func WithDeviceLock(mu *sync.Mutex) Option {
	return func(s *Session) { s.devMu = mu }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New 解析周期寄存器与状态标志。目录非空时，任何缺失的描述符都直接返回错误。
func New(logger *zap.Logger, dev device.Device, sch *schema.Schema, cfg Config, opts ...Option) (*Session, error) {
	s := &Session{
		logger:  logger,
		dev:     dev,
		schema:  sch,
		decoder: decoder.New(logger),
		cfg:     cfg,
		target:  sch.Target.Address,
		mac:     sch.Target.MACCommand,
		now:     time.Now,
		devMu:   &sync.Mutex{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.TargetAddress != 0 {
		s.target = cfg.TargetAddress
	}
	if cfg.MACCommand != 0 {
		s.mac = cfg.MACCommand
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = DefaultConfig().PollInterval
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.snapshot.Store(&Snapshot{Err: ErrNoSchema, MeasureErr: ErrNoSchema})
	s.identity.Store(&Identity{})

	if sch.IsEmpty() {
		logger.Warn("Gauge session created without register schema")
		return s, nil
	}

	for _, name := range cyclicRegisters {
		r, err := sch.Register(name)
		if err != nil {
			return nil, fmt.Errorf("cyclic register: %w", err)
		}
		s.cyclic = append(s.cyclic, r)
	}
	for f := Flag(0); f < flagCount; f++ {
		ref := flagRefs[f]
		r, idx, err := sch.Bit(ref.register, ref.bit)
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", f, err)
		}
		s.flags[f] = flagSlot{register: r, index: idx}
	}
	return s, nil
}

// Start 执行一次识别序列，然后按 PollInterval 周期轮询，直到 ctx 结束或 Stop。
func (s *Session) Start(ctx context.Context) {
	context.AfterFunc(ctx, s.cancel)

	if id, err := s.Identify(); err != nil {
		s.logger.Warn("Gauge identification incomplete", zap.Error(err))
	} else {
		s.logger.Info("Gauge identified",
			zap.String("device_name", id.DeviceName),
			zap.String("device_number", id.DeviceNumber),
			zap.String("fw_version", id.FWVersion),
			zap.String("chem_id", id.ChemID))
	}

	s.wg.Add(1)
	go s.run()
}

func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Stop 停止轮询并等待进行中的轮询和负载脉冲结束
func (s *Session) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Close stops the session and releases the device.
func (s *Session) Close() error {
	s.Stop()
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.dev.Close()
}

// Poll 执行一次轮询。上一次轮询尚未结束时立即返回 false。
func (s *Session) Poll() bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	defer s.busy.Store(false)

	s.Refresh()
	return true
}

// Refresh 按固定顺序读取全部周期寄存器并更新快照。单个寄存器失败不影响其余寄存器，
// 数据闪存在成功读取之前每次都会重试。
func (s *Session) Refresh() Snapshot {
	// 读取与快照替换在同一把锁内，并发刷新不会互相覆盖
	s.devMu.Lock()
	defer s.devMu.Unlock()

	if s.schema.IsEmpty() {
		return s.store(ErrNoSchema, ErrNoSchema)
	}
	if !s.dev.Present() {
		return s.store(device.DeviceAbsent, device.DeviceAbsent)
	}

	var errs, measureErrs []error
	for _, r := range s.cyclic {
		if _, err := s.readLocked(r); err != nil {
			err = fmt.Errorf("read %q: %w", r.Name, err)
			errs = append(errs, err)
			if isMeasurement(r.Name) {
				measureErrs = append(measureErrs, err)
			}
		}
	}
	if !s.DataflashLoaded() {
		if err := s.loadDataflashLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	return s.store(errors.Join(errs...), errors.Join(measureErrs...))
}

func isMeasurement(name string) bool {
	return name == "Voltage" || name == "Current" || name == "Temperature"
}

// store 必须持有 devMu
func (s *Session) store(err, measureErr error) Snapshot {
	prev := s.snapshot.Load()
	snap := Snapshot{
		Time:        s.now(),
		Voltage:     prev.Voltage,
		Current:     prev.Current,
		Temperature: prev.Temperature,
		LStatus:     prev.LStatus,
		Flags:       prev.Flags,
		Err:         err,
		MeasureErr:  measureErr,
	}

	if v, ok := s.decoder.Value("Voltage"); ok {
		snap.Voltage = int(math.Round(v.Scaled))
	}
	if v, ok := s.decoder.Value("Current"); ok {
		snap.Current = int(math.Round(v.Scaled))
	}
	if v, ok := s.decoder.Value("Temperature"); ok {
		snap.Temperature = v.Scaled
	}
	if v, ok := s.decoder.Value("LStatus"); ok {
		snap.LStatus = int(v.Raw)
	}
	for f, slot := range s.flags {
		if slot.register == nil {
			continue
		}
		if v, ok := s.decoder.Value(slot.register.Name); ok {
			snap.Flags[f] = v.Bit(slot.index)
		}
	}
	s.snapshot.Store(&snap)

	// 只在状态变化时记录，避免每个周期刷屏
	if device.CodeOf(err) != device.CodeOf(prev.Err) {
		if err != nil {
			s.logger.Warn("Gauge poll failed", zap.Error(err), zap.Int("code", int(device.CodeOf(err))))
		} else {
			s.logger.Info("Gauge poll recovered")
		}
	}
	return snap
}

// Snapshot returns the most recent poll result.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

func (s *Session) Flag(f Flag) bool {
	return s.snapshot.Load().Flag(f)
}

func (s *Session) Identity() Identity {
	return *s.identity.Load()
}

// ReadRegister 按需读取单个寄存器
func (s *Session) ReadRegister(name string) (decoder.Value, error) {
	r, err := s.schema.Register(name)
	if err != nil {
		return decoder.Value{}, err
	}
	s.devMu.Lock()
	defer s.devMu.Unlock()
	return s.readLocked(r)
}

func (s *Session) readLocked(r *schema.RegisterDescriptor) (decoder.Value, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case r.ReadStyle == schema.ReadStyleWord:
		var w uint16
		w, err = s.dev.ReadWord(s.target, r.Command)
		data = []byte{byte(w), byte(w >> 8)}
	case r.ReadStyle == schema.ReadStyleManufacturerBlock,
		r.ReadStyle == schema.ReadStyleBlock && r.IsMAC:
		data, err = s.dev.ReadManufacturerBlock(s.target, s.mac, r.Command)
	case r.ReadStyle == schema.ReadStyleBlock:
		data, err = s.dev.ReadBlock(s.target, r.Command)
	default:
		return decoder.Value{}, fmt.Errorf("register %q: %w", r.Name, ErrNotReadable)
	}
	if err != nil {
		return decoder.Value{}, err
	}
	return s.decoder.Register(r, data, len(data)), nil
}

// ExecuteCommand 按名称执行命令。带结果的命令返回结果字段的 4 位十六进制显示。
func (s *Session) ExecuteCommand(name string) (string, error) {
	c, err := s.schema.Command(name)
	if err != nil {
		return "", err
	}

	s.devMu.Lock()
	defer s.devMu.Unlock()

	var result string
	switch c.WriteStyle {
	case schema.WriteStyleWord:
		err = s.dev.WriteWord(s.target, manufacturerAccess, c.Command)
	case schema.WriteStyleManufacturerBlock:
		var block []byte
		block, err = s.dev.ReadManufacturerBlock(s.target, s.mac, c.Command)
		if err == nil && c.HasResult {
			result, err = commandResult(c, block)
		}
	default:
		return "", fmt.Errorf("command %q: %w", c.Name, ErrNotWritable)
	}
	if err != nil {
		s.logger.Warn("Gauge command failed", zap.String("command", name), zap.Error(err))
		return "", err
	}

	s.logger.Info("Gauge command executed", zap.String("command", name), zap.String("result", result))
	return result, nil
}

func commandResult(c *schema.CommandDescriptor, block []byte) (string, error) {
	length := c.Length
	if length <= 0 {
		length = 2
	}
	start := device.BlockHeaderLen + c.Offset
	if start+length > len(block) {
		return "", fmt.Errorf("command %q result at %d+%d of %d: %w", c.Name, c.Offset, length, len(block), decoder.ErrOutOfRange)
	}
	v, err := decoder.Decode(&schema.Format{DataType: "U", DisplayFormat: "h", Unit: schema.DefaultUnit}, block[start:start+length])
	if err != nil {
		return "", err
	}
	return v.Display, nil
}

// Identify 依次执行识别命令并读取器件名称。单项失败不影响其余项。
func (s *Session) Identify() (Identity, error) {
	var (
		id   Identity
		errs []error
	)
	targets := map[string]*string{
		CmdDeviceNumber: &id.DeviceNumber,
		CmdHWVersion:    &id.HWVersion,
		CmdFWVersion:    &id.FWVersion,
		CmdFWBuild:      &id.FWBuild,
		CmdChemID:       &id.ChemID,
	}
	for _, name := range identificationCommands {
		result, err := s.ExecuteCommand(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*targets[name] = result
	}

	if v, err := s.ReadRegister("Device Name"); err != nil {
		errs = append(errs, err)
	} else {
		id.DeviceName = text(v.Data)
	}

	s.identity.Store(&id)
	return id, errors.Join(errs...)
}

// text 去掉字符串字段末尾的填充
func text(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

// SetChargeRelay 控制充电继电器 (VOUT)
func (s *Session) SetChargeRelay(on bool) error {
	return s.setGPIO(device.GPIOVout, on)
}

// SetLoadRelay 控制负载继电器 (HDQ)
func (s *Session) SetLoadRelay(on bool) error {
	return s.setGPIO(device.GPIOHdq, on)
}

// RelaysOff de-energizes both relays, attempting each even if the first fails.
func (s *Session) RelaysOff() error {
	return errors.Join(s.SetChargeRelay(false), s.SetLoadRelay(false))
}

func (s *Session) setGPIO(mask uint8, high bool) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	if err := s.dev.SetGPIO(mask, high); err != nil {
		s.logger.Warn("Set GPIO failed", zap.Uint8("mask", mask), zap.Bool("high", high), zap.Error(err))
		return err
	}
	return nil
}

// TriggerLoadStart 在后台延迟 LoadStartDelay 后给电子负载发送一个启动脉冲 (I2C SDA)
func (s *Session) TriggerLoadStart() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pulseLoadStart(s.ctx); err != nil {
			s.logger.Warn("Load start pulse failed", zap.Error(err))
		}
	}()
}

func (s *Session) pulseLoadStart(ctx context.Context) error {
	if err := sleep(ctx, s.cfg.LoadStartDelay); err != nil {
		return err
	}
	if err := s.setGPIO(device.GPIOI2CSDA, true); err != nil {
		return err
	}
	// 脉冲必须结束，即使 ctx 已取消
	_ = sleep(ctx, s.cfg.LoadPulse)
	if err := s.setGPIO(device.GPIOI2CSDA, false); err != nil {
		return err
	}
	s.logger.Info("Load start pulse sent")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
