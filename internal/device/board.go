package device

// Board 在任意 Bus 之上实现 Device
type Board struct {
	bus Bus
}

func NewBoard(bus Bus) *Board {
	return &Board{bus: bus}
}

func writeAddr(target uint8) uint8 {
	return target - 1
}

func (b *Board) ReadWord(target uint8, command uint16) (uint16, error) {
	if !b.bus.Present() {
		return 0, DeviceAbsent
	}
	return b.bus.ReadWord(target, command)
}

func (b *Board) ReadBlock(target uint8, command uint16) ([]byte, error) {
	if !b.bus.Present() {
		return nil, DeviceAbsent
	}
	return b.bus.ReadBlock(target, command)
}

func (b *Board) WriteWord(target uint8, command uint16, value uint16) error {
	if !b.bus.Present() {
		return DeviceAbsent
	}
	return b.bus.WriteWord(writeAddr(target), command, value)
}

func (b *Board) WriteBlock(target uint8, command uint16, data []byte) error {
	if !b.bus.Present() {
		return DeviceAbsent
	}
	return b.bus.WriteBlock(writeAddr(target), command, data)
}

func (b *Board) WriteCommand(target uint8, command uint16) error {
	if !b.bus.Present() {
		return DeviceAbsent
	}
	return b.bus.WriteCommand(writeAddr(target), command)
}

// ReadManufacturerBlock 先把子命令 (小端 2 字节) 写入 MAC 寄存器，再块读取结果
func (b *Board) ReadManufacturerBlock(target uint8, mac uint16, subcommand uint16) ([]byte, error) {
	if !b.bus.Present() {
		return nil, DeviceAbsent
	}
	cmd := []byte{byte(subcommand), byte(subcommand >> 8)}
	if err := b.bus.WriteBlock(writeAddr(target), mac, cmd); err != nil {
		return nil, err
	}
	return b.bus.ReadBlock(target, mac)
}

// ReadFullDataflash 选中数据闪存起始地址后连续读取全部块，去掉每块的地址头后拼接
func (b *Board) ReadFullDataflash(target uint8, mac uint16) ([]byte, error) {
	if !b.bus.Present() {
		return nil, DeviceAbsent
	}
	cmd := []byte{byte(DataflashStart & 0xFF), byte(DataflashStart >> 8)}
	if err := b.bus.WriteBlock(writeAddr(target), mac, cmd); err != nil {
		return nil, err
	}

	image := make([]byte, 0, DataflashBlocks*DataflashBlockSize)
	for i := 0; i < DataflashBlocks; i++ {
		block, err := b.bus.ReadBlock(target, mac)
		if err != nil {
			return nil, err
		}
		if len(block) < BlockHeaderLen {
			return nil, WrongByteCount
		}
		image = append(image, block[BlockHeaderLen:]...)
	}
	return image, nil
}

func (b *Board) SetGPIO(mask uint8, high bool) error {
	if !b.bus.Present() {
		return DeviceAbsent
	}
	return b.bus.SetGPIO(mask, high)
}

func (b *Board) Present() bool {
	return b.bus.Present()
}

func (b *Board) Close() error {
	return b.bus.Close()
}
