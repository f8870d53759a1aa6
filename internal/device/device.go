package device

// GPIO 适配板 GPIO 掩码
const (
	GPIOLedD19 uint8 = 0x01
	GPIOLedD15 uint8 = 0x02
	GPIOLedD14 uint8 = 0x04
	GPIOLedD13 uint8 = 0x08
	GPIOVout   uint8 = 0x10 // 充电继电器
	GPIOHdq    uint8 = 0x20 // 负载继电器
	GPIOI2CSCL uint8 = 0x40
	GPIOI2CSDA uint8 = 0x80 // 远程电子负载启动按钮
)

// 数据闪存整体读取参数
const (
	DataflashStart     uint16 = 0x4000
	DataflashBlocks           = 103
	DataflashBlockSize        = 32
	BlockHeaderLen            = 2
)

// Bus 适配板提供的底层 SMBus/GPIO 原语。
// 读操作使用目标地址，写操作使用目标地址减一 (由 Board 处理)。
// 所有方法都必须在有限时间内返回。
type Bus interface {
	ReadWord(addr uint8, command uint16) (uint16, error)
	// ReadBlock 返回的数据以 2 字节地址头开始
	ReadBlock(addr uint8, command uint16) ([]byte, error)
	WriteWord(addr uint8, command uint16, value uint16) error
	WriteBlock(addr uint8, command uint16, data []byte) error
	WriteCommand(addr uint8, command uint16) error
	SetGPIO(mask uint8, high bool) error
	Present() bool
	Close() error
}

// Device is the register-level view used by the gauge session.
type Device interface {
	ReadWord(target uint8, command uint16) (uint16, error)
	ReadBlock(target uint8, command uint16) ([]byte, error)
	WriteWord(target uint8, command uint16, value uint16) error
	WriteBlock(target uint8, command uint16, data []byte) error
	WriteCommand(target uint8, command uint16) error
	ReadManufacturerBlock(target uint8, mac uint16, subcommand uint16) ([]byte, error)
	ReadFullDataflash(target uint8, mac uint16) ([]byte, error)
	SetGPIO(mask uint8, high bool) error
	Present() bool
	Close() error
}
