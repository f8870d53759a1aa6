package schema

import (
	"errors"
	"fmt"
)

// ErrUnknownDescriptor 表示按名称查找的描述符不存在。
// 这说明目录与调用方逻辑不一致，而不是运行时状态。
var ErrUnknownDescriptor = errors.New("unknown descriptor")

// 字段缺省值
const (
	DefaultUnit          = "-"
	DefaultDisplayFormat = "d"
	DefaultDataType      = "I"
	DefaultFormula       = "x"
	DefaultMACCommand    = 0x44
)

// ReadStyle 寄存器读取方式
type ReadStyle int

const (
	ReadStyleNone              ReadStyle = 0
	ReadStyleWord              ReadStyle = 1 // SMBus 字读取
	ReadStyleBlock             ReadStyle = 2 // SMBus 块读取 (IsMAC 时经 ManufacturerAccess)
	ReadStyleManufacturerBlock ReadStyle = 3 // 经 ManufacturerBlockAccess 块读取
)

func (r ReadStyle) String() string {
	switch r {
	case ReadStyleWord:
		return "word"
	case ReadStyleBlock:
		return "block"
	case ReadStyleManufacturerBlock:
		return "mac-block"
	default:
		return "none"
	}
}

// WriteStyle 命令写入方式
type WriteStyle int

const (
	WriteStyleNone              WriteStyle = 0
	WriteStyleWord              WriteStyle = 1 // ManufacturerAccess 写字
	WriteStyleManufacturerBlock WriteStyle = 2 // ManufacturerBlockAccess 选择后读回结果块
)

// BitDescriptor 位域中的单个标志位
type BitDescriptor struct {
	Name     string
	Position int
}

// Format 描述原始字节如何解码、缩放和显示，寄存器与数据闪存字段共用
type Format struct {
	DataType      string
	ReadFormula   string
	WriteFormula  string
	Unit          string
	DisplayFormat string
	IsBitfield    bool
	Bits          []BitDescriptor
}

func defaultFormat() Format {
	return Format{
		DataType:      DefaultDataType,
		ReadFormula:   DefaultFormula,
		WriteFormula:  DefaultFormula,
		Unit:          DefaultUnit,
		DisplayFormat: DefaultDisplayFormat,
	}
}

// BitIndex returns the index of the named bit within Bits.
func (f *Format) BitIndex(name string) (int, bool) {
	for i, b := range f.Bits {
		if b.Name == name {
			return i, true
		}
	}
	return -1, false
}

// RegisterDescriptor 设备寄存器 (sbsItem)
type RegisterDescriptor struct {
	Format

	Name        string
	LogCaption  string
	Command     uint16
	ReadStyle   ReadStyle
	IsMAC       bool
	Offset      int // offsetwithinblock
	Length      int // lengthwithinblock
	BlockLength int
	Writable    bool
	IsStatic    bool
	IsVisible   bool
}

// CommandDescriptor 写触发的设备命令 (commandItem)
type CommandDescriptor struct {
	Name         string
	Description  string
	Command      uint16 // writevalue
	WriteStyle   WriteStyle
	HasResult    bool
	Offset       int
	Length       int
	BlockLength  int
	DelayMS      int
	SealedAccess bool
	Private      bool
	BigEndian    bool
}

// DataflashField 数据闪存镜像中的字段 (bcfgItem)
type DataflashField struct {
	Format

	Class    string
	Subclass string
	Name     string
	Offset   int
	Length   int
	Default  float64
	Min      float64
	Max      float64
}

// Target 目标器件寻址信息 (sbsInfo)
type Target struct {
	Address    uint8
	Endianness int
	MACCommand uint16
}

// Schema is the immutable catalog built once per session.
type Schema struct {
	Target        Target
	DataflashBase int

	registers []*RegisterDescriptor
	commands  []*CommandDescriptor
	dataflash []*DataflashField
	regByName map[string]*RegisterDescriptor
	cmdByName map[string]*CommandDescriptor
	dfByName  map[string]*DataflashField
}

// Empty 返回一个不含任何描述符的目录 ("尚无数据")
func Empty() *Schema {
	return &Schema{
		Target:    Target{MACCommand: DefaultMACCommand},
		regByName: map[string]*RegisterDescriptor{},
		cmdByName: map[string]*CommandDescriptor{},
		dfByName:  map[string]*DataflashField{},
	}
}

// IsEmpty reports whether no register catalog has been loaded.
func (s *Schema) IsEmpty() bool {
	return len(s.registers) == 0
}

func (s *Schema) Registers() []*RegisterDescriptor   { return s.registers }
func (s *Schema) Commands() []*CommandDescriptor     { return s.commands }
func (s *Schema) DataflashFields() []*DataflashField { return s.dataflash }

// Register 按名称查找寄存器
func (s *Schema) Register(name string) (*RegisterDescriptor, error) {
	if r, ok := s.regByName[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("register %q: %w", name, ErrUnknownDescriptor)
}

// Command 按名称查找命令
func (s *Schema) Command(name string) (*CommandDescriptor, error) {
	if c, ok := s.cmdByName[name]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("command %q: %w", name, ErrUnknownDescriptor)
}

// DataflashField 按名称查找数据闪存字段
func (s *Schema) DataflashField(name string) (*DataflashField, error) {
	if f, ok := s.dfByName[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("dataflash field %q: %w", name, ErrUnknownDescriptor)
}

// Bit resolves a named bit inside a named bitfield register and returns the
// register together with the bit's index in its Bits slice.
func (s *Schema) Bit(register, bit string) (*RegisterDescriptor, int, error) {
	r, err := s.Register(register)
	if err != nil {
		return nil, -1, err
	}
	if !r.IsBitfield {
		return nil, -1, fmt.Errorf("register %q is not a bitfield: %w", register, ErrUnknownDescriptor)
	}
	idx, ok := r.BitIndex(bit)
	if !ok {
		return nil, -1, fmt.Errorf("bit %q in register %q: %w", bit, register, ErrUnknownDescriptor)
	}
	return r, idx, nil
}

// DataflashIndex converts a field offset into an index inside the dataflash image.
func (s *Schema) DataflashIndex(f *DataflashField) int {
	if s.DataflashBase > 0 && f.Offset >= s.DataflashBase {
		return f.Offset - s.DataflashBase
	}
	return f.Offset
}
