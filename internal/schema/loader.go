package schema

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// 配置包 (.bqz) 内的文档路径
const (
	RegisterEntry = "sbs/default.sbsx"
	CommandEntry  = "toolcustomization/commands.xml"
)

// ErrMalformedDocument 文档无法解析，目录保持为空
var ErrMalformedDocument = errors.New("malformed schema document")

// bitPrefixLen 位域子节点名称前缀长度 ("bit12" -> 12)
const bitPrefixLen = 3

type xmlBit struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type xmlFields struct {
	Bits []xmlBit `xml:",any"`
}

type xmlSbsInfo struct {
	TargetAddress   *string `xml:"targetAddress"`
	TargetEndianess *string `xml:"targetEndianess"`
	MacCommand      *string `xml:"SMB_NewMacCMD"`
}

type xmlSbsItem struct {
	Caption           *string    `xml:"caption"`
	LogCaption        *string    `xml:"logcaption"`
	IsStatic          *string    `xml:"isstatic"`
	IsVisible         *string    `xml:"isvisible"`
	IsMac             *string    `xml:"ismac"`
	ReadStyle         *string    `xml:"readstyle"`
	OffsetWithinBlock *string    `xml:"offsetwithinblock"`
	LengthWithinBlock *string    `xml:"lengthwithinblock"`
	Length            *string    `xml:"length"`
	Command           *string    `xml:"command"`
	ReadFormula       *string    `xml:"readformula"`
	WriteFormula      *string    `xml:"writeformula"`
	Writable          *string    `xml:"writable"`
	Unit              *string    `xml:"unit"`
	DisplayFormat     *string    `xml:"displayformat"`
	DataType          *string    `xml:"datatype"`
	IsBitfield        *string    `xml:"isbitfield"`
	Fields            *xmlFields `xml:"fields"`
}

type xmlSbs struct {
	XMLName xml.Name     `xml:"sbs"`
	Info    []xmlSbsInfo `xml:"sbsInfo"`
	Items   []xmlSbsItem `xml:"sbsItem"`
}

type xmlCommandItem struct {
	Caption           *string `xml:"caption"`
	Description       *string `xml:"description"`
	Result            *string `xml:"result"`
	SealedAccess      *string `xml:"sealedaccess"`
	Private           *string `xml:"private"`
	DataBigEndian     *string `xml:"databigendian"`
	WriteStyle        *string `xml:"writestyle"`
	OffsetWithinBlock *string `xml:"offsetwithinblock"`
	LengthWithinBlock *string `xml:"lengthwithinblock"`
	Length            *string `xml:"length"`
	WriteValue        *string `xml:"writevalue"`
	DelayMS           *string `xml:"delayms"`
}

type xmlCommands struct {
	XMLName xml.Name         `xml:"commands"`
	Items   []xmlCommandItem `xml:"commandItem"`
}

type xmlBcfgInfo struct {
	BaseAddr *string `xml:"bcfgxBaseAddr"`
}

type xmlBcfgItem struct {
	Class        *string    `xml:"class"`
	Subclass     *string    `xml:"subclass"`
	Caption      *string    `xml:"caption"`
	Offset       *string    `xml:"offset"`
	Length       *string    `xml:"length"`
	ReadFormula  *string    `xml:"readformula"`
	WriteFormula *string    `xml:"writeformula"`
	Unit         *string    `xml:"unit"`
	DisplayType  *string    `xml:"displaytype"`
	Default      *string    `xml:"default"`
	Min          *string    `xml:"min"`
	Max          *string    `xml:"max"`
	DataType     *string    `xml:"datatype"`
	IsBitfield   *string    `xml:"isbitfield"`
	Fields       *xmlFields `xml:"fields"`
}

type xmlBcfg struct {
	XMLName xml.Name      `xml:"bcfg"`
	Info    []xmlBcfgInfo `xml:"bcfgInfo"`
	Items   []xmlBcfgItem `xml:"bcfgItem"`
}

// Loader 从 BQStudio 配置文档构建 Schema
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{logger: logger}
}

// LoadFiles 读取 .bqz 配置包 (寄存器 + 命令) 与 .bcfgx 数据闪存目录。
// 任一文档损坏时返回空目录和错误，绝不返回部分填充的目录。
func (l *Loader) LoadFiles(bqzPath, bcfgxPath string) (*Schema, error) {
	s, err := l.loadFiles(bqzPath, bcfgxPath)
	if err != nil {
		l.logger.Error("Schema load failed, continuing with empty schema",
			zap.String("bqz", bqzPath),
			zap.String("bcfgx", bcfgxPath),
			zap.Error(err))
		return Empty(), err
	}
	return s, nil
}

func (l *Loader) loadFiles(bqzPath, bcfgxPath string) (*Schema, error) {
	archive, err := zip.OpenReader(bqzPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", bqzPath, err)
	}
	defer archive.Close()

	regs, err := archive.Open(RegisterEntry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", RegisterEntry, err)
	}
	defer regs.Close()

	cmds, err := archive.Open(CommandEntry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", CommandEntry, err)
	}
	defer cmds.Close()

	df, err := os.Open(bcfgxPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", bcfgxPath, err)
	}
	defer df.Close()

	return l.parse(regs, cmds, df)
}

// Parse 从三个文档流构建目录: 寄存器/位域 (sbsx)、命令 (commands.xml)、数据闪存 (bcfgx)。
// commands 与 dataflash 可以为 nil。
func (l *Loader) Parse(registers, commands, dataflash io.Reader) (*Schema, error) {
	s, err := l.parse(registers, commands, dataflash)
	if err != nil {
		l.logger.Error("Schema parse failed, continuing with empty schema", zap.Error(err))
		return Empty(), err
	}
	return s, nil
}

func (l *Loader) parse(registers, commands, dataflash io.Reader) (*Schema, error) {
	var sbs xmlSbs
	if err := xml.NewDecoder(registers).Decode(&sbs); err != nil {
		return nil, fmt.Errorf("%w: registers: %v", ErrMalformedDocument, err)
	}

	var cmds xmlCommands
	if commands != nil {
		if err := xml.NewDecoder(commands).Decode(&cmds); err != nil {
			return nil, fmt.Errorf("%w: commands: %v", ErrMalformedDocument, err)
		}
	}

	var bcfg xmlBcfg
	if dataflash != nil {
		if err := xml.NewDecoder(dataflash).Decode(&bcfg); err != nil {
			return nil, fmt.Errorf("%w: dataflash: %v", ErrMalformedDocument, err)
		}
	}

	s := Empty()
	for _, info := range sbs.Info {
		s.Target.Address = uint8(l.intField("targetAddress", info.TargetAddress, int(s.Target.Address)))
		s.Target.Endianness = l.intField("targetEndianess", info.TargetEndianess, s.Target.Endianness)
		s.Target.MACCommand = uint16(l.intField("SMB_NewMacCMD", info.MacCommand, int(s.Target.MACCommand)))
	}
	for _, info := range bcfg.Info {
		s.DataflashBase = l.intField("bcfgxBaseAddr", info.BaseAddr, s.DataflashBase)
	}

	for _, item := range sbs.Items {
		r := l.register(item)
		if r.Name == "" {
			l.logger.Warn("Register without caption skipped", zap.Uint16("command", r.Command))
			continue
		}
		if _, dup := s.regByName[r.Name]; dup {
			l.logger.Warn("Duplicate register caption skipped", zap.String("name", r.Name))
			continue
		}
		s.registers = append(s.registers, r)
		s.regByName[r.Name] = r
	}

	for _, item := range cmds.Items {
		c := l.command(item)
		if c.Name == "" {
			continue
		}
		if _, dup := s.cmdByName[c.Name]; dup {
			l.logger.Warn("Duplicate command caption skipped", zap.String("name", c.Name))
			continue
		}
		s.commands = append(s.commands, c)
		s.cmdByName[c.Name] = c
	}

	for _, item := range bcfg.Items {
		f := l.dataflashField(item)
		if f.Name == "" {
			continue
		}
		if _, dup := s.dfByName[f.Name]; dup {
			l.logger.Warn("Duplicate dataflash caption skipped", zap.String("name", f.Name))
			continue
		}
		s.dataflash = append(s.dataflash, f)
		s.dfByName[f.Name] = f
	}

	l.logger.Info("Schema loaded",
		zap.Int("registers", len(s.registers)),
		zap.Int("commands", len(s.commands)),
		zap.Int("dataflash_fields", len(s.dataflash)),
		zap.Uint8("target_address", s.Target.Address))
	return s, nil
}

func (l *Loader) register(item xmlSbsItem) *RegisterDescriptor {
	r := &RegisterDescriptor{Format: defaultFormat()}
	r.Name = textField(item.Caption, r.Name)
	r.LogCaption = textField(item.LogCaption, r.LogCaption)
	r.IsStatic = l.boolField("isstatic", item.IsStatic, r.IsStatic)
	r.IsVisible = l.boolField("isvisible", item.IsVisible, r.IsVisible)
	r.IsMAC = l.boolField("ismac", item.IsMac, r.IsMAC)
	r.ReadStyle = ReadStyle(l.intField("readstyle", item.ReadStyle, int(r.ReadStyle)))
	r.Offset = l.intField("offsetwithinblock", item.OffsetWithinBlock, r.Offset)
	r.Length = l.intField("lengthwithinblock", item.LengthWithinBlock, r.Length)
	r.BlockLength = l.intField("length", item.Length, r.BlockLength)
	r.Command = uint16(l.intField("command", item.Command, int(r.Command)))
	r.ReadFormula = textField(item.ReadFormula, r.ReadFormula)
	r.WriteFormula = textField(item.WriteFormula, r.WriteFormula)
	r.Writable = l.boolField("writable", item.Writable, r.Writable)
	r.Unit = textField(item.Unit, r.Unit)
	r.DisplayFormat = textField(item.DisplayFormat, r.DisplayFormat)
	r.DataType = textField(item.DataType, r.DataType)
	r.IsBitfield = l.boolField("isbitfield", item.IsBitfield, r.IsBitfield)
	if r.IsBitfield {
		r.Bits = l.bits(r.Name, item.Fields)
	}
	return r
}

func (l *Loader) command(item xmlCommandItem) *CommandDescriptor {
	c := &CommandDescriptor{}
	c.Name = textField(item.Caption, c.Name)
	c.Description = textField(item.Description, c.Description)
	c.HasResult = l.boolField("result", item.Result, c.HasResult)
	c.SealedAccess = l.boolField("sealedaccess", item.SealedAccess, c.SealedAccess)
	c.Private = l.boolField("private", item.Private, c.Private)
	c.BigEndian = l.boolField("databigendian", item.DataBigEndian, c.BigEndian)
	c.WriteStyle = WriteStyle(l.intField("writestyle", item.WriteStyle, int(c.WriteStyle)))
	c.Offset = l.intField("offsetwithinblock", item.OffsetWithinBlock, c.Offset)
	c.Length = l.intField("lengthwithinblock", item.LengthWithinBlock, c.Length)
	c.BlockLength = l.intField("length", item.Length, c.BlockLength)
	c.Command = uint16(l.intField("writevalue", item.WriteValue, int(c.Command)))
	c.DelayMS = l.intField("delayms", item.DelayMS, c.DelayMS)
	return c
}

func (l *Loader) dataflashField(item xmlBcfgItem) *DataflashField {
	f := &DataflashField{Format: defaultFormat()}
	f.Class = textField(item.Class, f.Class)
	f.Subclass = textField(item.Subclass, f.Subclass)
	f.Name = textField(item.Caption, f.Name)
	f.Offset = l.intField("offset", item.Offset, f.Offset)
	f.Length = l.intField("length", item.Length, f.Length)
	f.ReadFormula = textField(item.ReadFormula, f.ReadFormula)
	f.WriteFormula = textField(item.WriteFormula, f.WriteFormula)
	f.Unit = textField(item.Unit, f.Unit)
	if item.DisplayType != nil {
		f.DisplayFormat = strings.ToLower(strings.TrimSpace(*item.DisplayType))
	}
	f.Default = l.floatField("default", item.Default, f.Default)
	f.Min = l.floatField("min", item.Min, f.Min)
	f.Max = l.floatField("max", item.Max, f.Max)
	f.DataType = textField(item.DataType, f.DataType)
	f.IsBitfield = l.boolField("isbitfield", item.IsBitfield, f.IsBitfield)
	if f.IsBitfield {
		f.Bits = l.bits(f.Name, item.Fields)
	}
	return f
}

func (l *Loader) bits(owner string, fields *xmlFields) []BitDescriptor {
	if fields == nil {
		l.logger.Warn("Bitfield without fields", zap.String("name", owner))
		return nil
	}
	bits := make([]BitDescriptor, 0, len(fields.Bits))
	for _, b := range fields.Bits {
		tag := b.XMLName.Local
		pos := 0
		if len(tag) > bitPrefixLen {
			n, err := strconv.Atoi(tag[bitPrefixLen:])
			if err != nil {
				l.logger.Warn("Invalid bit position", zap.String("name", owner), zap.String("tag", tag), zap.Error(err))
			} else {
				pos = n
			}
		}
		bits = append(bits, BitDescriptor{Name: strings.TrimSpace(b.Text), Position: pos})
	}
	return bits
}

func textField(v *string, def string) string {
	if v == nil {
		return def
	}
	return strings.TrimSpace(*v)
}

func (l *Loader) intField(name string, v *string, def int) int {
	if v == nil {
		return def
	}
	n, err := ParseInt(*v)
	if err != nil {
		l.logger.Warn("Invalid numeric field, default kept", zap.String("field", name), zap.String("value", *v), zap.Error(err))
		return def
	}
	return n
}

func (l *Loader) floatField(name string, v *string, def float64) float64 {
	if v == nil {
		return def
	}
	s := strings.TrimSpace(*v)
	if hasHexPrefix(s) {
		n, err := ParseInt(s)
		if err != nil {
			l.logger.Warn("Invalid numeric field, default kept", zap.String("field", name), zap.String("value", s), zap.Error(err))
			return def
		}
		return float64(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		l.logger.Warn("Invalid numeric field, default kept", zap.String("field", name), zap.String("value", s), zap.Error(err))
		return def
	}
	return f
}

func (l *Loader) boolField(name string, v *string, def bool) bool {
	if v == nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(*v))
	if err != nil {
		l.logger.Warn("Invalid boolean field, default kept", zap.String("field", name), zap.String("value", *v))
		return def
	}
	return b
}

// ParseInt 解析十进制或 "0x" 前缀的十六进制整数
func ParseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if hasHexPrefix(s) {
		n, err := strconv.ParseInt(s[2:], 16, 64)
		return int(n), err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err
}

func hasHexPrefix(s string) bool {
	return len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X")
}
