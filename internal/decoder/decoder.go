package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"gauge-cycler/internal/formula"
	"gauge-cycler/internal/schema"
)

// blockHeaderLen 块读取响应前 2 字节为地址头
const blockHeaderLen = 2

var (
	// ErrOutOfRange 字段超出缓冲区，沿用上一次的值
	ErrOutOfRange = errors.New("field exceeds buffer")
	// ErrUnknownDisplayFormat 显示格式无法识别 (目录缺陷)
	ErrUnknownDisplayFormat = errors.New("unrecognized display format")
	// ErrUnknownDataType 数据类型无法识别 (目录缺陷)
	ErrUnknownDataType = errors.New("unrecognized datatype")
)

// Value 单次解码结果，每次读取重新计算
type Value struct {
	Raw     float64
	Scaled  float64
	Display string
	Bits    []uint8 // 与描述符 Bits 顺序一致
	Data    []byte  // 字段原始字节
}

// Bit reports whether bit i (index into the descriptor's Bits) is set.
func (v Value) Bit(i int) bool {
	return i >= 0 && i < len(v.Bits) && v.Bits[i] == 1
}

// Decode 将字段字节按格式解码为原始值、缩放值和显示字符串。
// 字节按小端解释，不足 4 字节补齐。
func Decode(f *schema.Format, b []byte) (Value, error) {
	v := Value{Data: append([]byte(nil), b...)}

	var word [4]byte
	copy(word[:], b)
	u := binary.LittleEndian.Uint32(word[:])

	switch f.DataType {
	case "U", "B":
		v.Raw = float64(u)
	case "I":
		v.Raw = float64(signExtend(u, len(b)))
	case "F":
		v.Raw = float64(math.Float32frombits(u))
	case "S":
		v.Display = hexDump(b)
		return v, nil
	default:
		return v, fmt.Errorf("%w: %q", ErrUnknownDataType, f.DataType)
	}

	err := applyDisplay(f, &v)
	if f.IsBitfield {
		raw := int64(v.Raw)
		v.Bits = make([]uint8, len(f.Bits))
		for i, bit := range f.Bits {
			v.Bits[i] = uint8((raw >> uint(bit.Position)) & 1)
		}
	}
	return v, err
}

func applyDisplay(f *schema.Format, v *Value) error {
	df := f.DisplayFormat
	raw := strconv.FormatFloat(v.Raw, 'f', 0, 64)

	switch {
	case strings.HasPrefix(df, "u") || (strings.HasPrefix(df, "d") && !strings.Contains(df, ".")):
		v.Scaled = formula.Evaluate(f.ReadFormula, raw)
		if f.IsBitfield {
			v.Display = hex4(v.Scaled)
		} else {
			v.Display = strconv.FormatFloat(v.Scaled, 'f', 0, 64)
		}
	case strings.HasPrefix(df, "h"):
		v.Scaled = v.Raw
		v.Display = hex4(v.Raw)
	case strings.Contains(df, "."):
		// 任意带小数点的格式 (d.1, f.2 ...) 都按定点处理
		digits := len(df) - strings.IndexByte(df, '.') - 1
		v.Scaled = formula.Evaluate(f.ReadFormula, raw)
		if digits > 0 {
			v.Scaled /= float64(digits * 10)
		}
		v.Display = strconv.FormatFloat(v.Scaled, 'f', digits, 64)
	case df == "z":
		// 日期格式不显示
		v.Scaled = v.Raw
		return nil
	default:
		v.Scaled = v.Raw
		return fmt.Errorf("%w: %q", ErrUnknownDisplayFormat, df)
	}

	if f.Unit != schema.DefaultUnit {
		v.Display += " " + f.Unit
	}
	return nil
}

// Decoder 保存每个寄存器最近一次成功解码的值
type Decoder struct {
	logger *zap.Logger

	mu     sync.RWMutex
	values map[string]Value
}

func New(logger *zap.Logger) *Decoder {
	return &Decoder{
		logger: logger,
		values: make(map[string]Value),
	}
}

// Register decodes a register read response. Word reads carry the value at
// the start of data; block reads carry a 2-byte address header before the
// payload. When the field does not fit in the first n bytes the previous
// value is returned unchanged.
func (d *Decoder) Register(r *schema.RegisterDescriptor, data []byte, n int) Value {
	if n > len(data) {
		n = len(data)
	}

	start, length := 0, r.Length
	if r.ReadStyle != schema.ReadStyleWord {
		start = blockHeaderLen + r.Offset
		if length == 0 {
			length = n - start
		}
	} else if length == 0 {
		length = n
	}

	if length <= 0 || start+length > n {
		d.logger.Debug("Register field out of range, keeping previous value",
			zap.String("register", r.Name),
			zap.Int("offset", r.Offset),
			zap.Int("length", length),
			zap.Int("block_length", n))
		prev, _ := d.Value(r.Name)
		return prev
	}

	v, err := Decode(&r.Format, data[start:start+length])
	if err != nil {
		d.logger.Warn("Register schema defect", zap.String("register", r.Name), zap.Error(err))
	}

	d.mu.Lock()
	d.values[r.Name] = v
	d.mu.Unlock()
	return v
}

// Value returns the last decoded value of a register.
func (d *Decoder) Value(name string) (Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[name]
	return v, ok
}

// Dataflash 从完整数据闪存镜像中解码一个字段
func (d *Decoder) Dataflash(s *schema.Schema, f *schema.DataflashField, image []byte) (Value, error) {
	idx := s.DataflashIndex(f)
	if idx < 0 || f.Length <= 0 || idx+f.Length > len(image) {
		return Value{}, fmt.Errorf("dataflash %q at %d+%d: %w", f.Name, idx, f.Length, ErrOutOfRange)
	}
	v, err := Decode(&f.Format, image[idx:idx+f.Length])
	if err != nil {
		d.logger.Warn("Dataflash schema defect", zap.String("field", f.Name), zap.Error(err))
	}
	return v, nil
}

func signExtend(u uint32, width int) int64 {
	switch {
	case width <= 0:
		return 0
	case width >= 4:
		return int64(int32(u))
	}
	shift := uint(32 - 8*width)
	return int64(int32(u<<shift) >> shift)
}

func hex4(v float64) string {
	if v < 0 {
		return fmt.Sprintf("%04X", uint32(int32(v)))
	}
	return fmt.Sprintf("%04X", uint32(v))
}

func hexDump(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, "-")
}
