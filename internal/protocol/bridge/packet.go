package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 桥接协议常量定义
const (
	StartChar = 0x2323 // 起始符 "##"
	// HeaderLength: 2(Start) + 1(Op) + 2(Status) + 1(Target) + 2(Command) + 2(Aux) + 2(Len) = 12
	HeaderLength = 12
	// MinPacketSize: Header + Checksum(1) = 13
	MinPacketSize = 13

	lengthOffset = 10
)

// Op 操作码
type Op byte

const (
	OpLogin        Op = 0x01 // 登入
	OpReadWord     Op = 0x10
	OpReadBlock    Op = 0x11
	OpWriteWord    Op = 0x20
	OpWriteBlock   Op = 0x21
	OpWriteCommand Op = 0x22
	OpSetGPIO      Op = 0x30
	OpPresent      Op = 0x40
	OpHeartbeat    Op = 0x07
)

func (o Op) String() string {
	switch o {
	case OpLogin:
		return "login"
	case OpReadWord:
		return "read-word"
	case OpReadBlock:
		return "read-block"
	case OpWriteWord:
		return "write-word"
	case OpWriteBlock:
		return "write-block"
	case OpWriteCommand:
		return "write-command"
	case OpSetGPIO:
		return "set-gpio"
	case OpPresent:
		return "present"
	case OpHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("op(0x%02X)", byte(o))
}

// Packet 代表一个解析后的桥接报文。
// 请求中 Status 为 0；应答中 Status 为适配板错误码。
type Packet struct {
	Op      Op
	Status  uint16
	Target  uint8
	Command uint16
	Aux     uint16 // WriteWord 的值；SetGPIO 为 mask<<8 | level
	Data    []byte
}

// ParseHeader 尝试从字节切片开头解析报文头，返回数据单元长度。
// 假设切片以 "##" 开头。
func ParseHeader(data []byte) (dataLen uint16, err error) {
	if len(data) < HeaderLength {
		return 0, errors.New("数据长度不足以解析头部")
	}
	if data[0] != 0x23 || data[1] != 0x23 {
		return 0, fmt.Errorf("无效的起始符: %X%X", data[0], data[1])
	}
	// 0-1: ##
	// 2: 操作码
	// 3-4: 状态
	// 5: 目标地址
	// 6-7: 命令
	// 8-9: 附加参数
	// 10-11: 数据单元长度
	return binary.BigEndian.Uint16(data[lengthOffset:HeaderLength]), nil
}

// ParsePacket 将一帧完整的报文 (已由 PacketScanner 校验) 解析为 Packet
func ParsePacket(frame []byte) (*Packet, error) {
	dataLen, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) != HeaderLength+int(dataLen)+1 {
		return nil, fmt.Errorf("报文长度不一致: 声明 %d, 实际 %d", dataLen, len(frame)-MinPacketSize)
	}
	if !VerifyChecksum(frame) {
		return nil, ErrBadChecksum
	}
	return &Packet{
		Op:      Op(frame[2]),
		Status:  binary.BigEndian.Uint16(frame[3:5]),
		Target:  frame[5],
		Command: binary.BigEndian.Uint16(frame[6:8]),
		Aux:     binary.BigEndian.Uint16(frame[8:10]),
		Data:    append([]byte(nil), frame[HeaderLength:HeaderLength+int(dataLen)]...),
	}, nil
}

// VerifyChecksum 验证完整报文的 BCC 校验码 (操作码至数据单元末尾)
func VerifyChecksum(packetData []byte) bool {
	if len(packetData) < MinPacketSize {
		return false
	}
	receivedBCC := packetData[len(packetData)-1]
	return receivedBCC == CalculateChecksum(packetData[2:len(packetData)-1])
}

// CalculateChecksum 计算给定数据的异或校验和 (XOR Checksum)
func CalculateChecksum(data []byte) byte {
	var bcc byte
	for _, b := range data {
		bcc ^= b
	}
	return bcc
}
