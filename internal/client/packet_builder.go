package client

import (
	"gauge-cycler/internal/protocol/bridge"
)

// PacketBuilder 构建桥接请求报文
type PacketBuilder struct{}

func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// BuildLogin 生成登入报文 (0x01)
func (pb *PacketBuilder) BuildLogin(username, password string) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpLogin, Data: bridge.EncodeLogin(username, password)}
}

func (pb *PacketBuilder) BuildReadWord(addr uint8, command uint16) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpReadWord, Target: addr, Command: command}
}

func (pb *PacketBuilder) BuildReadBlock(addr uint8, command uint16) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpReadBlock, Target: addr, Command: command}
}

func (pb *PacketBuilder) BuildWriteWord(addr uint8, command uint16, value uint16) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpWriteWord, Target: addr, Command: command, Aux: value}
}

func (pb *PacketBuilder) BuildWriteBlock(addr uint8, command uint16, data []byte) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpWriteBlock, Target: addr, Command: command, Data: data}
}

func (pb *PacketBuilder) BuildWriteCommand(addr uint8, command uint16) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpWriteCommand, Target: addr, Command: command}
}

func (pb *PacketBuilder) BuildSetGPIO(mask uint8, high bool) *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpSetGPIO, Aux: bridge.GPIOAux(mask, high)}
}

func (pb *PacketBuilder) BuildPresent() *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpPresent}
}

// BuildHeartbeat 生成心跳报文 (0x07)
func (pb *PacketBuilder) BuildHeartbeat() *bridge.Packet {
	return &bridge.Packet{Op: bridge.OpHeartbeat}
}
