package bridge

import (
	"encoding/binary"
)

// EncodePacket 将 Packet 结构体编码为字节流
func EncodePacket(pkt *Packet) []byte {
	// Structure: [Start 2][Op 1][Status 2][Target 1][Command 2][Aux 2][Len 2][Data N][Check 1]
	dataLen := len(pkt.Data)
	totalLen := HeaderLength + dataLen + 1
	buf := make([]byte, totalLen)

	buf[0] = 0x23
	buf[1] = 0x23
	buf[2] = byte(pkt.Op)
	binary.BigEndian.PutUint16(buf[3:5], pkt.Status)
	buf[5] = pkt.Target
	binary.BigEndian.PutUint16(buf[6:8], pkt.Command)
	binary.BigEndian.PutUint16(buf[8:10], pkt.Aux)
	binary.BigEndian.PutUint16(buf[lengthOffset:HeaderLength], uint16(dataLen))
	copy(buf[HeaderLength:], pkt.Data)

	// BCC: 操作码 (索引 2) 至数据末尾
	buf[totalLen-1] = CalculateChecksum(buf[2 : HeaderLength+dataLen])
	return buf
}
