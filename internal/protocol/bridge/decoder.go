package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var (
	// ErrTooLarge 当报文过大时返回 (安全检查)
	ErrTooLarge = errors.New("报文过大")
	// ErrBadChecksum BCC 校验失败
	ErrBadChecksum = errors.New("校验失败")
)

var startChars = []byte{0x23, 0x23}

// PacketScanner 为 bufio.Scanner 提供 Split 函数
type PacketScanner struct {
	maxPacketSize int
}

// NewPacketScanner 创建扫描器。maxPacketSize 限制单帧大小，防止恶意长度字段导致 OOM。
func NewPacketScanner(maxPacketSize int) *PacketScanner {
	return &PacketScanner{maxPacketSize: maxPacketSize}
}

// SplitFunc 是用于 bufio.Scanner 解析桥接帧的分割函数。
// 遇到垃圾数据、超长声明或校验失败时跳过当前起始符并重新同步。
func (ps *PacketScanner) SplitFunc(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	startIdx := bytes.Index(data, startChars)
	if startIdx == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		// 保留最后一个字节，可能是半个起始符
		if len(data) > 0 && data[len(data)-1] == startChars[0] {
			return len(data) - 1, nil, nil
		}
		return len(data), nil, nil
	}
	if startIdx > 0 {
		return startIdx, nil, nil
	}

	if len(data) < HeaderLength {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}

	dataLen := binary.BigEndian.Uint16(data[lengthOffset:HeaderLength])
	totalLen := HeaderLength + int(dataLen) + 1

	if totalLen > ps.maxPacketSize {
		// 声明长度过大，多半是看起来像头部的垃圾数据
		return 2, nil, nil
	}

	if len(data) < totalLen {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}

	if !VerifyChecksum(data[:totalLen]) {
		return 2, nil, nil
	}
	return totalLen, data[:totalLen], nil
}
