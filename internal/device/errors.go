package device

import (
	"errors"
	"fmt"
)

// Code 适配板返回的错误码 (封闭集合)，NoError 以外的值都实现 error
type Code int

const (
	NoError           Code = 0
	LostSync          Code = 1
	DeviceAbsent      Code = 2
	BadChecksum       Code = 3
	WrongByteCount    Code = 5
	Unknown           Code = 6
	InvalidParameter  Code = 7
	Timeout           Code = 8
	InvalidData       Code = 9
	UnsolicitedPacket Code = 10
	SMBClockLocked    Code = 260
	SMBDataLocked     Code = 516
	SMBNack           Code = 772
	SMBDataLow        Code = 1028
	SMBLocked         Code = 1284
)

var codeNames = map[Code]string{
	NoError:           "no error",
	LostSync:          "lost sync",
	DeviceAbsent:      "device absent",
	BadChecksum:       "bad checksum",
	WrongByteCount:    "wrong number of bytes",
	Unknown:           "unknown error",
	InvalidParameter:  "invalid parameter",
	Timeout:           "timeout",
	InvalidData:       "invalid data",
	UnsolicitedPacket: "unsolicited packet",
	SMBClockLocked:    "smbus clock locked",
	SMBDataLocked:     "smbus data locked",
	SMBNack:           "smbus nack",
	SMBDataLow:        "smbus data low",
	SMBLocked:         "smbus locked",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("device error %d", int(c))
}

// Valid reports whether c is one of the known board codes.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// Err 将错误码转换为 error，NoError 返回 nil
func (c Code) Err() error {
	if c == NoError {
		return nil
	}
	return c
}

// CodeOf 从 error 中取出错误码: nil 为 NoError，非设备错误视为 Unknown
func CodeOf(err error) Code {
	if err == nil {
		return NoError
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}
