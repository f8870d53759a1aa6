package bridge

import (
	"errors"
)

const (
	usernameLen = 12
	passwordLen = 20
)

// LoginData 登入数据单元 (操作码 0x01)
// 格式: [用户名 12Byte][密码 20Byte]，不足部分补 0
type LoginData struct {
	Username string
	Password string
}

func ParseLogin(data []byte) (*LoginData, error) {
	if len(data) < usernameLen+passwordLen {
		return nil, errors.New("登入数据长度不足 (期望>=32)")
	}
	return &LoginData{
		Username: string(trimNulls(data[:usernameLen])),
		Password: string(trimNulls(data[usernameLen : usernameLen+passwordLen])),
	}, nil
}

// EncodeLogin 构建登入数据单元，超长字段截断
func EncodeLogin(username, password string) []byte {
	data := make([]byte, usernameLen+passwordLen)
	copy(data[:usernameLen], username)
	copy(data[usernameLen:], password)
	return data
}

func trimNulls(b []byte) []byte {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0 {
			return b[:i+1]
		}
	}
	return []byte{}
}
