package bridge

// BuildResponse 构建应答报文: 回显请求的操作码、目标、命令与附加参数，
// Status 携带适配板错误码
func BuildResponse(req *Packet, status uint16, data []byte) []byte {
	return EncodePacket(&Packet{
		Op:      req.Op,
		Status:  status,
		Target:  req.Target,
		Command: req.Command,
		Aux:     req.Aux,
		Data:    data,
	})
}

// GPIOAux 将 SetGPIO 参数打包到 Aux 字段
func GPIOAux(mask uint8, high bool) uint16 {
	aux := uint16(mask) << 8
	if high {
		aux |= 1
	}
	return aux
}

// SplitGPIOAux 是 GPIOAux 的逆操作
func SplitGPIOAux(aux uint16) (mask uint8, high bool) {
	return uint8(aux >> 8), aux&1 == 1
}
