package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/protocol/bridge"
)

// BridgeBus 通过 TCP 桥接服务访问远端适配板，实现 device.Bus。
// 每个请求都设置读写截止时间，超时返回 device.Timeout。
// 连接出错后下一次请求自动重连并重新登入。
type BridgeBus struct {
	cfg     config.DeviceConfig
	logger  *zap.Logger
	builder *PacketBuilder

	mu   sync.Mutex
	conn net.Conn
}

// Dial 建立连接并登入
func Dial(cfg config.DeviceConfig, logger *zap.Logger) (*BridgeBus, error) {
	b := &BridgeBus{
		cfg:     cfg,
		logger:  logger,
		builder: NewPacketBuilder(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BridgeBus) connect() error {
	conn, err := net.DialTimeout("tcp", b.cfg.Address, b.cfg.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", b.cfg.Address, err)
	}
	b.conn = conn

	if _, err := b.exchange(b.builder.BuildLogin(b.cfg.Username, b.cfg.Password)); err != nil {
		b.drop()
		return fmt.Errorf("bridge login: %w", err)
	}
	b.logger.Info("Connected to bridge", zap.String("address", b.cfg.Address), zap.String("username", b.cfg.Username))
	return nil
}

func (b *BridgeBus) drop() {
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
}

// roundTrip 发送请求并等待对应应答
func (b *BridgeBus) roundTrip(req *bridge.Packet) (*bridge.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		if err := b.connect(); err != nil {
			b.logger.Debug("Bridge reconnect failed", zap.Error(err))
			return nil, device.DeviceAbsent
		}
	}
	return b.exchange(req)
}

func (b *BridgeBus) exchange(req *bridge.Packet) (*bridge.Packet, error) {
	if err := b.conn.SetDeadline(time.Now().Add(b.cfg.RequestTimeout)); err != nil {
		b.drop()
		return nil, device.DeviceAbsent
	}
	if _, err := b.conn.Write(bridge.EncodePacket(req)); err != nil {
		b.drop()
		return nil, ioCode(err)
	}

	resp, err := readFrame(b.conn)
	if err != nil {
		// 流已失步，丢弃连接
		b.drop()
		return nil, err
	}
	if resp.Op != req.Op {
		b.drop()
		return nil, device.UnsolicitedPacket
	}
	if resp.Status != 0 {
		return resp, device.Code(resp.Status)
	}
	return resp, nil
}

func readFrame(r io.Reader) (*bridge.Packet, error) {
	header := make([]byte, bridge.HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, ioCode(err)
	}
	dataLen, err := bridge.ParseHeader(header)
	if err != nil {
		return nil, device.LostSync
	}
	frame := make([]byte, bridge.HeaderLength+int(dataLen)+1)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[bridge.HeaderLength:]); err != nil {
		return nil, ioCode(err)
	}
	pkt, err := bridge.ParsePacket(frame)
	if errors.Is(err, bridge.ErrBadChecksum) {
		return nil, device.BadChecksum
	}
	if err != nil {
		return nil, device.InvalidData
	}
	return pkt, nil
}

func ioCode(err error) device.Code {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return device.Timeout
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return device.WrongByteCount
	}
	return device.DeviceAbsent
}

func (b *BridgeBus) ReadWord(addr uint8, command uint16) (uint16, error) {
	resp, err := b.roundTrip(b.builder.BuildReadWord(addr, command))
	if err != nil {
		return 0, err
	}
	if len(resp.Data) != 2 {
		return 0, device.WrongByteCount
	}
	return binary.LittleEndian.Uint16(resp.Data), nil
}

func (b *BridgeBus) ReadBlock(addr uint8, command uint16) ([]byte, error) {
	resp, err := b.roundTrip(b.builder.BuildReadBlock(addr, command))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (b *BridgeBus) WriteWord(addr uint8, command uint16, value uint16) error {
	_, err := b.roundTrip(b.builder.BuildWriteWord(addr, command, value))
	return err
}

func (b *BridgeBus) WriteBlock(addr uint8, command uint16, data []byte) error {
	_, err := b.roundTrip(b.builder.BuildWriteBlock(addr, command, data))
	return err
}

func (b *BridgeBus) WriteCommand(addr uint8, command uint16) error {
	_, err := b.roundTrip(b.builder.BuildWriteCommand(addr, command))
	return err
}

func (b *BridgeBus) SetGPIO(mask uint8, high bool) error {
	_, err := b.roundTrip(b.builder.BuildSetGPIO(mask, high))
	return err
}

// Present 询问远端适配板是否在位，连接不可用时返回 false
func (b *BridgeBus) Present() bool {
	resp, err := b.roundTrip(b.builder.BuildPresent())
	if err != nil {
		return false
	}
	return len(resp.Data) == 1 && resp.Data[0] == 1
}

// Heartbeat keeps the bridge session alive.
func (b *BridgeBus) Heartbeat() error {
	_, err := b.roundTrip(b.builder.BuildHeartbeat())
	return err
}

func (b *BridgeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop()
	return nil
}
