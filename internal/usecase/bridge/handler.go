package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"gauge-cycler/internal/device"
	"gauge-cycler/internal/protocol/bridge"
	"gauge-cycler/internal/usecase"
)

// ErrNotAuthenticated 未登入的连接发送了设备操作
var ErrNotAuthenticated = errors.New("请先登入")

// Handler 将桥接请求转换为对本地 Bus 的调用
type Handler struct {
	SessionMgr *SessionManager
	Auth       AuthService
	bus        device.Bus
	logger     *zap.Logger

	// 同一时刻只允许一个请求访问总线
	busMu sync.Mutex
}

func NewHandler(sm *SessionManager, auth AuthService, bus device.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		SessionMgr: sm,
		Auth:       auth,
		bus:        bus,
		logger:     logger,
	}
}

// HandleMessage 处理单个解析后的报文
func (h *Handler) HandleMessage(conn usecase.Conn, packet *bridge.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			h.logger.Error("Panic in HandleMessage",
				zap.Any("recover", r),
				zap.String("op", packet.Op.String()),
				zap.String("stack", string(stack)))
			err = fmt.Errorf("internal server error: %v", r)
		}
	}()

	if packet.Op == bridge.OpLogin {
		return h.handleLogin(conn, packet)
	}

	if !conn.IsAuthenticated() {
		h.logger.Warn("Refused request: not authenticated",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.String("op", packet.Op.String()))
		h.reply(conn, packet, device.InvalidParameter, nil)
		return ErrNotAuthenticated
	}
	h.SessionMgr.UpdateLastActive(conn.RemoteAddr())

	switch packet.Op {
	case bridge.OpHeartbeat:
		h.reply(conn, packet, device.NoError, nil)
		return nil
	case bridge.OpPresent:
		present := byte(0)
		if h.bus.Present() {
			present = 1
		}
		h.reply(conn, packet, device.NoError, []byte{present})
		return nil
	case bridge.OpReadWord, bridge.OpReadBlock, bridge.OpWriteWord,
		bridge.OpWriteBlock, bridge.OpWriteCommand, bridge.OpSetGPIO:
		data, err := h.execute(packet)
		h.reply(conn, packet, device.CodeOf(err), data)
		if err != nil {
			h.logger.Debug("Bus operation failed",
				zap.String("op", packet.Op.String()),
				zap.Uint16("command", packet.Command),
				zap.Error(err))
		}
		return nil
	default:
		h.logger.Warn("Received unknown op",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Uint8("op", uint8(packet.Op)))
		h.reply(conn, packet, device.InvalidParameter, nil)
		return nil
	}
}

func (h *Handler) execute(packet *bridge.Packet) ([]byte, error) {
	h.busMu.Lock()
	defer h.busMu.Unlock()

	switch packet.Op {
	case bridge.OpReadWord:
		w, err := h.bus.ReadWord(packet.Target, packet.Command)
		if err != nil {
			return nil, err
		}
		data := make([]byte, 2)
		binary.LittleEndian.PutUint16(data, w)
		return data, nil
	case bridge.OpReadBlock:
		return h.bus.ReadBlock(packet.Target, packet.Command)
	case bridge.OpWriteWord:
		return nil, h.bus.WriteWord(packet.Target, packet.Command, packet.Aux)
	case bridge.OpWriteBlock:
		return nil, h.bus.WriteBlock(packet.Target, packet.Command, packet.Data)
	case bridge.OpWriteCommand:
		return nil, h.bus.WriteCommand(packet.Target, packet.Command)
	case bridge.OpSetGPIO:
		mask, high := bridge.SplitGPIOAux(packet.Aux)
		return nil, h.bus.SetGPIO(mask, high)
	}
	return nil, device.InvalidParameter
}

func (h *Handler) handleLogin(conn usecase.Conn, packet *bridge.Packet) error {
	loginData, err := bridge.ParseLogin(packet.Data)
	if err != nil {
		h.reply(conn, packet, device.InvalidData, nil)
		return fmt.Errorf("登入解析失败: %v", err)
	}

	h.logger.Info("Bridge Login Request",
		zap.String("username", loginData.Username),
		zap.String("remote_addr", conn.RemoteAddr()))

	if h.Auth != nil {
		if err := h.Auth.Login(loginData.Username, loginData.Password); err != nil {
			h.logger.Warn("Bridge auth failed",
				zap.String("username", loginData.Username),
				zap.Error(err))
			h.reply(conn, packet, device.InvalidParameter, nil)
			return errors.New("鉴权失败，拒绝连接")
		}
	}

	conn.SetAuthenticated(true)
	h.SessionMgr.Add(loginData.Username, conn)
	h.reply(conn, packet, device.NoError, nil)
	return nil
}

func (h *Handler) reply(conn usecase.Conn, packet *bridge.Packet, code device.Code, data []byte) {
	if _, err := conn.Write(bridge.BuildResponse(packet, uint16(code), data)); err != nil {
		h.logger.Error("Failed to send response",
			zap.String("op", packet.Op.String()),
			zap.Error(err))
	}
}
