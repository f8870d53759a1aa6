package server

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/gnet/v2"

	"go.uber.org/zap"

	"gauge-cycler/internal/config"
	protocol "gauge-cycler/internal/protocol/bridge"
	handler "gauge-cycler/internal/usecase/bridge"
)

// connContext 保存每个连接的状态
type connContext struct {
	buffer        []byte
	scanner       *protocol.PacketScanner
	addr          string
	authenticated bool
}

type GnetConnWrapper struct {
	conn gnet.Conn
}

func (w *GnetConnWrapper) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

func (w *GnetConnWrapper) Close() error {
	return w.conn.Close()
}

func (w *GnetConnWrapper) Write(b []byte) (n int, err error) {
	return w.conn.Write(b)
}

func (w *GnetConnWrapper) SetAuthenticated(v bool) {
	ctx, ok := w.conn.Context().(*connContext)
	if ok {
		ctx.authenticated = v
	}
}

func (w *GnetConnWrapper) IsAuthenticated() bool {
	ctx, ok := w.conn.Context().(*connContext)
	if ok {
		return ctx.authenticated
	}
	return false
}

// TCPServer 桥接服务: 把远端的总线请求交给 Handler
type TCPServer struct {
	gnet.BuiltinEventEngine

	addr              string
	multicore         bool
	maxPacketSize     int
	heartbeatTimeout  time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger
	handler           *handler.Handler
}

func NewTCPServer(cfg *config.Config, logger *zap.Logger, h *handler.Handler) *TCPServer {
	return &TCPServer{
		addr:              fmt.Sprintf("tcp://%s:%d", cfg.Server.Host, cfg.Server.Port),
		multicore:         cfg.Server.Multicore,
		maxPacketSize:     cfg.Server.MaxPacketSize,
		heartbeatTimeout:  cfg.Server.HeartbeatTimeout,
		heartbeatInterval: cfg.Server.HeartbeatInterval,
		logger:            logger,
		handler:           h,
	}
}

func (s *TCPServer) OnBoot(eng gnet.Engine) (action gnet.Action) {
	s.logger.Info("Bridge server is booting", zap.String("address", s.addr))
	return
}

func (s *TCPServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	s.logger.Info("New connection opened", zap.String("remote_addr", c.RemoteAddr().String()))

	ctx := &connContext{
		buffer:  make([]byte, 0, 4096),
		scanner: protocol.NewPacketScanner(s.maxPacketSize),
		addr:    c.RemoteAddr().String(),
	}
	c.SetContext(ctx)

	return
}

func (s *TCPServer) OnTraffic(c gnet.Conn) (action gnet.Action) {
	ctx := c.Context().(*connContext)

	buf, _ := c.Next(-1)
	if len(buf) == 0 {
		return
	}
	ctx.buffer = append(ctx.buffer, buf...)

	for {
		advance, token, err := ctx.scanner.SplitFunc(ctx.buffer, false)
		if err != nil {
			s.logger.Error("Packet split error", zap.Error(err), zap.String("addr", ctx.addr))
			action = gnet.Close
			return
		}

		if advance > 0 && token == nil {
			// 跳过垃圾数据或错误起始符
			ctx.buffer = ctx.buffer[advance:]
			continue
		}

		if token != nil {
			pkt, err := protocol.ParsePacket(token)
			if err != nil {
				s.logger.Warn("Failed to parse packet struct", zap.Error(err))
			} else {
				wrapper := &GnetConnWrapper{conn: c}
				if err := s.handler.HandleMessage(wrapper, pkt); err != nil {
					s.logger.Warn("Handle message failed", zap.Error(err), zap.String("addr", ctx.addr))
				}
			}
			ctx.buffer = ctx.buffer[advance:]
			continue
		}

		// 需要更多数据
		break
	}

	return
}

func (s *TCPServer) OnClose(c gnet.Conn, err error) (action gnet.Action) {
	s.logger.Info("Connection closed", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
	s.handler.SessionMgr.Forget(c.RemoteAddr().String())
	return
}

// OnTick 周期性清理心跳超时的会话
func (s *TCPServer) OnTick() (delay time.Duration, action gnet.Action) {
	s.handler.SessionMgr.CheckHeartbeat(s.heartbeatTimeout)
	return s.heartbeatInterval, gnet.None
}

func (s *TCPServer) OnShutdown(eng gnet.Engine) {
	s.logger.Info("Bridge server is shutting down")
}

func (s *TCPServer) Start(ctx context.Context) error {
	s.logger.Info("Starting bridge server", zap.String("addr", s.addr))
	return gnet.Run(s, s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithLogger(s.logger.Sugar()),
		gnet.WithReusePort(true),
		gnet.WithTicker(s.heartbeatInterval > 0),
	)
}

func (s *TCPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping bridge server...")
	return gnet.Stop(ctx, s.addr)
}
