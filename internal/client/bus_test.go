package client

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"gauge-cycler/internal/config"
	"gauge-cycler/internal/device"
	"gauge-cycler/internal/device/sim"
	"gauge-cycler/internal/protocol/bridge"
	usecase "gauge-cycler/internal/usecase/bridge"
)

type netConn struct {
	net.Conn
	authed bool
}

func (c *netConn) RemoteAddr() string      { return c.Conn.RemoteAddr().String() }
func (c *netConn) SetAuthenticated(v bool) { c.authed = v }
func (c *netConn) IsAuthenticated() bool   { return c.authed }

// serve 是一个最小的阻塞式桥接服务，仅用于测试客户端
func serve(t *testing.T, l net.Listener, h *usecase.Handler, logger *zap.Logger) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			conn := &netConn{Conn: c}
			defer c.Close()
			scanner := bufio.NewScanner(c)
			scanner.Split(bridge.NewPacketScanner(4096).SplitFunc)
			for scanner.Scan() {
				pkt, err := bridge.ParsePacket(scanner.Bytes())
				if err != nil {
					continue
				}
				if err := h.HandleMessage(conn, pkt); err != nil {
					logger.Debug("handle", zap.Error(err))
				}
			}
		}()
	}
}

func startBridge(t *testing.T) (config.DeviceConfig, *sim.Gauge) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s, err := sim.Catalog(logger)
	if err != nil {
		t.Fatal(err)
	}
	g := sim.New(logger, s, sim.DefaultConfig())
	auth := usecase.NewInMemoryAuthService(config.AuthConfig{Users: []config.UserConfig{{Username: "cycler", Password: "secret"}}})
	h := usecase.NewHandler(usecase.NewSessionManager(logger), auth, g, logger)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go serve(t, l, h, logger)

	return config.DeviceConfig{
		Address:        l.Addr().String(),
		Username:       "cycler",
		Password:       "secret",
		DialTimeout:    time.Second,
		RequestTimeout: 200 * time.Millisecond,
	}, g
}

func TestBridgeBus_RoundTrip(t *testing.T) {
	cfg, g := startBridge(t)
	bus, err := Dial(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	board := device.NewBoard(bus)
	if !board.Present() {
		t.Fatal("remote gauge should be present")
	}
	v, err := board.ReadWord(0x17, 0x09)
	if err != nil || v != 7100 {
		t.Errorf("ReadWord = %d, %v", v, err)
	}
	if err := board.SetGPIO(device.GPIOHdq, true); err != nil {
		t.Fatal(err)
	}
	if g.GPIO()&device.GPIOHdq == 0 {
		t.Error("GPIO not applied remotely")
	}

	image, err := board.ReadFullDataflash(0x17, 0x44)
	if err != nil || len(image) != device.DataflashBlocks*device.DataflashBlockSize {
		t.Errorf("dataflash len = %d, err = %v", len(image), err)
	}

	g.Fail(sim.OpReadWord, device.SMBNack)
	if _, err := board.ReadWord(0x17, 0x09); device.CodeOf(err) != device.SMBNack {
		t.Errorf("err = %v, want SMBNack", err)
	}
	g.Fail(sim.OpReadWord, device.NoError)
	if err := bus.Heartbeat(); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
}

func TestBridgeBus_Timeout(t *testing.T) {
	cfg, g := startBridge(t)
	bus, err := Dial(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	g.SetLatency(time.Second)
	start := time.Now()
	_, err = bus.ReadWord(0x17, 0x09)
	if device.CodeOf(err) != device.Timeout {
		t.Errorf("err = %v, want Timeout", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Errorf("read blocked for %v", time.Since(start))
	}
}

func TestDial_BadCredentials(t *testing.T) {
	cfg, _ := startBridge(t)
	cfg.Password = "wrong"
	if _, err := Dial(cfg, zaptest.NewLogger(t)); err == nil {
		t.Error("expected login failure")
	}
}

func TestReadFrame_Validation(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	frame := bridge.EncodePacket(&bridge.Packet{Op: bridge.OpReadWord, Data: []byte{1, 2}})
	frame[len(frame)-1] ^= 0xFF
	go func() {
		server.Write(frame)
		server.Write([]byte("garbage-garbage"))
		server.Close()
	}()

	if _, err := readFrame(client); device.CodeOf(err) != device.BadChecksum {
		t.Errorf("err = %v, want BadChecksum", err)
	}
	if _, err := readFrame(client); device.CodeOf(err) != device.LostSync {
		t.Errorf("err = %v, want LostSync", err)
	}
}
