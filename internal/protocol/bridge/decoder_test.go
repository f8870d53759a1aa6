package bridge

import (
	"bytes"
	"errors"
	"testing"
)

// scanAll 按连接上的方式驱动 SplitFunc: 只推进不出帧表示跳过了垃圾数据
func scanAll(t *testing.T, input []byte, maxSize int) []*Packet {
	t.Helper()
	ps := NewPacketScanner(maxSize)
	buf := input
	var packets []*Packet
	for {
		advance, token, err := ps.SplitFunc(buf, false)
		if err != nil {
			t.Fatalf("SplitFunc: %v", err)
		}
		if token != nil {
			pkt, err := ParsePacket(token)
			if err != nil {
				t.Fatalf("ParsePacket: %v", err)
			}
			packets = append(packets, pkt)
		}
		if advance == 0 {
			break
		}
		buf = buf[advance:]
	}
	return packets
}

func TestEncodeAndParse(t *testing.T) {
	req := &Packet{Op: OpWriteBlock, Target: 0x16, Command: 0x44, Data: []byte{0x00, 0x40}}
	frame := EncodePacket(req)
	if len(frame) != MinPacketSize+2 {
		t.Fatalf("frame length = %d", len(frame))
	}
	if frame[0] != '#' || frame[1] != '#' {
		t.Errorf("missing start chars: % X", frame[:2])
	}

	got, err := ParsePacket(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Op != OpWriteBlock || got.Target != 0x16 || got.Command != 0x44 || !bytes.Equal(got.Data, req.Data) {
		t.Errorf("parsed %+v", got)
	}

	frame[len(frame)-2] ^= 0xFF
	if _, err := ParsePacket(frame); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("expected ErrBadChecksum, got %v", err)
	}
}

func TestScanner_ResyncsOnGarbage(t *testing.T) {
	first := EncodePacket(&Packet{Op: OpReadWord, Target: 0x17, Command: 0x09})
	second := EncodePacket(&Packet{Op: OpSetGPIO, Aux: GPIOAux(0x10, true)})

	var stream []byte
	stream = append(stream, 0x01, 0x23, 0x99)
	stream = append(stream, first...)
	stream = append(stream, 0xAA, 0xBB)
	stream = append(stream, second...)

	packets := scanAll(t, stream, 1024)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	if packets[0].Command != 0x09 || packets[1].Op != OpSetGPIO {
		t.Errorf("unexpected packets: %+v %+v", packets[0], packets[1])
	}
	if mask, high := SplitGPIOAux(packets[1].Aux); mask != 0x10 || !high {
		t.Errorf("gpio aux = %#x %v", mask, high)
	}
}

func TestScanner_SkipsBadChecksumAndOversize(t *testing.T) {
	bad := EncodePacket(&Packet{Op: OpReadWord, Command: 0x0A})
	bad[len(bad)-1] ^= 0x01

	huge := EncodePacket(&Packet{Op: OpWriteBlock, Data: make([]byte, 300)})
	good := EncodePacket(&Packet{Op: OpHeartbeat})

	stream := append(append(append([]byte{}, bad...), huge...), good...)
	packets := scanAll(t, stream, 128)
	if len(packets) != 1 || packets[0].Op != OpHeartbeat {
		t.Fatalf("got %+v, want only heartbeat", packets)
	}
}

func TestScanner_WaitsForMoreData(t *testing.T) {
	frame := EncodePacket(&Packet{Op: OpReadBlock, Command: 0x20})
	ps := NewPacketScanner(1024)

	advance, token, err := ps.SplitFunc(frame[:7], false)
	if advance != 0 || token != nil || err != nil {
		t.Errorf("partial header: advance=%d token=%v err=%v", advance, token, err)
	}
	advance, token, _ = ps.SplitFunc(frame, false)
	if advance != len(frame) || !bytes.Equal(token, frame) {
		t.Errorf("full frame: advance=%d", advance)
	}
}

func TestLogin(t *testing.T) {
	login, err := ParseLogin(EncodeLogin("cycler", "secret"))
	if err != nil {
		t.Fatal(err)
	}
	if login.Username != "cycler" || login.Password != "secret" {
		t.Errorf("login = %+v", login)
	}
	if _, err := ParseLogin([]byte("short")); err == nil {
		t.Error("expected error for short login")
	}
}

func TestBuildResponse(t *testing.T) {
	req := &Packet{Op: OpReadWord, Target: 0x17, Command: 0x09}
	resp, err := ParsePacket(BuildResponse(req, 772, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Op != OpReadWord || resp.Status != 772 || resp.Command != 0x09 {
		t.Errorf("response = %+v", resp)
	}
}
