package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"scope-acquisition/pkg/protocol"
)

// pipeSession 用 net.Pipe 模拟仪器，serve 在独立 goroutine 中运行
func pipeSession(t *testing.T, timeout time.Duration, serve func(r *bufio.Reader, w net.Conn)) *streamSession {
	t.Helper()
	client, server := net.Pipe()
	go serve(bufio.NewReader(server), server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newConnSession("pipe", client, timeout)
}

func TestQuery(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {
		cmd, _ := r.ReadString('\n')
		if cmd == "*IDN?\n" {
			w.Write([]byte("RIGOL TECHNOLOGIES,DS1054Z,DS1ZA0000,00.04.04\r\n"))
		}
	})

	got, err := Query(context.Background(), s, "*IDN?")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != "RIGOL TECHNOLOGIES,DS1054Z,DS1ZA0000,00.04.04" {
		t.Errorf("Query = %q", got)
	}
}

func TestReadBlock(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
		// Siglent 风格：双结束符
		w.Write([]byte("#9000000004\x01\x02\n\x04\n\n"))
		r.ReadString('\n')
		w.Write([]byte("ON\n"))
	})

	ctx := context.Background()
	if err := s.Write(ctx, []byte(":WAVeform:DATA?")); err != nil {
		t.Fatal(err)
	}
	raw, err := s.ReadBlock(ctx, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(raw) != "#9000000004\x01\x02\n\x04\n" {
		t.Errorf("raw = %q", raw)
	}

	// 多余的结束符不影响下一次查询
	got, err := Query(ctx, s, "C1:TRAce?")
	if err != nil || got != "ON" {
		t.Errorf("Query after block = %q, %v", got, err)
	}
}

func TestReadBlockLargeHintAndLength(t *testing.T) {
	payload := strings.Repeat("\x5a", maxPrealloc+300)
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
		w.Write([]byte("#14\x01\x02\x03\x04\n"))
		r.ReadString('\n')
		w.Write([]byte("#7" + "1048876" + payload + "\n"))
	})

	ctx := context.Background()
	// 对端给出的提示再大也不按提示预分配
	s.Write(ctx, []byte(":WAVeform:DATA?"))
	raw, err := s.ReadBlock(ctx, 1<<62)
	if err != nil || string(raw) != "#14\x01\x02\x03\x04\n" {
		t.Fatalf("ReadBlock = %q, %v", raw, err)
	}

	// 超过单次预分配的负载分段读取
	s.Write(ctx, []byte(":WAVeform:DATA?"))
	raw, err = s.ReadBlock(ctx, -1)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(raw) != 9+len(payload)+1 || string(raw[9:len(raw)-1]) != payload {
		t.Errorf("len(raw) = %d", len(raw))
	}
}

func TestReadBlockTimeoutBeforeHeader(t *testing.T) {
	s := pipeSession(t, 50*time.Millisecond, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
	})

	ctx := context.Background()
	if err := s.Write(ctx, []byte(":WAVeform:DATA?")); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadBlock(ctx, 0)
	if !errors.Is(err, protocol.ErrRead) {
		t.Errorf("err = %v, want ErrRead", err)
	}
	if errors.Is(err, protocol.ErrFraming) {
		t.Error("timeout before header reported as framing error")
	}
}

func TestReadBlockShortPayload(t *testing.T) {
	s := pipeSession(t, 50*time.Millisecond, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
		w.Write([]byte("#210abc"))
	})

	ctx := context.Background()
	if err := s.Write(ctx, []byte(":WAVeform:DATA?")); err != nil {
		t.Fatal(err)
	}
	_, err := s.ReadBlock(ctx, 10)
	if !errors.Is(err, protocol.ErrFraming) {
		t.Errorf("err = %v, want ErrFraming", err)
	}
	if protocol.IsTransient(err) {
		t.Error("partial block must not be transient")
	}
}

func TestReadBlockNonBlockReply(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
		w.Write([]byte("ERR\n"))
	})

	ctx := context.Background()
	if err := s.Write(ctx, []byte(":WAVeform:DATA?")); err != nil {
		t.Fatal(err)
	}
	raw, err := s.ReadBlock(ctx, 0)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(raw) != "ERR\n" {
		t.Errorf("raw = %q", raw)
	}
}

func TestReadLineTimeout(t *testing.T) {
	s := pipeSession(t, 50*time.Millisecond, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n')
	})

	_, err := Query(context.Background(), s, "*IDN?")
	if !errors.Is(err, protocol.ErrRead) {
		t.Errorf("err = %v, want ErrRead", err)
	}
}

func TestWriteCancelled(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Write(ctx, []byte("*IDN?")); !errors.Is(err, protocol.ErrWrite) {
		t.Errorf("err = %v, want ErrWrite", err)
	}
}

func TestWriteClosed(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {})
	s.Close()
	if err := s.Write(context.Background(), []byte("*IDN?")); !errors.Is(err, protocol.ErrWrite) {
		t.Errorf("err = %v, want ErrWrite", err)
	}
}

func TestDrain(t *testing.T) {
	s := pipeSession(t, time.Second, func(r *bufio.Reader, w net.Conn) {
		w.Write([]byte("stale reply\n"))
		r.ReadString('\n')
		w.Write([]byte("fresh\n"))
	})

	if err := s.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	got, err := Query(context.Background(), s, "*IDN?")
	if err != nil || got != "fresh" {
		t.Errorf("Query after drain = %q, %v", got, err)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in   string
		want Address
	}{
		{"TCPIP::192.168.1.200::inst0::INSTR", Address{NetworkTCP, "192.168.1.200:5025"}},
		{"TCPIP0::10.0.0.5::INSTR", Address{NetworkTCP, "10.0.0.5:5025"}},
		{"TCPIP::rigol::5555::SOCKET", Address{NetworkTCP, "rigol:5555"}},
		{"localhost:5025", Address{NetworkTCP, "localhost:5025"}},
		{"ASRL/dev/ttyUSB0::INSTR", Address{NetworkSerial, "/dev/ttyUSB0"}},
		{"ASRL3::INSTR", Address{NetworkSerial, "COM3"}},
		{"/dev/ttyACM0", Address{NetworkSerial, "/dev/ttyACM0"}},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseAddress(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}

	for _, bad := range []string{
		"USB0::0xF4EC::0x1011::SDS2PEED6R3524::INSTR",
		"GPIB0::7::INSTR",
		"TCPIP::",
		"TCPIP::host::http::SOCKET",
		"ASRL::INSTR",
		"nonsense",
	} {
		if _, err := ParseAddress(bad); !errors.Is(err, protocol.ErrConnection) {
			t.Errorf("ParseAddress(%q) err = %v, want ErrConnection", bad, err)
		}
	}
}

func TestDialerOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		conn.Write([]byte("Siglent Technologies,SDS1104X-E,SDS1,8.2\n"))
	}()

	d := NewDialer(time.Second, 0, nil)
	s, err := d.Open(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	idn, err := Query(context.Background(), s, "*IDN?")
	if err != nil || !strings.HasPrefix(idn, "Siglent") {
		t.Errorf("Query = %q, %v", idn, err)
	}
}

func TestDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewDialer(200*time.Millisecond, 0, nil).Open(context.Background(), addr)
	if !errors.Is(err, protocol.ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

type fakeOpener map[string]string

func (f fakeOpener) Open(ctx context.Context, address string) (Session, error) {
	idn, ok := f[address]
	if !ok {
		return nil, protocol.ErrConnection
	}
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		r.ReadString('\n')
		server.Write([]byte(idn + "\n"))
	}()
	return newConnSession(address, client, time.Second), nil
}

func TestDiscover(t *testing.T) {
	opener := fakeOpener{"a:5025": "KEYSIGHT,DSOX1204G,1,1"}
	ids := Discover(context.Background(), opener, []string{"a:5025", "b:5025"})

	if len(ids) != 2 {
		t.Fatalf("len = %d", len(ids))
	}
	if ids[0].Err != nil || ids[0].IDN != "KEYSIGHT,DSOX1204G,1,1" {
		t.Errorf("ids[0] = %+v", ids[0])
	}
	if !errors.Is(ids[1].Err, protocol.ErrConnection) {
		t.Errorf("ids[1] = %+v", ids[1])
	}
}
