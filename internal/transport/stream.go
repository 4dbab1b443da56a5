package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"

	"scope-acquisition/pkg/protocol"
)

const (
	drainTimeout = 50 * time.Millisecond
	drainLimit   = 64 << 20
	bufferSize   = 64 << 10
	// 单次预分配上限，块长度由对端声明
	maxPrealloc = 1 << 20
)

// streamSession 基于字节流（TCP、串口）的会话
type streamSession struct {
	mu       sync.Mutex
	name     string
	conn     io.ReadWriteCloser
	reader   *bufio.Reader
	timeout  time.Duration
	setRead  func(time.Duration) error
	setWrite func(time.Duration) error
}

func newStreamSession(name string, conn io.ReadWriteCloser, timeout time.Duration,
	setRead, setWrite func(time.Duration) error) *streamSession {
	return &streamSession{
		name:     name,
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, bufferSize),
		timeout:  timeout,
		setRead:  setRead,
		setWrite: setWrite,
	}
}

// newConnSession 基于 net.Conn 的会话
func newConnSession(name string, conn net.Conn, timeout time.Duration) *streamSession {
	return newStreamSession(name, conn, timeout,
		func(d time.Duration) error { return conn.SetReadDeadline(time.Now().Add(d)) },
		func(d time.Duration) error { return conn.SetWriteDeadline(time.Now().Add(d)) },
	)
}

func dialTCP(ctx context.Context, addr string, timeout time.Duration) (*streamSession, error) {
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w: %w", addr, protocol.ErrConnection, err)
	}
	return newConnSession(addr, conn, timeout), nil
}

// serialPort 串口读超时返回 (0, nil)，这里转换为超时错误
type serialPort struct {
	serial.Port
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func openSerial(path string, baudRate int, timeout time.Duration) (*streamSession, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("打开串口 %s 失败: %w: %w", path, protocol.ErrConnection, err)
	}
	return newStreamSession(path, serialPort{port}, timeout,
		port.SetReadTimeout,
		func(time.Duration) error { return nil },
	), nil
}

// wait 本次请求的超时，不超过 ctx 截止时间
func (s *streamSession) wait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	d := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < d {
			d = remain
		}
	}
	if d <= 0 {
		return 0, context.DeadlineExceeded
	}
	return d, nil
}

func (s *streamSession) Write(ctx context.Context, cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.wait(ctx)
	if err != nil {
		return fmt.Errorf("发送 %q: %w: %w", cmd, protocol.ErrWrite, err)
	}
	if err := s.setWrite(d); err != nil {
		return fmt.Errorf("设置写超时: %w: %w", protocol.ErrWrite, err)
	}

	line := cmd
	if !bytes.HasSuffix(line, []byte{'\n'}) {
		line = append(append(make([]byte, 0, len(cmd)+1), cmd...), '\n')
	}
	if _, err := s.conn.Write(line); err != nil {
		return fmt.Errorf("发送 %q 失败: %w: %w", cmd, protocol.ErrWrite, err)
	}
	return nil
}

func (s *streamSession) ReadLine(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取应答: %w: %w", protocol.ErrRead, err)
	}

	for {
		if err := s.setRead(d); err != nil {
			return nil, fmt.Errorf("设置读超时: %w: %w", protocol.ErrRead, err)
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("读取应答失败 (已收到 %d bytes): %w: %w", len(line), protocol.ErrRead, err)
		}
		line = bytes.TrimRight(line, "\r\n")
		// 跳过空行，如上一个数据块多余的结束符
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (s *streamSession) ReadBlock(ctx context.Context, hint int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取数据块: %w: %w", protocol.ErrRead, err)
	}

	// 等待块标记；标记之前的内容作为前缀保留
	raw := make([]byte, 0, min(max(hint, 0), maxPrealloc)+16)
	for {
		if err := s.setRead(d); err != nil {
			return nil, fmt.Errorf("设置读超时: %w: %w", protocol.ErrRead, err)
		}
		b, err := s.reader.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("等待数据块失败: %w: %w", protocol.ErrRead, err)
		}
		if b == protocol.BlockMarker {
			raw = append(raw, b)
			break
		}
		if b == '\n' || b == '\r' {
			if len(raw) > 0 {
				// 非数据块应答，原样返回由解码器判定
				return append(raw, b), nil
			}
			continue
		}
		raw = append(raw, b)
	}

	// 块头已开始，之后的失败都是分帧错误，不再重试
	digit := make([]byte, 1)
	if err := s.readFull(digit, d); err != nil {
		return nil, fmt.Errorf("读取块头: %w: %w", protocol.ErrFraming, err)
	}
	raw = append(raw, digit[0])
	if digit[0] < '1' || digit[0] > '9' {
		return nil, fmt.Errorf("不支持的长度位数 %q: %w", digit[0], protocol.ErrFraming)
	}

	lengthField := make([]byte, int(digit[0]-'0'))
	if err := s.readFull(lengthField, d); err != nil {
		return nil, fmt.Errorf("读取块长度: %w: %w", protocol.ErrFraming, err)
	}
	raw = append(raw, lengthField...)
	length, err := strconv.Atoi(string(lengthField))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("块长度 %q 无效: %w", lengthField, protocol.ErrFraming)
	}

	// 按声明长度分段扩容，只为实际到达的数据分配内存
	for remaining := length; remaining > 0; {
		n := min(remaining, maxPrealloc)
		start := len(raw)
		raw = append(raw, make([]byte, n)...)
		if err := s.readFull(raw[start:], d); err != nil {
			return nil, fmt.Errorf("读取负载 (声明 %d bytes): %w: %w", length, protocol.ErrFraming, err)
		}
		remaining -= n
	}

	term := make([]byte, 1)
	if err := s.readFull(term, d); err != nil {
		return nil, fmt.Errorf("读取结束符: %w: %w", protocol.ErrFraming, err)
	}
	raw = append(raw, term[0])
	if term[0] == '\r' {
		if err := s.readFull(term, d); err != nil {
			return nil, fmt.Errorf("读取结束符: %w: %w", protocol.ErrFraming, err)
		}
		raw = append(raw, term[0])
	}
	return raw, nil
}

// readFull 读满 buf，每次读到数据后重新计时
func (s *streamSession) readFull(buf []byte, d time.Duration) error {
	for n := 0; n < len(buf); {
		if err := s.setRead(d); err != nil {
			return err
		}
		m, err := s.reader.Read(buf[n:])
		n += m
		if err != nil && n < len(buf) {
			return err
		}
	}
	return nil
}

// Drain 丢弃缓冲区和链路上尚未读取的数据
func (s *streamSession) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.reader.Discard(s.reader.Buffered()); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for total := 0; total < drainLimit; {
		if err := s.setRead(drainTimeout); err != nil {
			return err
		}
		n, err := s.reader.Read(buf)
		total += n
		if n == 0 || err != nil {
			return nil
		}
	}
	return nil
}

func (s *streamSession) Close() error {
	return s.conn.Close()
}

func (s *streamSession) String() string {
	return s.name
}
