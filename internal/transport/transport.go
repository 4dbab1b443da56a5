// Package transport 提供与仪器之间的字节级请求/应答通道
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/pkg/protocol"
)

// Session 与一台仪器的独占会话。同一时刻只允许一个请求在途
type Session interface {
	// Write 发送一条命令，必要时补换行。错误包装 ErrWrite
	Write(ctx context.Context, cmd []byte) error
	// ReadLine 读取一行应答（不含结束符）。错误包装 ErrRead
	ReadLine(ctx context.Context) ([]byte, error)
	// ReadBlock 读取一个定长数据块的完整原始应答。块头之前的失败包装 ErrRead，之后包装 ErrFraming
	ReadBlock(ctx context.Context, hint int) ([]byte, error)
	Close() error
}

// Opener 按地址打开会话。错误包装 ErrConnection
type Opener interface {
	Open(ctx context.Context, address string) (Session, error)
}

// Drainer 可选接口，丢弃尚未读取的输入
type Drainer interface {
	Drain() error
}

// Query 发送查询并读取一行应答
func Query(ctx context.Context, s Session, cmd string) (string, error) {
	if err := s.Write(ctx, []byte(cmd)); err != nil {
		return "", err
	}
	line, err := s.ReadLine(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(line)), nil
}

// Dialer 支持 TCP 原始套接字和串口地址的 Opener
type Dialer struct {
	Timeout  time.Duration
	BaudRate int
	log      *logrus.Logger
}

func NewDialer(timeout time.Duration, baudRate int, log *logrus.Logger) *Dialer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	return &Dialer{Timeout: timeout, BaudRate: baudRate, log: log}
}

// Open 打开会话
func (d *Dialer) Open(ctx context.Context, address string) (Session, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	var s Session
	switch addr.Network {
	case NetworkTCP:
		s, err = dialTCP(ctx, addr.Target, d.Timeout)
	case NetworkSerial:
		s, err = openSerial(addr.Target, d.BaudRate, d.Timeout)
	default:
		err = fmt.Errorf("不支持的网络类型 %q: %w", addr.Network, protocol.ErrConnection)
	}
	if err != nil {
		return nil, err
	}

	if d.log != nil {
		d.log.Debugf("会话已打开: %s (%s %s)", address, addr.Network, addr.Target)
	}
	return s, nil
}

const (
	DefaultTimeout  = 2 * time.Second
	DefaultBaudRate = 115200
	// 标准 SCPI 原始套接字端口
	DefaultSCPIPort = 5025
)
