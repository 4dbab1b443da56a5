package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"scope-acquisition/internal/parser"
	"scope-acquisition/internal/transport"
	"scope-acquisition/pkg/protocol"
)

// Session 直接连到模拟仪器的内存会话。没有待读应答时读操作立即按超时失败
type Session struct {
	mu       sync.Mutex
	inst     *Instrument
	pending  [][]byte
	commands []string
	closed   bool
}

// NewSession 创建内存会话
func NewSession(inst *Instrument) *Session {
	return &Session{inst: inst}
}

// Instrument 返回会话连接的仪器
func (s *Session) Instrument() *Instrument {
	return s.inst
}

func (s *Session) Write(ctx context.Context, cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("发送 %q: %w: %w", cmd, protocol.ErrWrite, err)
	}
	if s.closed {
		return fmt.Errorf("发送 %q: %w: %w", cmd, protocol.ErrWrite, os.ErrClosed)
	}

	line := string(bytes.TrimRight(cmd, "\r\n"))
	s.commands = append(s.commands, line)
	if reply := s.inst.Handle(line); reply != nil {
		s.pending = append(s.pending, reply)
	}
	return nil
}

func (s *Session) ReadLine(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		reply, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		if line := bytes.TrimRight(reply, "\r\n"); len(line) > 0 {
			return line, nil
		}
	}
}

func (s *Session) ReadBlock(ctx context.Context, hint int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, err := s.next(ctx)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(reply, protocol.BlockMarker) < 0 {
		return reply, nil
	}
	// 块不完整时与字节流会话一致，按分帧错误处理
	if _, err := parser.ParseBlock(reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *Session) next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("读取应答: %w: %w", protocol.ErrRead, err)
	}
	if s.closed {
		return nil, fmt.Errorf("读取应答: %w: %w", protocol.ErrRead, os.ErrClosed)
	}
	if len(s.pending) == 0 {
		return nil, fmt.Errorf("无应答: %w: %w", protocol.ErrRead, os.ErrDeadlineExceeded)
	}
	reply := s.pending[0]
	s.pending = s.pending[1:]
	return reply, nil
}

// Drain 丢弃所有待读应答
func (s *Session) Drain() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

// Commands 返回已收到的命令
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("会话已关闭")
	}
	s.closed = true
	return nil
}

// Opener 为每个地址创建一台独立的模拟仪器
type Opener struct {
	Options Options
}

func (o Opener) Open(ctx context.Context, address string) (transport.Session, error) {
	inst, err := New(o.Options)
	if err != nil {
		return nil, fmt.Errorf("创建模拟仪器 %s 失败: %w: %w", address, protocol.ErrConnection, err)
	}
	return NewSession(inst), nil
}
