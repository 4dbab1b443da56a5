// Package server 通过 TCP 原始套接字提供模拟示波器，每个连接一台独立仪器
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/config"
	"scope-acquisition/internal/handler"
	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/simulator"
)

type TCPServer struct {
	config   config.SimulatorConfig
	options  simulator.Options
	listener net.Listener
	monitor  *monitor.Monitor
	log      *logrus.Logger
	limiter  chan struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

func NewTCPServer(cfg config.SimulatorConfig, mon *monitor.Monitor, log *logrus.Logger) (*TCPServer, error) {
	opts := simulator.Options{
		Profile:   cfg.Profile,
		Points:    cfg.Points,
		MaxPoints: cfg.MaxPoints,
		Disabled:  cfg.DisabledChannels,
	}
	// 提前校验仪器参数
	if _, err := simulator.New(opts); err != nil {
		return nil, err
	}

	maxConn := cfg.MaxConnections
	if maxConn <= 0 {
		maxConn = 1
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}

	return &TCPServer{
		config:   cfg,
		options:  opts,
		monitor:  mon,
		log:      log,
		limiter:  make(chan struct{}, maxConn),
		shutdown: make(chan struct{}),
	}, nil
}

// Listen 监听配置的地址
func (s *TCPServer) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	lc := net.ListenConfig{KeepAlive: 30 * time.Second}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	s.listener = listener
	s.log.Infof("模拟器启动成功: %s (%s, 最大连接: %d)", listener.Addr(), s.options.Profile, cap(s.limiter))
	return nil
}

// Addr 返回实际监听地址
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve 接受连接，直到 Shutdown
func (s *TCPServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.log.Info("停止接受新连接")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Errorf("接受连接错误: %v", err)
			continue
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			go s.handleConnection(conn)
		default:
			s.log.Warn("达到最大连接数，拒绝连接")
			conn.Close()
		}
	}
}

// Start 监听并阻塞处理连接
func (s *TCPServer) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer func() {
		<-s.limiter
		s.wg.Done()
	}()

	inst, err := simulator.New(s.options)
	if err != nil {
		s.log.Errorf("创建模拟仪器失败: %v", err)
		conn.Close()
		return
	}

	h := handler.NewConnectionHandler(
		conn,
		inst,
		s.monitor,
		s.log,
		s.config.ReadTimeout,
		s.shutdown,
	)

	h.Handle()
}

// Shutdown 停止接受新连接并等待现有连接结束，最多等待 timeout
func (s *TCPServer) Shutdown(timeout time.Duration) error {
	s.once.Do(func() {
		close(s.shutdown)
		// 停止接受新连接
		if s.listener != nil {
			s.listener.Close()
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("所有连接已关闭")
		return nil
	case <-time.After(timeout):
		s.log.Warn("关闭超时，仍有连接未结束")
		return errors.New("关闭超时")
	}
}
