package handler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/simulator"
)

// 单条命令的最大长度
const maxLineSize = 4096

// ConnectionHandler 一个连接对应一台模拟仪器，逐行执行 SCPI 命令
type ConnectionHandler struct {
	conn        net.Conn
	deviceID    string
	instrument  *simulator.Instrument
	monitor     *monitor.Monitor
	log         *logrus.Logger
	readTimeout time.Duration
	done        <-chan struct{}
}

func NewConnectionHandler(
	conn net.Conn,
	instrument *simulator.Instrument,
	mon *monitor.Monitor,
	log *logrus.Logger,
	readTimeout time.Duration,
	done <-chan struct{},
) *ConnectionHandler {
	deviceID := conn.RemoteAddr().String()

	return &ConnectionHandler{
		conn:        conn,
		deviceID:    deviceID,
		instrument:  instrument,
		monitor:     mon,
		log:         log,
		readTimeout: readTimeout,
		done:        done,
	}
}

// Handle 处理连接，直到对端断开或服务器关闭
func (h *ConnectionHandler) Handle() {
	defer func() {
		h.conn.Close()
		h.monitor.ConnectionClosed()
		h.log.Infof("连接关闭: %s", h.deviceID)
	}()

	h.monitor.ConnectionOpened()
	h.log.Infof("新连接: %s (%s)", h.deviceID, h.instrument.Profile())

	reader := bufio.NewReaderSize(h.conn, maxLineSize)

	for {
		// 设置读取超时
		h.conn.SetReadDeadline(time.Now().Add(h.readTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && line == "" {
				select {
				case <-h.done:
					return
				default:
				}
				h.log.Debugf("读取超时: %s", h.deviceID)
				continue
			}
			if !errors.Is(err, io.EOF) {
				h.log.Debugf("连接断开: %s, 错误: %v", h.deviceID, err)
			}
			return
		}

		for _, cmd := range strings.Split(strings.TrimSpace(line), ";") {
			if cmd = strings.TrimSpace(cmd); cmd == "" {
				continue
			}
			if err := h.processCommand(cmd); err != nil {
				h.log.Debugf("发送应答失败 [%s]: %v", h.deviceID, err)
				return
			}
		}
	}
}

// processCommand 执行一条命令，有应答时写回
func (h *ConnectionHandler) processCommand(cmd string) error {
	startTime := time.Now()
	reply := h.instrument.Handle(cmd)
	query := strings.HasSuffix(strings.Fields(cmd)[0], "?")

	if query && reply == nil {
		h.log.Debugf("查询无应答 [%s]: %s", h.deviceID, cmd)
	}
	if reply != nil {
		if err := h.SendResponse(reply); err != nil {
			return err
		}
	}
	h.monitor.CommandHandled(query, len(reply))

	h.log.Debugf("命令处理完成 [%s]: %s, 应答 %d 字节, 耗时=%.3fms",
		h.deviceID,
		cmd,
		len(reply),
		float64(time.Since(startTime).Microseconds())/1000,
	)
	return nil
}

// SendResponse 发送应答
func (h *ConnectionHandler) SendResponse(data []byte) error {
	h.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	if _, err := h.conn.Write(data); err != nil {
		return fmt.Errorf("发送响应失败: %w", err)
	}
	return nil
}
