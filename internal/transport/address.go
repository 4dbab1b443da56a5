package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"scope-acquisition/pkg/protocol"
)

const (
	NetworkTCP    = "tcp"
	NetworkSerial = "serial"
)

// Address 解析后的仪器地址
type Address struct {
	Network string
	Target  string // host:port 或串口设备路径
}

// ParseAddress 解析 VISA 风格地址:
//
//	TCPIP[board]::host::port::SOCKET
//	TCPIP[board]::host[::inst0]::INSTR   (端口 5025)
//	ASRL<path|n>::INSTR
//	host:port、/dev/ttyUSB0、COM3
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	parts := strings.Split(s, "::")

	switch {
	case strings.HasPrefix(upper, "TCPIP"):
		if len(parts) < 2 || parts[1] == "" {
			return Address{}, fmt.Errorf("地址 %q 缺少主机: %w", s, protocol.ErrConnection)
		}
		host := parts[1]
		last := strings.ToUpper(parts[len(parts)-1])
		if last == "SOCKET" {
			if len(parts) != 4 {
				return Address{}, fmt.Errorf("SOCKET 地址 %q 格式错误: %w", s, protocol.ErrConnection)
			}
			if _, err := strconv.Atoi(parts[2]); err != nil {
				return Address{}, fmt.Errorf("端口 %q 无效: %w", parts[2], protocol.ErrConnection)
			}
			return Address{Network: NetworkTCP, Target: net.JoinHostPort(host, parts[2])}, nil
		}
		return Address{Network: NetworkTCP, Target: net.JoinHostPort(host, strconv.Itoa(DefaultSCPIPort))}, nil

	case strings.HasPrefix(upper, "ASRL"):
		path := parts[0][len("ASRL"):]
		if path == "" {
			return Address{}, fmt.Errorf("串口地址 %q 缺少设备: %w", s, protocol.ErrConnection)
		}
		if _, err := strconv.Atoi(path); err == nil {
			path = "COM" + path
		}
		return Address{Network: NetworkSerial, Target: path}, nil

	case strings.HasPrefix(upper, "USB"), strings.HasPrefix(upper, "GPIB"), strings.HasPrefix(upper, "VXI"):
		return Address{}, fmt.Errorf("不支持的接口类型 %q: %w", parts[0], protocol.ErrConnection)

	case strings.HasPrefix(s, "/dev/"), strings.HasPrefix(upper, "COM"):
		return Address{Network: NetworkSerial, Target: s}, nil
	}

	if _, _, err := net.SplitHostPort(s); err == nil {
		return Address{Network: NetworkTCP, Target: s}, nil
	}
	return Address{}, fmt.Errorf("无法解析地址 %q: %w", s, protocol.ErrConnection)
}
