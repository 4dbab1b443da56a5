package parser

import (
	"bytes"
	"fmt"
	"strconv"

	"scope-acquisition/pkg/protocol"
)

// ParseBlock 解析 IEEE 488.2 定长数据块 [前缀]#<d><长度><负载><结束符>，返回负载
//
// 负载不足、缺少结束符或负载后有多余字节都返回 ErrFraming，不做截断。
func ParseBlock(data []byte) ([]byte, error) {
	i := bytes.IndexByte(data, protocol.BlockMarker)
	if i < 0 {
		return nil, fmt.Errorf("缺少块标记 '#': %w", protocol.ErrFraming)
	}
	rest := data[i+1:]
	if len(rest) == 0 {
		return nil, fmt.Errorf("块头不完整: %w", protocol.ErrFraming)
	}

	d := rest[0]
	if d < '1' || d > '9' {
		return nil, fmt.Errorf("不支持的长度位数 %q: %w", d, protocol.ErrFraming)
	}
	n := int(d - '0')
	if len(rest) < 1+n {
		return nil, fmt.Errorf("块头不完整: 需要 %d 位长度: %w", n, protocol.ErrFraming)
	}

	length, err := strconv.Atoi(string(rest[1 : 1+n]))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("块长度 %q 无效: %w", rest[1:1+n], protocol.ErrFraming)
	}

	body := rest[1+n:]
	if len(body) < length {
		return nil, fmt.Errorf("数据长度不足: 声明 %d bytes, 实际 %d bytes: %w", length, len(body), protocol.ErrFraming)
	}

	tail := body[length:]
	if len(tail) == 0 {
		return nil, fmt.Errorf("缺少结束符: %w", protocol.ErrFraming)
	}
	for _, b := range tail {
		if b != protocol.BlockTerminator && b != '\r' {
			return nil, fmt.Errorf("负载后有 %d 个多余字节: %w", len(tail), protocol.ErrFraming)
		}
	}

	return body[:length], nil
}

// EncodeBlock 构造定长数据块。digits 为长度字段位数，0 表示按需
func EncodeBlock(payload []byte, digits int) []byte {
	length := strconv.Itoa(len(payload))
	if digits > len(length) {
		length = fmt.Sprintf("%0*d", digits, len(payload))
	}

	buf := make([]byte, 0, 2+len(length)+len(payload)+1)
	buf = append(buf, protocol.BlockMarker, byte('0'+len(length)))
	buf = append(buf, length...)
	buf = append(buf, payload...)
	buf = append(buf, protocol.BlockTerminator)
	return buf
}
