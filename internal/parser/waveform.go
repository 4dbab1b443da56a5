package parser

import (
	"encoding/binary"
	"fmt"

	"scope-acquisition/pkg/protocol"
)

// Decoder 按请求时的传输格式解析数据块并标定
type Decoder struct {
	format protocol.SampleFormat
}

func NewDecoder(format protocol.SampleFormat) *Decoder {
	return &Decoder{format: format}
}

// Format 返回解码器使用的格式
func (d *Decoder) Format() protocol.SampleFormat {
	return d.format
}

// Decode 解析完整的数据应答（含块头和结束符）
func (d *Decoder) Decode(p protocol.Preamble, raw []byte) (*protocol.Waveform, error) {
	payload, err := ParseBlock(raw)
	if err != nil {
		return nil, err
	}
	return d.DecodePayload(p, payload)
}

// DecodePayload 解析已去掉分帧的负载
func (d *Decoder) DecodePayload(p protocol.Preamble, payload []byte) (*protocol.Waveform, error) {
	if p.Format.Width != d.format.Width {
		return nil, fmt.Errorf("前导声明宽度 %d, 请求宽度 %d: %w", p.Format.Width, d.format.Width, protocol.ErrFormatMismatch)
	}

	codes, err := d.Codes(payload)
	if err != nil {
		return nil, err
	}
	if len(codes) != p.Points {
		return nil, fmt.Errorf("采样点数 %d, 前导声明 %d: %w", len(codes), p.Points, protocol.ErrLengthMismatch)
	}

	return Calibrate(p, codes), nil
}

// Codes 将负载按宽度、符号和字节序解析为码值
func (d *Decoder) Codes(payload []byte) ([]int32, error) {
	w := d.format.Width
	if w != protocol.WidthByte && w != protocol.WidthWord {
		return nil, fmt.Errorf("不支持的采样宽度 %d: %w", w, protocol.ErrFormatMismatch)
	}
	if len(payload)%w != 0 {
		return nil, fmt.Errorf("负载 %d bytes 不是宽度 %d 的整数倍: %w", len(payload), w, protocol.ErrFormatMismatch)
	}

	codes := make([]int32, len(payload)/w)
	if w == protocol.WidthByte {
		for i, b := range payload {
			if d.format.Signed {
				codes[i] = int32(int8(b))
			} else {
				codes[i] = int32(b)
			}
		}
		return codes, nil
	}

	var order binary.ByteOrder = binary.LittleEndian
	if d.format.BigEndian {
		order = binary.BigEndian
	}
	for i := range codes {
		v := order.Uint16(payload[2*i:])
		if d.format.Signed {
			codes[i] = int32(int16(v))
		} else {
			codes[i] = int32(v)
		}
	}
	return codes, nil
}

// Calibrate 用前导参数把码值换算为时间和电压
func Calibrate(p protocol.Preamble, codes []int32) *protocol.Waveform {
	w := &protocol.Waveform{
		Preamble: p,
		Time:     make([]float64, len(codes)),
		Voltage:  make([]float64, len(codes)),
	}
	for i, c := range codes {
		w.Time[i] = p.XOrigin + float64(i)*p.XIncrement
		w.Voltage[i] = Voltage(p, c)
	}
	return w
}

// Voltage voltage = (code - YReference) * YIncrement + YOrigin
func Voltage(p protocol.Preamble, code int32) float64 {
	return (float64(code)-float64(p.YReference))*p.YIncrement + p.YOrigin
}

// Code Voltage 的逆运算，返回未取整的码值
func Code(p protocol.Preamble, volts float64) float64 {
	return (volts-p.YOrigin)/p.YIncrement + float64(p.YReference)
}

// EncodeCodes 按格式把码值编码为负载，码值超出范围时截断到该宽度
func EncodeCodes(format protocol.SampleFormat, codes []int32) []byte {
	if format.Width == protocol.WidthByte {
		buf := make([]byte, len(codes))
		for i, c := range codes {
			buf[i] = byte(c)
		}
		return buf
	}

	var order binary.ByteOrder = binary.LittleEndian
	if format.BigEndian {
		order = binary.BigEndian
	}
	buf := make([]byte, 2*len(codes))
	for i, c := range codes {
		order.PutUint16(buf[2*i:], uint16(c))
	}
	return buf
}
