package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"scope-acquisition/pkg/protocol"
)

// PreambleDecoder 将前导应答解析为标定参数，每种仪器系列一个实现
type PreambleDecoder interface {
	DecodePreamble(raw []byte) (protocol.Preamble, error)
}

// ASCIIPreamble Keysight/Agilent/Rigol 的10字段文本前导:
// format,type,points,count,xincrement,xorigin,xreference,yincrement,yorigin,yreference
type ASCIIPreamble struct{}

const asciiPreambleFields = 10

func (ASCIIPreamble) DecodePreamble(raw []byte) (protocol.Preamble, error) {
	var p protocol.Preamble

	fields := strings.Split(strings.TrimSpace(string(raw)), ",")
	if len(fields) != asciiPreambleFields {
		return p, fmt.Errorf("字段数 %d, 期望 %d: %w", len(fields), asciiPreambleFields, protocol.ErrMalformedPreamble)
	}

	format, err := parseInt(fields[0], "format")
	if err != nil {
		return p, err
	}
	if _, err := parseInt(fields[1], "type"); err != nil {
		return p, err
	}
	points, err := parseInt(fields[2], "points")
	if err != nil {
		return p, err
	}
	if err := checkPoints(points, format+1); err != nil {
		return p, err
	}
	if _, err := parseInt(fields[3], "count"); err != nil {
		return p, err
	}
	xinc, err := parseFloat(fields[4], "xincrement")
	if err != nil {
		return p, err
	}
	xorigin, err := parseFloat(fields[5], "xorigin")
	if err != nil {
		return p, err
	}
	xref, err := parseInt(fields[6], "xreference")
	if err != nil {
		return p, err
	}
	yinc, err := parseFloat(fields[7], "yincrement")
	if err != nil {
		return p, err
	}
	yorigin, err := parseFloat(fields[8], "yorigin")
	if err != nil {
		return p, err
	}
	yref, err := parseInt(fields[9], "yreference")
	if err != nil {
		return p, err
	}

	// 0=BYTE 1=WORD，其余(ASCII等)宽度记为0，解码时报格式不符
	switch format {
	case 0:
		p.Format.Width = protocol.WidthByte
	case 1:
		p.Format.Width = protocol.WidthWord
	}
	p.Points = points
	p.XIncrement = xinc
	p.XOrigin = xorigin - float64(xref)*xinc
	p.YIncrement = yinc
	p.YOrigin = yorigin
	p.YReference = yref
	return p, nil
}

// SiglentPreamble Siglent SDS 二进制 WAVEDESC 前导，以定长数据块返回
type SiglentPreamble struct{}

// WAVEDESC 字段偏移（小端）
const (
	wavedescSize = 346

	offCommType     = 0x20
	offCommOrder    = 0x22
	offWaveArray1   = 0x3c
	offWaveCount    = 0x74
	offFirstPoint   = 0x84
	offVerticalGain = 0x9c
	offVerticalOff  = 0xa0
	offCodePerDiv   = 0xa4
	offADCBit       = 0xac
	offHorizInt     = 0xb0
	offHorizOffset  = 0xb4
	offTimebase     = 0x144
	offProbe        = 0x148

	// 屏幕水平格数
	HoriNum = 10
)

var wavedescName = []byte("WAVEDESC")

// TimebaseTable 时基索引对应的每格时间 (s)
var TimebaseTable = []float64{
	200e-12, 500e-12, 1e-9,
	2e-9, 5e-9, 10e-9, 20e-9, 50e-9, 100e-9, 200e-9, 500e-9,
	1e-6, 2e-6, 5e-6, 10e-6, 20e-6, 50e-6, 100e-6, 200e-6, 500e-6,
	1e-3, 2e-3, 5e-3, 10e-3, 20e-3, 50e-3, 100e-3, 200e-3, 500e-3,
	1, 2, 5, 10, 20, 50, 100, 200, 500, 1000,
}

func (SiglentPreamble) DecodePreamble(raw []byte) (protocol.Preamble, error) {
	var p protocol.Preamble

	desc, err := ParseBlock(raw)
	if err != nil {
		return p, fmt.Errorf("%w: %w", protocol.ErrMalformedPreamble, err)
	}
	if len(desc) < wavedescSize {
		return p, fmt.Errorf("WAVEDESC 长度 %d, 期望 %d: %w", len(desc), wavedescSize, protocol.ErrMalformedPreamble)
	}
	if !bytes.HasPrefix(desc, wavedescName) {
		return p, fmt.Errorf("描述符名称错误 %q: %w", desc[:len(wavedescName)], protocol.ErrMalformedPreamble)
	}

	le := binary.LittleEndian
	i16 := func(off int) int { return int(int16(le.Uint16(desc[off:]))) }
	i32 := func(off int) int { return int(int32(le.Uint32(desc[off:]))) }
	f32 := func(off int) float64 { return float64(math.Float32frombits(le.Uint32(desc[off:]))) }

	commType := i16(offCommType)
	commOrder := i16(offCommOrder)
	points := i32(offWaveCount)
	gain := f32(offVerticalGain)
	voff := f32(offVerticalOff)
	codePerDiv := f32(offCodePerDiv)
	adcBit := i16(offADCBit)
	interval := f32(offHorizInt)
	delay := math.Float64frombits(le.Uint64(desc[offHorizOffset:]))
	tdivIndex := i16(offTimebase)
	probe := f32(offProbe)

	if err := checkPoints(points, commType+1); err != nil {
		return p, err
	}
	if !finite(gain, voff, interval, delay, codePerDiv, probe) {
		return p, fmt.Errorf("前导包含非数值字段: %w", protocol.ErrMalformedPreamble)
	}
	if codePerDiv <= 0 {
		return p, fmt.Errorf("code_per_div %g 无效: %w", codePerDiv, protocol.ErrMalformedPreamble)
	}
	if probe <= 0 {
		return p, fmt.Errorf("探头衰减 %g 无效: %w", probe, protocol.ErrMalformedPreamble)
	}
	if tdivIndex < 0 || tdivIndex >= len(TimebaseTable) {
		return p, fmt.Errorf("时基索引 %d 超出范围: %w", tdivIndex, protocol.ErrMalformedPreamble)
	}

	switch commType {
	case 0:
		p.Format.Width = protocol.WidthByte
	case 1:
		p.Format.Width = protocol.WidthWord
	}
	p.Format.Signed = true
	p.Format.BigEndian = commOrder == 0

	tdiv := TimebaseTable[tdivIndex]
	vdiv := gain * probe
	offset := voff * probe

	p.Points = points
	p.XIncrement = interval
	p.XOrigin = -tdiv*HoriNum/2 + delay
	p.YIncrement = vdiv / codePerDiv
	p.YOrigin = -offset
	p.YReference = 0
	p.ADCBits = adcBit
	p.Probe = probe
	p.TimeDiv = tdiv
	return p, nil
}

// checkPoints 点数必须非负，且按宽度换算的负载不超过一个数据块的上限
func checkPoints(points, width int) error {
	if points < 0 {
		return fmt.Errorf("点数 %d 为负: %w", points, protocol.ErrMalformedPreamble)
	}
	if width < protocol.WidthByte || width > protocol.WidthWord {
		width = protocol.WidthByte
	}
	if points > protocol.MaxBlockPayload/width {
		return fmt.Errorf("点数 %d 超出数据块上限: %w", points, protocol.ErrMalformedPreamble)
	}
	return nil
}

func parseInt(s, name string) (int, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	// 部分仪器以浮点形式返回整数，如 1.28000E+02
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("%s 字段 %q 不是整数: %w", name, s, protocol.ErrMalformedPreamble)
	}
	return int(f), nil
}

func parseFloat(s, name string) (float64, error) {
	s = strings.TrimSpace(s)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !finite(f) {
		return 0, fmt.Errorf("%s 字段 %q 不是数值: %w", name, s, protocol.ErrMalformedPreamble)
	}
	return f, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SiglentDescriptor WAVEDESC 中与标定相关的字段，用于构造前导应答
type SiglentDescriptor struct {
	CommType      int16 // 0=BYTE 1=WORD
	CommOrder     int16 // 0=高字节在前
	Points        int32
	FirstPoint    int32
	Gain          float32 // V/div (未乘探头)
	Offset        float32 // V (未乘探头)
	CodePerDiv    float32
	ADCBit        int16
	Interval      float32
	Delay         float64
	TimebaseIndex int16
	Probe         float32
}

// Encode 生成 #9 定长块形式的前导应答
func (d SiglentDescriptor) Encode() []byte {
	desc := make([]byte, wavedescSize)
	copy(desc, wavedescName)

	width := int32(1)
	if d.CommType == 1 {
		width = 2
	}

	le := binary.LittleEndian
	le.PutUint16(desc[offCommType:], uint16(d.CommType))
	le.PutUint16(desc[offCommOrder:], uint16(d.CommOrder))
	le.PutUint32(desc[offWaveArray1:], uint32(d.Points*width))
	le.PutUint32(desc[offWaveCount:], uint32(d.Points))
	le.PutUint32(desc[offFirstPoint:], uint32(d.FirstPoint))
	le.PutUint32(desc[offVerticalGain:], math.Float32bits(d.Gain))
	le.PutUint32(desc[offVerticalOff:], math.Float32bits(d.Offset))
	le.PutUint32(desc[offCodePerDiv:], math.Float32bits(d.CodePerDiv))
	le.PutUint16(desc[offADCBit:], uint16(d.ADCBit))
	le.PutUint32(desc[offHorizInt:], math.Float32bits(d.Interval))
	le.PutUint64(desc[offHorizOffset:], math.Float64bits(d.Delay))
	le.PutUint16(desc[offTimebase:], uint16(d.TimebaseIndex))
	le.PutUint32(desc[offProbe:], math.Float32bits(d.Probe))

	return EncodeBlock(desc, 9)
}
