// Package scpi 生成示波器波形读取所需的 SCPI 命令字符串
package scpi

import (
	"fmt"
	"strconv"
	"strings"

	"scope-acquisition/pkg/protocol"
)

// Dialect 某一仪器系列的命令模板。<n> 替换为通道号，<w> 替换为宽度助记符
type Dialect struct {
	Name       string
	MaxChannel int

	Source   string   // 设置波形源
	Enabled  string   // 查询通道是否开启
	Format   []string // 设置传输格式
	Preamble string   // 查询前导
	Data     string   // 查询数据块

	// 分段读取，空字符串表示不支持
	MaxPoints string
	Points    string // <c> 为每段点数
	Start     string // <s> 为起始点
}

// Encoder 按方言生成命令，只做字符串构造
type Encoder struct {
	d Dialect
}

func NewEncoder(d Dialect) *Encoder {
	return &Encoder{d: d}
}

// Dialect 返回方言定义
func (e *Encoder) Dialect() Dialect {
	return e.d
}

// CheckChannel 校验通道号，在任何 I/O 之前调用
func (e *Encoder) CheckChannel(ch int) error {
	if ch < 1 || ch > e.d.MaxChannel {
		return fmt.Errorf("通道 %d 超出范围 1..%d: %w", ch, e.d.MaxChannel, protocol.ErrInvalidChannel)
	}
	return nil
}

// Select 选择波形源
func (e *Encoder) Select(ch int) (string, error) {
	return e.channelCommand(e.d.Source, ch)
}

// Enabled 查询通道开关
func (e *Encoder) Enabled(ch int) (string, error) {
	return e.channelCommand(e.d.Enabled, ch)
}

// Preamble 查询前导
func (e *Encoder) Preamble(ch int) (string, error) {
	return e.channelCommand(e.d.Preamble, ch)
}

// Data 查询数据块
func (e *Encoder) Data(ch int) (string, error) {
	return e.channelCommand(e.d.Data, ch)
}

// Format 设置传输格式
func (e *Encoder) Format(f protocol.SampleFormat) ([]string, error) {
	if f.Width != protocol.WidthByte && f.Width != protocol.WidthWord {
		return nil, fmt.Errorf("不支持的采样宽度 %d: %w", f.Width, protocol.ErrFormatMismatch)
	}
	cmds := make([]string, 0, len(e.d.Format))
	for _, tpl := range e.d.Format {
		cmds = append(cmds, strings.ReplaceAll(tpl, "<w>", f.Mnemonic()))
	}
	return cmds, nil
}

// Chunked 是否支持分段读取
func (e *Encoder) Chunked() bool {
	return e.d.MaxPoints != "" && e.d.Start != ""
}

// MaxPoints 查询单次最多传输点数
func (e *Encoder) MaxPoints() string {
	return e.d.MaxPoints
}

// Window 设置分段读取窗口
func (e *Encoder) Window(start, count int) []string {
	var cmds []string
	if e.d.Points != "" {
		cmds = append(cmds, strings.ReplaceAll(e.d.Points, "<c>", strconv.Itoa(count)))
	}
	if e.d.Start != "" {
		cmds = append(cmds, strings.ReplaceAll(e.d.Start, "<s>", strconv.Itoa(start)))
	}
	return cmds
}

func (e *Encoder) channelCommand(tpl string, ch int) (string, error) {
	if err := e.CheckChannel(ch); err != nil {
		return "", err
	}
	return strings.ReplaceAll(tpl, "<n>", strconv.Itoa(ch)), nil
}

// ParseSwitch 解析开关查询的应答，如 "1"、"OFF"、"C1:TRA ON"
func ParseSwitch(reply string) (bool, error) {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return false, fmt.Errorf("空应答: %w", protocol.ErrMalformedReply)
	}
	switch strings.ToUpper(fields[len(fields)-1]) {
	case "1", "ON":
		return true, nil
	case "0", "OFF":
		return false, nil
	}
	return false, fmt.Errorf("无法解析开关状态 %q: %w", reply, protocol.ErrMalformedReply)
}

// ParseNumber 解析数值应答，允许 "1.40E+06" 或带单位前缀的 "MAXPoint 1400000"
func ParseNumber(reply string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(reply))
	if len(fields) == 0 {
		return 0, fmt.Errorf("空应答: %w", protocol.ErrMalformedReply)
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("无法解析数值 %q: %w", reply, protocol.ErrMalformedReply)
	}
	return v, nil
}

// 方言定义
var (
	// Siglent SDS 系列，前导为二进制 WAVEDESC
	SiglentDialect = Dialect{
		Name:       "siglent",
		MaxChannel: 4,
		Source:     ":WAVeform:SOURce C<n>",
		Enabled:    "C<n>:TRAce?",
		Format:     []string{":WAVeform:WIDTh <w>"},
		Preamble:   ":WAVeform:PREamble?",
		Data:       ":WAVeform:DATA?",
		MaxPoints:  ":WAVeform:MAXPoint?",
		Points:     ":WAVeform:POINt <c>",
		Start:      ":WAVeform:STARt <s>",
	}

	// Keysight/Agilent/Rigol 系列，前导为10个逗号分隔字段
	KeysightDialect = Dialect{
		Name:       "keysight",
		MaxChannel: 4,
		Source:     ":WAVeform:SOURce CHANnel<n>",
		Enabled:    ":CHANnel<n>:DISPlay?",
		Format: []string{
			":WAVeform:FORMat <w>",
			":WAVeform:UNSigned ON",
			":WAVeform:BYTeorder MSBFirst",
		},
		Preamble: ":WAVeform:PREamble?",
		Data:     ":WAVeform:DATA?",
	}
)
