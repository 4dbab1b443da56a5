package protocol

import "time"

// SampleFormat 描述数据块中每个采样码的编码方式
type SampleFormat struct {
	Width     int  `json:"width" msgpack:"width"` // 1=BYTE, 2=WORD
	Signed    bool `json:"signed" msgpack:"signed"`
	BigEndian bool `json:"big_endian" msgpack:"big_endian"`
}

// Mnemonic 返回 SCPI 宽度助记符
func (f SampleFormat) Mnemonic() string {
	if f.Width == WidthWord {
		return "WORD"
	}
	return "BYTE"
}

// Preamble 一次采集的标定参数，与对应数据块成对获取
type Preamble struct {
	Format     SampleFormat `json:"format" msgpack:"format"`
	Points     int          `json:"points" msgpack:"points"`
	XIncrement float64      `json:"x_increment" msgpack:"x_increment"` // 采样间隔 (s)
	XOrigin    float64      `json:"x_origin" msgpack:"x_origin"`       // 第0个采样点的时间 (s)
	YIncrement float64      `json:"y_increment" msgpack:"y_increment"` // 每个码值对应的电压 (V)
	YOrigin    float64      `json:"y_origin" msgpack:"y_origin"`       // 电压偏置 (V)
	YReference int          `json:"y_reference" msgpack:"y_reference"` // 0V 对应的码值

	// 仅供记录
	ADCBits int     `json:"adc_bits,omitempty" msgpack:"adc_bits,omitempty"`
	Probe   float64 `json:"probe,omitempty" msgpack:"probe,omitempty"`
	TimeDiv float64 `json:"time_div,omitempty" msgpack:"time_div,omitempty"`
}

// Waveform 标定后的波形，Time 与 Voltage 等长
type Waveform struct {
	Channel  int       `json:"channel"`
	Preamble Preamble  `json:"preamble"`
	Time     []float64 `json:"time"`
	Voltage  []float64 `json:"voltage"`
}

// Len 返回采样点数
func (w *Waveform) Len() int {
	return len(w.Voltage)
}

// Clone 深拷贝，副本不与原波形共享数组
func (w *Waveform) Clone() *Waveform {
	c := *w
	c.Time = append([]float64(nil), w.Time...)
	c.Voltage = append([]float64(nil), w.Voltage...)
	return &c
}

// ChannelResult 单个通道的采集结果，Waveform 与 Err 二者之一非空
type ChannelResult struct {
	Channel  int
	Waveform *Waveform
	Err      error
	Attempts int
}

// OK 是否采集成功
func (r ChannelResult) OK() bool {
	return r.Err == nil && r.Waveform != nil
}

// ResultSet 一次批量采集的结果集
type ResultSet struct {
	Instrument string
	Profile    string
	AcquiredAt time.Time
	Order      []int
	Results    map[int]ChannelResult
}

// NewResultSet 创建空结果集
func NewResultSet(instrument, profile string) *ResultSet {
	return &ResultSet{
		Instrument: instrument,
		Profile:    profile,
		AcquiredAt: time.Now(),
		Results:    make(map[int]ChannelResult),
	}
}

// Record 记录一个通道的结果，重复通道以最后一次为准
func (rs *ResultSet) Record(r ChannelResult) {
	if _, ok := rs.Results[r.Channel]; !ok {
		rs.Order = append(rs.Order, r.Channel)
	}
	rs.Results[r.Channel] = r
}

// Succeeded 返回成功的通道（按请求顺序）
func (rs *ResultSet) Succeeded() []int {
	var chs []int
	for _, ch := range rs.Order {
		if rs.Results[ch].OK() {
			chs = append(chs, ch)
		}
	}
	return chs
}

// Failed 返回失败的通道（按请求顺序）
func (rs *ResultSet) Failed() []int {
	var chs []int
	for _, ch := range rs.Order {
		if !rs.Results[ch].OK() {
			chs = append(chs, ch)
		}
	}
	return chs
}

// 协议常量
const (
	// 采样宽度
	WidthByte = 1
	WidthWord = 2

	// IEEE 488.2 定长数据块
	BlockMarker     = '#'
	BlockTerminator = '\n'
	// #9 块头能声明的最大负载
	MaxBlockPayload = 999999999

	// 通用 SCPI 查询
	QueryIdentity = "*IDN?"
)
