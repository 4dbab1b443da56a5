// Package simulator 模拟一台示波器，按 Siglent 或 Keysight 方言应答波形读取命令
package simulator

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/parser"
	"scope-acquisition/pkg/protocol"
)

const (
	MaxChannel = 4

	DefaultPoints    = 1400
	DefaultMaxPoints = 1000

	// 1 ms/div
	defaultTimebaseIndex = 20
	defaultVoltsPerDiv   = 0.5
	// Siglent 8 位采样每格码值
	codesPerDiv = 25
)

// Fault 注入到下一次匹配查询的故障
type Fault int

const (
	FaultNone Fault = iota
	// 不应答下一条查询
	FaultDrop
	// 下一个数据块只发送一半负载
	FaultTruncate
	// 下一个前导应答内容损坏
	FaultCorruptPreamble
)

// ParseFault 解析故障名称 drop/truncate/corrupt
func ParseFault(s string) (Fault, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop":
		return FaultDrop, nil
	case "truncate":
		return FaultTruncate, nil
	case "corrupt":
		return FaultCorruptPreamble, nil
	case "", "none":
		return FaultNone, nil
	}
	return FaultNone, fmt.Errorf("未知的故障类型: %q", s)
}

// Signal 通道上的正弦信号
type Signal struct {
	Amplitude float64 // V
	Frequency float64 // Hz
	Offset    float64 // V
	Phase     float64 // rad
}

// At 返回 t 时刻的电压
func (s Signal) At(t float64) float64 {
	return s.Amplitude*math.Sin(2*math.Pi*s.Frequency*t+s.Phase) + s.Offset
}

type channelState struct {
	enabled bool
	signal  Signal
}

// Options 模拟仪器参数
type Options struct {
	Profile   string
	IDN       string
	Points    int
	MaxPoints int
	ADCBits   int
	Disabled  []int
}

// Instrument 模拟仪器状态，并发安全
type Instrument struct {
	mu        sync.Mutex
	profile   string
	idn       string
	points    int
	maxPoints int
	adcBits   int
	channels  [MaxChannel + 1]channelState

	source int
	width  int
	start  int
	count  int

	faults []Fault
}

func New(opts Options) (*Instrument, error) {
	profile := strings.ToLower(opts.Profile)
	idn := opts.IDN
	switch profile {
	case instrument.ProfileSiglent:
		if idn == "" {
			idn = "Siglent Technologies,SDS1104X-E,SDSSIM0000001,8.2.6.1.37R9"
		}
	case instrument.ProfileKeysight:
		if idn == "" {
			idn = "KEYSIGHT TECHNOLOGIES,DSOX1204G,CNSIM00001,02.12.2021071625"
		}
	default:
		return nil, fmt.Errorf("未知的仪器系列: %q", opts.Profile)
	}

	in := &Instrument{
		profile:   profile,
		idn:       idn,
		points:    opts.Points,
		maxPoints: opts.MaxPoints,
		adcBits:   opts.ADCBits,
		source:    1,
		width:     protocol.WidthByte,
	}
	if in.points <= 0 {
		in.points = DefaultPoints
	}
	if in.maxPoints <= 0 {
		in.maxPoints = DefaultMaxPoints
	}
	if in.adcBits <= 0 {
		in.adcBits = 8
	}

	for ch := 1; ch <= MaxChannel; ch++ {
		in.channels[ch] = channelState{
			enabled: true,
			signal: Signal{
				Amplitude: 0.4 * float64(ch),
				Frequency: 1e3 * float64(ch),
				Phase:     float64(ch-1) * math.Pi / 4,
			},
		}
	}
	for _, ch := range opts.Disabled {
		if ch < 1 || ch > MaxChannel {
			return nil, fmt.Errorf("禁用通道 %d 超出范围: %w", ch, protocol.ErrInvalidChannel)
		}
		in.channels[ch].enabled = false
	}
	return in, nil
}

// Profile 返回仪器系列
func (in *Instrument) Profile() string {
	return in.profile
}

// SetSignal 设置通道信号
func (in *Instrument) SetSignal(ch int, s Signal) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ch >= 1 && ch <= MaxChannel {
		in.channels[ch].signal = s
	}
}

// SetEnabled 打开或关闭通道
func (in *Instrument) SetEnabled(ch int, on bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ch >= 1 && ch <= MaxChannel {
		in.channels[ch].enabled = on
	}
}

// Inject 追加一个故障，按顺序在匹配的查询上生效
func (in *Instrument) Inject(f Fault) {
	if f == FaultNone {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.faults = append(in.faults, f)
}

var (
	reSiglentTrace = regexp.MustCompile(`^C([0-9]+):TRA(?:CE)?\?$`)
	reKeysightDisp = regexp.MustCompile(`^:?CHAN(?:NEL)?([0-9]+):DISP(?:LAY)?\?$`)
	reSource       = regexp.MustCompile(`^(?:C|CHAN|CHANNEL)([0-9]+)$`)
)

// Handle 执行一条命令。查询返回应答字节，设置命令或被丢弃的查询返回 nil
func (in *Instrument) Handle(line string) []byte {
	in.mu.Lock()
	defer in.mu.Unlock()

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil
	}
	header := strings.ToUpper(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToUpper(strings.Join(fields[1:], " "))
	}

	if strings.HasSuffix(header, "?") && in.takeFault(FaultDrop) {
		return nil
	}

	switch header {
	case "*IDN?":
		return line1(in.idn)
	case "SIM:FAULT", ":SIM:FAULT":
		if f, err := ParseFault(arg); err == nil && f != FaultNone {
			in.faults = append(in.faults, f)
		}
		return nil
	case ":WAVEFORM:SOURCE", ":WAV:SOUR":
		if m := reSource.FindStringSubmatch(arg); m != nil {
			if ch, _ := strconv.Atoi(m[1]); ch >= 1 && ch <= MaxChannel {
				in.source = ch
			}
		}
		return nil
	case ":WAVEFORM:WIDTH", ":WAVEFORM:FORMAT", ":WAV:WIDT", ":WAV:FORM":
		switch arg {
		case "BYTE":
			in.width = protocol.WidthByte
		case "WORD":
			in.width = protocol.WidthWord
		}
		return nil
	case ":WAVEFORM:UNSIGNED", ":WAVEFORM:BYTEORDER":
		return nil
	case ":WAVEFORM:POINT":
		if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
			in.count = n
		}
		return nil
	case ":WAVEFORM:START":
		if n, err := strconv.Atoi(arg); err == nil && n >= 0 {
			in.start = n
		}
		return nil
	case ":WAVEFORM:MAXPOINT?":
		if in.profile != instrument.ProfileSiglent {
			return nil
		}
		return line1(strconv.FormatFloat(float64(in.maxPoints), 'E', 2, 64))
	case ":WAVEFORM:PREAMBLE?", ":WAV:PRE?":
		return in.preamble()
	case ":WAVEFORM:DATA?", ":WAV:DATA?", "WAV:DATA?":
		return in.data()
	}

	if m := reSiglentTrace.FindStringSubmatch(header); m != nil && in.profile == instrument.ProfileSiglent {
		if on, ok := in.enabled(m[1]); ok {
			return line1("C" + m[1] + ":TRA " + onOff(on, "ON", "OFF"))
		}
		return nil
	}
	if m := reKeysightDisp.FindStringSubmatch(header); m != nil && in.profile == instrument.ProfileKeysight {
		if on, ok := in.enabled(m[1]); ok {
			return line1(onOff(on, "1", "0"))
		}
		return nil
	}

	// 未知查询不应答，与真实仪器一致
	return nil
}

func (in *Instrument) takeFault(f Fault) bool {
	if len(in.faults) > 0 && in.faults[0] == f {
		in.faults = in.faults[1:]
		return true
	}
	return false
}

func (in *Instrument) enabled(s string) (bool, bool) {
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 1 || ch > MaxChannel {
		return false, false
	}
	return in.channels[ch].enabled, true
}

func (in *Instrument) format() protocol.SampleFormat {
	if in.profile == instrument.ProfileSiglent {
		return protocol.SampleFormat{Width: in.width, Signed: true, BigEndian: true}
	}
	return protocol.SampleFormat{Width: in.width, Signed: false, BigEndian: true}
}

// Preamble 返回当前源通道和宽度下的标定参数
func (in *Instrument) Preamble() protocol.Preamble {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calibration()
}

func (in *Instrument) calibration() protocol.Preamble {
	tdiv := parser.TimebaseTable[defaultTimebaseIndex]
	p := protocol.Preamble{
		Format:     in.format(),
		Points:     in.points,
		XIncrement: tdiv * parser.HoriNum / float64(in.points),
		XOrigin:    -tdiv * parser.HoriNum / 2,
		YIncrement: defaultVoltsPerDiv / codesPerDiv,
		TimeDiv:    tdiv,
		Probe:      1,
		ADCBits:    in.adcBits,
	}
	if in.width == protocol.WidthWord {
		p.YIncrement /= 256
	}
	if in.profile == instrument.ProfileKeysight {
		if in.width == protocol.WidthWord {
			p.YReference = 32768
		} else {
			p.YReference = 128
		}
	}
	return p
}

func (in *Instrument) preamble() []byte {
	p := in.calibration()
	corrupt := in.takeFault(FaultCorruptPreamble)

	if in.profile == instrument.ProfileSiglent {
		cpd := float32(codesPerDiv)
		commType := int16(0)
		if in.width == protocol.WidthWord {
			cpd *= 256
			commType = 1
		}
		reply := parser.SiglentDescriptor{
			CommType:      commType,
			Points:        int32(p.Points),
			Gain:          defaultVoltsPerDiv,
			CodePerDiv:    cpd,
			ADCBit:        int16(p.ADCBits),
			Interval:      float32(p.XIncrement),
			TimebaseIndex: defaultTimebaseIndex,
			Probe:         1,
		}.Encode()
		if corrupt {
			// 破坏描述符名称
			copy(reply[11:], "XXXXXXXX")
		}
		// Siglent 在块后多发一个换行
		return append(reply, '\n')
	}

	format := 0
	if in.width == protocol.WidthWord {
		format = 1
	}
	if corrupt {
		return line1(fmt.Sprintf("%d,0,%d", format, p.Points))
	}
	return line1(fmt.Sprintf("%d,0,%d,1,%E,%E,0,%E,%E,%d",
		format, p.Points, p.XIncrement, p.XOrigin, p.YIncrement, p.YOrigin, p.YReference))
}

// Codes 返回当前源通道的全部码值
func (in *Instrument) Codes() []int32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.codes()
}

func (in *Instrument) codes() []int32 {
	p := in.calibration()
	sig := in.channels[in.source].signal
	lo, hi := codeRange(p.Format)

	codes := make([]int32, p.Points)
	for i := range codes {
		t := p.XOrigin + float64(i)*p.XIncrement
		c := math.Round(parser.Code(p, sig.At(t)))
		codes[i] = int32(math.Max(lo, math.Min(hi, c)))
	}
	return codes
}

func (in *Instrument) data() []byte {
	codes := in.codes()

	// Siglent 按 STARt/POINt 窗口返回，单次不超过 MAXPoint
	if in.profile == instrument.ProfileSiglent {
		start := min(in.start, len(codes))
		n := len(codes) - start
		if in.count > 0 {
			n = min(n, in.count)
		}
		n = min(n, in.maxPoints)
		codes = codes[start : start+n]
	}

	reply := parser.EncodeBlock(parser.EncodeCodes(in.format(), codes), 9)
	if in.takeFault(FaultTruncate) {
		header := len(reply) - len(codes)*in.width - 1
		return reply[:header+(len(reply)-header-1)/2]
	}
	if in.profile == instrument.ProfileSiglent {
		reply = append(reply, '\n')
	}
	return reply
}

func codeRange(f protocol.SampleFormat) (float64, float64) {
	bits := 8 * f.Width
	if f.Signed {
		return -math.Exp2(float64(bits - 1)), math.Exp2(float64(bits-1)) - 1
	}
	return 0, math.Exp2(float64(bits)) - 1
}

func line1(s string) []byte {
	return []byte(s + "\n")
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}
	return no
}
