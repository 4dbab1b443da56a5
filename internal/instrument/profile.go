// Package instrument 定义各仪器系列的采集配置（命令方言、前导格式、采样格式）
package instrument

import (
	"fmt"
	"strings"

	"scope-acquisition/internal/parser"
	"scope-acquisition/internal/scpi"
	"scope-acquisition/pkg/protocol"
)

// 仪器系列
const (
	ProfileSiglent  = "siglent"
	ProfileKeysight = "keysight"
	ProfileAuto     = "auto"
)

// Profile 一个仪器系列的完整采集策略
type Profile struct {
	Name     string
	Commands *scpi.Encoder
	Preamble parser.PreambleDecoder
	// 前导以定长数据块返回（否则为一行文本）
	BinaryPreamble bool
	// 请求的采样格式，决定数据块解码方式
	Format protocol.SampleFormat
}

// Decoder 返回与请求格式一致的数据块解码器
func (p *Profile) Decoder() *parser.Decoder {
	return parser.NewDecoder(p.Format)
}

// New 按名称和采样宽度创建 Profile
func New(name string, width int) (*Profile, error) {
	if width != protocol.WidthByte && width != protocol.WidthWord {
		return nil, fmt.Errorf("不支持的采样宽度 %d: %w", width, protocol.ErrFormatMismatch)
	}

	switch strings.ToLower(name) {
	case ProfileSiglent:
		return &Profile{
			Name:           ProfileSiglent,
			Commands:       scpi.NewEncoder(scpi.SiglentDialect),
			Preamble:       parser.SiglentPreamble{},
			BinaryPreamble: true,
			// 有符号，WORD 高字节在前
			Format: protocol.SampleFormat{Width: width, Signed: true, BigEndian: true},
		}, nil
	case ProfileKeysight:
		return &Profile{
			Name:     ProfileKeysight,
			Commands: scpi.NewEncoder(scpi.KeysightDialect),
			Preamble: parser.ASCIIPreamble{},
			// 方言中已发送 UNSigned ON 和 BYTeorder MSBFirst
			Format: protocol.SampleFormat{Width: width, Signed: false, BigEndian: true},
		}, nil
	}
	return nil, fmt.Errorf("未知的仪器系列: %q", name)
}

// Detect 根据 *IDN? 应答识别仪器系列
func Detect(idn string) (string, error) {
	manufacturer := strings.ToUpper(strings.TrimSpace(strings.SplitN(idn, ",", 2)[0]))
	switch {
	case strings.Contains(manufacturer, "SIGLENT"):
		return ProfileSiglent, nil
	case strings.Contains(manufacturer, "KEYSIGHT"),
		strings.Contains(manufacturer, "AGILENT"),
		strings.Contains(manufacturer, "RIGOL"):
		return ProfileKeysight, nil
	}
	return "", fmt.Errorf("无法识别仪器: %q", strings.TrimSpace(idn))
}

// ParseWidth 解析配置中的宽度 "byte"/"word"
func ParseWidth(s string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "byte":
		return protocol.WidthByte, nil
	case "word":
		return protocol.WidthWord, nil
	}
	return 0, fmt.Errorf("未知的采样宽度: %q", s)
}
