package main

import (
	"bytes"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"strings"

	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/simulator"
	"scope-acquisition/pkg/protocol"
)

func main() {
	profileName := flag.String("profile", "siglent", "仪器系列 (siglent, keysight)")
	widthName := flag.String("width", "byte", "采样宽度 (byte, word)")
	points := flag.Int("points", 16, "采样点数")
	channel := flag.Int("channel", 1, "通道")
	fault := flag.String("fault", "", "注入故障 (drop, truncate, corrupt)")
	limit := flag.Int("limit", 64, "每个应答最多显示的字节数")
	flag.Parse()

	width, err := instrument.ParseWidth(*widthName)
	if err != nil {
		log.Fatal(err)
	}
	profile, err := instrument.New(*profileName, width)
	if err != nil {
		log.Fatal(err)
	}

	// 单块返回全部点
	inst, err := simulator.New(simulator.Options{Profile: profile.Name, Points: *points, MaxPoints: *points})
	if err != nil {
		log.Fatal(err)
	}
	f, err := simulator.ParseFault(*fault)
	if err != nil {
		log.Fatal(err)
	}
	inst.Inject(f)

	commands, err := sequence(profile, *channel)
	if err != nil {
		log.Fatal(err)
	}

	preambleCmd, _ := profile.Commands.Preamble(*channel)
	dataCmd, _ := profile.Commands.Data(*channel)

	var preamble *protocol.Preamble
	for _, cmd := range commands {
		reply := inst.Handle(cmd)
		fmt.Printf("命令: %s\n", cmd)
		if reply == nil {
			fmt.Println("  (无应答)")
			fmt.Println()
			continue
		}
		display(reply, *limit)

		switch cmd {
		case preambleCmd:
			raw := reply
			if !profile.BinaryPreamble {
				raw = bytes.TrimRight(reply, "\r\n")
			}
			p, err := profile.Preamble.DecodePreamble(raw)
			if err != nil {
				fmt.Printf("  解析失败: %v\n", err)
				break
			}
			preamble = &p
			displayPreamble(p)
		case dataCmd:
			if preamble == nil {
				fmt.Println("  缺少前导，无法标定")
				break
			}
			wf, err := profile.Decoder().Decode(*preamble, reply)
			if err != nil {
				fmt.Printf("  解析失败: %v\n", err)
				break
			}
			displayWaveform(wf)
		}
		fmt.Println()
	}
}

// sequence 生成一次采集的命令序列
func sequence(p *instrument.Profile, ch int) ([]string, error) {
	enc := p.Commands
	var cmds []string

	cmd, err := enc.Enabled(ch)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, protocol.QueryIdentity, cmd)

	if cmd, err = enc.Select(ch); err != nil {
		return nil, err
	}
	cmds = append(cmds, cmd)
	format, err := enc.Format(p.Format)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, format...)
	if enc.Chunked() {
		cmds = append(cmds, enc.Window(0, 0)...)
	}

	if cmd, err = enc.Preamble(ch); err != nil {
		return nil, err
	}
	cmds = append(cmds, cmd)
	if cmd, err = enc.Data(ch); err != nil {
		return nil, err
	}
	return append(cmds, cmd), nil
}

// display 以多种格式显示应答字节
func display(data []byte, limit int) {
	shown := data
	suffix := ""
	if limit > 0 && len(data) > limit {
		shown = data[:limit]
		suffix = fmt.Sprintf(" ... (共 %d 字节)", len(data))
	}
	fmt.Printf("  十六进制: %s%s\n", hex.EncodeToString(shown), suffix)
	fmt.Printf("  字节数组: % x%s\n", shown, suffix)
	fmt.Printf("  C格式:    {%s}\n", toCArray(shown))
	fmt.Printf("  Go格式:   []byte{%s}\n", toGoArray(shown))
	if printable(data) {
		fmt.Printf("  文本:     %q\n", string(data))
	}
}

func displayPreamble(p protocol.Preamble) {
	fmt.Printf("  解析结果:\n")
	fmt.Printf("    采样格式: %s signed=%t big_endian=%t\n", p.Format.Mnemonic(), p.Format.Signed, p.Format.BigEndian)
	fmt.Printf("    点数:     %d\n", p.Points)
	fmt.Printf("    时间:     dt=%g s, t0=%g s\n", p.XIncrement, p.XOrigin)
	fmt.Printf("    电压:     dy=%g V, y0=%g V, ref=%d\n", p.YIncrement, p.YOrigin, p.YReference)
	if p.ADCBits > 0 {
		fmt.Printf("    ADC:      %d 位\n", p.ADCBits)
	}
}

func displayWaveform(wf *protocol.Waveform) {
	fmt.Printf("  标定结果: %d 点\n", wf.Len())
	n := min(wf.Len(), 8)
	for i := 0; i < n; i++ {
		fmt.Printf("    [%d] t=%.6e s  v=%.4f V\n", i, wf.Time[i], wf.Voltage[i])
	}
	if wf.Len() > n {
		fmt.Printf("    ... 省略 %d 点\n", wf.Len()-n)
	}
}

func printable(data []byte) bool {
	for _, b := range data {
		if b != '\n' && b != '\r' && (b < 0x20 || b > 0x7e) {
			return false
		}
	}
	return true
}

func toCArray(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("0x%02X", b)
	}
	return strings.Join(parts, ", ")
}

func toGoArray(data []byte) string {
	return toCArray(data)
}
