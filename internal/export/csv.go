// Package export 把采集结果写成 CSV 或 Parquet 文件
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"scope-acquisition/pkg/protocol"
)

// WriteCSV 每个通道占两列，每行末尾多一个空列: 第一行 "Channel n"，
// 第二行 "Time (s),Voltage (V)"，之后每行一个采样点。点数较少的通道以空白补齐。只写出成功的通道
func WriteCSV(w io.Writer, rs *protocol.ResultSet) error {
	var waves []*protocol.Waveform
	for _, ch := range rs.Succeeded() {
		waves = append(waves, rs.Results[ch].Waveform)
	}
	if len(waves) == 0 {
		return fmt.Errorf("%s: 没有可导出的通道: %w", rs.Instrument, protocol.ErrNoData)
	}

	cw := csv.NewWriter(w)
	row := make([]string, 2*len(waves)+1)

	for i, wf := range waves {
		row[2*i], row[2*i+1] = fmt.Sprintf("Channel %d", wf.Channel), ""
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	for i := range waves {
		row[2*i], row[2*i+1] = "Time (s)", "Voltage (V)"
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}

	rows := 0
	for _, wf := range waves {
		rows = max(rows, wf.Len())
	}
	for n := 0; n < rows; n++ {
		for i, wf := range waves {
			if n < wf.Len() {
				row[2*i] = formatFloat(wf.Time[n])
				row[2*i+1] = formatFloat(wf.Voltage[n])
			} else {
				row[2*i], row[2*i+1] = "", ""
			}
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("写入第 %d 行失败: %w", n, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
