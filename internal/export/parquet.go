package export

import (
	"fmt"
	"io"
	"time"

	"github.com/segmentio/parquet-go"

	"scope-acquisition/pkg/protocol"
)

// SampleRow Parquet 文件中的一行
type SampleRow struct {
	Channel int32   `parquet:"channel"`
	Index   int32   `parquet:"index"`
	Time    float64 `parquet:"time"`
	Voltage float64 `parquet:"voltage"`
}

// 文件元数据键
const (
	MetaInstrument = "instrument"
	MetaProfile    = "profile"
	MetaAcquiredAt = "acquired_at"
)

// NewParquetWriter 创建带采集元数据的写入器
func NewParquetWriter(w io.Writer, rs *protocol.ResultSet) *parquet.GenericWriter[SampleRow] {
	return parquet.NewGenericWriter[SampleRow](w,
		parquet.KeyValueMetadata(MetaInstrument, rs.Instrument),
		parquet.KeyValueMetadata(MetaProfile, rs.Profile),
		parquet.KeyValueMetadata(MetaAcquiredAt, rs.AcquiredAt.Format(time.RFC3339Nano)),
	)
}

// WriteParquet 每个采样点一行，按通道顺序写出成功的通道
func WriteParquet(w io.Writer, rs *protocol.ResultSet) error {
	chs := rs.Succeeded()
	if len(chs) == 0 {
		return fmt.Errorf("%s: 没有可导出的通道: %w", rs.Instrument, protocol.ErrNoData)
	}

	writer := NewParquetWriter(w, rs)
	for _, ch := range chs {
		wf := rs.Results[ch].Waveform
		rows := make([]SampleRow, wf.Len())
		for i := range rows {
			rows[i] = SampleRow{
				Channel: int32(ch),
				Index:   int32(i),
				Time:    wf.Time[i],
				Voltage: wf.Voltage[i],
			}
		}
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			return fmt.Errorf("写入通道 %d 失败: %w", ch, err)
		}
	}
	return writer.Close()
}
