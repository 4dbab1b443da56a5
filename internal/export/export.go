package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"scope-acquisition/internal/config"
	"scope-acquisition/pkg/protocol"
)

// SaveResultSet 按配置在 cfg.Dir 下写出文件，返回生成的路径
func SaveResultSet(cfg config.ExportConfig, rs *protocol.ResultSet) ([]string, error) {
	if !cfg.CSV && !cfg.Parquet {
		return nil, nil
	}
	if len(rs.Succeeded()) == 0 {
		return nil, fmt.Errorf("%s: 没有可导出的通道: %w", rs.Instrument, protocol.ErrNoData)
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建导出目录失败: %w", err)
	}

	base := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s", rs.Instrument, rs.AcquiredAt.Format("20060102_150405")))
	var paths []string

	if cfg.CSV {
		path := base + ".csv"
		if err := writeFile(path, rs, WriteCSV); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	if cfg.Parquet {
		path := base + ".parquet"
		if err := writeFile(path, rs, WriteParquet); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, rs *protocol.ResultSet, write func(io.Writer, *protocol.ResultSet) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建文件失败: %w", err)
	}
	if err := write(f, rs); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return f.Close()
}
