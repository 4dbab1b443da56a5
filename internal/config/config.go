package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
	Acquisition AcquisitionConfig  `yaml:"acquisition"`
	Simulator   SimulatorConfig    `yaml:"simulator"`
	Redis       RedisConfig        `yaml:"redis"`
	Log         LogConfig          `yaml:"log"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Export      ExportConfig       `yaml:"export"`
}

type InstrumentConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Profile  string `yaml:"profile"` // siglent, keysight, auto
	Channels []int  `yaml:"channels"`
	Width    string `yaml:"width"` // byte, word
}

type AcquisitionConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	BaudRate int           `yaml:"baud_rate"`
}

type SimulatorConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxConnections   int           `yaml:"max_connections"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	Profile          string        `yaml:"profile"`
	Points           int           `yaml:"points"`
	MaxPoints        int           `yaml:"max_points"`
	DisabledChannels []int         `yaml:"disabled_channels"`
}

type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	Channel   string `yaml:"channel"`
	Codec     string `yaml:"codec"` // json, msgpack
	ListLimit int    `yaml:"list_limit"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

type ExportConfig struct {
	Dir     string `yaml:"dir"`
	CSV     bool   `yaml:"csv"`
	Parquet bool   `yaml:"parquet"`
}

// LoadConfig 加载配置文件，未设置的字段取默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}
	return config, nil
}

// Validate 检查配置
func (c *Config) Validate() error {
	var errs []error

	names := make(map[string]bool)
	for i, inst := range c.Instruments {
		if inst.Name == "" {
			errs = append(errs, fmt.Errorf("instruments[%d]: 缺少 name", i))
		} else if names[inst.Name] {
			errs = append(errs, fmt.Errorf("instruments[%d]: name %q 重复", i, inst.Name))
		}
		names[inst.Name] = true

		if inst.Address == "" {
			errs = append(errs, fmt.Errorf("instruments[%d]: 缺少 address", i))
		}
		switch strings.ToLower(inst.Profile) {
		case "siglent", "keysight", "auto", "":
		default:
			errs = append(errs, fmt.Errorf("instruments[%d]: 未知的 profile %q", i, inst.Profile))
		}
		switch strings.ToLower(inst.Width) {
		case "byte", "word", "":
		default:
			errs = append(errs, fmt.Errorf("instruments[%d]: 未知的 width %q", i, inst.Width))
		}
		if len(inst.Channels) == 0 {
			errs = append(errs, fmt.Errorf("instruments[%d]: 未指定通道", i))
		}
	}

	if c.Acquisition.Retries < 0 || c.Acquisition.Retries > 1 {
		errs = append(errs, fmt.Errorf("acquisition.retries 只能为 0 或 1, 当前 %d", c.Acquisition.Retries))
	}
	if c.Acquisition.Timeout < 0 {
		errs = append(errs, fmt.Errorf("acquisition.timeout 不能为负"))
	}

	switch strings.ToLower(c.Simulator.Profile) {
	case "siglent", "keysight":
	default:
		errs = append(errs, fmt.Errorf("simulator.profile 未知: %q", c.Simulator.Profile))
	}

	if c.Redis.Enabled {
		switch c.Redis.Codec {
		case "json", "msgpack":
		default:
			errs = append(errs, fmt.Errorf("redis.codec 未知: %q", c.Redis.Codec))
		}
		if c.Redis.ListLimit <= 0 {
			errs = append(errs, fmt.Errorf("redis.list_limit 必须为正"))
		}
	}

	return errors.Join(errs...)
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Acquisition: AcquisitionConfig{
			Timeout:  2 * time.Second,
			Retries:  1,
			BaudRate: 115200,
		},
		Simulator: SimulatorConfig{
			Host:           "0.0.0.0",
			Port:           5025,
			MaxConnections: 64,
			ReadTimeout:    30 * time.Second,
			Profile:        "siglent",
			Points:         1400,
			MaxPoints:      1000,
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			Password:  "",
			DB:        0,
			PoolSize:  10,
			Channel:   "waveforms",
			Codec:     "json",
			ListLimit: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     false,
			MetricsPort: 9090,
		},
		Export: ExportConfig{
			Dir: "data",
			CSV: true,
		},
	}
}
