package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/acquire"
	"scope-acquisition/internal/config"
	"scope-acquisition/internal/export"
	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/simulator"
	"scope-acquisition/internal/storage"
	"scope-acquisition/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	showVersion := flag.Bool("version", false, "显示版本信息")
	useSim := flag.Bool("sim", false, "使用内置模拟器代替真实仪器")
	list := flag.Bool("list", false, "列出本机串口并查询已配置仪器的 *IDN?")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("Scope Acquire v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}

	log := setupLogger(cfg.Log)
	log.Infof("Scope Acquire v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opener transport.Opener = transport.NewDialer(cfg.Acquisition.Timeout, cfg.Acquisition.BaudRate, log)
	if *useSim {
		opener = simulator.Opener{Options: simulatorOptions(cfg.Simulator)}
		log.Infof("使用模拟器: %s", cfg.Simulator.Profile)
	}

	if *list {
		listInstruments(ctx, opener, cfg, log)
		return
	}

	if len(cfg.Instruments) == 0 {
		log.Fatal("未配置任何仪器")
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.NewMonitor(log)
		srv := mon.StartMetricsServer(cfg.Monitor.MetricsPort)
		defer srv.Close()
		mon.StartRuntimeMonitor(ctx)
	}

	var mq *storage.MessageQueue
	if cfg.Redis.Enabled {
		mq, err = storage.NewMessageQueue(cfg.Redis, log)
		if err != nil {
			log.Fatalf("连接Redis失败: %v", err)
		}
		defer mq.Close()
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Int64
	)
	for _, ic := range cfg.Instruments {
		wg.Add(1)
		go func(ic config.InstrumentConfig) {
			defer wg.Done()
			if err := run(ctx, opener, ic, cfg, mon, mq, log); err != nil {
				log.WithField("instrument", ic.Name).Errorf("采集失败: %v", err)
				failed.Add(1)
			}
		}(ic)
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		log.Errorf("%d 台仪器采集未完全成功", n)
		os.Exit(1)
	}
	log.Info("采集完成")
}

// run 对一台仪器执行一次批量采集，然后发布并导出结果
func run(ctx context.Context, opener transport.Opener, ic config.InstrumentConfig, cfg *config.Config,
	mon *monitor.Monitor, mq *storage.MessageQueue, log *logrus.Logger) error {
	width, err := instrument.ParseWidth(ic.Width)
	if err != nil {
		return err
	}

	acq, err := acquire.Connect(ctx, opener, ic.Address, ic.Profile, width, acquire.Options{
		Name:    ic.Name,
		Retries: cfg.Acquisition.Retries,
		Monitor: mon,
	}, log)
	if err != nil {
		return err
	}
	defer acq.Close()

	rs := acq.AcquireBatch(ctx, ic.Channels)
	entry := log.WithField("instrument", ic.Name)

	if mq != nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, err := mq.PublishResultSet(pubCtx, rs)
		cancel()
		mon.ObservePublish(n, err)
		if err != nil {
			entry.Errorf("发布结果失败: %v", err)
		} else {
			entry.Infof("已发布 %d 条记录", n)
		}
	}

	if len(rs.Succeeded()) > 0 {
		files, err := export.SaveResultSet(cfg.Export, rs)
		if err != nil {
			entry.Errorf("导出失败: %v", err)
		}
		for _, f := range files {
			entry.Infof("已导出: %s", f)
		}
	}

	if failed := rs.Failed(); len(failed) > 0 {
		return fmt.Errorf("通道 %v 失败", failed)
	}
	return nil
}

// listInstruments 打印串口候选与已配置地址的识别结果
func listInstruments(ctx context.Context, opener transport.Opener, cfg *config.Config, log *logrus.Logger) {
	ports, err := transport.SerialCandidates()
	if err != nil {
		log.Warnf("%v", err)
	}
	for _, p := range ports {
		fmt.Printf("%-32s %s\n", p.Address, p.Description)
	}

	addrs := make([]string, 0, len(cfg.Instruments))
	for _, ic := range cfg.Instruments {
		addrs = append(addrs, ic.Address)
	}
	for _, id := range transport.Discover(ctx, opener, addrs) {
		if id.Err != nil {
			fmt.Printf("%-32s 错误: %v\n", id.Address, id.Err)
			continue
		}
		fmt.Printf("%-32s %s\n", id.Address, id.IDN)
	}
}

func simulatorOptions(cfg config.SimulatorConfig) simulator.Options {
	return simulator.Options{
		Profile:   cfg.Profile,
		Points:    cfg.Points,
		MaxPoints: cfg.MaxPoints,
		Disabled:  cfg.DisabledChannels,
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
		}
	}

	return log
}
