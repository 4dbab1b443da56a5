package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/acquire"
	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/transport"
	"scope-acquisition/pkg/protocol"
)

// 统计指标
type Stats struct {
	TotalBatches   int64 // 完成的批量采集数
	TotalChannels  int64 // 成功的通道数
	TotalFailed    int64 // 失败的通道数
	TotalRetries   int64 // 重试次数
	TotalConnected int64 // 总连接数
	ConnectFailed  int64 // 连接失败数
	ActiveClients  int64 // 活跃客户端数
	TotalPoints    int64 // 总采样点数
}

// Client 一个采集客户端，循环对同一台模拟仪器做批量采集
type Client struct {
	ID       int
	Address  string
	Channels []int
	Width    int
	Interval time.Duration
	Stats    *Stats
	Opener   transport.Opener
	Monitor  *monitor.Monitor
	Log      *logrus.Logger
}

// Run 运行客户端，直到 ctx 结束
func (c *Client) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	acq, err := acquire.Connect(ctx, c.Opener, c.Address, instrument.ProfileAuto, c.Width, acquire.Options{
		Name:    c.Address,
		Retries: acquire.MaxRetries,
		Monitor: c.Monitor,
	}, c.Log)
	if err != nil {
		c.Log.Errorf("客户端 %d 连接失败: %v", c.ID, err)
		atomic.AddInt64(&c.Stats.ConnectFailed, 1)
		return
	}
	defer acq.Close()

	atomic.AddInt64(&c.Stats.TotalConnected, 1)
	atomic.AddInt64(&c.Stats.ActiveClients, 1)
	defer atomic.AddInt64(&c.Stats.ActiveClients, -1)

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		rs := acq.AcquireBatch(ctx, c.Channels)
		c.record(rs)
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			c.Log.Debugf("客户端 %d 停止", c.ID)
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) record(rs *protocol.ResultSet) {
	atomic.AddInt64(&c.Stats.TotalBatches, 1)
	for _, ch := range rs.Order {
		r := rs.Results[ch]
		if r.Attempts > 1 {
			atomic.AddInt64(&c.Stats.TotalRetries, int64(r.Attempts-1))
		}
		if !r.OK() {
			atomic.AddInt64(&c.Stats.TotalFailed, 1)
			c.Log.Debugf("客户端 %d 通道 %d 失败: %v", c.ID, ch, r.Err)
			continue
		}
		atomic.AddInt64(&c.Stats.TotalChannels, 1)
		atomic.AddInt64(&c.Stats.TotalPoints, int64(r.Waveform.Len()))
	}
}

// StressTest 压力测试管理器
type StressTest struct {
	Address    string
	NumClients int
	Interval   time.Duration
	Duration   time.Duration
	Channels   []int
	Width      int
	Stats      *Stats
	Monitor    *monitor.Monitor
	Log        *logrus.Logger
}

// Run 运行压力测试
func (st *StressTest) Run(ctx context.Context) {
	st.Log.Infof("========================================")
	st.Log.Infof("压力测试开始")
	st.Log.Infof("========================================")
	st.Log.Infof("仪器地址:   %s", st.Address)
	st.Log.Infof("客户端数:   %d", st.NumClients)
	st.Log.Infof("采集间隔:   %v", st.Interval)
	st.Log.Infof("测试时长:   %v", st.Duration)
	st.Log.Infof("========================================")

	if st.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.Duration)
		defer cancel()
	}

	opener := transport.NewDialer(5*time.Second, 0, st.Log)
	stopStats := make(chan struct{})
	go st.monitorStats(stopStats)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < st.NumClients; i++ {
		c := &Client{
			ID:       i + 1,
			Address:  st.Address,
			Channels: st.Channels,
			Width:    st.Width,
			Interval: st.Interval,
			Stats:    st.Stats,
			Opener:   opener,
			Monitor:  st.Monitor,
			Log:      st.Log,
		}
		wg.Add(1)
		go c.Run(ctx, &wg)

		// 分批启动，避免瞬间连接过多
		if (i+1)%50 == 0 {
			time.Sleep(10 * time.Millisecond)
			st.Log.Infof("已启动 %d/%d 客户端...", i+1, st.NumClients)
		}
	}
	st.Log.Infof("所有客户端启动完成，用时: %v", time.Since(startTime))

	wg.Wait()
	close(stopStats)
	st.printFinalStats(time.Since(startTime))
}

// monitorStats 监控统计信息
func (st *StressTest) monitorStats(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	lastChannels := int64(0)
	lastPoints := int64(0)
	lastTime := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		now := time.Now()
		duration := now.Sub(lastTime).Seconds()

		channels := atomic.LoadInt64(&st.Stats.TotalChannels)
		points := atomic.LoadInt64(&st.Stats.TotalPoints)

		st.Log.Infof("活跃客户端: %d | 批次: %d | 失败通道: %d | 重试: %d | 通道/s: %.1f | 点/s: %.0f",
			atomic.LoadInt64(&st.Stats.ActiveClients),
			atomic.LoadInt64(&st.Stats.TotalBatches),
			atomic.LoadInt64(&st.Stats.TotalFailed),
			atomic.LoadInt64(&st.Stats.TotalRetries),
			float64(channels-lastChannels)/duration,
			float64(points-lastPoints)/duration,
		)

		lastChannels = channels
		lastPoints = points
		lastTime = now
	}
}

// printFinalStats 打印最终统计
func (st *StressTest) printFinalStats(elapsed time.Duration) {
	ok := atomic.LoadInt64(&st.Stats.TotalChannels)
	failed := atomic.LoadInt64(&st.Stats.TotalFailed)

	st.Log.Infof("========================================")
	st.Log.Infof("压力测试完成")
	st.Log.Infof("========================================")
	st.Log.Infof("成功连接:   %d", atomic.LoadInt64(&st.Stats.TotalConnected))
	st.Log.Infof("连接失败:   %d", atomic.LoadInt64(&st.Stats.ConnectFailed))
	st.Log.Infof("批量采集:   %d", atomic.LoadInt64(&st.Stats.TotalBatches))
	st.Log.Infof("成功通道:   %d", ok)
	st.Log.Infof("失败通道:   %d", failed)
	st.Log.Infof("重试次数:   %d", atomic.LoadInt64(&st.Stats.TotalRetries))
	st.Log.Infof("采样点数:   %d", atomic.LoadInt64(&st.Stats.TotalPoints))

	if ok+failed > 0 {
		st.Log.Infof("成功率:     %.2f%%", float64(ok)/float64(ok+failed)*100)
	}
	if elapsed > 0 {
		st.Log.Infof("平均通道/s: %.1f", float64(ok)/elapsed.Seconds())
	}
	st.Log.Infof("========================================")
}

func main() {
	// 命令行参数
	address := flag.String("server", "TCPIP::localhost::5025::SOCKET", "模拟仪器地址")
	numClients := flag.Int("clients", 20, "客户端数量")
	interval := flag.Duration("interval", 500*time.Millisecond, "采集间隔")
	duration := flag.Duration("duration", 60*time.Second, "测试时长(0表示直到中断)")
	widthName := flag.String("width", "byte", "采样宽度 (byte, word)")
	metricsPort := flag.Int("metrics", 0, "Prometheus 指标端口(0表示不启动)")
	debug := flag.Bool("debug", false, "调试模式")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	width, err := instrument.ParseWidth(*widthName)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var mon *monitor.Monitor
	if *metricsPort > 0 {
		mon = monitor.NewMonitor(log)
		srv := mon.StartMetricsServer(*metricsPort)
		defer srv.Close()
	}

	st := &StressTest{
		Address:    *address,
		NumClients: *numClients,
		Interval:   *interval,
		Duration:   *duration,
		Channels:   []int{1, 2, 3, 4},
		Width:      width,
		Stats:      &Stats{},
		Monitor:    mon,
		Log:        log,
	}
	st.Run(ctx)
}
