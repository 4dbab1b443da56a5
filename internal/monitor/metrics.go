package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"scope-acquisition/pkg/protocol"
)

// 采集结果
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Monitor 持有独立的指标注册表。所有方法对 nil 接收者安全
type Monitor struct {
	log      *logrus.Logger
	registry *prometheus.Registry

	// 采集指标
	acquisitions *prometheus.CounterVec
	retries      *prometheus.CounterVec
	bytesRead    *prometheus.CounterVec
	errors       *prometheus.CounterVec
	duration     *prometheus.HistogramVec

	// 存储指标
	published *prometheus.CounterVec

	// 模拟器连接指标
	activeConnections prometheus.Gauge
	totalConnections  prometheus.Counter
	commands          *prometheus.CounterVec
	bytesSent         prometheus.Counter

	// 运行时指标
	goroutineCount prometheus.Gauge
	memoryUsage    prometheus.Gauge
}

func NewMonitor(log *logrus.Logger) *Monitor {
	m := &Monitor{
		log:      log,
		registry: prometheus.NewRegistry(),

		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_acquisitions_total",
			Help: "通道采集次数",
		}, []string{"instrument", "channel", "outcome"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_acquisition_retries_total",
			Help: "传输错误后的重试次数",
		}, []string{"instrument"}),

		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_bytes_read_total",
			Help: "读取的数据块字节数",
		}, []string{"instrument"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_acquisition_errors_total",
			Help: "按类型统计的采集错误",
		}, []string{"kind"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scope_acquisition_duration_seconds",
			Help:    "单通道采集耗时",
			Buckets: prometheus.DefBuckets,
		}, []string{"instrument"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scope_records_published_total",
			Help: "发布到 Redis 的采集记录",
		}, []string{"outcome"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scopesim_active_connections",
			Help: "当前活跃连接数",
		}),

		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scopesim_total_connections",
			Help: "总连接数",
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopesim_commands_total",
			Help: "模拟器处理的命令数",
		}, []string{"type"}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scopesim_bytes_sent_total",
			Help: "模拟器发送的字节总数",
		}),

		goroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scope_goroutines",
			Help: "当前Goroutine数量",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scope_memory_usage_bytes",
			Help: "内存使用量",
		}),
	}

	m.registry.MustRegister(
		m.acquisitions,
		m.retries,
		m.bytesRead,
		m.errors,
		m.duration,
		m.published,
		m.activeConnections,
		m.totalConnections,
		m.commands,
		m.bytesSent,
		m.goroutineCount,
		m.memoryUsage,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry 返回指标注册表
func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveChannel 记录一个通道的采集结果
func (m *Monitor) ObserveChannel(instrument string, r protocol.ChannelResult, bytes int, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if !r.OK() {
		outcome = OutcomeFailed
		m.errors.WithLabelValues(protocol.Kind(r.Err)).Inc()
	}
	m.acquisitions.WithLabelValues(instrument, strconv.Itoa(r.Channel), outcome).Inc()
	if r.Attempts > 1 {
		m.retries.WithLabelValues(instrument).Add(float64(r.Attempts - 1))
	}
	m.bytesRead.WithLabelValues(instrument).Add(float64(bytes))
	m.duration.WithLabelValues(instrument).Observe(d.Seconds())
}

// ObservePublish 记录一次存储发布
func (m *Monitor) ObservePublish(n int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.published.WithLabelValues(OutcomeFailed).Add(float64(n))
		return
	}
	m.published.WithLabelValues(OutcomeOK).Add(float64(n))
}

// ConnectionOpened 模拟器接受新连接
func (m *Monitor) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.totalConnections.Inc()
}

// ConnectionClosed 模拟器连接关闭
func (m *Monitor) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// CommandHandled 模拟器处理了一条命令，sent 为应答字节数
func (m *Monitor) CommandHandled(query bool, sent int) {
	if m == nil {
		return
	}
	kind := "command"
	if query {
		kind = "query"
	}
	m.commands.WithLabelValues(kind).Inc()
	m.bytesSent.Add(float64(sent))
}

// StartMetricsServer 启动Metrics HTTP服务器。nil 接收者不启动，返回 nil
func (m *Monitor) StartMetricsServer(port int) *http.Server {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
	return srv
}

// StartRuntimeMonitor 启动运行时监控，ctx 结束时停止
func (m *Monitor) StartRuntimeMonitor(ctx context.Context) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m.sampleRuntime()
		}
	}()
}

func (m *Monitor) sampleRuntime() {
	// 更新Goroutine数量
	m.goroutineCount.Set(float64(runtime.NumGoroutine()))

	// 更新内存使用
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryUsage.Set(float64(memStats.Alloc))

	m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
		runtime.NumGoroutine(),
		float64(memStats.Alloc)/1024/1024,
	)
}
