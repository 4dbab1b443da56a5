// Package acquire 按仪器系列的命令序列读取通道波形，处理重试并记录结果
package acquire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/parser"
	"scope-acquisition/internal/scpi"
	"scope-acquisition/internal/transport"
	"scope-acquisition/pkg/protocol"
)

// MaxRetries 每个通道最多重试一次
const MaxRetries = 1

// 分段读取时负载的预分配上限
const maxPrealloc = 1 << 20

// Options 采集参数
type Options struct {
	Name    string
	Retries int
	Monitor *monitor.Monitor
}

// Acquirer 独占一个会话，同一时刻只执行一个通道的命令序列
type Acquirer struct {
	mu      sync.Mutex
	name    string
	session transport.Session
	profile *instrument.Profile
	retries int
	monitor *monitor.Monitor
	log     *logrus.Logger
	last    map[int]*protocol.Waveform
}

func New(session transport.Session, profile *instrument.Profile, opts Options, log *logrus.Logger) *Acquirer {
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	if retries > MaxRetries {
		retries = MaxRetries
	}
	return &Acquirer{
		name:    opts.Name,
		session: session,
		profile: profile,
		retries: retries,
		monitor: opts.Monitor,
		log:     log,
		last:    make(map[int]*protocol.Waveform),
	}
}

// Profile 返回使用的仪器系列
func (a *Acquirer) Profile() *instrument.Profile {
	return a.profile
}

// AcquireChannel 读取一个通道的波形
func (a *Acquirer) AcquireChannel(ctx context.Context, ch int) (*protocol.Waveform, error) {
	r := a.acquire(ctx, ch)
	return r.Waveform, r.Err
}

// AcquireBatch 依次读取每个通道，单个通道失败不影响其他通道
func (a *Acquirer) AcquireBatch(ctx context.Context, channels []int) *protocol.ResultSet {
	rs := protocol.NewResultSet(a.name, a.profile.Name)
	for _, ch := range channels {
		rs.Record(a.acquire(ctx, ch))
	}

	a.log.WithFields(logrus.Fields{
		"instrument": a.name,
		"succeeded":  rs.Succeeded(),
		"failed":     rs.Failed(),
	}).Info("批量采集完成")
	return rs
}

// Last 返回通道最近一次成功采集的波形副本
func (a *Acquirer) Last(ch int) (*protocol.Waveform, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.last[ch]; ok {
		return w.Clone(), nil
	}
	return nil, fmt.Errorf("通道 %d: %w", ch, protocol.ErrNoData)
}

// Close 关闭会话
func (a *Acquirer) Close() error {
	return a.session.Close()
}

// attempt 一次完整命令序列的中间结果
type attempt struct {
	ch       int
	preamble protocol.Preamble
	waveform *protocol.Waveform
	bytes    int
}

func (a *Acquirer) acquire(ctx context.Context, ch int) protocol.ChannelResult {
	result := protocol.ChannelResult{Channel: ch}
	entry := a.log.WithFields(logrus.Fields{
		"instrument": a.name,
		"channel":    ch,
	})

	if err := a.profile.Commands.CheckChannel(ch); err != nil {
		result.Err = err
		entry.Warnf("通道无效: %v", err)
		a.monitor.ObserveChannel(a.name, result, 0, 0)
		return result
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	retriesLeft := a.retries
	total := 0
	var at *attempt
	var err error

	state := StateRequesting
	for !state.Terminal() {
		switch state {
		case StateRequesting:
			result.Attempts++
			at = &attempt{ch: ch}
			err = a.request(ctx, at)
		case StateAwaitingReply:
			err = a.await(ctx, at)
		case StateRetryPending:
			retriesLeft--
			entry.Warnf("传输错误，重新执行命令序列: %v", err)
			a.drain(entry)
		}

		if at != nil {
			total += at.bytes
			at.bytes = 0
		}
		left := retriesLeft
		if ctx.Err() != nil {
			left = 0
		}
		next := Next(state, err, left)
		entry.Debugf("状态 %s -> %s", state, next)
		state = next
	}

	if state == StateDecoded {
		at.waveform.Channel = ch
		result.Waveform = at.waveform
		a.last[ch] = at.waveform.Clone()
		entry.WithField("attempts", result.Attempts).Infof("采集完成: %d 点", at.waveform.Len())
	} else {
		result.Err = err
		entry.WithFields(logrus.Fields{
			"attempts": result.Attempts,
			"kind":     protocol.Kind(err),
		}).Errorf("采集失败: %v", err)
	}

	a.monitor.ObserveChannel(a.name, result, total, time.Since(start))
	return result
}

// request 检查通道开关，设置源和格式并发送前导查询
func (a *Acquirer) request(ctx context.Context, at *attempt) error {
	enc := a.profile.Commands

	cmd, err := enc.Enabled(at.ch)
	if err != nil {
		return err
	}
	reply, err := transport.Query(ctx, a.session, cmd)
	if err != nil {
		return err
	}
	on, err := scpi.ParseSwitch(reply)
	if err != nil {
		return err
	}
	if !on {
		return fmt.Errorf("通道 %d 未开启: %w", at.ch, protocol.ErrChannelDisabled)
	}

	if cmd, err = enc.Select(at.ch); err != nil {
		return err
	}
	cmds := []string{cmd}
	format, err := enc.Format(a.profile.Format)
	if err != nil {
		return err
	}
	cmds = append(cmds, format...)
	if enc.Chunked() {
		// 复位读取窗口为全部点
		cmds = append(cmds, enc.Window(0, 0)...)
	}
	if cmd, err = enc.Preamble(at.ch); err != nil {
		return err
	}
	cmds = append(cmds, cmd)

	for _, c := range cmds {
		if err := a.session.Write(ctx, []byte(c)); err != nil {
			return err
		}
	}
	return nil
}

// await 读取并解析前导，再读取数据块并标定
func (a *Acquirer) await(ctx context.Context, at *attempt) error {
	var raw []byte
	var err error
	if a.profile.BinaryPreamble {
		raw, err = a.session.ReadBlock(ctx, 0)
	} else {
		raw, err = a.session.ReadLine(ctx)
	}
	if err != nil {
		return err
	}
	at.bytes += len(raw)

	at.preamble, err = a.profile.Preamble.DecodePreamble(raw)
	if err != nil {
		return err
	}
	if at.preamble.ADCBits > 8 && a.profile.Format.Width == protocol.WidthByte {
		a.log.WithFields(logrus.Fields{
			"instrument": a.name,
			"channel":    at.ch,
		}).Warnf("仪器 ADC 为 %d 位，BYTE 传输会丢失精度，建议使用 WORD", at.preamble.ADCBits)
	}

	payload, err := a.readData(ctx, at)
	if err != nil {
		return err
	}

	at.waveform, err = a.profile.Decoder().DecodePayload(at.preamble, payload)
	return err
}

// readData 读取数据块负载，点数超过单次上限时分段读取
func (a *Acquirer) readData(ctx context.Context, at *attempt) ([]byte, error) {
	enc := a.profile.Commands
	width := a.profile.Format.Width
	points := at.preamble.Points

	chunk := 0
	if enc.Chunked() && points > 0 {
		reply, err := transport.Query(ctx, a.session, enc.MaxPoints())
		if err != nil {
			return nil, err
		}
		v, err := scpi.ParseNumber(reply)
		if err != nil {
			return nil, err
		}
		chunk = int(v)
	}

	if chunk <= 0 || points <= chunk {
		return a.readBlock(ctx, at, points*width)
	}

	payload := make([]byte, 0, min(points*width, maxPrealloc))
	for start := 0; start < points; start += chunk {
		count := min(chunk, points-start)
		for _, c := range enc.Window(start, count) {
			if err := a.session.Write(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
		part, err := a.readBlock(ctx, at, count*width)
		if err != nil {
			return nil, fmt.Errorf("分段 %d+%d: %w", start, count, err)
		}
		payload = append(payload, part...)
	}
	return payload, nil
}

func (a *Acquirer) readBlock(ctx context.Context, at *attempt, hint int) ([]byte, error) {
	cmd, err := a.profile.Commands.Data(at.ch)
	if err != nil {
		return nil, err
	}
	if err := a.session.Write(ctx, []byte(cmd)); err != nil {
		return nil, err
	}
	raw, err := a.session.ReadBlock(ctx, hint)
	if err != nil {
		return nil, err
	}
	at.bytes += len(raw)
	return parser.ParseBlock(raw)
}

func (a *Acquirer) drain(entry *logrus.Entry) {
	d, ok := a.session.(transport.Drainer)
	if !ok {
		return
	}
	if err := d.Drain(); err != nil {
		entry.Debugf("清空输入失败: %v", err)
	}
}
