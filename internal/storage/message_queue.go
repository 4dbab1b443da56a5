package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"scope-acquisition/internal/config"
	"scope-acquisition/pkg/protocol"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Record 一个通道的采集记录。成功时带波形，失败时带错误信息
type Record struct {
	ID         string    `json:"id" msgpack:"id"`
	Instrument string    `json:"instrument" msgpack:"instrument"`
	Profile    string    `json:"profile" msgpack:"profile"`
	Channel    int       `json:"channel" msgpack:"channel"`
	Timestamp  time.Time `json:"timestamp" msgpack:"timestamp"`
	Attempts   int       `json:"attempts" msgpack:"attempts"`
	Points     int       `json:"points" msgpack:"points"`

	Preamble *protocol.Preamble `json:"preamble,omitempty" msgpack:"preamble,omitempty"`
	Time     []float64          `json:"time,omitempty" msgpack:"time,omitempty"`
	Voltage  []float64          `json:"voltage,omitempty" msgpack:"voltage,omitempty"`

	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
	Kind  string `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

// NewRecords 把结果集按请求顺序转换为记录
func NewRecords(rs *protocol.ResultSet) []*Record {
	records := make([]*Record, 0, len(rs.Order))
	for _, ch := range rs.Order {
		r := rs.Results[ch]
		rec := &Record{
			ID:         uuid.NewString(),
			Instrument: rs.Instrument,
			Profile:    rs.Profile,
			Channel:    ch,
			Timestamp:  rs.AcquiredAt,
			Attempts:   r.Attempts,
		}
		if r.OK() {
			p := r.Waveform.Preamble
			rec.Preamble = &p
			rec.Points = r.Waveform.Len()
			rec.Time = r.Waveform.Time
			rec.Voltage = r.Waveform.Voltage
		} else {
			rec.Error = r.Err.Error()
			rec.Kind = protocol.Kind(r.Err)
		}
		records = append(records, rec)
	}
	return records
}

// ListKey 通道记录列表的键
func ListKey(instrument string, ch int) string {
	return fmt.Sprintf("waveform:%s:ch%d", instrument, ch)
}

// MessageQueue 把采集记录发布到 Redis Pub/Sub，并保存到按通道划分的定长列表
type MessageQueue struct {
	client    *redis.Client
	channel   string
	codec     string
	listLimit int
	log       *logrus.Logger
}

func NewMessageQueue(cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Info("Redis连接成功")

	codec := cfg.Codec
	if codec == "" {
		codec = CodecJSON
	}
	limit := cfg.ListLimit
	if limit <= 0 {
		limit = 100
	}

	return &MessageQueue{
		client:    client,
		channel:   cfg.Channel,
		codec:     codec,
		listLimit: limit,
		log:       log,
	}, nil
}

func (mq *MessageQueue) encode(rec *Record) ([]byte, error) {
	if mq.codec == CodecMsgpack {
		return msgpack.Marshal(rec)
	}
	return json.Marshal(rec)
}

func (mq *MessageQueue) decode(data []byte) (*Record, error) {
	var rec Record
	var err error
	if mq.codec == CodecMsgpack {
		err = msgpack.Unmarshal(data, &rec)
	} else {
		err = json.Unmarshal(data, &rec)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Publish 发布一条记录
func (mq *MessageQueue) Publish(ctx context.Context, rec *Record) error {
	return mq.PublishBatch(ctx, []*Record{rec})
}

// PublishBatch 在一个 pipeline 中发布多条记录
func (mq *MessageQueue) PublishBatch(ctx context.Context, records []*Record) error {
	pipe := mq.client.Pipeline()

	for _, rec := range records {
		data, err := mq.encode(rec)
		if err != nil {
			mq.log.Errorf("序列化记录失败 [%s ch%d]: %v", rec.Instrument, rec.Channel, err)
			continue
		}

		// 发布到Redis Pub/Sub
		pipe.Publish(ctx, mq.channel, data)

		// 同时保存到Redis List，只保留最近 listLimit 条
		key := ListKey(rec.Instrument, rec.Channel)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(mq.listLimit-1))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("发布记录失败: %w", err)
	}
	return nil
}

// PublishResultSet 发布结果集中每个通道的记录
func (mq *MessageQueue) PublishResultSet(ctx context.Context, rs *protocol.ResultSet) (int, error) {
	records := NewRecords(rs)
	if err := mq.PublishBatch(ctx, records); err != nil {
		return 0, err
	}
	mq.log.Debugf("已发布 %d 条记录 [%s]", len(records), rs.Instrument)
	return len(records), nil
}

// Recent 返回通道最近的 n 条记录，新记录在前
func (mq *MessageQueue) Recent(ctx context.Context, instrument string, ch, n int) ([]*Record, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := mq.client.LRange(ctx, ListKey(instrument, ch), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取记录失败: %w", err)
	}

	records := make([]*Record, 0, len(items))
	for _, item := range items {
		rec, err := mq.decode([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("反序列化记录失败: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}
