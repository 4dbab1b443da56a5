package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/config"
	"scope-acquisition/pkg/protocol"
)

func newQueue(t *testing.T, codec string, limit int) (*MessageQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	mq, err := NewMessageQueue(config.RedisConfig{
		Addr:      mr.Addr(),
		PoolSize:  2,
		Channel:   "waveforms",
		Codec:     codec,
		ListLimit: limit,
	}, log)
	if err != nil {
		t.Fatalf("NewMessageQueue: %v", err)
	}
	t.Cleanup(func() { mq.Close() })
	return mq, mr
}

func sampleResultSet() *protocol.ResultSet {
	rs := protocol.NewResultSet("bench1", "siglent")
	rs.AcquiredAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rs.Record(protocol.ChannelResult{
		Channel: 1,
		Waveform: &protocol.Waveform{
			Channel:  1,
			Preamble: protocol.Preamble{Points: 3, XIncrement: 1e-6, YIncrement: 0.02},
			Time:     []float64{0, 1e-6, 2e-6},
			Voltage:  []float64{0.1, 0.2, -0.1},
		},
		Attempts: 1,
	})
	rs.Record(protocol.ChannelResult{
		Channel:  2,
		Err:      fmt.Errorf("通道 2 未开启: %w", protocol.ErrChannelDisabled),
		Attempts: 1,
	})
	return rs
}

func TestPublishResultSet(t *testing.T) {
	for _, codec := range []string{CodecJSON, CodecMsgpack} {
		t.Run(codec, func(t *testing.T) {
			mq, _ := newQueue(t, codec, 10)
			ctx := context.Background()

			n, err := mq.PublishResultSet(ctx, sampleResultSet())
			if err != nil || n != 2 {
				t.Fatalf("PublishResultSet = %d, %v", n, err)
			}

			recs, err := mq.Recent(ctx, "bench1", 1, 5)
			if err != nil || len(recs) != 1 {
				t.Fatalf("Recent ch1 = %d, %v", len(recs), err)
			}
			r := recs[0]
			if r.ID == "" || r.Points != 3 || len(r.Voltage) != 3 || r.Voltage[2] != -0.1 {
				t.Errorf("ch1 record = %+v", r)
			}
			if r.Preamble == nil || r.Preamble.YIncrement != 0.02 {
				t.Errorf("ch1 preamble = %+v", r.Preamble)
			}
			if !r.Timestamp.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
				t.Errorf("timestamp = %v", r.Timestamp)
			}

			recs, err = mq.Recent(ctx, "bench1", 2, 5)
			if err != nil || len(recs) != 1 {
				t.Fatalf("Recent ch2 = %d, %v", len(recs), err)
			}
			if recs[0].Kind != "channel_disabled" || recs[0].Error == "" || recs[0].Voltage != nil {
				t.Errorf("ch2 record = %+v", recs[0])
			}
		})
	}
}

func TestListTrimmed(t *testing.T) {
	mq, mr := newQueue(t, CodecJSON, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := mq.Publish(ctx, &Record{ID: fmt.Sprint(i), Instrument: "bench1", Channel: 4}); err != nil {
			t.Fatal(err)
		}
	}

	items, err := mr.List(ListKey("bench1", 4))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("list length = %d", len(items))
	}
	var newest Record
	if err := json.Unmarshal([]byte(items[0]), &newest); err != nil || newest.ID != "4" {
		t.Errorf("newest = %+v, %v", newest, err)
	}
}

func TestPublishSubscribe(t *testing.T) {
	mq, _ := newQueue(t, CodecJSON, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := mq.client.Subscribe(ctx, "waveforms")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := mq.PublishResultSet(ctx, sampleResultSet()); err != nil {
		t.Fatal(err)
	}

	for _, want := range []int{1, 2} {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil || rec.Channel != want {
			t.Errorf("message = %+v, %v; want channel %d", rec, err, want)
		}
	}
}

func TestNewMessageQueueUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	if _, err := NewMessageQueue(config.RedisConfig{Addr: addr}, log); err == nil {
		t.Error("expected connection error")
	}
}

func TestRecentEmpty(t *testing.T) {
	mq, _ := newQueue(t, CodecMsgpack, 10)
	recs, err := mq.Recent(context.Background(), "nobody", 1, 10)
	if err != nil || len(recs) != 0 {
		t.Errorf("Recent = %v, %v", recs, err)
	}
}
