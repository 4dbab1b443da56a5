package server

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"scope-acquisition/internal/acquire"
	"scope-acquisition/internal/config"
	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/monitor"
	"scope-acquisition/internal/transport"
	"scope-acquisition/pkg/protocol"
)

func startServer(t *testing.T, cfg config.SimulatorConfig) (*TCPServer, *monitor.Monitor, *logrus.Logger) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	mon := monitor.NewMonitor(log)

	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	srv, err := NewTCPServer(cfg, mon, log)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown(2 * time.Second) })
	return srv, mon, log
}

func dial(t *testing.T, srv *TCPServer, timeout time.Duration) transport.Session {
	t.Helper()
	s, err := transport.NewDialer(timeout, 0, nil).Open(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewTCPServerInvalidProfile(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	if _, err := NewTCPServer(config.SimulatorConfig{Profile: "tek"}, nil, log); err == nil {
		t.Error("expected error")
	}
}

func TestAcquireOverTCP(t *testing.T) {
	for _, profile := range []string{instrument.ProfileSiglent, instrument.ProfileKeysight} {
		t.Run(profile, func(t *testing.T) {
			srv, mon, log := startServer(t, config.SimulatorConfig{
				Profile:          profile,
				MaxConnections:   4,
				Points:           2400,
				MaxPoints:        1000,
				DisabledChannels: []int{3},
			})
			s := dial(t, srv, time.Second)

			idn, err := transport.Query(context.Background(), s, protocol.QueryIdentity)
			if err != nil {
				t.Fatal(err)
			}
			detected, err := instrument.Detect(idn)
			if err != nil || detected != profile {
				t.Fatalf("Detect(%q) = %q, %v", idn, detected, err)
			}

			p, err := instrument.New(detected, protocol.WidthWord)
			if err != nil {
				t.Fatal(err)
			}
			acq := acquire.New(s, p, acquire.Options{Name: "sim", Retries: 1}, log)
			rs := acq.AcquireBatch(context.Background(), []int{1, 3, 4})

			for _, ch := range []int{1, 4} {
				r := rs.Results[ch]
				if !r.OK() || r.Waveform.Len() != 2400 {
					t.Errorf("channel %d: %+v", ch, r)
				}
			}
			if !errors.Is(rs.Results[3].Err, protocol.ErrChannelDisabled) {
				t.Errorf("channel 3: %v", rs.Results[3].Err)
			}
			if n, err := testutil.GatherAndCount(mon.Registry(), "scopesim_commands_total"); err != nil || n != 2 {
				t.Errorf("command series = %d, %v", n, err)
			}
		})
	}
}

func TestRetryAfterDroppedReplyOverTCP(t *testing.T) {
	srv, _, log := startServer(t, config.SimulatorConfig{Profile: "siglent", MaxConnections: 2, Points: 500})
	s := dial(t, srv, 200*time.Millisecond)

	if err := s.Write(context.Background(), []byte("SIM:FAULT drop")); err != nil {
		t.Fatal(err)
	}
	p, _ := instrument.New(instrument.ProfileSiglent, protocol.WidthByte)
	acq := acquire.New(s, p, acquire.Options{Name: "sim", Retries: 1}, log)

	rs := acq.AcquireBatch(context.Background(), []int{2})
	r := rs.Results[2]
	if !r.OK() || r.Attempts != 2 {
		t.Errorf("result = %+v", r)
	}
}

func TestTruncatedBlockOverTCP(t *testing.T) {
	srv, _, log := startServer(t, config.SimulatorConfig{Profile: "keysight", MaxConnections: 2, Points: 500})
	s := dial(t, srv, 200*time.Millisecond)

	s.Write(context.Background(), []byte("SIM:FAULT truncate"))
	p, _ := instrument.New(instrument.ProfileKeysight, protocol.WidthByte)
	acq := acquire.New(s, p, acquire.Options{Name: "sim", Retries: 1}, log)

	_, err := acq.AcquireChannel(context.Background(), 1)
	if !errors.Is(err, protocol.ErrFraming) {
		t.Errorf("err = %v, want ErrFraming", err)
	}
}

func TestMaxConnections(t *testing.T) {
	srv, mon, _ := startServer(t, config.SimulatorConfig{Profile: "siglent", MaxConnections: 1})

	first := dial(t, srv, time.Second)
	if _, err := transport.Query(context.Background(), first, "*IDN?"); err != nil {
		t.Fatal(err)
	}

	second := dial(t, srv, 300*time.Millisecond)
	_, err := transport.Query(context.Background(), second, "*IDN?")
	if !errors.Is(err, protocol.ErrRead) && !errors.Is(err, protocol.ErrWrite) {
		t.Errorf("second connection err = %v", err)
	}

	expected := `
# HELP scopesim_total_connections 总连接数
# TYPE scopesim_total_connections counter
scopesim_total_connections 1
`
	if err := testutil.GatherAndCompare(mon.Registry(), strings.NewReader(expected), "scopesim_total_connections"); err != nil {
		t.Error(err)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, _, _ := startServer(t, config.SimulatorConfig{Profile: "siglent", MaxConnections: 2})
	s := dial(t, srv, time.Second)
	if _, err := transport.Query(context.Background(), s, "*IDN?"); err != nil {
		t.Fatal(err)
	}

	if err := srv.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := transport.Query(context.Background(), s, "*IDN?"); err == nil {
		t.Error("query succeeded after shutdown")
	}
}
