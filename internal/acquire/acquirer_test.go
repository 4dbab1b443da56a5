package acquire

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"scope-acquisition/internal/instrument"
	"scope-acquisition/internal/simulator"
	"scope-acquisition/pkg/protocol"
)

type fixture struct {
	acq     *Acquirer
	session *simulator.Session
	hook    *test.Hook
}

func newFixture(t *testing.T, opts simulator.Options, width, retries int) *fixture {
	t.Helper()
	inst, err := simulator.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	profile, err := instrument.New(opts.Profile, width)
	if err != nil {
		t.Fatal(err)
	}
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	s := simulator.NewSession(inst)
	return &fixture{
		acq:     New(s, profile, Options{Name: "scope1", Retries: retries}, log),
		session: s,
		hook:    hook,
	}
}

func (f *fixture) inject(faults ...simulator.Fault) {
	for _, fl := range faults {
		f.session.Instrument().Inject(fl)
	}
}

func (f *fixture) warned(substr string) bool {
	for _, e := range f.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestAcquireSiglentChannel(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 500}, protocol.WidthByte, 1)

	w, err := f.acq.AcquireChannel(context.Background(), 2)
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if w.Channel != 2 || w.Len() != 500 || len(w.Time) != 500 {
		t.Fatalf("waveform channel=%d len=%d", w.Channel, w.Len())
	}

	sig := simulator.Signal{Amplitude: 0.8, Frequency: 2e3, Phase: math.Pi / 4}
	for i := 0; i < w.Len(); i += 25 {
		if diff := math.Abs(w.Voltage[i] - sig.At(w.Time[i])); diff > 0.02 {
			t.Errorf("voltage[%d] = %g, want %g", i, w.Voltage[i], sig.At(w.Time[i]))
		}
	}
	if math.Abs(w.Time[0]+5e-3) > 1e-12 {
		t.Errorf("time[0] = %g", w.Time[0])
	}
}

func TestAcquireKeysightWord(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "keysight", Points: 300}, protocol.WidthWord, 1)

	w, err := f.acq.AcquireChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if w.Preamble.YReference != 32768 || w.Len() != 300 {
		t.Errorf("preamble = %+v, len = %d", w.Preamble, w.Len())
	}

	cmds := f.session.Commands()
	want := []string{
		":CHANnel1:DISPlay?",
		":WAVeform:SOURce CHANnel1",
		":WAVeform:FORMat WORD",
		":WAVeform:UNSigned ON",
		":WAVeform:BYTeorder MSBFirst",
		":WAVeform:PREamble?",
		":WAVeform:DATA?",
	}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Errorf("commands = %q", cmds)
	}
}

func TestAcquireChunked(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 2500, MaxPoints: 1000}, protocol.WidthByte, 1)

	w, err := f.acq.AcquireChannel(context.Background(), 1)
	if err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}
	if w.Len() != 2500 {
		t.Fatalf("len = %d", w.Len())
	}

	cmds := strings.Join(f.session.Commands(), "|")
	for _, c := range []string{
		":WAVeform:MAXPoint?",
		":WAVeform:POINt 1000|:WAVeform:STARt 0|:WAVeform:DATA?",
		":WAVeform:POINt 1000|:WAVeform:STARt 1000|:WAVeform:DATA?",
		":WAVeform:POINt 500|:WAVeform:STARt 2000|:WAVeform:DATA?",
	} {
		if !strings.Contains(cmds, c) {
			t.Errorf("missing %q in %s", c, cmds)
		}
	}

	// 分段拼接后与仪器一次性码值一致
	codes := f.session.Instrument().Codes()
	p := w.Preamble
	for i := 0; i < len(codes); i += 100 {
		want := (float64(codes[i])-float64(p.YReference))*p.YIncrement + p.YOrigin
		if w.Voltage[i] != want {
			t.Errorf("voltage[%d] = %g, want %g", i, w.Voltage[i], want)
		}
	}
}

func TestAcquireBatchDisabledChannel(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 100, Disabled: []int{2}}, protocol.WidthByte, 1)

	rs := f.acq.AcquireBatch(context.Background(), []int{1, 2})

	if len(rs.Order) != 2 || rs.Order[0] != 1 || rs.Order[1] != 2 {
		t.Fatalf("order = %v", rs.Order)
	}
	if !rs.Results[1].OK() {
		t.Errorf("channel 1: %v", rs.Results[1].Err)
	}
	r2 := rs.Results[2]
	if !errors.Is(r2.Err, protocol.ErrChannelDisabled) || r2.Waveform != nil {
		t.Errorf("channel 2 = %+v", r2)
	}
	if r2.Attempts != 1 {
		t.Errorf("disabled channel attempts = %d", r2.Attempts)
	}
	if rs.Instrument != "scope1" || rs.Profile != instrument.ProfileSiglent {
		t.Errorf("result set = %s/%s", rs.Instrument, rs.Profile)
	}
}

func TestAcquireRetryOnTimeout(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 100}, protocol.WidthByte, 1)
	f.inject(simulator.FaultDrop)

	rs := f.acq.AcquireBatch(context.Background(), []int{1})
	r := rs.Results[1]
	if !r.OK() {
		t.Fatalf("err = %v", r.Err)
	}
	if r.Attempts != 2 {
		t.Errorf("attempts = %d", r.Attempts)
	}
	if !f.warned("重新执行") {
		t.Error("retry not logged")
	}
}

func TestAcquireRetryExhausted(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "keysight", Points: 100}, protocol.WidthByte, 1)
	f.inject(simulator.FaultDrop, simulator.FaultDrop)

	_, err := f.acq.AcquireChannel(context.Background(), 1)
	if !errors.Is(err, protocol.ErrRead) {
		t.Fatalf("err = %v, want ErrRead", err)
	}
	if _, err := f.acq.Last(1); !errors.Is(err, protocol.ErrNoData) {
		t.Errorf("Last err = %v", err)
	}
}

func TestAcquireNoRetry(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 100}, protocol.WidthByte, 0)
	f.inject(simulator.FaultDrop)

	rs := f.acq.AcquireBatch(context.Background(), []int{1})
	if r := rs.Results[1]; !errors.Is(r.Err, protocol.ErrRead) || r.Attempts != 1 {
		t.Errorf("result = %+v", r)
	}
}

func TestAcquireFramingNotRetried(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "keysight", Points: 100}, protocol.WidthByte, 1)
	f.inject(simulator.FaultTruncate)

	rs := f.acq.AcquireBatch(context.Background(), []int{1})
	r := rs.Results[1]
	if !errors.Is(r.Err, protocol.ErrFraming) {
		t.Fatalf("err = %v, want ErrFraming", r.Err)
	}
	if r.Attempts != 1 {
		t.Errorf("attempts = %d", r.Attempts)
	}
}

func TestAcquireMalformedPreamble(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 100}, protocol.WidthByte, 1)
	f.inject(simulator.FaultCorruptPreamble)

	_, err := f.acq.AcquireChannel(context.Background(), 3)
	if !errors.Is(err, protocol.ErrMalformedPreamble) {
		t.Errorf("err = %v, want ErrMalformedPreamble", err)
	}
}

func TestAcquireInvalidChannel(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent"}, protocol.WidthByte, 1)

	for _, ch := range []int{0, 5, -1} {
		_, err := f.acq.AcquireChannel(context.Background(), ch)
		if !errors.Is(err, protocol.ErrInvalidChannel) {
			t.Errorf("ch %d: err = %v", ch, err)
		}
	}
	if cmds := f.session.Commands(); len(cmds) != 0 {
		t.Errorf("commands sent for invalid channel: %q", cmds)
	}
}

func TestAcquireCancelled(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent"}, protocol.WidthByte, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rs := f.acq.AcquireBatch(ctx, []int{1})
	if r := rs.Results[1]; !errors.Is(r.Err, protocol.ErrWrite) || r.Attempts != 1 {
		t.Errorf("result = %+v", r)
	}
}

func TestLastWaveform(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "keysight", Points: 50}, protocol.WidthByte, 1)

	if _, err := f.acq.Last(1); !errors.Is(err, protocol.ErrNoData) {
		t.Fatalf("err = %v", err)
	}
	w, err := f.acq.AcquireChannel(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	last, err := f.acq.Last(1)
	if err != nil {
		t.Fatal(err)
	}
	if last.Channel != 1 || last.Len() != w.Len() || last.Voltage[0] != w.Voltage[0] || last.Time[10] != w.Time[10] {
		t.Errorf("Last = %+v", last)
	}

	// 调用方修改返回的数组不影响保存的波形
	want := w.Voltage[0]
	w.Voltage[0] = 12345
	w.Time[0] = 12345
	last.Voltage[1] = 12345
	again, _ := f.acq.Last(1)
	if again.Voltage[0] != want || again.Time[0] == 12345 || again.Voltage[1] == 12345 {
		t.Errorf("stored waveform changed through returned arrays: %v", again.Voltage[:2])
	}
}

func TestADCBitsWarning(t *testing.T) {
	f := newFixture(t, simulator.Options{Profile: "siglent", Points: 50, ADCBits: 10}, protocol.WidthByte, 1)

	if _, err := f.acq.AcquireChannel(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if !f.warned("ADC") {
		t.Error("missing ADC resolution warning")
	}
}
