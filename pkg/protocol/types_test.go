package protocol

import "testing"

func TestWaveformClone(t *testing.T) {
	w := &Waveform{Channel: 2, Time: []float64{0, 1}, Voltage: []float64{0.5, 0.25}}
	c := w.Clone()

	c.Time[0] = 9
	c.Voltage[1] = 9
	if w.Time[0] != 0 || w.Voltage[1] != 0.25 {
		t.Errorf("original changed: %+v", w)
	}
	if c.Channel != 2 || c.Len() != 2 {
		t.Errorf("clone = %+v", c)
	}
}
