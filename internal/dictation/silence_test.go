package dictation

import (
	"math"
	"testing"
)

func TestAverageVolume(t *testing.T) {
	cases := []struct {
		name  string
		frame []byte
		want  float64
	}{
		{"empty", nil, 0},
		{"flat", []byte{128, 128, 128, 128}, 0},
		{"symmetric", []byte{138, 118, 138, 118}, 10},
		{"extremes", []byte{0, 255}, 127.5},
	}
	for _, tc := range cases {
		if got := averageVolume(tc.frame); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestAlternatingSamplesNeverStackTimers(t *testing.T) {
	h := newHarness(t)
	h.audio.level = quiet
	h.startActive(t)
	g := h.audio.last()

	levels := []byte{quiet, quiet, speaking, quiet, speaking, speaking, quiet, quiet, quiet, speaking}
	for round := 0; round < 10; round++ {
		for _, lvl := range levels {
			g.level = lvl
			h.host.step()
			pending := h.host.pendingTimers()
			if pending > 1 {
				t.Fatalf("round %d: %d timers pending", round, pending)
			}
			if lvl == speaking && pending != 0 {
				t.Fatalf("round %d: speech left a timer pending", round)
			}
		}
	}
}
