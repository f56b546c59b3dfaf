package zello

import (
	"testing"
	"time"
)

func TestWithJitterBounds(t *testing.T) {
	const d = 8 * time.Second
	for range 1000 {
		got := withJitter(d)
		if got < d/2 || got > d {
			t.Fatalf("withJitter(%v) = %v, want within [%v, %v]", d, got, d/2, d)
		}
	}
}

func TestWithJitterTinyDelay(t *testing.T) {
	for _, d := range []time.Duration{0, 1} {
		if got := withJitter(d); got != d {
			t.Errorf("withJitter(%v) = %v, want unchanged", d, got)
		}
	}
}
