package task

import (
	"testing"
	"time"
)

func TestSpeedMeterKeepsLastTenSamples(t *testing.T) {
	var m speedMeter
	start := time.Unix(0, 0)
	m.reset(start, 0)

	// One second apart: sample i reports i*1000 bytes/s.
	var total int64
	for i := 1; i <= 12; i++ {
		total += int64(i * 1000)
		m.sample(start.Add(time.Duration(i)*time.Second), total)
	}
	if m.speed != 12_000 {
		t.Fatalf("instantaneous speed = %d, want 12000", m.speed)
	}
	if len(m.samples) != maxSpeedSamples {
		t.Fatalf("kept %d samples, want %d", len(m.samples), maxSpeedSamples)
	}
	// Mean of 3000..12000.
	if m.smoothed != 7_500 {
		t.Fatalf("smoothed speed = %d, want 7500", m.smoothed)
	}
	if got := m.eta(15_000); got != 2*time.Second {
		t.Fatalf("eta = %v, want 2s", got)
	}
}

func TestSpeedMeterIgnoresZeroInterval(t *testing.T) {
	var m speedMeter
	now := time.Unix(100, 0)
	m.reset(now, 0)
	m.sample(now, 500)
	if m.speed != 0 || len(m.samples) != 0 {
		t.Fatalf("zero interval should not produce a sample: %+v", m)
	}
	if m.eta(100) != 0 {
		t.Fatalf("eta without samples should be 0")
	}
}
