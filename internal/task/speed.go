package task

import "time"

const maxSpeedSamples = 10

// speedMeter turns periodic byte counts into an instantaneous rate and a
// smoothed rate over the last maxSpeedSamples samples.
type speedMeter struct {
	lastAt    time.Time
	lastBytes int64
	samples   []int64
	speed     int64
	smoothed  int64
}

func (m *speedMeter) reset(now time.Time, bytes int64) {
	m.lastAt = now
	m.lastBytes = bytes
	m.samples = m.samples[:0]
	m.speed = 0
	m.smoothed = 0
}

func (m *speedMeter) sample(now time.Time, bytes int64) {
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	m.speed = int64(float64(bytes-m.lastBytes) / dt)
	m.lastAt = now
	m.lastBytes = bytes

	m.samples = append(m.samples, m.speed)
	if len(m.samples) > maxSpeedSamples {
		m.samples = m.samples[1:]
	}
	var sum int64
	for _, s := range m.samples {
		sum += s
	}
	m.smoothed = sum / int64(len(m.samples))
}

// eta projects the time needed for remaining bytes at the smoothed rate.
func (m *speedMeter) eta(remaining int64) time.Duration {
	if m.smoothed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / float64(m.smoothed) * float64(time.Second))
}
