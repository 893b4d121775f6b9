package attnflow

import "math"

// Metric accumulates a scalar statistic over a training epoch.
type Metric interface {
	Reset()
	Update(v float64)
	Result() float64
	Name() string
}

// MeanMetric - running arithmetic mean
type MeanMetric struct {
	name  string
	sum   float64
	count int
}

func RunningMean(name string) Metric { return &MeanMetric{name: name} }

func (m *MeanMetric) Reset() {
	m.sum = 0
	m.count = 0
}

func (m *MeanMetric) Update(v float64) {
	m.sum += v
	m.count++
}

func (m *MeanMetric) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *MeanMetric) Name() string { return m.name }

// MaxMetric - running maximum, 0 before the first update
type MaxMetric struct {
	name string
	max  float64
	seen bool
}

func RunningMax(name string) Metric { return &MaxMetric{name: name} }

func (m *MaxMetric) Reset() {
	m.max = 0
	m.seen = false
}

func (m *MaxMetric) Update(v float64) {
	if !m.seen {
		m.max, m.seen = v, true
		return
	}
	m.max = math.Max(m.max, v)
}

func (m *MaxMetric) Result() float64 { return m.max }

func (m *MaxMetric) Name() string { return m.name }
