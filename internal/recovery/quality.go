package recovery

import (
	"math"
	"sync"
)

// Latency buckets. Unknown is reported until the first sample arrives.
const (
	QualityUnknown   = "unknown"
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// jitterWindow is how many recent samples feed the jitter estimate.
const jitterWindow = 20

// QualityMonitor buckets a live peer by rolling average latency and tracks
// jitter over recent samples.
type QualityMonitor struct {
	mu      sync.Mutex
	samples []float64
	total   float64
	count   int
}

// NewQualityMonitor returns an empty monitor.
func NewQualityMonitor() *QualityMonitor {
	return &QualityMonitor{}
}

// Record adds one round-trip latency sample in milliseconds.
func (q *QualityMonitor) Record(latencyMs float64) {
	if latencyMs < 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.total += latencyMs
	q.count++
	q.samples = append(q.samples, latencyMs)
	if len(q.samples) > jitterWindow {
		q.samples = q.samples[len(q.samples)-jitterWindow:]
	}
}

// Average returns the rolling average latency in milliseconds.
func (q *QualityMonitor) Average() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return 0
	}
	return q.total / float64(q.count)
}

// Jitter returns the standard deviation of the recent sample window.
func (q *QualityMonitor) Jitter() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range q.samples {
		sum += s
	}
	mean := sum / float64(len(q.samples))
	var varSum float64
	for _, s := range q.samples {
		d := s - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(q.samples)))
}

// Bucket classifies the rolling average into a quality level.
func (q *QualityMonitor) Bucket() string {
	q.mu.Lock()
	count := q.count
	q.mu.Unlock()
	if count == 0 {
		return QualityUnknown
	}

	avg := q.Average()
	switch {
	case avg < 50:
		return QualityExcellent
	case avg < 100:
		return QualityGood
	case avg < 200:
		return QualityFair
	default:
		return QualityPoor
	}
}
