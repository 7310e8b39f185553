package aici

import (
	"log/slog"
	"time"
)

// BenchTimer accumulates the duration of a repeated operation and logs the
// mean every Every samples.
type BenchTimer struct {
	Name  string
	Every int

	log     *slog.Logger
	count   int
	elapsed time.Duration
}

// NewBenchTimer creates a timer logging through log
func NewBenchTimer(name string, every int, log *slog.Logger) *BenchTimer {
	if log == nil {
		log = slog.Default()
	}
	return &BenchTimer{Name: name, Every: every, log: log}
}

// Start begins one sample; call the returned func to end it.
func (t *BenchTimer) Start() func() {
	start := time.Now()
	return func() { t.Observe(time.Since(start)) }
}

// Observe records one sample
func (t *BenchTimer) Observe(d time.Duration) {
	t.count++
	t.elapsed += d
	if t.Every > 0 && t.count >= t.Every {
		t.log.Debug("bench timer", "name", t.Name, "samples", t.count, "mean", t.elapsed/time.Duration(t.count))
		t.count = 0
		t.elapsed = 0
	}
}
