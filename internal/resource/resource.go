// Package resource samples the supervisor's own CPU and memory use around
// each cycle and keeps a bounded window of the results. Samples are
// diagnostic only.
package resource

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultWindow is how many cycle samples are retained.
const DefaultWindow = 100

// Sample is one reading of the current process.
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
}

// CycleSample pairs the readings taken before and after one cycle.
type CycleSample struct {
	Before Sample `json:"before"`
	After  Sample `json:"after"`
}

// RSSDelta is the resident memory change across the cycle.
func (c CycleSample) RSSDelta() int64 {
	return int64(c.After.RSSBytes) - int64(c.Before.RSSBytes)
}

// Stats aggregates the retained window.
type Stats struct {
	Cycles       int     `json:"cycles"`
	MeanCPU      float64 `json:"mean_cpu_percent"`
	MaxCPU       float64 `json:"max_cpu_percent"`
	MeanRSS      uint64  `json:"mean_rss_bytes"`
	MaxRSS       uint64  `json:"max_rss_bytes"`
	MeanRSSDelta int64   `json:"mean_rss_delta_bytes"`
}

// Sampler reads the current process.
type Sampler func(ctx context.Context) (Sample, error)

// ProcessSampler returns a Sampler over the running process.
func ProcessSampler() (Sampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open self process: %w", err)
	}
	return func(ctx context.Context) (Sample, error) {
		cpu, err := p.PercentWithContext(ctx, 0)
		if err != nil {
			return Sample{}, fmt.Errorf("cpu percent: %w", err)
		}
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("memory info: %w", err)
		}
		return Sample{At: time.Now().UTC(), CPUPercent: cpu, RSSBytes: mem.RSS}, nil
	}, nil
}

// Window is a bounded ring of cycle samples. Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	size    int
	samples []CycleSample
}

// NewWindow returns a window retaining size samples (DefaultWindow if <= 0).
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Window{size: size}
}

// Add appends a cycle sample, evicting the oldest once full.
func (w *Window) Add(s CycleSample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if over := len(w.samples) - w.size; over > 0 {
		w.samples = append(w.samples[:0:0], w.samples[over:]...)
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Samples returns a copy of the retained samples, oldest first.
func (w *Window) Samples() []CycleSample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]CycleSample(nil), w.samples...)
}

// Stats aggregates the window using the after-cycle readings.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Stats{Cycles: len(w.samples)}
	if st.Cycles == 0 {
		return st
	}
	var cpu float64
	var rss uint64
	var delta int64
	for _, s := range w.samples {
		cpu += s.After.CPUPercent
		rss += s.After.RSSBytes
		delta += s.RSSDelta()
		if s.After.CPUPercent > st.MaxCPU {
			st.MaxCPU = s.After.CPUPercent
		}
		if s.After.RSSBytes > st.MaxRSS {
			st.MaxRSS = s.After.RSSBytes
		}
	}
	n := len(w.samples)
	st.MeanCPU = cpu / float64(n)
	st.MeanRSS = rss / uint64(n)
	st.MeanRSSDelta = delta / int64(n)
	return st
}
