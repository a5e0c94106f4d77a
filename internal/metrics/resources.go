package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	backendCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cpu_percent",
			Help:      "CPU usage of a backend process.",
		}, []string{"backend"},
	)
	backendMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a backend process.",
		}, []string{"backend"},
	)
)

// Usage is one resource sample of a backend process.
type Usage struct {
	PID        int32
	CPUPercent float64
	RSS        uint64
	Timestamp  time.Time
}

// ResourceSampler periodically samples CPU and memory of the backends
// returned by its source and publishes them as gauges.
type ResourceSampler struct {
	interval time.Duration
	source   func() map[string]int32 // backend name -> pid

	mu   sync.RWMutex
	last map[string]Usage

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewResourceSampler(interval time.Duration, source func() map[string]int32) *ResourceSampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceSampler{
		interval: interval,
		source:   source,
		last:     make(map[string]Usage),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sampling loop until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.Collect()
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every backend and drops gauges of backends
// that are gone.
func (s *ResourceSampler) Collect() {
	now := time.Now()
	current := s.source()
	next := make(map[string]Usage, len(current))
	for name, pid := range current {
		if pid <= 0 {
			continue
		}
		u, err := sample(pid, now)
		if err != nil {
			slog.Debug("sample backend resources", "backend", name, "pid", pid, "error", err)
			continue
		}
		next[name] = u
		if regOK.Load() {
			backendCPU.WithLabelValues(name).Set(u.CPUPercent)
			backendMemory.WithLabelValues(name).Set(float64(u.RSS))
		}
	}
	s.mu.Lock()
	for name := range s.last {
		if _, ok := next[name]; !ok && regOK.Load() {
			backendCPU.DeleteLabelValues(name)
			backendMemory.DeleteLabelValues(name)
		}
	}
	s.last = next
	s.mu.Unlock()
}

// Last returns the most recent sample for a backend.
func (s *ResourceSampler) Last(name string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.last[name]
	return u, ok
}

func sample(pid int32, at time.Time) (Usage, error) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	return Usage{PID: pid, CPUPercent: cpu, RSS: mem.RSS, Timestamp: at}, nil
}
