package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory metrics for the backend process
type ProcessMetrics struct {
	PID        int32         `json:"pid"`
	CPUPercent float64       `json:"cpu_percent"`
	MemoryMB   float64       `json:"memory_mb"`
	MemoryRSS  uint64        `json:"memory_rss"`
	MemoryVMS  uint64        `json:"memory_vms"`
	NumThreads int32         `json:"num_threads"`
	NumFDs     int32         `json:"num_fds,omitempty"` // Unix only
	Uptime     time.Duration `json:"uptime"`
	Timestamp  time.Time     `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for process metrics collection
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ProcessMetricsCollector periodically samples the supervised backend.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu       sync.RWMutex
	history  []ProcessMetrics
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	gauges map[string]prometheus.Gauge
}

// NewProcessMetricsCollector creates a new process metrics collector
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "backend",
			Name:      name,
			Help:      help,
		})
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make([]ProcessMetrics, maxHistory),
		stopCh:     make(chan struct{}),
		gauges: map[string]prometheus.Gauge{
			"cpu":     gauge("cpu_percent", "CPU usage percentage of the backend process."),
			"memory":  gauge("memory_mb", "Resident memory of the backend process in MB."),
			"threads": gauge("num_threads", "Number of threads of the backend process."),
			"fds":     gauge("num_fds", "Open file descriptors of the backend process (Unix only)."),
		},
	}
}

// RegisterMetrics registers the process gauges with the provided registerer
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	keys := []string{"cpu", "memory", "threads"}
	// Only register FD metrics on Unix systems
	if runtime.GOOS != "windows" {
		keys = append(keys, "fds")
	}
	for _, k := range keys {
		if err := r.Register(c.gauges[k]); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A pid of zero means no backend is running and the tick is skipped.
func (c *ProcessMetricsCollector) Start(ctx context.Context, pid func() int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				p := pid()
				if p <= 0 {
					continue
				}
				m, err := Sample(p)
				if err != nil {
					slog.Debug("Failed to collect backend metrics", "pid", p, "error", err)
					continue
				}
				c.record(m)
			}
		}
	}()
}

// Stop stops the metrics collection
func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ProcessMetricsCollector) record(m ProcessMetrics) {
	c.gauges["cpu"].Set(m.CPUPercent)
	c.gauges["memory"].Set(m.MemoryMB)
	c.gauges["threads"].Set(float64(m.NumThreads))
	if m.NumFDs > 0 {
		c.gauges["fds"].Set(float64(m.NumFDs))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count < c.maxHistory {
		c.history[c.count] = m
		c.count++
		return
	}
	c.history[c.startIdx] = m
	c.startIdx = (c.startIdx + 1) % c.maxHistory
}

// History returns collected samples, oldest first.
func (c *ProcessMetricsCollector) History() []ProcessMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProcessMetrics, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.history[(c.startIdx+i)%c.maxHistory])
	}
	return out
}

// Latest returns the most recent sample.
func (c *ProcessMetricsCollector) Latest() (ProcessMetrics, bool) {
	h := c.History()
	if len(h) == 0 {
		return ProcessMetrics{}, false
	}
	return h[len(h)-1], true
}

// Sample reads CPU, memory and thread usage for pid.
func Sample(pid int32) (ProcessMetrics, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	now := time.Now()

	// Get CPU percentage (this may require a previous call for accurate calculation)
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	numThreads, _ := proc.NumThreads()

	m := ProcessMetrics{
		PID:        pid,
		CPUPercent: cpuPercent,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  now,
	}
	if created, err := proc.CreateTime(); err == nil && created > 0 {
		m.Uptime = now.Sub(time.UnixMilli(created)).Truncate(time.Second)
	}
	if runtime.GOOS != "windows" {
		if numFDs, err := proc.NumFDs(); err == nil {
			m.NumFDs = numFDs
		}
	}
	return m, nil
}
