package keel

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// minCPUSampleInterval is the minimum spacing between CPU samples; calls
// inside the window return the last known value.
const minCPUSampleInterval = 100 * time.Millisecond

// resourceMonitor samples process memory pressure and host CPU usage for the
// queue's backpressure policy.
//
// Memory is process RSS over host total RAM. CPU is computed from per-core
// tick deltas in /proc/stat (user+nice+system+irq+softirq busy time over
// total elapsed ticks). The first CPU sample returns 0.5; unavailable samples
// reuse the last known value. On hosts without /proc the monitor falls back
// to a queue-depth proxy.
type resourceMonitor struct {
	logger     *slog.Logger
	depthProxy func() (depth, maxDepth int) // fallback when /proc is unavailable

	mu         sync.Mutex
	lastSample time.Time
	lastTicks  []cpuTicks
	lastCPU    float64
	procOK     bool

	// test seams
	statPath    string
	statmPath   string
	meminfoPath string
	now         func() time.Time
}

type cpuTicks struct {
	busy  uint64
	total uint64
}

func newResourceMonitor(logger *slog.Logger, depthProxy func() (int, int)) *resourceMonitor {
	if logger == nil {
		logger = nopLogger
	}
	return &resourceMonitor{
		logger:      logger,
		depthProxy:  depthProxy,
		lastCPU:     0.5,
		procOK:      true,
		statPath:    "/proc/stat",
		statmPath:   "/proc/self/statm",
		meminfoPath: "/proc/meminfo",
		now:         time.Now,
	}
}

// MemoryUsage returns process RSS as a fraction of host total RAM, or 0 when
// the numbers are unavailable (never blocks backpressure on probe failure).
func (m *resourceMonitor) MemoryUsage() float64 {
	rss, err := m.readRSSBytes()
	if err != nil {
		return 0
	}
	total, err := m.readTotalRAMBytes()
	if err != nil || total == 0 {
		return 0
	}
	return float64(rss) / float64(total)
}

// CPUUsage returns host CPU utilization in [0,1]. Samples are spaced at least
// minCPUSampleInterval apart; intermediate calls return the last value.
func (m *resourceMonitor) CPUUsage() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if !m.lastSample.IsZero() && now.Sub(m.lastSample) < minCPUSampleInterval {
		return m.lastCPU
	}

	ticks, err := m.readCPUTicks()
	if err != nil {
		if m.procOK {
			m.procOK = false
			m.logger.Debug("per-core CPU stats unavailable, using queue-depth proxy", "error", err)
		}
		return m.proxyCPULocked()
	}

	prev := m.lastTicks
	m.lastTicks = ticks
	m.lastSample = now

	if prev == nil {
		// First sample: no delta yet.
		m.lastCPU = 0.5
		return m.lastCPU
	}

	n := min(len(prev), len(ticks))
	var sum float64
	var counted int
	for i := 0; i < n; i++ {
		dTotal := ticks[i].total - prev[i].total
		dBusy := ticks[i].busy - prev[i].busy
		if dTotal == 0 {
			continue
		}
		sum += float64(dBusy) / float64(dTotal)
		counted++
	}
	if counted == 0 {
		return m.lastCPU
	}
	m.lastCPU = sum / float64(counted)
	return m.lastCPU
}

// proxyCPULocked estimates load from queue depth when /proc is unavailable.
// Callers hold m.mu.
func (m *resourceMonitor) proxyCPULocked() float64 {
	if m.depthProxy == nil {
		return m.lastCPU
	}
	depth, maxDepth := m.depthProxy()
	if maxDepth <= 0 {
		// Unbounded queue: saturate the proxy at 1000 items.
		maxDepth = 1000
	}
	est := float64(depth) / float64(maxDepth)
	if est > 1 {
		est = 1
	}
	m.lastCPU = est
	return est
}

// readCPUTicks parses per-core lines of /proc/stat:
// cpuN user nice system idle iowait irq softirq steal guest guest_nice
func (m *resourceMonitor) readCPUTicks() ([]cpuTicks, error) {
	f, err := os.Open(m.statPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []cpuTicks
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "cpu") || strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			continue
		}
		var vals [7]uint64
		ok := true
		for i := 0; i < 7; i++ {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		user, nice, system, idle, iowait, irq, softirq := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]
		busy := user + nice + system + irq + softirq
		out = append(out, cpuTicks{busy: busy, total: busy + idle + iowait})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, os.ErrNotExist
	}
	return out, nil
}

// readRSSBytes parses /proc/self/statm (second field is resident pages).
func (m *resourceMonitor) readRSSBytes() (uint64, error) {
	b, err := os.ReadFile(m.statmPath)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0, os.ErrInvalid
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(os.Getpagesize()), nil
}

// readTotalRAMBytes parses MemTotal from /proc/meminfo (reported in kB).
func (m *resourceMonitor) readTotalRAMBytes() (uint64, error) {
	f, err := os.Open(m.meminfoPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, os.ErrInvalid
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, os.ErrNotExist
}
