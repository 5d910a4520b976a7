package keel

import (
	"log/slog"
	"sync"
	"time"
)

// Autoscaler controller bounds.
const (
	scalerHistorySize   = 50
	scalerTargetRate    = 1000.0 // events/second
	scalerMinBatchSize  = 10
	scalerMaxBatchSize  = 2000
	scalerMinConcurrent = 5
	scalerMaxConcurrent = 200
	// Emergency expansion ceiling when the queue is drowning.
	scalerEmergencyConcurrent = 300
	scalerEmergencyDepth      = 5000
)

// scalerSample is one point of the controller's bounded history.
type scalerSample struct {
	at             time.Time
	memoryUsage    float64
	cpuUsage       float64
	depth          int
	processingRate float64
	avgProcessing  time.Duration
	processed      uint64
}

// autoScaler retunes the queue's batch size and global concurrency from a
// bounded history of resource and throughput samples. One controller per
// queue; all adjustments are logged with before/after values and rationale.
type autoScaler struct {
	queue    *EventQueue
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	history []scalerSample
	stopCh  chan struct{}
	once    sync.Once
}

func newAutoScaler(q *EventQueue, interval time.Duration, logger *slog.Logger) *autoScaler {
	if logger == nil {
		logger = nopLogger
	}
	return &autoScaler{
		queue:    q,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (a *autoScaler) start() {
	go func() {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.tick()
			case <-a.stopCh:
				return
			}
		}
	}()
}

func (a *autoScaler) stop() {
	a.once.Do(func() { close(a.stopCh) })
}

// tick samples the queue and applies the retuning rules.
func (a *autoScaler) tick() {
	q := a.queue
	stats := q.Stats()

	sample := scalerSample{
		at:            time.Now(),
		memoryUsage:   q.monitor.MemoryUsage(),
		cpuUsage:      q.monitor.CPUUsage(),
		depth:         stats.Depth,
		avgProcessing: stats.AvgProcessingTime,
		processed:     stats.Processed,
	}

	a.mu.Lock()
	if len(a.history) > 0 {
		prev := a.history[len(a.history)-1]
		dt := sample.at.Sub(prev.at).Seconds()
		if dt > 0 {
			// Throughput from depth deltas over wall clock. Negative deltas
			// (enqueues outpacing drains) clamp to zero.
			drained := float64(prev.depth - sample.depth)
			if drained < 0 {
				drained = 0
			}
			sample.processingRate = drained / dt
		}
	}
	a.history = append(a.history, sample)
	if len(a.history) > scalerHistorySize {
		a.history = a.history[1:]
	}
	haveRate := len(a.history) > 1
	a.mu.Unlock()

	if !haveRate {
		return
	}
	a.adjust(sample)
}

// adjust applies the controller rules to one sample.
func (a *autoScaler) adjust(s scalerSample) {
	q := a.queue
	batch := int(q.batchSize.Load())
	conc := int(q.maxConcurrent.Load())

	switch {
	case s.processingRate < 0.8*scalerTargetRate:
		next := max(int(float64(batch)*0.8), scalerMinBatchSize)
		if next != batch {
			q.setBatchSize(next)
			a.record("batch_size", batch, next, "rate below 80% of target")
		}
	case s.processingRate > 1.2*scalerTargetRate && s.cpuUsage < 0.7:
		next := min(int(float64(batch)*1.2), scalerMaxBatchSize)
		if next != batch {
			q.setBatchSize(next)
			a.record("batch_size", batch, next, "rate above 120% of target with CPU headroom")
		}
	}

	switch {
	case s.depth > scalerEmergencyDepth && conc < 100:
		next := min(conc*2, scalerEmergencyConcurrent)
		if next != conc {
			q.setMaxConcurrent(next)
			a.record("max_concurrent", conc, next, "emergency: queue depth over 5000")
		}
	case s.cpuUsage < 0.5*q.cfg.MaxCPUUsage && s.depth > 100:
		next := min(int(float64(conc)*1.5), scalerMaxConcurrent)
		if next != conc {
			q.setMaxConcurrent(next)
			a.record("max_concurrent", conc, next, "CPU headroom with backlog")
		}
	case s.cpuUsage > 0.9*q.cfg.MaxCPUUsage || s.memoryUsage > 0.8:
		next := max(int(float64(conc)*0.7), scalerMinConcurrent)
		if next != conc {
			q.setMaxConcurrent(next)
			a.record("max_concurrent", conc, next, "resource pressure")
		}
	}
}

func (a *autoScaler) record(knob string, before, after int, rationale string) {
	a.logger.Info("autoscaler adjustment",
		"knob", knob, "before", before, "after", after, "rationale", rationale)
}

// snapshotHistory returns a copy of the sample history (tests, stats).
func (a *autoScaler) snapshotHistory() []scalerSample {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]scalerSample, len(a.history))
	copy(out, a.history)
	return out
}
