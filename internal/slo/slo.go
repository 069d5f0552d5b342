// Package slo watches the coordination objectives. A fixed-interval
// sampler computes the parallelization ratio and the coordination
// overhead; a streak of breaching samples becomes a violation envelope to
// the recovery coordinator, never just a log line. The monitor also
// consumes the pool's scale recommendations and turns them into resize
// calls within a capacity ceiling, or a human-review escalation once the
// ceiling is reached.
package slo

import (
	"context"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"yqhp/coordinator/internal/audit"
	"yqhp/coordinator/internal/config"
	"yqhp/coordinator/internal/sched"
	"yqhp/coordinator/pkg/types"
)

// Metric names carried in violation envelopes and audit events.
const (
	MetricParallelization = "parallelization_ratio"
	MetricOverhead        = "coordination_overhead"
	MetricPoolCeiling     = "pool_capacity_ceiling"
)

// maxScaleFactor caps scale-up at this multiple of the pool's initial
// capacity. A recommendation past the cap goes to humans instead.
const maxScaleFactor = 4

// Histogram bounds: durations are recorded in microseconds, clamped to
// one hour. Three significant figures keep percentile error under 0.1%.
const (
	histMaxMicros = int64(time.Hour / time.Microsecond)
	histSigFigs   = 3
)

// publishTimeout bounds one violation publish so a congested bus cannot
// stall the sampler.
const publishTimeout = 5 * time.Second

// Pool is the slice of the resource pool the monitor reads and resizes.
type Pool interface {
	Capacity() int
	InitialCapacity() int
	Resize(newCapacity int) (int, error)
	Recommendations() <-chan types.ScaleRecommendation
}

// Scheduler exposes the queue census the sampler reads.
type Scheduler interface {
	Stats() sched.Stats
}

// Publisher sends violation envelopes toward the recovery coordinator.
type Publisher interface {
	Publish(ctx context.Context, env *types.Envelope) error
}

// LatencyStats summarizes one duration histogram for the control surface.
type LatencyStats struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
	Total time.Duration `json:"total"`
}

// Report is the objective view the control surface renders. SampledAt is
// zero until the first sample lands.
type Report struct {
	SampledAt             time.Time    `json:"sampled_at"`
	Parallelization       float64      `json:"parallelization"`
	ParallelizationTarget float64      `json:"parallelization_target"`
	ParallelizationStreak int          `json:"parallelization_streak"`
	Overhead              float64      `json:"overhead"`
	OverheadCeiling       float64      `json:"overhead_ceiling"`
	OverheadStreak        int          `json:"overhead_streak"`
	Scheduling            LatencyStats `json:"scheduling"`
	Execution             LatencyStats `json:"execution"`
}

// streak tracks consecutive breaching samples for one metric. fired means
// the current breach episode already produced a violation envelope; it
// stays set until a passing sample closes the episode.
type streak struct {
	count int
	fired bool
}

// Monitor samples the objectives and acts on pool advice. All mutable
// state lives behind mu; bus publishes happen with the lock released.
type Monitor struct {
	cfg      config.SLOConfig
	pool     Pool
	sched    Scheduler
	bus      Publisher
	recorder audit.Recorder
	lg       *zap.Logger

	mu        sync.Mutex
	schedHist *hdrhistogram.Histogram
	execHist  *hdrhistogram.Histogram
	// Exact duration totals, kept apart from the bucketized histograms so
	// the overhead ratio is not subject to quantization error.
	schedTotal     time.Duration
	execTotal      time.Duration
	lastSchedTotal time.Duration
	lastExecTotal  time.Duration
	par            streak
	ovh            streak
	last           Report
	// saturated latches the at-ceiling escalation so a pool stuck at the
	// cap pages once per episode, not once per sustain window.
	saturated bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a monitor over the given pool and scheduler. Start launches
// the sampler and the recommendation consumer.
func New(cfg config.SLOConfig, pool Pool, scheduler Scheduler, bus Publisher, recorder audit.Recorder, lg *zap.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.ViolationStreak < 1 {
		cfg.ViolationStreak = 1
	}
	return &Monitor{
		cfg:       cfg,
		pool:      pool,
		sched:     scheduler,
		bus:       bus,
		recorder:  recorder,
		lg:        lg,
		schedHist: hdrhistogram.New(1, histMaxMicros, histSigFigs),
		execHist:  hdrhistogram.New(1, histMaxMicros, histSigFigs),
		stop:      make(chan struct{}),
	}
}

// Start launches the fixed-interval sampler and the scale-advice consumer.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.sampler()
	go m.advisor()
}

// Stop halts both loops. Histograms and streaks keep their state so a
// Report taken after Stop still reflects the run.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// RecordScheduling adds one task's queue-to-dispatch latency. The core
// dispatch loop calls this when a task leaves the queue.
func (m *Monitor) RecordScheduling(d time.Duration) {
	m.mu.Lock()
	m.schedTotal += d
	_ = m.schedHist.RecordValue(clampMicros(d))
	m.mu.Unlock()
}

// RecordExecution adds one task's run duration, recorded on completion.
func (m *Monitor) RecordExecution(d time.Duration) {
	m.mu.Lock()
	m.execTotal += d
	_ = m.execHist.RecordValue(clampMicros(d))
	m.mu.Unlock()
}

// Report returns the last sampled objective values plus live histogram
// percentiles.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.last
	r.ParallelizationTarget = m.cfg.ParallelizationTarget
	r.OverheadCeiling = m.cfg.OverheadCeiling
	r.ParallelizationStreak = m.par.count
	r.OverheadStreak = m.ovh.count
	r.Scheduling = latencyStats(m.schedHist, m.schedTotal)
	r.Execution = latencyStats(m.execHist, m.execTotal)
	return r
}

func (m *Monitor) sampler() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.sample(now)
		}
	}
}

// sample takes one objective measurement and advances the violation
// streaks. Overhead is computed over the durations recorded since the
// previous sample, so a recovered system stops violating within one
// interval regardless of history.
func (m *Monitor) sample(now time.Time) {
	stats := m.sched.Stats()
	capacity := m.pool.Capacity()

	m.mu.Lock()
	par := parallelization(stats.Running, stats.Queued, capacity)
	schedDelta := m.schedTotal - m.lastSchedTotal
	execDelta := m.execTotal - m.lastExecTotal
	m.lastSchedTotal = m.schedTotal
	m.lastExecTotal = m.execTotal
	ovh := overhead(schedDelta, execDelta)

	m.last.SampledAt = now
	m.last.Parallelization = par
	m.last.Overhead = ovh

	var fires []types.SLOViolation
	var recovered []string
	advance := func(st *streak, breached bool, metric string, value, threshold float64) {
		if breached {
			st.count++
			if st.count >= m.cfg.ViolationStreak && !st.fired {
				fires = append(fires, types.SLOViolation{
					Metric:      metric,
					Value:       value,
					Threshold:   threshold,
					Consecutive: st.count,
				})
			}
			return
		}
		if st.fired {
			recovered = append(recovered, metric)
		}
		st.count = 0
		st.fired = false
	}
	advance(&m.par, par < m.cfg.ParallelizationTarget, MetricParallelization, par, m.cfg.ParallelizationTarget)
	advance(&m.ovh, ovh > m.cfg.OverheadCeiling, MetricOverhead, ovh, m.cfg.OverheadCeiling)
	m.mu.Unlock()

	for _, v := range fires {
		if err := m.publishViolation(v, types.SeverityWarning); err != nil {
			// Leave the streak unfired; the next sample retries.
			m.lg.Warn("slo violation publish failed",
				zap.String("metric", v.Metric),
				zap.Error(err))
			continue
		}
		m.recorder.Record(audit.Event{
			Kind: audit.SLOViolated, Component: "slo", Ref: v.Metric,
			Fields: map[string]any{
				"value":       v.Value,
				"threshold":   v.Threshold,
				"consecutive": v.Consecutive,
			},
		})
		m.lg.Warn("slo violated",
			zap.String("metric", v.Metric),
			zap.Float64("value", v.Value),
			zap.Float64("threshold", v.Threshold),
			zap.Int("consecutive", v.Consecutive))
		m.mu.Lock()
		switch v.Metric {
		case MetricParallelization:
			m.par.fired = true
		case MetricOverhead:
			m.ovh.fired = true
		}
		m.mu.Unlock()
	}
	for _, metric := range recovered {
		m.recorder.Record(audit.Event{
			Kind: audit.SLORecovered, Component: "slo", Ref: metric,
		})
		m.lg.Info("slo recovered", zap.String("metric", metric))
	}
}

func (m *Monitor) advisor() {
	defer m.wg.Done()
	recs := m.pool.Recommendations()
	for {
		select {
		case <-m.stop:
			return
		case rec, ok := <-recs:
			if !ok {
				return
			}
			m.applyRecommendation(rec)
		}
	}
}

// applyRecommendation turns sustained pool advice into a resize. Scale-up
// grows by half the current capacity up to maxScaleFactor times the
// initial size; past that the pool is saturated and a human gets the
// call. Scale-down steps halfway back toward the initial capacity and
// never below it.
func (m *Monitor) applyRecommendation(rec types.ScaleRecommendation) {
	initial := m.pool.InitialCapacity()
	capacity := m.pool.Capacity()
	ceiling := initial * maxScaleFactor

	var target int
	switch rec.Direction {
	case types.ScaleUp:
		if capacity >= ceiling {
			m.escalateSaturation(rec, capacity, ceiling)
			return
		}
		target = capacity + (capacity+1)/2
		if target > ceiling {
			target = ceiling
		}
	case types.ScaleDown:
		m.mu.Lock()
		m.saturated = false
		m.mu.Unlock()
		if capacity <= initial {
			return
		}
		target = capacity - (capacity-initial+1)/2
		if target < initial {
			target = initial
		}
	default:
		m.lg.Warn("unknown scale direction", zap.String("direction", string(rec.Direction)))
		return
	}

	applied, err := m.pool.Resize(target)
	if err != nil {
		m.lg.Warn("pool resize failed",
			zap.String("direction", string(rec.Direction)),
			zap.Int("target", target),
			zap.Error(err))
		return
	}
	m.mu.Lock()
	m.saturated = false
	m.mu.Unlock()
	m.recorder.Record(audit.Event{
		Kind: audit.ScaleApplied, Component: "slo",
		Fields: map[string]any{
			"direction":   string(rec.Direction),
			"from":        capacity,
			"to":          applied,
			"utilization": rec.Utilization,
		},
	})
	m.lg.Info("scale recommendation applied",
		zap.String("direction", string(rec.Direction)),
		zap.Int("from", capacity),
		zap.Int("to", applied),
		zap.Float64("utilization", rec.Utilization))
}

// escalateSaturation pages a human when the pool wants to grow but is
// already at the capacity ceiling. Latched until the pressure lifts.
func (m *Monitor) escalateSaturation(rec types.ScaleRecommendation, capacity, ceiling int) {
	m.mu.Lock()
	already := m.saturated
	m.saturated = true
	m.mu.Unlock()
	if already {
		return
	}

	v := types.SLOViolation{
		Metric:      MetricPoolCeiling,
		Value:       float64(capacity),
		Threshold:   float64(ceiling),
		Consecutive: 1,
	}
	if err := m.publishViolation(v, types.SeverityCritical); err != nil {
		m.lg.Warn("saturation escalation publish failed", zap.Error(err))
		m.mu.Lock()
		m.saturated = false
		m.mu.Unlock()
		return
	}
	m.recorder.Record(audit.Event{
		Kind: audit.SLOViolated, Component: "slo", Ref: MetricPoolCeiling,
		Fields: map[string]any{
			"capacity":    capacity,
			"ceiling":     ceiling,
			"utilization": rec.Utilization,
		},
	})
	m.lg.Error("pool saturated at capacity ceiling",
		zap.Int("capacity", capacity),
		zap.Int("ceiling", ceiling),
		zap.Float64("utilization", rec.Utilization))
}

func (m *Monitor) publishViolation(v types.SLOViolation, severity types.Severity) error {
	env, err := types.NewEnvelope("slo", types.TargetRecovery, types.EventSLOViolation, v)
	if err != nil {
		return err
	}
	env.Severity = severity
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return m.bus.Publish(ctx, env)
}

// parallelization is active ÷ currently parallelizable. The denominator
// is bounded by both slot capacity and actual demand, so a half-empty
// pool with no queue does not read as a violation. An idle system scores
// a vacuous 1.
func parallelization(running, queued, capacity int) float64 {
	parallelizable := running + queued
	if capacity < parallelizable {
		parallelizable = capacity
	}
	if parallelizable <= 0 {
		return 1
	}
	return float64(running) / float64(parallelizable)
}

// overhead is scheduling time ÷ execution time over one sample window.
// A window with queue wait but no completed execution counts as full
// overhead; a window with neither counts as none.
func overhead(schedTime, execTime time.Duration) float64 {
	if execTime <= 0 {
		if schedTime <= 0 {
			return 0
		}
		return 1
	}
	return float64(schedTime) / float64(execTime)
}

func latencyStats(h *hdrhistogram.Histogram, total time.Duration) LatencyStats {
	s := LatencyStats{Count: h.TotalCount(), Total: total}
	if s.Count == 0 {
		return s
	}
	s.Mean = time.Duration(h.Mean()) * time.Microsecond
	s.P50 = time.Duration(h.ValueAtQuantile(50)) * time.Microsecond
	s.P95 = time.Duration(h.ValueAtQuantile(95)) * time.Microsecond
	s.P99 = time.Duration(h.ValueAtQuantile(99)) * time.Microsecond
	s.Max = time.Duration(h.Max()) * time.Microsecond
	return s
}

func clampMicros(d time.Duration) int64 {
	us := d.Microseconds()
	if us < 0 {
		return 0
	}
	if us > histMaxMicros {
		return histMaxMicros
	}
	return us
}
