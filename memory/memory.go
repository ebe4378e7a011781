// Package memory remembers which extraction patterns worked for which field,
// with a confidence score used to rank future attempts.
//
// Memory is an optimisation, never a correctness dependency: no operation on
// it fails the caller. Store errors are logged and the in-memory state keeps
// operating unpersisted.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is the in-process pattern table backed by an optional Store.
// It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	snap *Snapshot

	store         Store
	weights       ConfidenceWeights
	now           func() time.Time
	flushEvery    int
	flushInterval time.Duration
	saveTimeout   time.Duration

	broadWindow    time.Duration
	broadThreshold int
	similarity     float64

	dirty    atomic.Int64
	lastSave atomic.Int64 // unix nanos
	saving   atomic.Bool
	saveMu   sync.Mutex     // serialises store writes
	saves    sync.WaitGroup // background saves, awaited by Close
}

// Option customises a Memory.
type Option func(*Memory)

// WithStore sets the durable backend. Without one, memory is process-local.
func WithStore(s Store) Option { return func(m *Memory) { m.store = s } }

// WithWeights overrides the confidence weights.
func WithWeights(w ConfidenceWeights) Option { return func(m *Memory) { m.weights = w } }

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option { return func(m *Memory) { m.now = now } }

// WithFlushPolicy sets the mutation count and the interval after which an
// asynchronous save is triggered. Zero disables that trigger.
func WithFlushPolicy(every int, interval time.Duration) Option {
	return func(m *Memory) {
		m.flushEvery = every
		m.flushInterval = interval
	}
}

// WithBroadChange sets the window and failure volume above which
// AdaptToFailures reports a site-wide change.
func WithBroadChange(window time.Duration, threshold int) Option {
	return func(m *Memory) {
		m.broadWindow = window
		m.broadThreshold = threshold
	}
}

// New creates an empty Memory. Call Load to populate it from the store.
func New(opts ...Option) *Memory {
	m := &Memory{
		snap:           newSnapshot(),
		weights:        DefaultWeights(),
		now:            time.Now,
		flushEvery:     25,
		flushInterval:  30 * time.Second,
		saveTimeout:    10 * time.Second,
		broadWindow:    24 * time.Hour,
		broadThreshold: 10,
		similarity:     0.5,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastSave.Store(m.now().UnixNano())
	return m
}

// Load replaces the in-memory state with the store's snapshot. A missing
// document or a read failure leaves memory empty.
func (m *Memory) Load(ctx context.Context) {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load(ctx)
	if err != nil {
		slog.Warn("memory: load failed, starting empty", "error", err)
		return
	}
	if snap == nil {
		slog.Info("memory: no stored patterns, starting empty")
		return
	}
	if snap.Patterns == nil {
		snap.Patterns = make(map[string]map[string]*Pattern)
	}
	if snap.Failures == nil {
		snap.Failures = make(map[string]map[string]*Failure)
	}
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	slog.Info("memory: loaded patterns", "dataTypes", len(snap.Patterns), "savedAt", snap.SavedAt)
}

// RecordSuccess notes that selector produced a value for dataType.
// observedRate is the success rate the caller measured for this observation
// (1.0 for a clean hit).
func (m *Memory) RecordSuccess(selector, dataType string, observedRate float64, data map[string]any) {
	now := m.now()
	m.mu.Lock()
	p := m.patternLocked(selector, dataType, now)
	p.SuccessCount++
	p.TotalAttempts++
	n := float64(p.TotalAttempts)
	p.AverageSuccessRate = (p.AverageSuccessRate*(n-1) + clampRate(observedRate)) / n
	p.LastSuccess = now
	p.Contexts = appendContext(p.Contexts, Context{At: now, Data: data}, maxPatternContexts)
	p.Confidence = m.weights.Score(p, now)
	m.mu.Unlock()

	m.touched()
}

// RecordFailure notes that selector did not produce a value for dataType.
// An existing pattern for the same key loses average success rate and
// confidence.
func (m *Memory) RecordFailure(selector, dataType, reason string, data map[string]any) {
	now := m.now()
	m.mu.Lock()
	byType := m.snap.Failures[dataType]
	if byType == nil {
		byType = make(map[string]*Failure)
		m.snap.Failures[dataType] = byType
	}
	f := byType[selector]
	if f == nil {
		f = &Failure{Selector: selector, DataType: dataType, FirstFailed: now}
		byType[selector] = f
	}
	f.FailureCount++
	f.LastFailed = now
	f.Recent = appendRecent(f.Recent, now, now.Add(-m.broadWindow), m.broadThreshold+1)
	if reason != "" {
		f.Reasons = appendReason(f.Reasons, reason, maxFailureReasons)
	}
	f.Contexts = appendContext(f.Contexts, Context{At: now, Data: data}, maxFailureContexts)

	if p := m.snap.Patterns[dataType][selector]; p != nil {
		p.TotalAttempts++
		total := float64(p.SuccessCount + f.FailureCount)
		p.AverageSuccessRate = p.AverageSuccessRate * (total - 1) / total
		p.Confidence = m.weights.Score(p, now)
	}
	m.mu.Unlock()

	m.touched()
}

// Seed is a known-good pattern used to (re)initialise memory.
type Seed struct {
	Selector    string  `json:"selector" koanf:"selector"`
	DataType    string  `json:"data_type" koanf:"data_type"`
	SuccessRate float64 `json:"success_rate" koanf:"success_rate"`
}

// Seed records each seed as one successful observation.
func (m *Memory) Seed(seeds []Seed, source string) {
	for _, s := range seeds {
		rate := s.SuccessRate
		if rate == 0 {
			rate = 1
		}
		m.RecordSuccess(s.Selector, s.DataType, rate, map[string]any{"source": source})
	}
}

// Reset wipes every pattern and failure and reseeds from baseline.
func (m *Memory) Reset(baseline []Seed) {
	m.mu.Lock()
	m.snap = newSnapshot()
	m.mu.Unlock()
	m.Seed(baseline, "baseline")
	slog.Info("memory: reset to baseline", "patterns", len(baseline))
}

// Snapshot returns a deep copy of the current state with confidences
// recomputed for now.
func (m *Memory) Snapshot() *Snapshot {
	now := m.now()
	m.mu.RLock()
	out := m.snap.deepCopy()
	m.mu.RUnlock()
	for _, bySel := range out.Patterns {
		for _, p := range bySel {
			p.Confidence = m.weights.Score(p, now)
		}
	}
	return out
}

// Backup writes the current state to the store under label.
func (m *Memory) Backup(ctx context.Context, label string) error {
	if m.store == nil {
		return nil
	}
	snap := m.Snapshot()
	snap.SavedAt = m.now()
	return m.store.Backup(ctx, label, snap)
}

// Stats summarises the table sizes.
type Stats struct {
	Patterns  map[string]int `json:"patterns"`
	Failures  map[string]int `json:"failures"`
	Dirty     int64          `json:"dirty"`
	LastSaved time.Time      `json:"last_saved"`
}

// Stats returns per-data-type counts.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Patterns:  make(map[string]int, len(m.snap.Patterns)),
		Failures:  make(map[string]int, len(m.snap.Failures)),
		Dirty:     m.dirty.Load(),
		LastSaved: time.Unix(0, m.lastSave.Load()),
	}
	for dt, bySel := range m.snap.Patterns {
		st.Patterns[dt] = len(bySel)
	}
	for dt, bySel := range m.snap.Failures {
		st.Failures[dt] = len(bySel)
	}
	return st
}

// Flush saves synchronously. An in-flight background save finishes first.
// Safe to call while other goroutines keep recording.
func (m *Memory) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.save(ctx)
}

// Close flushes pending changes and closes the store. Callers must have
// stopped recording.
func (m *Memory) Close(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.saves.Wait()
	if err := m.Flush(ctx); err != nil {
		slog.Warn("memory: final flush failed", "error", err)
	}
	return m.store.Close()
}

func (m *Memory) patternLocked(selector, dataType string, now time.Time) *Pattern {
	byType := m.snap.Patterns[dataType]
	if byType == nil {
		byType = make(map[string]*Pattern)
		m.snap.Patterns[dataType] = byType
	}
	p := byType[selector]
	if p == nil {
		p = &Pattern{Selector: selector, DataType: dataType, FirstSeen: now}
		byType[selector] = p
	}
	return p
}

// touched counts a mutation and starts a background save when the flush
// policy says so. Only one save runs at a time; skipped triggers are picked
// up by the next mutation.
func (m *Memory) touched() {
	if m.store == nil {
		return
	}
	dirty := m.dirty.Add(1)
	due := m.flushEvery > 0 && dirty >= int64(m.flushEvery)
	if !due && m.flushInterval > 0 {
		due = m.now().Sub(time.Unix(0, m.lastSave.Load())) >= m.flushInterval
	}
	if !due || !m.saving.CompareAndSwap(false, true) {
		return
	}
	m.saves.Add(1)
	go func() {
		defer m.saves.Done()
		defer m.saving.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
		defer cancel()
		if err := m.save(ctx); err != nil {
			slog.Warn("memory: background save failed", "error", err)
		}
	}()
}

func (m *Memory) save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	pending := m.dirty.Swap(0)
	snap := m.Snapshot()
	snap.SavedAt = m.now()
	if err := m.store.Save(ctx, snap); err != nil {
		m.dirty.Add(pending)
		return err
	}
	m.lastSave.Store(snap.SavedAt.UnixNano())
	slog.Debug("memory: saved", "mutations", pending)
	return nil
}

func clampRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
