// Package heal diagnoses systemic extraction failures and runs escalating
// recovery strategies against the adaptation engine, pattern memory and
// caches.
package heal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

// Adapter is the part of the adaptation engine healing drives.
type Adapter interface {
	Adapt(ctx context.Context, req adapt.Request) adapt.Result
	OptimizeStrategies() []adapt.StrategyScore
	ForceMode(mode adapt.Mode, ttl time.Duration)
	ResetPerformance()
	ResetPriorities()
	Priority() []adapt.Strategy
}

// PatternStore is the part of pattern memory healing drives.
type PatternStore interface {
	Seed(seeds []memory.Seed, source string)
	Reset(baseline []memory.Seed)
	Backup(ctx context.Context, label string) error
}

// Cache is any transient cache cache-clear may discard.
type Cache interface {
	Clear()
}

// Config tunes the healer.
type Config struct {
	MaxHealingAttempts int           // default: 3
	AutoRecoveryDelay  time.Duration // pause between trials
	FallbackTTL        time.Duration // default: 30m; how long fallback-activation pins aggressive mode
	Thresholds         Thresholds
	Baseline           []memory.Seed // full-reset reseeds from this
	RecentExtractions  int           // default: 200; ring mined by pattern-regeneration
}

func (c *Config) defaults() {
	if c.MaxHealingAttempts <= 0 {
		c.MaxHealingAttempts = 3
	}
	if c.AutoRecoveryDelay < 0 {
		c.AutoRecoveryDelay = 0
	}
	if c.FallbackTTL <= 0 {
		c.FallbackTTL = 30 * time.Minute
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = DefaultThresholds()
	}
	if c.RecentExtractions <= 0 {
		c.RecentExtractions = 200
	}
}

// Status of a healing attempt.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
)

// Attempt is one history entry, created per diagnosed failure.
type Attempt struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Diagnosis       Diagnosis `json:"diagnosis"`
	StrategiesTried int       `json:"strategies_tried"`
	Status          Status    `json:"status"`
}

// Trial is the outcome of running one healing strategy.
type Trial struct {
	Strategy Strategy      `json:"strategy"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// Result is returned by AttemptHealing. An exhausted plan is a Result with
// Success false, never an error.
type Result struct {
	AttemptID string        `json:"attempt_id"`
	Diagnosis Diagnosis     `json:"diagnosis"`
	Success   bool          `json:"success"`
	Strategy  Strategy      `json:"strategy,omitempty"`
	Trials    []Trial       `json:"trials"`
	Recovered models.Fields `json:"recovered,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Effectiveness tracks how useful a healing strategy has been.
type Effectiveness struct {
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsed      time.Time     `json:"last_used"`
}

// Rate is the observed success rate, 0 without attempts.
func (e Effectiveness) Rate() float64 {
	if e.Attempts == 0 {
		return 0
	}
	return float64(e.Successes) / float64(e.Attempts)
}

// Healer is safe for concurrent use. Concurrent AttemptHealing calls each
// run their own plan.
type Healer struct {
	cfg      Config
	adapter  Adapter
	patterns PatternStore
	caches   []Cache
	now      func() time.Time

	mu      sync.Mutex
	history []Attempt
	effect  map[Strategy]*Effectiveness
	weights map[Strategy]float64
	recent  []models.Fields
}

// Option customises a Healer.
type Option func(*Healer)

// WithCaches registers caches for cache-clear and full-reset.
func WithCaches(c ...Cache) Option { return func(h *Healer) { h.caches = append(h.caches, c...) } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(h *Healer) { h.now = now } }

// New creates a Healer. adapter and patterns may be nil; strategies needing
// them then fail.
func New(cfg Config, adapter Adapter, patterns PatternStore, opts ...Option) *Healer {
	cfg.defaults()
	h := &Healer{
		cfg:      cfg,
		adapter:  adapter,
		patterns: patterns,
		now:      time.Now,
		effect:   make(map[Strategy]*Effectiveness),
		weights:  make(map[Strategy]float64),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Diagnose classifies r and attaches the recommended strategies.
func (h *Healer) Diagnose(r Report) Diagnosis {
	t := h.cfg.Thresholds
	ft := t.ClassifyFailure(r)
	return Diagnosis{
		FailureType: ft,
		Severity:    t.AssessSeverity(r),
		Recommended: append([]Strategy(nil), Recommended[ft]...),
		LayoutShift: r.LayoutShift,
		Timestamp:   h.now(),
	}
}

// AttemptHealing diagnoses r and walks its recommended strategies, at most
// MaxHealingAttempts of them, pausing AutoRecoveryDelay between trials and
// stopping at the first success.
func (h *Healer) AttemptHealing(ctx context.Context, r Report) Result {
	start := time.Now()
	diag := h.Diagnose(r)
	res := Result{
		AttemptID: uuid.Must(uuid.NewV7()).String(),
		Diagnosis: diag,
	}
	idx := h.openAttempt(Attempt{
		ID:        res.AttemptID,
		Timestamp: diag.Timestamp,
		Diagnosis: diag,
		Status:    StatusInProgress,
	})

	slog.Info("heal: attempting",
		"id", res.AttemptID,
		"failureType", diag.FailureType,
		"severity", diag.Severity,
		"layoutShift", diag.LayoutShift,
		"url", r.URL,
	)

	plan := diag.Recommended
	if len(plan) > h.cfg.MaxHealingAttempts {
		plan = plan[:h.cfg.MaxHealingAttempts]
	}
	for i, s := range plan {
		if i > 0 && h.cfg.AutoRecoveryDelay > 0 {
			if !sleep(ctx, h.cfg.AutoRecoveryDelay) {
				slog.Info("heal: cancelled between trials", "id", res.AttemptID, "error", ctx.Err())
				break
			}
		}

		trial, recovered := h.runTrial(ctx, s, r)
		res.Trials = append(res.Trials, trial)
		h.track(s, trial)
		if trial.Success {
			res.Success = true
			res.Strategy = s
			res.Recovered = recovered
			break
		}
	}

	res.Duration = time.Since(start)
	status := StatusFailed
	if res.Success {
		status = StatusSuccessful
	}
	h.closeAttempt(idx, len(res.Trials), status)

	if res.Success {
		slog.Info("heal: recovered", "id", res.AttemptID, "strategy", res.Strategy, "trials", len(res.Trials))
	} else {
		slog.Warn("heal: exhausted", "id", res.AttemptID, "failureType", diag.FailureType, "trials", len(res.Trials))
	}
	return res
}

func (h *Healer) runTrial(ctx context.Context, s Strategy, r Report) (t Trial, recovered models.Fields) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			t = Trial{Strategy: s, Detail: fmt.Sprintf("panic: %v", p)}
			recovered = nil
			slog.Error("heal: strategy panicked", "strategy", s, "panic", p)
		}
		t.Duration = time.Since(start)
	}()

	ok, detail, recovered := h.execute(ctx, s, r)
	slog.Debug("heal: trial", "strategy", s, "success", ok, "detail", detail)
	return Trial{Strategy: s, Success: ok, Detail: detail}, recovered
}

func (h *Healer) track(s Strategy, t Trial) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.effect[s]
	if e == nil {
		e = &Effectiveness{}
		h.effect[s] = e
	}
	e.Attempts++
	if t.Success {
		e.Successes++
	} else {
		e.Failures++
	}
	e.TotalDuration += t.Duration
	e.LastUsed = h.now()
}

func (h *Healer) openAttempt(a Attempt) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, a)
	return len(h.history) - 1
}

func (h *Healer) closeAttempt(idx, tried int, status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history[idx].StrategiesTried = tried
	h.history[idx].Status = status
}

// ObserveExtraction feeds a successful page extraction to the ring
// pattern-regeneration mines.
func (h *Healer) ObserveExtraction(fields models.Fields) {
	if len(fields) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, fields.Clone())
	if n := h.cfg.RecentExtractions; len(h.recent) > n {
		h.recent = append(h.recent[:0:0], h.recent[len(h.recent)-n:]...)
	}
}

// History returns a copy of every healing attempt, oldest first.
func (h *Healer) History() []Attempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Attempt(nil), h.history...)
}

// Effectiveness returns the per-strategy table.
func (h *Healer) Effectiveness() map[Strategy]Effectiveness {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Strategy]Effectiveness, len(h.effect))
	for s, e := range h.effect {
		out[s] = *e
	}
	return out
}

// Weights returns the weights of the last recalibration.
func (h *Healer) Weights() map[Strategy]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Strategy]float64, len(h.weights))
	for s, w := range h.weights {
		out[s] = w
	}
	return out
}

// Snapshot is the diagnostic export.
type Snapshot struct {
	Timestamp     time.Time                  `json:"timestamp"`
	History       []Attempt                  `json:"history"`
	Effectiveness map[Strategy]Effectiveness `json:"strategy_effectiveness"`
}

// Export returns a timestamped copy of history and effectiveness.
func (h *Healer) Export() Snapshot {
	return Snapshot{
		Timestamp:     h.now(),
		History:       h.History(),
		Effectiveness: h.Effectiveness(),
	}
}

// ExportTo writes Export as indented JSON.
func (h *Healer) ExportTo(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.Export()); err != nil {
		return fmt.Errorf("heal: export: %w", err)
	}
	return nil
}

// Recalibration is the outcome of a maintenance pass.
type Recalibration struct {
	Timestamp time.Time             `json:"timestamp"`
	Weights   map[Strategy]float64  `json:"weights"`
	Scores    []adapt.StrategyScore `json:"adaptation_scores,omitempty"`
	Priority  []adapt.Strategy      `json:"adaptation_priority,omitempty"`
	Valid     bool                  `json:"valid"`
	Issues    []string              `json:"issues,omitempty"`
}

// RecalibrateStrategies recomputes healing strategy weights from the
// effectiveness table, re-ranks the adaptation engine's strategies and
// validates the result. An invalid configuration keeps the previous weights
// and restores the adaptation catalog order.
func (h *Healer) RecalibrateStrategies() Recalibration {
	rc := Recalibration{Timestamp: h.now(), Weights: make(map[Strategy]float64)}

	eff := h.Effectiveness()
	for _, s := range Strategies {
		e := eff[s]
		// Laplace smoothing keeps unused strategies at 0.5.
		rc.Weights[s] = float64(e.Successes+1) / float64(e.Attempts+2)
	}

	if h.adapter != nil {
		rc.Scores = h.adapter.OptimizeStrategies()
		rc.Priority = h.adapter.Priority()
	}
	rc.Issues = validate(rc)
	rc.Valid = len(rc.Issues) == 0

	if !rc.Valid {
		slog.Warn("heal: recalibration rejected", "issues", rc.Issues)
		if h.adapter != nil {
			h.adapter.ResetPriorities()
		}
		return rc
	}

	h.mu.Lock()
	h.weights = rc.Weights
	h.mu.Unlock()
	slog.Info("heal: recalibrated", "weights", len(rc.Weights), "scored", len(rc.Scores))
	return rc
}

func validate(rc Recalibration) []string {
	var issues []string
	for s, w := range rc.Weights {
		if w < 0 || w > 1 {
			issues = append(issues, fmt.Sprintf("weight of %s out of range: %v", s, w))
		}
	}
	for ft, list := range Recommended {
		if len(list) == 0 {
			issues = append(issues, fmt.Sprintf("no strategies for %s", ft))
		}
	}
	if rc.Priority != nil {
		seen := make(map[adapt.Strategy]bool, len(rc.Priority))
		for _, s := range rc.Priority {
			seen[s] = true
		}
		for _, s := range adapt.Strategies {
			if !seen[s] {
				issues = append(issues, fmt.Sprintf("adaptation priority lost %s", s))
			}
		}
	}
	sort.Strings(issues)
	return issues
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
