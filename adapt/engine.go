// Package adapt recovers missing fields from a single document by running a
// ranked plan of fallback extraction strategies.
package adapt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

const (
	maxHistory   = 100
	recentWindow = 20

	// MethodMemory marks fields recovered from a remembered pattern.
	MethodMemory = "memory"
)

// Patterns is the slice of pattern memory the engine uses. A nil Patterns
// runs the engine standalone.
type Patterns interface {
	SuggestNext(dataType string, exclude []string) (memory.Suggestion, bool)
	RecordSuccess(selector, dataType string, observedRate float64, data map[string]any)
	RecordFailure(selector, dataType, reason string, data map[string]any)
}

// Request is one adaptation call.
type Request struct {
	Document document.Document
	Targets  []string
	Current  models.Fields

	// Context is attached to pattern memory observations.
	Context map[string]any
}

// Result is what an adaptation call recovered. Fields only holds newly
// recovered values; the caller merges them.
type Result struct {
	Fields    models.Fields `json:"fields"`
	Missing   []string      `json:"missing"`
	Plan      *Plan         `json:"plan,omitempty"`
	Attempted []Strategy    `json:"attempted"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is one entry of the adaptation history.
type Outcome struct {
	Timestamp     time.Time `json:"timestamp"`
	MissingFields []string  `json:"missing_fields"`
	Plan          *Plan     `json:"plan,omitempty"`
	Recovered     []string  `json:"recovered"`
	Success       bool      `json:"success"`
}

// Engine runs adaptation plans. It is safe for concurrent use; overlapping
// calls are allowed.
type Engine struct {
	patterns Patterns
	perf     *tracker
	now      func() time.Time

	mu          sync.Mutex
	history     []Outcome
	forced      Mode
	forcedUntil time.Time

	adapting atomic.Int32
}

// Option customises an Engine.
type Option func(*Engine)

// WithPatterns connects the engine to pattern memory.
func WithPatterns(p Patterns) Option { return func(e *Engine) { e.patterns = p } }

// WithClock injects the time source for history and stats.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{perf: newTracker(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Adapt tries to recover the targets missing from req.Current. It never
// fails; the worst case is an empty result.
func (e *Engine) Adapt(ctx context.Context, req Request) Result {
	start := time.Now()
	missing := req.Current.Missing(req.Targets)
	res := Result{Fields: make(models.Fields), Missing: missing}
	if len(missing) == 0 || req.Document == nil {
		return res
	}

	e.adapting.Add(1)
	defer e.adapting.Add(-1)

	e.fromMemory(req, missing, res.Fields)
	still := res.Fields.Missing(missing)

	var plan *Plan
	if len(still) > 0 {
		p := e.CreatePlan(still)
		plan = &p
		res.Plan = plan
		res.Attempted = e.execute(ctx, p, req.Document, still, res.Fields)
		e.remember(req, res.Fields)
	}

	res.Duration = time.Since(start)
	recovered := res.Fields.Keys()
	e.appendOutcome(Outcome{
		Timestamp:     e.now(),
		MissingFields: missing,
		Plan:          plan,
		Recovered:     recovered,
		Success:       len(res.Fields.Missing(missing)) == 0,
	})
	slog.Debug("adapt: done",
		"missing", missing,
		"recovered", recovered,
		"attempted", len(res.Attempted),
		"duration", res.Duration,
	)
	return res
}

// fromMemory applies remembered selectors for each missing field. Suggested
// selectors that no longer match are reported back as failures.
func (e *Engine) fromMemory(req Request, missing []string, into models.Fields) {
	if e.patterns == nil {
		return
	}
	for _, field := range missing {
		s, ok := e.patterns.SuggestNext(field, nil)
		if !ok {
			continue
		}
		for _, p := range append([]memory.Pattern{s.Pattern}, s.Alternatives...) {
			if f, ok := ApplySelector(req.Document, p.Selector, field); ok {
				f.Confidence = p.Confidence
				into[field] = f
				e.patterns.RecordSuccess(p.Selector, field, 1, req.Context)
				break
			}
			e.patterns.RecordFailure(p.Selector, field, "suggested selector did not match", req.Context)
		}
	}
}

// ApplySelector reads field from the first element sel matches that yields
// a typed value.
func ApplySelector(doc document.Document, sel, field string) (models.Field, bool) {
	for _, el := range doc.Select(sel) {
		text := el.Text()
		if v, ok := valueFor(field, text); ok {
			return models.Field{Value: v, Text: text, Method: MethodMemory, Selector: sel}, true
		}
		if c, ok := el.Attr("content"); ok {
			if v, ok := numericOrText(field, c); ok {
				return models.Field{Value: v, Text: c, Method: MethodMemory, Selector: sel}, true
			}
		}
	}
	return models.Field{}, false
}

// remember records strategy-found selectors into pattern memory.
func (e *Engine) remember(req Request, found models.Fields) {
	if e.patterns == nil {
		return
	}
	for field, f := range found {
		if f.Selector == "" || f.Method == MethodMemory {
			continue
		}
		e.patterns.RecordSuccess(f.Selector, field, float64(f.Confidence)/100, req.Context)
	}
}

type strategyResult struct {
	idx    int
	fields models.Fields
}

// execute runs plan and merges results for missing into into, in plan
// order. It returns the strategies that were started.
func (e *Engine) execute(ctx context.Context, plan Plan, doc document.Document, missing []string, into models.Fields) []Strategy {
	if plan.Parallel {
		return e.executeParallel(ctx, plan, doc, missing, into)
	}

	deadline := time.Now().Add(plan.Timeout)
	var attempted []Strategy
	for _, s := range plan.Strategies {
		if ctx.Err() != nil || (plan.Timeout > 0 && time.Now().After(deadline)) {
			slog.Debug("adapt: plan budget exhausted", "mode", plan.Mode, "attempted", len(attempted))
			break
		}
		attempted = append(attempted, s)
		mergeMissing(into, e.run(s, doc), missing)
		if len(into.Missing(missing)) == 0 {
			break
		}
	}
	return attempted
}

// executeParallel starts every strategy at once and waits until all finish
// or the plan timeout elapses. Completed results are merged in plan order so
// earlier strategies win conflicts; stragglers are abandoned, not killed.
func (e *Engine) executeParallel(ctx context.Context, plan Plan, doc document.Document, missing []string, into models.Fields) []Strategy {
	results := make(chan strategyResult, len(plan.Strategies))
	for i, s := range plan.Strategies {
		go func(i int, s Strategy) {
			results <- strategyResult{idx: i, fields: e.run(s, doc)}
		}(i, s)
	}

	var timeout <-chan time.Time
	if plan.Timeout > 0 {
		t := time.NewTimer(plan.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	done := make([]models.Fields, len(plan.Strategies))
	completed := 0
collect:
	for completed < len(plan.Strategies) {
		select {
		case r := <-results:
			done[r.idx] = r.fields
			completed++
		case <-timeout:
			slog.Info("adapt: parallel plan timed out", "completed", completed, "total", len(plan.Strategies))
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	for _, fields := range done {
		mergeMissing(into, fields, missing)
	}
	return append([]Strategy(nil), plan.Strategies...)
}

// run executes one strategy with panic isolation and records its timing.
func (e *Engine) run(s Strategy, doc document.Document) (out models.Fields) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("adapt: strategy panicked", "strategy", s.String(), "panic", fmt.Sprint(r))
			out = nil
		}
		e.perf.record(s, time.Since(start), len(out) > 0, e.now())
	}()

	fields, err := s.Execute(doc)
	if err != nil {
		slog.Warn("adapt: strategy failed", "strategy", s.String(), "error", err)
		return nil
	}
	return fields
}

func mergeMissing(into, from models.Fields, missing []string) {
	for _, field := range missing {
		if _, have := into[field]; have {
			continue
		}
		if f, ok := from[field]; ok {
			into[field] = f
		}
	}
}

// CreatePlan builds the plan for missing fields from the engine's recent
// performance and current strategy priority, honouring a forced mode.
func (e *Engine) CreatePlan(missing []string) Plan {
	if m, ok := e.forcedMode(); ok {
		return PlanFor(missing, m, e.perf.order())
	}
	return CreatePlan(missing, e.RecentPerformance(), e.perf.order())
}

// RecentPerformance is the success rate over the last adaptation outcomes.
func (e *Engine) RecentPerformance() Performance {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history
	if len(h) > recentWindow {
		h = h[len(h)-recentWindow:]
	}
	if len(h) == 0 {
		return Performance{}
	}
	ok := 0
	for _, o := range h {
		if o.Success {
			ok++
		}
	}
	return Performance{Samples: len(h), SuccessRate: float64(ok) / float64(len(h))}
}

// ForceMode pins every plan to mode for ttl (zero means until cleared).
// An empty mode clears the override.
func (e *Engine) ForceMode(mode Mode, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forced = mode
	e.forcedUntil = time.Time{}
	if mode != "" && ttl > 0 {
		e.forcedUntil = e.now().Add(ttl)
	}
	slog.Info("adapt: mode override", "mode", mode, "ttl", ttl)
}

func (e *Engine) forcedMode() (Mode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forced == "" {
		return "", false
	}
	if !e.forcedUntil.IsZero() && e.now().After(e.forcedUntil) {
		e.forced = ""
		return "", false
	}
	return e.forced, true
}

// OptimizeStrategies rescores strategies over their rolling windows and
// reorders the generic priority.
func (e *Engine) OptimizeStrategies() []StrategyScore {
	scores := e.perf.optimize()
	slog.Info("adapt: strategies optimized", "scored", len(scores), "priority", e.perf.order())
	return scores
}

// Priority returns the current strategy order.
func (e *Engine) Priority() []Strategy { return e.perf.order() }

// Stats returns cumulative per-strategy effectiveness.
func (e *Engine) Stats() map[Strategy]StrategyStats { return e.perf.snapshot() }

// History returns a copy of the bounded outcome history, oldest first.
func (e *Engine) History() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Outcome(nil), e.history...)
}

// ResetPerformance drops strategy stats and the outcome history, so mode
// selection starts over.
func (e *Engine) ResetPerformance() {
	e.perf.resetWindows()
	e.mu.Lock()
	e.history = nil
	e.mu.Unlock()
}

// ResetPriorities restores the catalog order.
func (e *Engine) ResetPriorities() { e.perf.resetPriority() }

// IsAdapting reports whether any adaptation call is in flight.
func (e *Engine) IsAdapting() bool { return e.adapting.Load() > 0 }

func (e *Engine) appendOutcome(o Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, o)
	if len(e.history) > maxHistory {
		e.history = append(e.history[:0:0], e.history[len(e.history)-maxHistory:]...)
	}
}
