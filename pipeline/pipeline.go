// Package pipeline is the extraction worker that drives the self-healing
// layer: it extracts fields page by page, judges batches against a fill-rate
// threshold and hands systemic failures to the healer.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/cache"
	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/heal"
	"github.com/use-agent/selfheal/models"
	"github.com/use-agent/selfheal/simhash"
	"github.com/use-agent/selfheal/webhook"
)

// MethodCache marks fields read through a cached selector.
const MethodCache = "cache"

// ErrNothingExtracted is recorded as an extraction error for a page on which
// no target field was found.
var ErrNothingExtracted = errors.New("no target field extracted")

// Config tunes the pipeline.
type Config struct {
	Targets      []string      // default: models.KnownFields
	MinFillRate  float64       // default: 0.6; batches below this are handed to the healer
	ShiftAlert   int           // default: 12; layout distance logged as a redesign
	ErrorWindow  time.Duration // default: 1h; errors older than this are dropped from Metrics
	OutcomeRing  int           // default: 200; page outcomes behind Metrics.SuccessRate
	CacheEntries int           // default: 10000
	CacheTTL     time.Duration // default: 6h
}

func (c *Config) defaults() {
	if len(c.Targets) == 0 {
		c.Targets = models.KnownFields
	}
	if c.MinFillRate <= 0 {
		c.MinFillRate = 0.6
	}
	if c.ShiftAlert <= 0 {
		c.ShiftAlert = 12
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = time.Hour
	}
	if c.OutcomeRing <= 0 {
		c.OutcomeRing = 200
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = 10000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
}

// Page is one listing page handed to the pipeline.
type Page struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// PageResult is the extraction outcome of one page.
type PageResult struct {
	URL       string        `json:"url"`
	Fields    models.Fields `json:"fields"`
	Missing   []string      `json:"missing"`
	Attempted []string      `json:"attempted,omitempty"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	doc    *document.HTMLDocument
	layout uint64
}

// BatchResult is the outcome of ExtractBatch.
type BatchResult struct {
	Pages       []PageResult  `json:"pages"`
	FillRate    float64       `json:"fill_rate"`
	Healing     *heal.Result  `json:"healing,omitempty"`
	LayoutShift int           `json:"layout_shift"`
	Duration    time.Duration `json:"duration"`
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	engine    *adapt.Engine
	healer    *heal.Healer
	selectors *cache.Cache[string]
	notifier  *webhook.Notifier
	now       func() time.Time

	mu       sync.Mutex
	healthy  map[string]uint64 // host → layout of the last healthy batch
	outcomes []bool
	errs     []heal.ErrorEvent
	perf     map[string]heal.StrategyPerformance
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNotifier sends an alert when healing is exhausted.
func WithNotifier(n *webhook.Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithSelectorCache replaces the default selector cache, e.g. to share it
// with the healer's cache-clear strategy.
func WithSelectorCache(c *cache.Cache[string]) Option {
	return func(p *Pipeline) { p.selectors = c }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New creates a Pipeline. healer may be nil, in which case failing batches
// are only logged.
func New(cfg Config, engine *adapt.Engine, healer *heal.Healer, opts ...Option) *Pipeline {
	cfg.defaults()
	p := &Pipeline{
		cfg:     cfg,
		engine:  engine,
		healer:  healer,
		now:     time.Now,
		healthy: make(map[string]uint64),
		perf:    make(map[string]heal.StrategyPerformance),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.selectors == nil {
		p.selectors = cache.New[string](cfg.CacheEntries, cfg.CacheTTL)
	}
	return p
}

// Selectors returns the selector cache.
func (p *Pipeline) Selectors() *cache.Cache[string] { return p.selectors }

// Targets returns the default target fields.
func (p *Pipeline) Targets() []string { return p.cfg.Targets }

// ExtractPage extracts targets (the configured ones when empty) from one
// page: cached selectors first, then pattern memory and the fallback
// strategies through the adaptation engine.
func (p *Pipeline) ExtractPage(ctx context.Context, page Page, targets []string) PageResult {
	start := time.Now()
	if len(targets) == 0 {
		targets = p.cfg.Targets
	}
	res := PageResult{URL: page.URL, Fields: make(models.Fields)}

	doc, err := document.ParseString(page.HTML)
	if err != nil {
		res.Error = err.Error()
		res.Missing = targets
		res.Duration = time.Since(start)
		p.recordError(page.URL, err)
		return res
	}
	res.doc = doc
	res.layout = simhash.Layout(doc.Root())

	host := hostOf(page.URL)
	for _, field := range targets {
		sel, ok := p.selectors.Get(cache.Key(host, field))
		if !ok {
			continue
		}
		f, ok := adapt.ApplySelector(doc, sel, field)
		if !ok {
			p.selectors.Delete(cache.Key(host, field))
			continue
		}
		f.Method = MethodCache
		res.Fields[field] = f
	}

	if p.engine != nil && len(res.Fields.Missing(targets)) > 0 {
		ar := p.engine.Adapt(ctx, adapt.Request{
			Document: doc,
			Targets:  targets,
			Current:  res.Fields,
			Context:  map[string]any{"url": page.URL, "host": host},
		})
		res.Fields.Merge(ar.Fields)
		for _, s := range ar.Attempted {
			res.Attempted = append(res.Attempted, s.String())
		}
		p.trackStrategies(ar)
	}

	for field, f := range res.Fields {
		if f.Selector != "" && f.Method != MethodCache {
			p.selectors.Set(cache.Key(host, field), f.Selector)
		}
	}

	res.Missing = res.Fields.Missing(targets)
	res.Duration = time.Since(start)
	if p.healer != nil && len(res.Fields) > 0 {
		p.healer.ObserveExtraction(res.Fields)
	}
	if len(targets) > 0 && len(res.Missing) == len(targets) {
		p.recordError(page.URL, ErrNothingExtracted)
	} else {
		p.recordOutcome(len(res.Missing) == 0)
	}
	return res
}

// ExtractBatch extracts every page in order and, when the batch fill rate
// is below the threshold, reports the failure to the healer. Healing that
// runs out of strategies raises an operator alert.
func (p *Pipeline) ExtractBatch(ctx context.Context, pages []Page, targets []string) BatchResult {
	start := time.Now()
	if len(targets) == 0 {
		targets = p.cfg.Targets
	}
	out := BatchResult{Pages: make([]PageResult, 0, len(pages)), LayoutShift: -1}
	if len(pages) == 0 {
		return out
	}

	filled := 0
	for _, page := range pages {
		if ctx.Err() != nil {
			break
		}
		r := p.ExtractPage(ctx, page, targets)
		filled += len(targets) - len(r.Missing)
		out.Pages = append(out.Pages, r)
	}
	if len(out.Pages) == 0 {
		out.Duration = time.Since(start)
		return out
	}
	out.FillRate = float64(filled) / float64(len(out.Pages)*len(targets))

	worst := worstPage(out.Pages)
	host := hostOf(worst.URL)
	out.LayoutShift = p.layoutShift(host, worst)

	if out.FillRate >= p.cfg.MinFillRate {
		if worst.doc != nil {
			p.mu.Lock()
			p.healthy[host] = worst.layout
			p.mu.Unlock()
		}
		out.Duration = time.Since(start)
		return out
	}

	slog.Warn("pipeline: batch below fill rate",
		"host", host,
		"pages", len(out.Pages),
		"fill_rate", out.FillRate,
		"threshold", p.cfg.MinFillRate,
		"layout_shift", out.LayoutShift,
	)
	if out.LayoutShift >= p.cfg.ShiftAlert {
		slog.Warn("pipeline: layout shift detected", "host", host, "distance", out.LayoutShift)
	}

	if p.healer != nil {
		report := heal.Report{
			TargetData:          union(out.Pages),
			AttemptedStrategies: attempted(out.Pages),
			TimeElapsed:         time.Since(start),
			Targets:             targets,
			URL:                 worst.URL,
			LayoutShift:         out.LayoutShift,
		}
		if worst.doc != nil {
			report.Document = worst.doc
		}
		hr := p.healer.AttemptHealing(ctx, report)
		out.Healing = &hr
		if !hr.Success {
			p.alert(hr, report, out.FillRate)
		}
	}
	out.Duration = time.Since(start)
	return out
}

func (p *Pipeline) alert(hr heal.Result, r heal.Report, fillRate float64) {
	slog.Error("pipeline: healing exhausted",
		"attempt", hr.AttemptID,
		"failure_type", hr.Diagnosis.FailureType,
		"severity", hr.Diagnosis.Severity,
		"url", r.URL,
	)
	p.notifier.Notify(&webhook.Event{
		Type:      webhook.EventHealingExhausted,
		ID:        hr.AttemptID,
		Timestamp: p.now().UnixMilli(),
		Data: map[string]any{
			"url":          r.URL,
			"fill_rate":    fillRate,
			"diagnosis":    hr.Diagnosis,
			"trials":       hr.Trials,
			"layout_shift": r.LayoutShift,
		},
	})
}

func (p *Pipeline) layoutShift(host string, r PageResult) int {
	if r.doc == nil {
		return -1
	}
	p.mu.Lock()
	base, ok := p.healthy[host]
	p.mu.Unlock()
	if !ok {
		return -1
	}
	return simhash.Distance(base, r.layout)
}

// Metrics summarises recent pipeline behaviour in the form failure
// prediction consumes. With no pages observed the success rate is 1.
func (p *Pipeline) Metrics() heal.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := heal.Metrics{SuccessRate: 1, Strategies: make(map[string]heal.StrategyPerformance, len(p.perf))}
	if n := len(p.outcomes); n > 0 {
		ok := 0
		for _, o := range p.outcomes {
			if o {
				ok++
			}
		}
		m.SuccessRate = float64(ok) / float64(n)
	}
	cutoff := p.now().Add(-p.cfg.ErrorWindow)
	for _, e := range p.errs {
		if e.At.After(cutoff) {
			m.Errors = append(m.Errors, e)
		}
	}
	for k, v := range p.perf {
		m.Strategies[k] = v
	}
	return m
}

// PredictFailures runs failure prediction over the current metrics and
// alerts on every prediction.
func (p *Pipeline) PredictFailures() []heal.Prediction {
	if p.healer == nil {
		return nil
	}
	preds := p.healer.PredictFailures(p.Metrics())
	for _, pr := range preds {
		slog.Warn("pipeline: failure predicted",
			"type", pr.Type,
			"probability", pr.Probability,
			"timeframe", pr.Timeframe,
			"recommended", pr.Recommended,
		)
	}
	if len(preds) > 0 {
		p.notifier.Notify(&webhook.Event{
			Type:      webhook.EventFailurePredicted,
			ID:        uuid.Must(uuid.NewV7()).String(),
			Timestamp: p.now().UnixMilli(),
			Data:      preds,
		})
	}
	return preds
}

func (p *Pipeline) recordOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes = append(p.outcomes, ok)
	if over := len(p.outcomes) - p.cfg.OutcomeRing; over > 0 {
		p.outcomes = append(p.outcomes[:0], p.outcomes[over:]...)
	}
}

func (p *Pipeline) recordError(rawURL string, err error) {
	msg := err.Error()
	if rawURL != "" {
		msg = rawURL + ": " + msg
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	p.outcomes = append(p.outcomes, false)
	if over := len(p.outcomes) - p.cfg.OutcomeRing; over > 0 {
		p.outcomes = append(p.outcomes[:0], p.outcomes[over:]...)
	}
	p.errs = append(p.errs, heal.ErrorEvent{At: now, Message: msg})
	cutoff := now.Add(-p.cfg.ErrorWindow)
	i := 0
	for i < len(p.errs) && !p.errs[i].At.After(cutoff) {
		i++
	}
	p.errs = p.errs[i:]
}

// trackStrategies credits each attempted strategy with a success when a
// field it produced made it into the result.
func (p *Pipeline) trackStrategies(ar adapt.Result) {
	if len(ar.Attempted) == 0 {
		return
	}
	produced := make(map[string]bool, len(ar.Fields))
	for _, f := range ar.Fields {
		produced[f.Method] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range ar.Attempted {
		name := s.String()
		sp := p.perf[name]
		sp.Attempts++
		if produced[name] {
			sp.Successes++
		}
		p.perf[name] = sp
	}
}

func worstPage(pages []PageResult) PageResult {
	worst := pages[0]
	for _, r := range pages[1:] {
		if len(r.Fields) < len(worst.Fields) {
			worst = r
		}
	}
	return worst
}

func union(pages []PageResult) models.Fields {
	out := make(models.Fields)
	for _, r := range pages {
		out.Merge(r.Fields)
	}
	return out
}

func attempted(pages []PageResult) []string {
	seen := make(map[string]struct{})
	for _, r := range pages {
		for _, s := range r.Attempted {
			seen[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}
