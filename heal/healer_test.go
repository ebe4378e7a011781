package heal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/selfheal/adapt"
	"github.com/use-agent/selfheal/document"
	"github.com/use-agent/selfheal/memory"
	"github.com/use-agent/selfheal/models"
)

type fakeAdapter struct {
	mu         sync.Mutex
	fields     models.Fields
	scores     []adapt.StrategyScore
	priority   []adapt.Strategy
	forced     adapt.Mode
	adaptCalls int
	resetPerf  int
	resetPrio  int
}

func (f *fakeAdapter) Adapt(_ context.Context, req adapt.Request) adapt.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adaptCalls++
	return adapt.Result{Fields: f.fields.Clone(), Missing: req.Current.Missing(req.Targets)}
}

func (f *fakeAdapter) OptimizeStrategies() []adapt.StrategyScore { return f.scores }

func (f *fakeAdapter) ForceMode(m adapt.Mode, _ time.Duration) {
	f.mu.Lock()
	f.forced = m
	f.mu.Unlock()
}

func (f *fakeAdapter) ResetPerformance() { f.resetPerf++ }
func (f *fakeAdapter) ResetPriorities()  { f.resetPrio++ }

func (f *fakeAdapter) Priority() []adapt.Strategy {
	if f.priority == nil {
		return adapt.Strategies
	}
	return f.priority
}

type fakePatterns struct {
	backupErr error
	backups   []string
	baseline  []memory.Seed
	seeded    []memory.Seed
	resets    int
}

func (p *fakePatterns) Seed(seeds []memory.Seed, _ string) { p.seeded = append(p.seeded, seeds...) }

func (p *fakePatterns) Reset(baseline []memory.Seed) {
	p.resets++
	p.baseline = baseline
}

func (p *fakePatterns) Backup(_ context.Context, label string) error {
	if p.backupErr != nil {
		return p.backupErr
	}
	p.backups = append(p.backups, label)
	return nil
}

type fakeCache struct{ cleared int }

func (c *fakeCache) Clear() { c.cleared++ }

func mustDoc(t *testing.T) document.Document {
	t.Helper()
	doc, err := document.ParseString(`<body><span>$45,000</span></body>`)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestDiagnose_CompleteFailureHighSeverity(t *testing.T) {
	h := New(Config{}, nil, nil)
	d := h.Diagnose(Report{
		TargetData:          models.Fields{},
		AttemptedStrategies: []string{"a", "b", "c", "d", "e", "f"},
	})
	if d.FailureType != CompleteFailure || d.Severity != SeverityHigh {
		t.Errorf("diagnosis = %+v", d)
	}
	want := []Strategy{FullReset, PatternRegeneration, FallbackActivation}
	if !reflect.DeepEqual(d.Recommended, want) {
		t.Errorf("recommended = %v, want %v", d.Recommended, want)
	}
}

func TestClassifyFailure(t *testing.T) {
	some := models.Fields{"price": {Value: 1.0}}
	many := models.Fields{"price": {}, "title": {}, "revenue": {}, "multiple": {}}
	th := DefaultThresholds()

	tests := []struct {
		name     string
		report   Report
		want     FailureType
		severity Severity
	}{
		{"nothing recovered", Report{}, CompleteFailure, SeverityLow},
		{"four distinct strategies", Report{TargetData: some, AttemptedStrategies: []string{"a", "b", "c", "d"}}, SelectorBroken, SeverityLow},
		{"repeats are not distinct", Report{TargetData: some, AttemptedStrategies: []string{"a", "a", "b", "b"}}, PartialFailure, SeverityLow},
		{"slow", Report{TargetData: some, TimeElapsed: 31 * time.Second}, PerformanceDegraded, SeverityLow},
		{"partial with many fields", Report{TargetData: many, TimeElapsed: time.Second}, PartialFailure, SeverityMedium},
		{"six attempts", Report{TargetData: many, AttemptedStrategies: []string{"a", "b", "c", "d", "e", "f"}}, SelectorBroken, SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.ClassifyFailure(tt.report); got != tt.want {
				t.Errorf("ClassifyFailure = %q, want %q", got, tt.want)
			}
			if got := th.AssessSeverity(tt.report); got != tt.severity {
				t.Errorf("AssessSeverity = %q, want %q", got, tt.severity)
			}
		})
	}
}

func TestAttemptHealing_NeverExceedsMaxAttempts(t *testing.T) {
	for _, limit := range []int{1, 2, 3} {
		pat := &fakePatterns{backupErr: errors.New("read-only")}
		h := New(Config{MaxHealingAttempts: limit}, nil, pat)

		res := h.AttemptHealing(context.Background(), Report{})
		if len(res.Trials) > limit {
			t.Errorf("max %d: ran %d trials", limit, len(res.Trials))
		}
		if res.Success {
			t.Errorf("max %d: unexpected success %+v", limit, res)
		}
		hist := h.History()
		if len(hist) != 1 || hist[0].Status != StatusFailed || hist[0].StrategiesTried != len(res.Trials) {
			t.Errorf("max %d: history = %+v", limit, hist)
		}
		if pat.resets != 0 {
			t.Errorf("max %d: reset ran despite failed backup", limit)
		}
	}
}

func TestAttemptHealing_StopsAtFirstSuccess(t *testing.T) {
	ad := &fakeAdapter{fields: models.Fields{"price": {Value: 45000.0, Method: "price-specific-scan"}}}
	h := New(Config{}, ad, &fakePatterns{})

	res := h.AttemptHealing(context.Background(), Report{
		TargetData:          models.Fields{"title": {Value: "x"}},
		AttemptedStrategies: []string{"a", "b", "c", "d"},
		Targets:             []string{"title", "price"},
		Document:            mustDoc(t),
	})
	if !res.Success || res.Strategy != SelectorRefresh || len(res.Trials) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Recovered["price"].Value != 45000.0 {
		t.Errorf("recovered = %+v", res.Recovered)
	}
	if got := h.History()[0].Status; got != StatusSuccessful {
		t.Errorf("status = %q", got)
	}
	if _, err := uuid.Parse(res.AttemptID); err != nil {
		t.Errorf("attempt id %q: %v", res.AttemptID, err)
	} else if v := uuid.MustParse(res.AttemptID).Version(); v != 7 {
		t.Errorf("attempt id version = %d, want 7", v)
	}
}

func TestAttemptHealing_EscalatesAndWaits(t *testing.T) {
	ad := &fakeAdapter{}
	h := New(Config{AutoRecoveryDelay: 20 * time.Millisecond}, ad, &fakePatterns{})

	// selector-broken: selector-refresh fails without a document, then
	// pattern-regeneration fails with nothing observed, then cache-clear.
	res := h.AttemptHealing(context.Background(), Report{
		TargetData:          models.Fields{"title": {}},
		AttemptedStrategies: []string{"a", "b", "c", "d"},
	})
	if !res.Success || res.Strategy != CacheClear || len(res.Trials) != 3 {
		t.Fatalf("result = %+v", res)
	}
	if res.Duration < 40*time.Millisecond {
		t.Errorf("duration %v shorter than two recovery delays", res.Duration)
	}
	if ad.resetPerf != 1 {
		t.Errorf("cache-clear did not reset adaptation performance")
	}

	eff := h.Effectiveness()
	if eff[SelectorRefresh].Failures != 1 || eff[CacheClear].Successes != 1 {
		t.Errorf("effectiveness = %+v", eff)
	}
}

func TestAttemptHealing_CancelledBetweenTrials(t *testing.T) {
	h := New(Config{AutoRecoveryDelay: time.Hour}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := h.AttemptHealing(ctx, Report{})
	if res.Success || len(res.Trials) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestFullReset(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pat := &fakePatterns{}
	ad := &fakeAdapter{}
	c := &fakeCache{}
	baseline := []memory.Seed{{Selector: `[itemprop="price"]`, DataType: "price"}}
	h := New(Config{Baseline: baseline}, ad, pat, WithCaches(c), WithClock(func() time.Time { return at }))

	res := h.AttemptHealing(context.Background(), Report{})
	if !res.Success || res.Strategy != FullReset {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(pat.backups, []string{"pre-reset-20260301T120000Z"}) {
		t.Errorf("backups = %v", pat.backups)
	}
	if pat.resets != 1 || !reflect.DeepEqual(pat.baseline, baseline) {
		t.Errorf("reset = %d baseline %v", pat.resets, pat.baseline)
	}
	if c.cleared != 1 || ad.resetPrio != 1 {
		t.Errorf("cache cleared %d, priorities reset %d", c.cleared, ad.resetPrio)
	}
}

func TestPatternRegeneration(t *testing.T) {
	pat := &fakePatterns{}
	h := New(Config{}, nil, pat)
	h.ObserveExtraction(models.Fields{"price": {Selector: "span.price"}, "title": {Selector: "h1"}})
	h.ObserveExtraction(models.Fields{"price": {Selector: "span.price"}})
	h.ObserveExtraction(models.Fields{"price": {Selector: "div.cost"}, "revenue": {}})

	ok, _ := h.regeneratePatterns()
	if !ok {
		t.Fatal("regeneration failed")
	}
	got := make(map[string]float64)
	for _, s := range pat.seeded {
		got[s.DataType+" "+s.Selector] = s.SuccessRate
	}
	want := map[string]float64{
		"price span.price": 2.0 / 3.0,
		"price div.cost":   1.0 / 3.0,
		"title h1":         1,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("seeds = %v, want %v", got, want)
	}
}

func TestObserveExtraction_Bounded(t *testing.T) {
	h := New(Config{RecentExtractions: 5}, nil, nil)
	for i := 0; i < 12; i++ {
		h.ObserveExtraction(models.Fields{"price": {Selector: "x"}})
	}
	if got := len(h.recent); got != 5 {
		t.Errorf("recent = %d, want 5", got)
	}
}

func TestFallbackActivation(t *testing.T) {
	ad := &fakeAdapter{}
	h := New(Config{}, ad, nil)
	ok, _, _ := h.activateFallback(context.Background(), Report{})
	if !ok || ad.forced != adapt.Aggressive {
		t.Errorf("ok=%v forced=%q", ok, ad.forced)
	}
}

func TestPredictFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := New(Config{}, nil, nil, WithClock(func() time.Time { return now }))

	var errs []ErrorEvent
	for i := 0; i < 6; i++ {
		errs = append(errs, ErrorEvent{At: now.Add(-time.Duration(i) * time.Minute)})
	}
	errs = append(errs, ErrorEvent{At: now.Add(-2 * time.Hour)})

	got := h.PredictFailures(Metrics{
		SuccessRate: 0.4,
		Errors:      errs,
		Strategies: map[string]StrategyPerformance{
			"deep-scan":           {Attempts: 20, Successes: 2},
			"fuzzy-matching":      {Attempts: 10, Successes: 0},
			"selector-refinement": {Attempts: 30, Successes: 25},
		},
	})
	want := []Prediction{
		{Type: LowSuccessRate, Probability: 0.8, Timeframe: "1-2 hours", Recommended: SelectorRefresh},
		{Type: HighErrorRate, Probability: 0.7, Timeframe: "30 minutes", Recommended: CacheClear},
		{Type: StrategyFailure, Probability: 0.9, Timeframe: "immediate", Strategy: "deep-scan", Recommended: StrategyReorder},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("predictions = %+v\nwant %+v", got, want)
	}

	if got := h.PredictFailures(Metrics{SuccessRate: 0.9, Errors: errs[:5]}); len(got) != 0 {
		t.Errorf("healthy metrics predicted %+v", got)
	}
}

func TestExportTo(t *testing.T) {
	h := New(Config{MaxHealingAttempts: 1}, nil, &fakePatterns{})
	h.AttemptHealing(context.Background(), Report{})

	var buf bytes.Buffer
	if err := h.ExportTo(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(buf.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.History) != 1 || snap.History[0].Diagnosis.FailureType != CompleteFailure {
		t.Errorf("history = %+v", snap.History)
	}
	if snap.Effectiveness[FullReset].Attempts != 1 {
		t.Errorf("effectiveness = %+v", snap.Effectiveness)
	}
	if snap.Timestamp.IsZero() {
		t.Error("export has no timestamp")
	}
}

func TestRecalibrateStrategies(t *testing.T) {
	ad := &fakeAdapter{scores: []adapt.StrategyScore{{Strategy: adapt.SelectorRefinement, Score: 10}}}
	h := New(Config{MaxHealingAttempts: 1}, ad, &fakePatterns{})
	h.AttemptHealing(context.Background(), Report{}) // one full-reset success

	rc := h.RecalibrateStrategies()
	if !rc.Valid {
		t.Fatalf("issues = %v", rc.Issues)
	}
	if rc.Weights[FullReset] != 2.0/3.0 || rc.Weights[CacheClear] != 0.5 {
		t.Errorf("weights = %v", rc.Weights)
	}
	if len(h.Weights()) != len(Strategies) {
		t.Errorf("weights not stored: %v", h.Weights())
	}

	ad.priority = []adapt.Strategy{adapt.DeepScan}
	before := ad.resetPrio
	rc = h.RecalibrateStrategies()
	if rc.Valid || ad.resetPrio != before+1 {
		t.Errorf("broken priority accepted: %+v", rc)
	}
}

func TestRecommended_Order(t *testing.T) {
	tests := []struct {
		ft   FailureType
		want []Strategy
	}{
		{CompleteFailure, []Strategy{FullReset, PatternRegeneration, FallbackActivation}},
		{SelectorBroken, []Strategy{SelectorRefresh, PatternRegeneration, CacheClear}},
		{PerformanceDegraded, []Strategy{StrategyReorder, CacheClear}},
		{PartialFailure, []Strategy{SelectorRefresh, StrategyReorder, FallbackActivation}},
	}
	for _, tt := range tests {
		got := Recommended[tt.ft]
		if len(got) != len(tt.want) {
			t.Errorf("%s: %v, want %v", tt.ft, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: %v, want %v", tt.ft, got, tt.want)
				break
			}
		}
	}
}
