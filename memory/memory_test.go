package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestScore_HighVolumeRecentPattern(t *testing.T) {
	now := time.Now()
	p := &Pattern{SuccessCount: 9, TotalAttempts: 10, AverageSuccessRate: 0.9, LastSuccess: now}
	got := DefaultWeights().Score(p, now)
	// 50 + 36 + 18 + 20 + 18 saturates the clamp.
	if got < 90 || got > 100 {
		t.Errorf("confidence = %d, want within [90,100]", got)
	}
}

func TestScore_Golden(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := &Pattern{
		SuccessCount:       1,
		TotalAttempts:      4,
		AverageSuccessRate: 0.25,
		LastSuccess:        now.Add(-120 * time.Hour),
	}
	// 50 + 40*0.25 + 20*0.1 + 20*0.5 + 20*0.25
	if got := DefaultWeights().Score(p, now); got != 77 {
		t.Errorf("confidence = %d, want 77", got)
	}
}

func TestScore_Clamped(t *testing.T) {
	w := DefaultWeights()
	w.Base = -200
	if got := w.Score(&Pattern{}, time.Now()); got != 0 {
		t.Errorf("confidence = %d, want 0", got)
	}
}

func TestScore_MonotonicInSuccessCount(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	w.Base = 0 // keep the sum below the clamp so every term is visible
	prev := -1
	for sc := 0; sc <= 10; sc++ {
		p := &Pattern{
			SuccessCount:       sc,
			TotalAttempts:      10,
			AverageSuccessRate: float64(sc) / 10,
			LastSuccess:        now.Add(-48 * time.Hour),
		}
		got := w.Score(p, now)
		if got < prev {
			t.Fatalf("successCount %d: confidence %d dropped below %d", sc, got, prev)
		}
		prev = got
	}
}

func TestScore_RecencyDecays(t *testing.T) {
	now := time.Now()
	w := DefaultWeights()
	w.Base = 0
	p := &Pattern{SuccessCount: 1, TotalAttempts: 1, AverageSuccessRate: 1}
	p.LastSuccess = now
	fresh := w.Score(p, now)
	p.LastSuccess = now.Add(-300 * time.Hour)
	stale := w.Score(p, now)
	if fresh-stale != 20 {
		t.Errorf("fresh %d - stale %d = %d, want 20", fresh, stale, fresh-stale)
	}
}

func TestRecordSuccess_CountersAndAverage(t *testing.T) {
	clk := newClock()
	m := New(WithClock(clk.Now))

	m.RecordSuccess("span.price", "price", 1, nil)
	m.RecordSuccess("span.price", "price", 0.5, nil)

	ps := m.ByConfidence("price", 0)
	if len(ps) != 1 {
		t.Fatalf("got %d patterns, want 1", len(ps))
	}
	p := ps[0]
	if p.SuccessCount != 2 || p.TotalAttempts != 2 {
		t.Errorf("counts = %d/%d, want 2/2", p.SuccessCount, p.TotalAttempts)
	}
	if p.AverageSuccessRate != 0.75 {
		t.Errorf("average = %v, want 0.75", p.AverageSuccessRate)
	}
	if !p.FirstSeen.Equal(clk.Now()) {
		t.Errorf("firstSeen = %v, want %v", p.FirstSeen, clk.Now())
	}
}

func TestRecordFailure_DegradesPattern(t *testing.T) {
	clk := newClock()
	m := New(WithClock(clk.Now))

	m.RecordSuccess("h1.title", "title", 1, nil)
	before := m.ByConfidence("title", 0)[0].Confidence
	for i := 0; i < 3; i++ {
		m.RecordFailure("h1.title", "title", "no match", nil)
	}
	clk.Advance(120 * time.Hour)

	p := m.ByConfidence("title", 0)[0]
	if p.SuccessCount > p.TotalAttempts {
		t.Fatalf("successCount %d > totalAttempts %d", p.SuccessCount, p.TotalAttempts)
	}
	if p.TotalAttempts != 4 {
		t.Errorf("totalAttempts = %d, want 4", p.TotalAttempts)
	}
	if math.Abs(p.AverageSuccessRate-0.25) > 1e-9 {
		t.Errorf("average = %v, want 0.25", p.AverageSuccessRate)
	}
	if p.Confidence != 77 {
		t.Errorf("confidence = %d, want 77", p.Confidence)
	}
	if p.Confidence >= before {
		t.Errorf("confidence %d did not drop from %d", p.Confidence, before)
	}
}

func TestRecordSuccess_ContextRingBounded(t *testing.T) {
	m := New()
	for i := 0; i < 15; i++ {
		m.RecordSuccess("span.price", "price", 1, map[string]any{"n": i})
	}
	p := m.ByConfidence("price", 0)[0]
	if len(p.Contexts) != maxPatternContexts {
		t.Fatalf("contexts = %d, want %d", len(p.Contexts), maxPatternContexts)
	}
	if got := p.Contexts[0].Data["n"]; got != 5 {
		t.Errorf("oldest kept context = %v, want 5", got)
	}
}

func TestRecordFailure_RingsBounded(t *testing.T) {
	m := New()
	for i := 0; i < 8; i++ {
		m.RecordFailure("td.rev", "revenue", fmt.Sprintf("reason-%d", i), map[string]any{"n": i})
	}
	f := m.Snapshot().Failures["revenue"]["td.rev"]
	if f.FailureCount != 8 {
		t.Errorf("failureCount = %d, want 8", f.FailureCount)
	}
	if len(f.Reasons) != maxFailureReasons || len(f.Contexts) != maxFailureContexts {
		t.Fatalf("reasons=%d contexts=%d, want %d/%d", len(f.Reasons), len(f.Contexts), maxFailureReasons, maxFailureContexts)
	}
	if f.Reasons[0] != "reason-3" {
		t.Errorf("oldest reason = %q, want reason-3", f.Reasons[0])
	}
}

func TestSuggestNext(t *testing.T) {
	w := DefaultWeights()
	w.Base = 0
	clk := newClock()
	m := New(WithClock(clk.Now), WithWeights(w))

	if _, ok := m.SuggestNext("price", nil); ok {
		t.Fatal("empty memory produced a suggestion")
	}

	for i := 0; i < 5; i++ {
		m.RecordSuccess("span.price", "price", 1, nil)
	}
	m.RecordSuccess("div.cost", "price", 0.6, nil)
	clk.Advance(time.Minute)
	m.RecordSuccess("b.amount", "price", 0.6, nil)

	s, ok := m.SuggestNext("price", nil)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if s.Pattern.Selector != "span.price" {
		t.Errorf("best = %q, want span.price", s.Pattern.Selector)
	}
	if len(s.Alternatives) != 2 {
		t.Fatalf("alternatives = %d, want 2", len(s.Alternatives))
	}
	// Equal confidence, so the more recent success ranks first.
	if s.Alternatives[0].Selector != "b.amount" {
		t.Errorf("first alternative = %q, want b.amount", s.Alternatives[0].Selector)
	}

	s, ok = m.SuggestNext("price", []string{"span.price"})
	if !ok || s.Pattern.Selector == "span.price" {
		t.Errorf("excluded selector suggested: %+v", s)
	}
}

func TestSuggestNext_NeverBelowThreshold(t *testing.T) {
	w := DefaultWeights()
	w.Base = -40
	clk := newClock()
	m := New(WithClock(clk.Now), WithWeights(w))

	m.RecordSuccess("weak", "title", 0.1, nil)
	m.RecordFailure("weak", "title", "", nil)
	m.RecordSuccess("strong", "title", 1, nil)
	m.RecordSuccess("strong", "title", 1, nil)

	s, ok := m.SuggestNext("title", nil)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	for _, p := range append([]Pattern{s.Pattern}, s.Alternatives...) {
		if p.Confidence <= minSuggestConfidence {
			t.Errorf("suggested %q with confidence %d", p.Selector, p.Confidence)
		}
	}
}

func TestSuggestNext_AlternativesCapped(t *testing.T) {
	m := New()
	for i := 0; i < 8; i++ {
		m.RecordSuccess(fmt.Sprintf("sel-%d", i), "price", 1, nil)
	}
	s, ok := m.SuggestNext("price", nil)
	if !ok {
		t.Fatal("expected a suggestion")
	}
	if len(s.Alternatives) != maxAlternatives {
		t.Errorf("alternatives = %d, want %d", len(s.Alternatives), maxAlternatives)
	}
}

func TestByConfidence_Descending(t *testing.T) {
	m := New()
	m.RecordSuccess("a", "price", 0.2, nil)
	m.RecordSuccess("b", "price", 1, nil)
	m.RecordFailure("a", "price", "", nil)

	ps := m.ByConfidence("price", 0)
	if len(ps) != 2 || ps[0].Selector != "b" {
		t.Fatalf("order = %+v", ps)
	}
	if ps := m.ByConfidence("price", 101); len(ps) != 0 {
		t.Errorf("min 101 returned %d patterns", len(ps))
	}
}

func TestAdaptToFailures_BroadChange(t *testing.T) {
	clk := newClock()
	m := New(WithClock(clk.Now), WithBroadChange(24*time.Hour, 10))

	for i := 0; i < 6; i++ {
		m.RecordFailure("span.price", "price", "gone", nil)
		m.RecordFailure("h1", "title", "gone", nil)
	}
	a := m.AdaptToFailures("span.price", nil)
	if !a.BroadChange || a.Recommendation != RecommendFullRescan {
		t.Errorf("got %+v, want broad change", a)
	}
	if a.RecentFailures != 12 {
		t.Errorf("recentFailures = %d, want 12", a.RecentFailures)
	}

	clk.Advance(25 * time.Hour)
	if a := m.AdaptToFailures("span.price", nil); a.BroadChange {
		t.Errorf("failures outside the window counted: %+v", a)
	}
}

func TestAdaptToFailures_OldHistoryNotCounted(t *testing.T) {
	clk := newClock()
	m := New(WithClock(clk.Now), WithBroadChange(24*time.Hour, 10))

	for i := 0; i < 20; i++ {
		m.RecordFailure("span.price", "price", "gone", nil)
	}
	clk.Advance(30 * 24 * time.Hour)
	m.RecordFailure("span.price", "price", "gone", nil)

	a := m.AdaptToFailures("span.price", nil)
	if a.BroadChange || a.Recommendation == RecommendFullRescan {
		t.Errorf("old failures counted as a broad change: %+v", a)
	}
	if a.RecentFailures != 1 {
		t.Errorf("recentFailures = %d, want 1", a.RecentFailures)
	}
	if got := m.Snapshot().Failures["price"]["span.price"].FailureCount; got != 21 {
		t.Errorf("lifetime failureCount = %d, want 21", got)
	}
}

func TestAppendRecent(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return base.Add(time.Duration(h) * time.Hour) }

	tests := []struct {
		name   string
		ring   []time.Time
		cutoff time.Time
		limit  int
		want   int
	}{
		{"empty", nil, at(0), 5, 1},
		{"drops expired", []time.Time{at(1), at(2), at(30)}, at(10), 5, 2},
		{"capped", []time.Time{at(11), at(12), at(13)}, at(10), 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendRecent(tt.ring, at(40), tt.cutoff, tt.limit)
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d (%v)", len(got), tt.want, got)
			}
			if !got[len(got)-1].Equal(at(40)) {
				t.Errorf("newest = %v, want %v", got[len(got)-1], at(40))
			}
		})
	}
}

func TestAdaptToFailures_SimilarSelectors(t *testing.T) {
	m := New()
	m.RecordSuccess("div.listing > span.price-value", "price", 1, nil)
	m.RecordSuccess("table.financials td", "revenue", 1, nil)
	m.RecordFailure("div.listing > span.price", "price", "empty", nil)

	a := m.AdaptToFailures("div.listing > span.price", nil)
	if a.Recommendation != RecommendTryAlternatives {
		t.Fatalf("recommendation = %q, want try-alternatives", a.Recommendation)
	}
	if len(a.Alternatives) != 1 || a.Alternatives[0].Selector != "div.listing > span.price-value" {
		t.Errorf("alternatives = %+v", a.Alternatives)
	}
}

func TestAdaptToFailures_Nothing(t *testing.T) {
	m := New()
	if a := m.AdaptToFailures("x", nil); a.Recommendation != RecommendNone {
		t.Errorf("recommendation = %q, want none", a.Recommendation)
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"div.price", "div.price", 1},
		{"div.price", "span.price", 0.5},
		{"a.b.c.d", "a.x", 0.25},
		{"", "div", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			got := tokenOverlap(selectorTokens(tt.a), selectorTokens(tt.b))
			if got != tt.want {
				t.Errorf("overlap = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	clk := newClock()
	m := New(WithClock(clk.Now))

	m.RecordSuccess("old", "price", 1, nil)
	clk.Advance(40 * 24 * time.Hour)
	m.RecordSuccess("fresh", "price", 1, nil)
	m.RecordSuccess("weak", "title", 0, nil)
	for i := 0; i < 5; i++ {
		m.RecordFailure("weak", "title", "", nil)
	}

	if got := m.Cleanup(30, 80); got != 2 {
		t.Fatalf("first cleanup removed %d, want 2", got)
	}
	if got := m.Cleanup(30, 80); got != 0 {
		t.Errorf("second cleanup removed %d, want 0", got)
	}
	if ps := m.ByConfidence("price", 0); len(ps) != 1 || ps[0].Selector != "fresh" {
		t.Errorf("survivors = %+v", ps)
	}
	if got := m.DataTypes(); len(got) != 1 || got[0] != "price" {
		t.Errorf("data types = %v", got)
	}
}

func TestCleanup_ConcurrentWithReads(t *testing.T) {
	m := New()
	for i := 0; i < 50; i++ {
		m.RecordSuccess(fmt.Sprintf("sel-%d", i), "price", float64(i%2), nil)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Cleanup(30, 95)
		}()
		go func() {
			defer wg.Done()
			m.SuggestNext("price", nil)
			m.ByConfidence("price", 0)
		}()
	}
	wg.Wait()
	for _, p := range m.ByConfidence("price", 0) {
		if p.Confidence < 95 {
			t.Errorf("pattern %q with confidence %d survived", p.Selector, p.Confidence)
		}
	}
}

func TestRecord_ConcurrentNoLostIncrements(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.RecordSuccess("span.price", "price", 1, nil)
			}
		}()
	}
	wg.Wait()
	if got := m.ByConfidence("price", 0)[0].SuccessCount; got != 1000 {
		t.Errorf("successCount = %d, want 1000", got)
	}
}

func TestReset_ReseedsBaseline(t *testing.T) {
	m := New()
	m.RecordSuccess("stale", "price", 1, nil)
	m.RecordFailure("stale", "price", "", nil)

	m.Reset([]Seed{{Selector: "[itemprop=price]", DataType: "price"}})

	snap := m.Snapshot()
	if len(snap.Failures) != 0 {
		t.Errorf("failures survived reset: %v", snap.Failures)
	}
	if _, ok := snap.Patterns["price"]["stale"]; ok {
		t.Error("stale pattern survived reset")
	}
	p := snap.Patterns["price"]["[itemprop=price]"]
	if p == nil || p.AverageSuccessRate != 1 {
		t.Errorf("baseline pattern = %+v", p)
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	m := New()
	m.RecordSuccess("a", "price", 1, nil)
	snap := m.Snapshot()
	snap.Patterns["price"]["a"].SuccessCount = 99
	if got := m.ByConfidence("price", 0)[0].SuccessCount; got != 1 {
		t.Errorf("snapshot mutation leaked: successCount = %d", got)
	}
}

type failingStore struct {
	saves int
	mu    sync.Mutex
}

func (s *failingStore) Load(context.Context) (*Snapshot, error) {
	return nil, errors.New("disk on fire")
}

func (s *failingStore) Save(context.Context, *Snapshot) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return errors.New("disk on fire")
}

func (s *failingStore) Backup(context.Context, string, *Snapshot) error {
	return errors.New("disk on fire")
}

func (s *failingStore) Close() error { return nil }

func TestMemory_StoreFailuresDegrade(t *testing.T) {
	st := &failingStore{}
	m := New(WithStore(st), WithFlushPolicy(1, 0))
	m.Load(context.Background())

	m.RecordSuccess("span.price", "price", 1, nil)
	if err := m.Flush(context.Background()); err == nil {
		t.Error("Flush should surface the store error")
	}
	if ps := m.ByConfidence("price", 0); len(ps) != 1 {
		t.Errorf("in-memory state lost after store failure: %+v", ps)
	}
	if got := m.Stats().Dirty; got == 0 {
		t.Error("failed save should keep mutations pending")
	}
}

func TestMemory_FlushPolicyByCount(t *testing.T) {
	path := t.TempDir() + "/patterns.json"
	m := New(WithStore(NewFileStore(path)), WithFlushPolicy(3, 0))

	for i := 0; i < 3; i++ {
		m.RecordSuccess("span.price", "price", 1, nil)
	}
	m.saves.Wait()

	snap, err := NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap == nil {
		t.Fatal("count-triggered flush did not write the file")
	}
	if got := snap.Patterns["price"]["span.price"].SuccessCount; got != 3 {
		t.Errorf("persisted successCount = %d, want 3", got)
	}
}

func TestMemory_FlushPolicyByInterval(t *testing.T) {
	clk := newClock()
	path := t.TempDir() + "/patterns.json"
	m := New(WithStore(NewFileStore(path)), WithClock(clk.Now), WithFlushPolicy(0, time.Minute))

	m.RecordSuccess("a", "price", 1, nil)
	m.saves.Wait()
	if snap, _ := NewFileStore(path).Load(context.Background()); snap != nil {
		t.Fatal("flushed before the interval elapsed")
	}

	clk.Advance(2 * time.Minute)
	m.RecordSuccess("a", "price", 1, nil)
	m.saves.Wait()
	if snap, _ := NewFileStore(path).Load(context.Background()); snap == nil {
		t.Fatal("interval-triggered flush did not write the file")
	}
}

func TestMemory_FlushWhileRecording(t *testing.T) {
	path := t.TempDir() + "/patterns.json"
	m := New(WithStore(NewFileStore(path)), WithFlushPolicy(1, 0))

	var wg, ready sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		ready.Add(1)
		go func(w int) {
			defer wg.Done()
			m.RecordSuccess(fmt.Sprintf("span.w%d", w), "price", 1, nil)
			ready.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				m.RecordSuccess(fmt.Sprintf("span.w%d", w), "price", 1, nil)
				if i%3 == 0 {
					m.RecordFailure("span.gone", "price", "empty", nil)
				}
			}
		}(w)
	}
	ready.Wait()
	for i := 0; i < 50; i++ {
		if err := m.Flush(context.Background()); err != nil {
			t.Errorf("flush %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	snap, err := NewFileStore(path).Load(context.Background())
	if err != nil || snap == nil {
		t.Fatalf("load: %v, %v", snap, err)
	}
	if got := len(snap.Patterns["price"]); got != 4 {
		t.Errorf("persisted patterns = %d, want 4", got)
	}
}

func TestMemory_CloseFlushesAndReloads(t *testing.T) {
	path := t.TempDir() + "/patterns.json"
	m := New(WithStore(NewFileStore(path)), WithFlushPolicy(0, 0))
	m.RecordSuccess("span.price", "price", 1, map[string]any{"url": "https://example.com/1"})
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	m2 := New(WithStore(NewFileStore(path)))
	m2.Load(context.Background())
	ps := m2.ByConfidence("price", 0)
	if len(ps) != 1 || ps[0].Selector != "span.price" {
		t.Fatalf("reloaded patterns = %+v", ps)
	}
	if got := ps[0].Contexts[0].Data["url"]; got != "https://example.com/1" {
		t.Errorf("context url = %v", got)
	}
}
