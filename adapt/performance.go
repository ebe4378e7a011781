package adapt

import (
	"sort"
	"sync"
	"time"
)

const perfWindow = 50

// StrategyStats is the cumulative effectiveness of one strategy.
type StrategyStats struct {
	Attempts      int           `json:"attempts"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	TotalDuration time.Duration `json:"total_duration"`
	LastUsed      time.Time     `json:"last_used"`
}

// StrategyScore is one row of an optimisation pass.
type StrategyScore struct {
	Strategy    Strategy      `json:"strategy"`
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	Score       float64       `json:"score"`
}

type sample struct {
	d  time.Duration
	ok bool
}

// tracker keeps cumulative stats and a rolling window per strategy.
type tracker struct {
	mu       sync.Mutex
	stats    map[Strategy]*StrategyStats
	window   map[Strategy][]sample
	priority []Strategy
}

func newTracker() *tracker {
	return &tracker{
		stats:    make(map[Strategy]*StrategyStats),
		window:   make(map[Strategy][]sample),
		priority: append([]Strategy(nil), Strategies...),
	}
}

func (t *tracker) record(s Strategy, d time.Duration, ok bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats[s]
	if st == nil {
		st = &StrategyStats{}
		t.stats[s] = st
	}
	st.Attempts++
	if ok {
		st.Successes++
	} else {
		st.Failures++
	}
	st.TotalDuration += d
	st.LastUsed = at

	w := append(t.window[s], sample{d: d, ok: ok})
	if len(w) > perfWindow {
		w = w[len(w)-perfWindow:]
	}
	t.window[s] = w
}

func (t *tracker) snapshot() map[Strategy]StrategyStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Strategy]StrategyStats, len(t.stats))
	for s, st := range t.stats {
		out[s] = *st
	}
	return out
}

func (t *tracker) order() []Strategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Strategy(nil), t.priority...)
}

// optimize scores every strategy over its window as
// successRate * 1000 / avgMs and stores the resulting priority. Strategies
// without samples keep their previous relative order after the scored ones.
func (t *tracker) optimize() []StrategyScore {
	t.mu.Lock()
	defer t.mu.Unlock()

	var scores []StrategyScore
	for _, s := range Strategies {
		w := t.window[s]
		if len(w) == 0 {
			continue
		}
		var total time.Duration
		ok := 0
		for _, smp := range w {
			total += smp.d
			if smp.ok {
				ok++
			}
		}
		avg := total / time.Duration(len(w))
		ms := float64(avg) / float64(time.Millisecond)
		if ms < 1 {
			ms = 1
		}
		rate := float64(ok) / float64(len(w))
		scores = append(scores, StrategyScore{
			Strategy:    s,
			Samples:     len(w),
			SuccessRate: rate,
			AvgDuration: avg,
			Score:       rate * 1000 / ms,
		})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })

	ranked := make(map[Strategy]bool, len(scores))
	priority := make([]Strategy, 0, len(Strategies))
	for _, sc := range scores {
		priority = append(priority, sc.Strategy)
		ranked[sc.Strategy] = true
	}
	for _, s := range t.priority {
		if !ranked[s] {
			priority = append(priority, s)
		}
	}
	t.priority = priority
	return scores
}

func (t *tracker) resetWindows() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = make(map[Strategy]*StrategyStats)
	t.window = make(map[Strategy][]sample)
}

func (t *tracker) resetPriority() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = append([]Strategy(nil), Strategies...)
}
