package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ResolutionReport is the JSON body of GET /v1/perf/resolution.
type ResolutionReport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Outcomes    []OutcomeWindow `json:"outcomes"`
	Stages      []StageLatency  `json:"stages"`
	Prompts     PromptRates     `json:"prompts"`
}

// OutcomeWindow describes how long prompts stayed on screen before ending
// with Outcome. Total counts every resolution; the percentiles only cover
// the last WindowSize ones that came from a websocket prompt.
type OutcomeWindow struct {
	Outcome    string  `json:"outcome"`
	Total      int     `json:"total"`
	Samples    int     `json:"samples"`
	ShownP50MS float64 `json:"shown_p50_ms"`
	ShownP95MS float64 `json:"shown_p95_ms"`
	ShownMaxMS float64 `json:"shown_max_ms"`
}

// StageLatency covers one internal step of the prompt pipeline.
type StageLatency struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// PromptRates summarizes prompt traffic since start. DismissRate is
// dismissed/shown and ResolveRate is resolutions/shown.
type PromptRates struct {
	Shown       int     `json:"shown"`
	Hidden      int     `json:"hidden"`
	Dismissed   int     `json:"dismissed"`
	Suppressed  int     `json:"suppressed"`
	Unchanged   int     `json:"unchanged"`
	DismissRate float64 `json:"dismiss_rate"`
	ResolveRate float64 `json:"resolve_rate"`
}

var stageTargets = map[string]time.Duration{
	"snapshot_to_show": 50 * time.Millisecond,
	"mark_displayed":   200 * time.Millisecond,
	"resolve_store":    500 * time.Millisecond,
}

// durations is a fixed-size ring of recent samples.
type durations struct {
	buf  []time.Duration
	head int
	n    int
}

func (d *durations) add(v time.Duration) {
	d.buf[d.head] = v
	d.head = (d.head + 1) % len(d.buf)
	if d.n < len(d.buf) {
		d.n++
	}
}

func (d *durations) sorted() []time.Duration {
	out := make([]time.Duration, d.n)
	copy(out, d.buf[:d.n])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type resolutionTracker struct {
	mu       sync.Mutex
	size     int
	totals   map[string]int
	shownFor map[string]*durations
	stages   map[string]*durations
	prompts  map[string]int
}

func newResolutionTracker(size int) *resolutionTracker {
	if size <= 0 {
		size = 256
	}
	return &resolutionTracker{
		size:     size,
		totals:   make(map[string]int),
		shownFor: make(map[string]*durations),
		stages:   make(map[string]*durations),
		prompts:  make(map[string]int),
	}
}

func (t *resolutionTracker) ring(m map[string]*durations, key string) *durations {
	d, ok := m[key]
	if !ok {
		d = &durations{buf: make([]time.Duration, t.size)}
		m[key] = d
	}
	return d
}

func (t *resolutionTracker) resolution(outcome string, shownFor time.Duration) {
	if outcome == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[outcome]++
	if shownFor > 0 {
		t.ring(t.shownFor, outcome).add(shownFor)
	}
}

func (t *resolutionTracker) stage(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring(t.stages, stage).add(d)
}

func (t *resolutionTracker) prompt(event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prompts[event]++
}

func (t *resolutionTracker) report() ResolutionReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	rep := ResolutionReport{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  t.size,
		Outcomes:    []OutcomeWindow{},
		Stages:      []StageLatency{},
	}

	resolved := 0
	for _, outcome := range sortedKeys(t.totals) {
		w := OutcomeWindow{Outcome: outcome, Total: t.totals[outcome]}
		resolved += w.Total
		if d, ok := t.shownFor[outcome]; ok && d.n > 0 {
			s := d.sorted()
			w.Samples = len(s)
			w.ShownP50MS = millis(percentile(s, 0.50))
			w.ShownP95MS = millis(percentile(s, 0.95))
			w.ShownMaxMS = millis(s[len(s)-1])
		}
		rep.Outcomes = append(rep.Outcomes, w)
	}

	for _, stage := range sortedKeys(t.stages) {
		s := t.stages[stage].sorted()
		if len(s) == 0 {
			continue
		}
		p95 := percentile(s, 0.95)
		sl := StageLatency{
			Stage:   stage,
			Samples: len(s),
			P50MS:   millis(percentile(s, 0.50)),
			P95MS:   millis(p95),
		}
		if target, ok := stageTargets[stage]; ok {
			sl.TargetP95MS = millis(target)
			sl.OverTarget = p95 > target
		}
		rep.Stages = append(rep.Stages, sl)
	}

	p := PromptRates{
		Shown:      t.prompts["shown"],
		Hidden:     t.prompts["hidden"],
		Dismissed:  t.prompts["dismissed"],
		Suppressed: t.prompts["suppressed"],
		Unchanged:  t.prompts["unchanged"],
	}
	if p.Shown > 0 {
		p.DismissRate = ratio(p.Dismissed, p.Shown)
		p.ResolveRate = ratio(resolved, p.Shown)
	}
	rep.Prompts = p
	return rep
}

// percentile is nearest-rank over sorted samples.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func ratio(a, b int) float64 {
	return math.Round(float64(a)/float64(b)*1000) / 1000
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
