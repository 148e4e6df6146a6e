package analytics

import (
	"sort"
	"sync"
	"time"

	"dvbsboard/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// BridgeHook bridges an event source to multiple hooks.
type BridgeHook struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *BridgeHook { return &BridgeHook{hooks: hooks} }

func (b *BridgeHook) OnEvent(e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(e)
	}
}

// Tally keeps per-day event counts for the running event week.
type Tally struct {
	mu sync.RWMutex

	eventsByDay         map[string]map[core.EventType]int64
	celebrationsByBoard map[core.BoardID]int64
	recitationsByBoard  map[core.BoardID]int64
	writeFailures       int64
	lastEvent           time.Time
}

func NewTally() *Tally {
	return &Tally{
		eventsByDay:         make(map[string]map[core.EventType]int64),
		celebrationsByBoard: make(map[core.BoardID]int64),
		recitationsByBoard:  make(map[core.BoardID]int64),
	}
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (t *Tally) OnEvent(e core.Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	day := dayKey(ts)
	m := t.eventsByDay[day]
	if m == nil {
		m = make(map[core.EventType]int64)
		t.eventsByDay[day] = m
	}
	m[e.Type]++
	if ts.After(t.lastEvent) {
		t.lastEvent = ts
	}

	switch e.Type {
	case core.EventCelebrationStarted:
		t.celebrationsByBoard[e.Board]++
	case core.EventRecitationAdded:
		t.recitationsByBoard[e.Board]++
	case core.EventWriteFailed:
		t.writeFailures++
	}
}

// Count returns how many events of typ happened on the UTC date day (YYYY-MM-DD).
func (t *Tally) Count(day string, typ core.EventType) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.eventsByDay[day][typ]
}

// BoardCount is one row of a ranking.
type BoardCount struct {
	Board core.BoardID `json:"board"`
	Count int64        `json:"count"`
}

// Summary is a point-in-time view for the stats endpoint.
type Summary struct {
	Today         map[core.EventType]int64 `json:"today"`
	Celebrations  []BoardCount             `json:"celebrations"`
	Recitations   []BoardCount             `json:"recitations"`
	WriteFailures int64                    `json:"write_failures"`
	LastEvent     *time.Time               `json:"last_event,omitempty"`
}

// Summary reports today's counts and the all-time rankings.
func (t *Tally) Summary(now time.Time) Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	today := make(map[core.EventType]int64, len(t.eventsByDay[dayKey(now)]))
	for k, v := range t.eventsByDay[dayKey(now)] {
		today[k] = v
	}
	s := Summary{
		Today:         today,
		Celebrations:  ranked(t.celebrationsByBoard),
		Recitations:   ranked(t.recitationsByBoard),
		WriteFailures: t.writeFailures,
	}
	if !t.lastEvent.IsZero() {
		last := t.lastEvent
		s.LastEvent = &last
	}
	return s
}

func ranked(m map[core.BoardID]int64) []BoardCount {
	out := make([]BoardCount, 0, len(m))
	for b, n := range m {
		out = append(out, BoardCount{Board: b, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Board < out[j].Board
	})
	return out
}
