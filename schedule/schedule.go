// Package schedule reads a group's daily program from the schedule collection.
package schedule

import (
	"context"
	"fmt"
	"time"

	"dvbsboard/core"
	"dvbsboard/engine"
)

const DefaultCollection = "sched2025"

// SlotKeys are the program slots in running order.
var SlotKeys = []string{"A", "B", "C", "D", "E", "F", "G", "H", "I"}

const clockLayout = "15:04"

// Slot is one activity. Start and End are "HH:MM" wall-clock times.
type Slot struct {
	Key      string `json:"key"`
	Activity string `json:"activity"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
}

// Fields renders the slot back into document fields.
func (s Slot) Fields() core.Document {
	return core.Document{
		s.Key:           s.Activity,
		s.Key + "start": s.Start,
		s.Key + "end":   s.End,
		s.Key + "loc":   s.Location,
	}
}

func minutes(hhmm string) (int, bool) {
	t, err := time.Parse(clockLayout, hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// Covers reports whether the time of day of t falls in [Start, End).
func (s Slot) Covers(t time.Time) bool {
	start, ok1 := minutes(s.Start)
	end, ok2 := minutes(s.End)
	if !ok1 || !ok2 {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	return now >= start && now < end
}

// Parse returns the slots present in doc in running order. Slots without an
// activity are skipped.
func Parse(doc core.Document) []Slot {
	var out []Slot
	for _, k := range SlotKeys {
		activity := doc.String(k)
		if activity == "" {
			continue
		}
		out = append(out, Slot{
			Key:      k,
			Activity: activity,
			Start:    doc.String(k + "start"),
			End:      doc.String(k + "end"),
			Location: doc.String(k + "loc"),
		})
	}
	return out
}

// Current returns the slot running at t, if any.
func Current(slots []Slot, t time.Time) (Slot, bool) {
	for _, s := range slots {
		if s.Covers(t) {
			return s, true
		}
	}
	return Slot{}, false
}

// Reader loads schedules from a store.
type Reader struct {
	store      engine.DocumentStore
	collection string
}

func NewReader(store engine.DocumentStore, collection string) *Reader {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Reader{store: store, collection: collection}
}

// Get returns the ordered slots of a group.
func (r *Reader) Get(ctx context.Context, group core.BoardID) ([]Slot, error) {
	g, err := core.NormalizeBoardID(group)
	if err != nil || !core.IsGroup(g) {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownBoard, group)
	}
	doc, err := r.store.Get(ctx, core.DocRef{Collection: r.collection, ID: string(g)})
	if err != nil {
		return nil, err
	}
	return Parse(doc), nil
}
