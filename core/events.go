package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventScoreChanged        EventType = "score_changed"
	EventSelectionChanged    EventType = "selection_changed"
	EventCelebrationStarted  EventType = "celebration_started"
	EventCelebrationExtended EventType = "celebration_extended"
	EventCelebrationEnded    EventType = "celebration_ended"
	EventDocumentMissing     EventType = "document_missing"
	EventWriteFailed         EventType = "write_failed"
	EventRecitationAdded     EventType = "recitation_added"
	EventPlaySound           EventType = "play_sound"
)

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Board    BoardID        `json:"board,omitempty"`
	Day      DayKey         `json:"day,omitempty"`
	Field    string         `json:"field,omitempty"`
	Value    int64          `json:"value,omitempty"`
	Series   *Series        `json:"series,omitempty"`
	Until    *time.Time     `json:"until,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewScoreChanged(board BoardID, day DayKey, value int64, series Series) Event {
	return Event{Type: EventScoreChanged, Time: time.Now().UTC(), Board: board, Day: day, Value: value, Series: &series}
}

func NewSelectionChanged(day DayKey, series Series) Event {
	return Event{Type: EventSelectionChanged, Time: time.Now().UTC(), Day: day, Series: &series}
}

func NewCelebration(typ EventType, board BoardID, until time.Time) Event {
	u := until.UTC()
	return Event{Type: typ, Time: time.Now().UTC(), Board: board, Until: &u}
}

func NewDocumentMissing(ref DocRef) Event {
	return Event{Type: EventDocumentMissing, Time: time.Now().UTC(), Board: BoardID(ref.ID), Metadata: map[string]any{"collection": ref.Collection}}
}

func NewWriteFailed(err *EditError) Event {
	return Event{Type: EventWriteFailed, Time: time.Now().UTC(), Board: err.Board, Field: err.Field, Value: err.Value, Error: err.Error()}
}

func NewRecitationAdded(group BoardID, field string, points int64, student string) Event {
	return Event{Type: EventRecitationAdded, Time: time.Now().UTC(), Board: group, Field: field, Value: points, Metadata: map[string]any{"student": student}}
}

func NewPlaySound(asset string) Event {
	return Event{Type: EventPlaySound, Time: time.Now().UTC(), Metadata: map[string]any{"asset": asset}}
}

// Point is one bar of the chart.
type Point struct {
	Board BoardID `json:"board"`
	Value int64   `json:"value"`
	Color string  `json:"color"`
}

// Series is the display-ready projection for one selected day.
type Series struct {
	Day    DayKey  `json:"day"`
	Label  string  `json:"label"`
	Points []Point `json:"points"`
}
