package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// BoardID identifies one group's scoreboard document.
type BoardID string

const (
	BoardPrimary  BoardID = "primary"
	BoardMiddlers BoardID = "middlers"
	BoardJuniors  BoardID = "juniors"
	BoardYouth    BoardID = "youth"
)

// Groups lists the fixed groups in display order.
var Groups = []BoardID{BoardPrimary, BoardMiddlers, BoardJuniors, BoardYouth}

// IsGroup reports whether id is one of the fixed groups.
func IsGroup(id BoardID) bool {
	for _, g := range Groups {
		if g == id {
			return true
		}
	}
	return false
}

// NormalizeBoardID trims and lowercases board identifiers.
func NormalizeBoardID(id BoardID) (BoardID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty board id")
	}
	return BoardID(strings.ToLower(s)), nil
}

// DayKey is one of the five weekday slots of the event.
type DayKey string

const (
	DayA DayKey = "A"
	DayB DayKey = "B"
	DayC DayKey = "C"
	DayD DayKey = "D"
	DayE DayKey = "E"
)

// Days lists every day-key in order.
var Days = []DayKey{DayA, DayB, DayC, DayD, DayE}

var dayLabels = map[DayKey]string{
	DayA: "Monday",
	DayB: "Tuesday",
	DayC: "Wednesday",
	DayD: "Thursday",
	DayE: "Friday",
}

// Label returns the weekday name shown for the key. Unknown keys label as themselves.
func (d DayKey) Label() string {
	if l, ok := dayLabels[d]; ok {
		return l
	}
	return string(d)
}

// Valid reports whether d is one of the five day-keys.
func (d DayKey) Valid() bool {
	_, ok := dayLabels[d]
	return ok
}

// ParseDayKey accepts a key ("c") or a weekday label ("Wednesday").
func ParseDayKey(s string) (DayKey, error) {
	s = strings.TrimSpace(s)
	if d := DayKey(strings.ToUpper(s)); d.Valid() {
		return d, nil
	}
	for k, l := range dayLabels {
		if strings.EqualFold(l, s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDay, s)
}

// DefaultDay maps Monday..Friday to A..E. Weekends fall back to Friday.
func DefaultDay(t time.Time) DayKey {
	wd := t.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return DayE
	}
	return Days[int(wd)-1]
}

// Kind distinguishes the two per-day field families.
type Kind int

const (
	KindPoints Kind = iota
	KindAttendance
)

const pointsSuffix = "points"

// RosterPrefixLen is the width of a student's field prefix ("pri", "023").
const RosterPrefixLen = 3

// FieldKey is the structured form of a per-day document field.
// Board scores use an empty prefix: {Day: C, Kind: KindPoints} is "Cpoints".
type FieldKey struct {
	Prefix string
	Day    DayKey
	Kind   Kind
}

// PointsField returns the board score field for a day.
func PointsField(day DayKey) FieldKey { return FieldKey{Day: day, Kind: KindPoints} }

// Name renders the field name stored in documents.
func (k FieldKey) Name() string {
	if k.Kind == KindAttendance {
		return k.Prefix + string(k.Day)
	}
	return k.Prefix + string(k.Day) + pointsSuffix
}

// ParseFieldKey is the inverse of Name. It rejects names that are not per-day fields.
func ParseFieldKey(name string) (FieldKey, bool) {
	if body, ok := strings.CutSuffix(name, pointsSuffix); ok && body != "" {
		day := DayKey(body[len(body)-1:])
		if !day.Valid() {
			return FieldKey{}, false
		}
		return FieldKey{Prefix: body[:len(body)-1], Day: day, Kind: KindPoints}, true
	}
	if len(name) != RosterPrefixLen+1 {
		return FieldKey{}, false
	}
	day := DayKey(name[RosterPrefixLen:])
	if !day.Valid() {
		return FieldKey{}, false
	}
	return FieldKey{Prefix: name[:RosterPrefixLen], Day: day, Kind: KindAttendance}, true
}

// DocRef addresses a document in the backing store.
type DocRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (r DocRef) String() string { return r.Collection + "/" + r.ID }

// Document is a flat mapping from field name to value. Values are int64,
// string or bool once decoded by an adapter.
type Document map[string]any

// Clone returns a shallow copy; values are immutable scalars.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// Int returns the integer value of a field, or 0 when absent or not numeric.
func (d Document) Int(field string) int64 {
	v, _ := AsInt(d[field])
	return v
}

// String returns a string field or "".
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// Truthy mirrors how attendance flags are read: non-empty strings, true, and
// non-zero numbers count as set.
func (d Document) Truthy(field string) bool {
	switch v := d[field].(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	default:
		n, ok := AsInt(v)
		return ok && n != 0
	}
}

// AsInt converts decoded numeric values to int64.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// NormalizeValue coerces scalar values to the canonical Document types so that
// equal documents compare equal regardless of where they were decoded.
func NormalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		if i, ok := AsInt(n); ok {
			return i
		}
	}
	return v
}

// Normalize applies NormalizeValue to every field in place and returns d.
func (d Document) Normalize() Document {
	for k, v := range d {
		d[k] = NormalizeValue(v)
	}
	return d
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}
