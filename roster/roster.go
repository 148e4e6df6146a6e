// Package roster tracks which students are present today and awards
// recitation points to them.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dvbsboard/core"
	"dvbsboard/engine"
)

const DefaultCollection = "dvbs"

// Student is one present attendee, derived from the {prefix}* fields of a
// group document.
type Student struct {
	Group           core.BoardID `json:"group"`
	Prefix          string       `json:"prefix"`
	Name            string       `json:"name"`
	Location        string       `json:"location,omitempty"`
	Points          int64        `json:"points"`
	AttendanceField string       `json:"attendance_field"`
	PointsField     string       `json:"points_field"`
}

// Filter narrows a student list. Zero values match everything.
type Filter struct {
	Group core.BoardID
	Query string
}

type Options struct {
	Collection string
	Publisher  engine.Publisher
	Logger     *slog.Logger
	// Clock picks today's day; defaults to time.Now.
	Clock func() time.Time
}

// Roster mirrors the group documents and serves present students.
type Roster struct {
	store  engine.DocumentStore
	subs   *engine.SubscriptionManager
	pub    engine.Publisher
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.RWMutex
	docs map[core.BoardID]core.Document
	att  *engine.Attachment
}

func New(store engine.DocumentStore, opts Options) *Roster {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Roster{
		store:  store,
		subs:   engine.NewSubscriptionManager(store, opts.Collection, opts.Logger),
		pub:    opts.Publisher,
		logger: opts.Logger.With("component", "roster"),
		clock:  opts.Clock,
		docs:   map[core.BoardID]core.Document{},
	}
}

// Start listens to every group document.
func (r *Roster) Start(ctx context.Context) error {
	att, err := r.subs.Attach(ctx, core.Groups, r.apply)
	if err != nil {
		return fmt.Errorf("roster attach: %w", err)
	}
	r.mu.Lock()
	r.att = att
	r.mu.Unlock()
	return nil
}

func (r *Roster) Close() {
	r.mu.Lock()
	att := r.att
	r.att = nil
	r.mu.Unlock()
	r.subs.Detach(att)
}

func (r *Roster) apply(d engine.Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !d.Handle.Active() {
		return
	}
	if !d.Snapshot.Exists {
		delete(r.docs, d.Board)
		return
	}
	r.docs[d.Board] = d.Snapshot.Doc.Clone().Normalize()
}

// Today returns the day key recitation points are recorded against.
func (r *Roster) Today() core.DayKey { return core.DefaultDay(r.clock()) }

// Present returns today's present students matching f, sorted by name.
func (r *Roster) Present(f Filter) []Student {
	day := r.Today()
	r.mu.RLock()
	var out []Student
	for group, doc := range r.docs {
		if f.Group != "" && f.Group != group {
			continue
		}
		out = append(out, presentIn(group, doc, day)...)
	}
	r.mu.RUnlock()

	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		kept := out[:0]
		for _, s := range out {
			if strings.Contains(strings.ToLower(s.Name), q) {
				kept = append(kept, s)
			}
		}
		out = kept
	}
	sortStudents(out)
	return out
}

// presentIn lists every student whose attendance field for day is set.
func presentIn(group core.BoardID, doc core.Document, day core.DayKey) []Student {
	var out []Student
	for field := range doc {
		key, ok := core.ParseFieldKey(field)
		if !ok || key.Kind != core.KindAttendance || key.Day != day || !doc.Truthy(field) {
			continue
		}
		points := core.FieldKey{Prefix: key.Prefix, Day: day, Kind: core.KindPoints}.Name()
		out = append(out, Student{
			Group:           group,
			Prefix:          key.Prefix,
			Name:            doc.String(key.Prefix + "name"),
			Location:        doc.String(key.Prefix + "loc"),
			Points:          doc.Int(points),
			AttendanceField: field,
			PointsField:     points,
		})
	}
	return out
}

func sortStudents(s []Student) {
	sort.Slice(s, func(i, j int) bool {
		a, b := strings.ToLower(s[i].Name), strings.ToLower(s[j].Name)
		if a != b {
			return a < b
		}
		if s[i].Group != s[j].Group {
			return s[i].Group < s[j].Group
		}
		return s[i].Prefix < s[j].Prefix
	})
}

// AddPoint awards one recitation point to a present student today.
func (r *Roster) AddPoint(ctx context.Context, group core.BoardID, prefix string) (Student, error) {
	group, err := core.NormalizeBoardID(group)
	if err != nil {
		return Student{}, fmt.Errorf("%w: %v", core.ErrUnknownBoard, err)
	}
	if !core.IsGroup(group) {
		return Student{}, fmt.Errorf("%w: %s", core.ErrUnknownBoard, group)
	}
	day := r.Today()

	r.mu.RLock()
	var student Student
	found := false
	for _, s := range presentIn(group, r.docs[group], day) {
		if s.Prefix == prefix {
			student, found = s, true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return Student{}, fmt.Errorf("student %s/%s not present on %s: %w", group, prefix, day.Label(), core.ErrNotFound)
	}

	next, err := core.AddSafe(student.Points, 1)
	if err != nil {
		return Student{}, err
	}
	ref := core.DocRef{Collection: r.subs.Collection(), ID: string(group)}
	if err := r.store.UpdateField(ctx, ref, student.PointsField, next); err != nil {
		r.logger.Error("recitation point write failed",
			"board", group, "collection", ref.Collection, "field", student.PointsField, "error", err)
		return Student{}, &core.EditError{Board: group, Field: student.PointsField, Value: next, Err: err}
	}

	// a delivery may already carry a newer value
	r.mu.Lock()
	if doc, ok := r.docs[group]; ok && doc.Int(student.PointsField) < next {
		doc = doc.Clone()
		doc[student.PointsField] = next
		r.docs[group] = doc
	}
	r.mu.Unlock()

	student.Points = next
	if r.pub != nil {
		r.pub.Publish(ctx, core.NewRecitationAdded(group, student.PointsField, next, student.Name))
	}
	r.logger.Info("recitation point added", "board", group, "field", student.PointsField, "points", next)
	return student, nil
}
