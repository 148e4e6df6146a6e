package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"dvbsboard/core"
)

var (
	ErrNotStarted = errors.New("dashboard not started")
	ErrClosed     = errors.New("dashboard closed")
)

const DefaultPointsCollection = "points"

// DashboardOptions configures a Dashboard.
type DashboardOptions struct {
	Collection string
	Boards     []core.BoardID
	// Day is the initial selection. Empty means core.DefaultDay(now).
	Day core.DayKey
	// RollbackOnWriteFailure restores the prior value when a write is rejected.
	// Off by default: the optimistic value is kept until the store says otherwise.
	RollbackOnWriteFailure bool
	Celebration            *Celebration
	Publisher              Publisher
	// Observer, if set, sees every classification.
	Observer func(core.Classification)
	Logger   *slog.Logger
}

// Dashboard keeps live board state in sync with the store. Deliveries,
// optimistic edits and selection changes are all applied on one loop goroutine.
type Dashboard struct {
	store       DocumentStore
	subs        *SubscriptionManager
	classifier  *Classifier
	celebration *Celebration
	pub         Publisher
	observer    func(core.Classification)
	logger      *slog.Logger
	boards      []core.BoardID
	rollback    bool

	mu    sync.RWMutex
	state map[core.BoardID]core.Document
	day   core.DayKey

	// writes holds one token per board, taken from the optimistic update
	// until the store write returns, so a board's writes land in edit order.
	writes map[core.BoardID]chan struct{}

	// owned by the loop
	att     *Attachment
	pending map[core.BoardID]map[string][]pendingWrite

	deliveries chan Delivery
	cmds       chan func()
	loopCtx    context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	started    atomic.Bool
	closeOnce  sync.Once
}

// pendingWrite is a local edit not yet seen in a delivery.
type pendingWrite struct {
	value int64
	acked bool
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, core.Event) {}

func NewDashboard(store DocumentStore, opts DashboardOptions) *Dashboard {
	if store == nil {
		panic("NewDashboard requires a store")
	}
	if opts.Collection == "" {
		opts.Collection = DefaultPointsCollection
	}
	if len(opts.Boards) == 0 {
		opts.Boards = core.Groups
	}
	if opts.Day == "" {
		opts.Day = core.DefaultDay(time.Now())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Celebration == nil {
		opts.Celebration = NewCelebration(CelebrationOptions{Publisher: opts.Publisher, Logger: opts.Logger})
	}
	writes := make(map[core.BoardID]chan struct{}, len(opts.Boards))
	for _, b := range opts.Boards {
		writes[b] = make(chan struct{}, 1)
	}
	return &Dashboard{
		store:       store,
		subs:        NewSubscriptionManager(store, opts.Collection, opts.Logger),
		classifier:  NewClassifier(),
		celebration: opts.Celebration,
		pub:         opts.Publisher,
		observer:    opts.Observer,
		logger:      opts.Logger.With("component", "dashboard"),
		boards:      append([]core.BoardID(nil), opts.Boards...),
		rollback:    opts.RollbackOnWriteFailure,
		state:       make(map[core.BoardID]core.Document, len(opts.Boards)),
		day:         opts.Day,
		writes:      writes,
		pending:     map[core.BoardID]map[string][]pendingWrite{},
		deliveries:  make(chan Delivery, 64),
		cmds:        make(chan func()),
		done:        make(chan struct{}),
	}
}

// Start runs the state loop and attaches listeners for the initial selection.
func (d *Dashboard) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dashboard already started")
	}
	d.loopCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go d.loop()
	return d.do(ctx, d.attach)
}

// Close detaches every listener and stops the loop.
func (d *Dashboard) Close() {
	d.closeOnce.Do(func() {
		if d.started.Load() {
			d.cancel()
			<-d.done
		}
		d.celebration.Stop()
	})
}

func (d *Dashboard) loop() {
	defer close(d.done)
	for {
		select {
		case dl := <-d.deliveries:
			d.apply(dl)
		case cmd := <-d.cmds:
			cmd()
		case <-d.loopCtx.Done():
			d.subs.Detach(d.att)
			d.att = nil
			return
		}
	}
}

// do runs fn on the loop and returns its error.
func (d *Dashboard) do(ctx context.Context, fn func() error) error {
	if !d.started.Load() {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	select {
	case d.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}
	return <-errc
}

func (d *Dashboard) attach() error {
	att, err := d.subs.Attach(d.loopCtx, d.boards, d.enqueue)
	if err != nil {
		return err
	}
	d.att = att
	return nil
}

func (d *Dashboard) enqueue(dl Delivery) {
	select {
	case d.deliveries <- dl:
	case <-dl.Handle.Done():
	case <-d.loopCtx.Done():
	}
}

func (d *Dashboard) apply(dl Delivery) {
	if !dl.Handle.Active() {
		return
	}
	ctx := d.loopCtx
	if !dl.Snapshot.Exists {
		d.pub.Publish(ctx, core.NewDocumentMissing(dl.Snapshot.Ref))
		return
	}
	incoming := dl.Snapshot.Doc.Clone().Normalize()
	if incoming == nil {
		incoming = core.Document{}
	}
	d.reconcile(dl.Board, incoming)

	d.mu.Lock()
	previous := d.state[dl.Board]
	d.state[dl.Board] = incoming
	day := d.day
	series := Project(d.state, d.boards, day)
	d.mu.Unlock()

	c := d.classifier.Classify(dl.Board, previous, incoming)
	if d.observer != nil {
		d.observer(c)
	}
	d.logger.Debug("delivery", "board", dl.Board, "initial", c.IsInitial, "changed", c.Changed)
	if c.Changed {
		d.pub.Publish(ctx, core.NewScoreChanged(dl.Board, day, incoming.Int(core.PointsField(day).Name()), series))
	}
	d.celebration.MaybeTrigger(ctx, c)
}

// ApplyDelta adds delta to a board's score for day. The new value is applied
// locally before the single field write is issued. A result below zero is
// rejected with core.ErrNegativeScore and nothing is written. A rejected write
// returns *core.EditError; the optimistic value stays unless rollback is on.
// Concurrent edits of one board are written in the order they were applied.
func (d *Dashboard) ApplyDelta(ctx context.Context, board core.BoardID, day core.DayKey, delta int64) (int64, error) {
	board, err := d.resolveBoard(board)
	if err != nil {
		return 0, err
	}
	if !day.Valid() {
		return 0, fmt.Errorf("%w: %q", core.ErrInvalidDay, day)
	}
	field := core.PointsField(day).Name()

	token := d.writes[board]
	select {
	case token <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-token }()

	var (
		prior    int64
		hadPrior bool
		next     int64
		series   core.Series
		selected core.DayKey
	)
	err = d.do(ctx, func() error {
		d.mu.Lock()
		defer d.mu.Unlock()
		doc := d.state[board]
		_, hadPrior = doc[field]
		prior = doc.Int(field)
		n, err := core.AddSafe(prior, delta)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: %s %s is %d, delta %d", core.ErrNegativeScore, board, field, prior, delta)
		}
		doc = doc.Clone()
		if doc == nil {
			doc = core.Document{}
		}
		doc[field] = n
		d.state[board] = doc
		d.track(board, field, n)
		next = n
		selected = d.day
		series = Project(d.state, d.boards, selected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if day == selected {
		d.pub.Publish(ctx, core.NewScoreChanged(board, day, next, series))
	}

	ref := core.DocRef{Collection: d.subs.Collection(), ID: string(board)}
	if werr := d.store.UpdateField(ctx, ref, field, next); werr != nil {
		editErr := &core.EditError{Board: board, Field: field, Value: next, Err: werr}
		editErr.RolledBack = d.settleFailed(ctx, board, field, day, next, prior, hadPrior)
		d.logger.Error("score write failed", "board", board, "field", field, "value", next, "rolled_back", editErr.RolledBack, "error", werr)
		d.pub.Publish(ctx, core.NewWriteFailed(editErr))
		return 0, editErr
	}
	_ = d.do(context.WithoutCancel(ctx), func() error {
		d.ack(board, field, next)
		return nil
	})
	return next, nil
}

// track records an optimistic value awaiting its echo. Loop only.
func (d *Dashboard) track(board core.BoardID, field string, value int64) {
	fields := d.pending[board]
	if fields == nil {
		fields = map[string][]pendingWrite{}
		d.pending[board] = fields
	}
	fields[field] = append(fields[field], pendingWrite{value: value})
}

// ack marks the oldest unacknowledged write of value as stored. Loop only.
func (d *Dashboard) ack(board core.BoardID, field string, value int64) {
	for i, p := range d.pending[board][field] {
		if p.value == value && !p.acked {
			d.pending[board][field][i].acked = true
			return
		}
	}
}

// forget drops the unacknowledged write of value. Loop only.
func (d *Dashboard) forget(board core.BoardID, field string, value int64) {
	fields := d.pending[board]
	writes := fields[field]
	for i := len(writes) - 1; i >= 0; i-- {
		if writes[i].value == value && !writes[i].acked {
			writes = append(writes[:i:i], writes[i+1:]...)
			break
		}
	}
	if len(writes) == 0 {
		delete(fields, field)
		return
	}
	fields[field] = writes
}

// reconcile keeps the newest local edit in an incoming document while older
// echoes or the in-flight write are still outstanding. A value nobody here
// wrote, seen after every write was stored, means the store moved on. Loop only.
func (d *Dashboard) reconcile(board core.BoardID, incoming core.Document) {
	fields := d.pending[board]
	for field, writes := range fields {
		v, ok := core.AsInt(incoming[field])
		idx := -1
		if ok {
			for i, p := range writes {
				if p.value == v {
					idx = i
					break
				}
			}
		}
		if idx >= 0 {
			writes = writes[idx+1:]
		} else if writes[len(writes)-1].acked {
			writes = nil
		}
		if len(writes) == 0 {
			delete(fields, field)
			continue
		}
		fields[field] = writes
		incoming[field] = writes[len(writes)-1].value
	}
}

// settleFailed drops a rejected write and, with rollback on, puts back the
// prior value if the board still shows the optimistic one. A restored value
// on the selected day is published with a fresh series.
func (d *Dashboard) settleFailed(ctx context.Context, board core.BoardID, field string, day core.DayKey, optimistic, prior int64, hadPrior bool) bool {
	var (
		restored bool
		series   core.Series
		selected core.DayKey
	)
	_ = d.do(context.WithoutCancel(ctx), func() error {
		d.forget(board, field, optimistic)
		if !d.rollback {
			return nil
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		doc := d.state[board]
		if doc.Int(field) != optimistic {
			return nil
		}
		doc = doc.Clone()
		if hadPrior {
			doc[field] = prior
		} else {
			delete(doc, field)
		}
		d.state[board] = doc
		restored = true
		selected = d.day
		series = Project(d.state, d.boards, selected)
		return nil
	})
	if restored && day == selected {
		d.pub.Publish(ctx, core.NewScoreChanged(board, day, prior, series))
	}
	return restored
}

// SelectDay switches the active day. Listeners are released, the initial
// delivery flags reset for every board, and listeners re-attached.
func (d *Dashboard) SelectDay(ctx context.Context, day core.DayKey) error {
	if !day.Valid() {
		return fmt.Errorf("%w: %q", core.ErrInvalidDay, day)
	}
	var (
		series  core.Series
		changed bool
	)
	err := d.do(ctx, func() error {
		var err error
		series, changed, err = d.reselect(day)
		return err
	})
	if changed {
		d.pub.Publish(ctx, core.NewSelectionChanged(day, series))
	}
	return err
}

// reselect swaps the listeners over to day. Deliveries already queued for the
// released handles are dropped by apply. Loop only.
func (d *Dashboard) reselect(day core.DayKey) (core.Series, bool, error) {
	d.mu.Lock()
	if d.day == day {
		d.mu.Unlock()
		return core.Series{}, false, nil
	}
	d.day = day
	series := Project(d.state, d.boards, day)
	d.mu.Unlock()

	d.subs.Detach(d.att)
	d.att = nil
	d.classifier.Reset(d.boards)
	return series, true, d.attach()
}

func (d *Dashboard) resolveBoard(board core.BoardID) (core.BoardID, error) {
	b, err := core.NormalizeBoardID(board)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrUnknownBoard, err)
	}
	for _, known := range d.boards {
		if known == b {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %s", core.ErrUnknownBoard, b)
}

// State returns a copy of every board document.
func (d *Dashboard) State() map[core.BoardID]core.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[core.BoardID]core.Document, len(d.state))
	for b, doc := range d.state {
		out[b] = doc.Clone()
	}
	return out
}

// Score returns one board's score for day.
func (d *Dashboard) Score(board core.BoardID, day core.DayKey) int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state[board].Int(core.PointsField(day).Name())
}

func (d *Dashboard) Selection() core.DayKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.day
}

// Series projects the current state for day, or the selection when day is empty.
func (d *Dashboard) Series(day core.DayKey) core.Series {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if day == "" {
		day = d.day
	}
	return Project(d.state, d.boards, day)
}

func (d *Dashboard) Boards() []core.BoardID { return append([]core.BoardID(nil), d.boards...) }

// Listeners returns the number of live store listeners.
func (d *Dashboard) Listeners() int { return d.subs.ActiveCount() }

func (d *Dashboard) Celebrating() bool { return d.celebration.Active() }
