package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	mem "dvbsboard/adapters/memory"
	"dvbsboard/core"
)

// countingStore records writes and can be told to reject them.
type countingStore struct {
	*mem.Store
	mu     sync.Mutex
	writes []string
	fail   error
}

func (s *countingStore) UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error {
	s.mu.Lock()
	s.writes = append(s.writes, field)
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Store.UpdateField(ctx, ref, field, value)
}

func (s *countingStore) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func seededStore(t *testing.T, docs map[core.BoardID]core.Document) *countingStore {
	t.Helper()
	store := mem.New()
	for b, doc := range docs {
		require.NoError(t, store.Set(context.Background(), core.DocRef{Collection: DefaultPointsCollection, ID: string(b)}, doc))
	}
	return &countingStore{Store: store}
}

func allBoards(doc core.Document) map[core.BoardID]core.Document {
	out := map[core.BoardID]core.Document{}
	for _, b := range core.Groups {
		out[b] = doc.Clone()
	}
	return out
}

type harness struct {
	dash    *Dashboard
	store   *countingStore
	player  *fakePlayer
	events  *recorder
	classes chan core.Classification
}

func newHarness(t *testing.T, store *countingStore, tweak func(*DashboardOptions)) *harness {
	t.Helper()
	h := &harness{store: store, player: &fakePlayer{}, events: &recorder{}, classes: make(chan core.Classification, 64)}
	opts := DashboardOptions{
		Day:       core.DayA,
		Publisher: h.events,
		Observer:  func(c core.Classification) { h.classes <- c },
	}
	if tweak != nil {
		tweak(&opts)
	}
	opts.Celebration = NewCelebration(CelebrationOptions{
		Window:    time.Minute,
		Asset:     "/win.mp3",
		Player:    h.player,
		Publisher: h.events,
	})
	h.dash = NewDashboard(store, opts)
	require.NoError(t, h.dash.Start(context.Background()))
	t.Cleanup(h.dash.Close)
	return h
}

func (h *harness) await(t *testing.T, n int) []core.Classification {
	t.Helper()
	out := make([]core.Classification, 0, n)
	for len(out) < n {
		select {
		case c := <-h.classes:
			out = append(out, c)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout: got %d of %d classifications", len(out), n)
		}
	}
	return out
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case c := <-h.classes:
		t.Fatalf("unexpected classification %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDashboardInitialDeliveriesDoNotCelebrate(t *testing.T) {
	h := newHarness(t, seededStore(t, allBoards(core.Document{"Apoints": int64(4)})), nil)
	for _, c := range h.await(t, len(core.Groups)) {
		assert.True(t, c.IsInitial, "board %s", c.Board)
	}
	assert.Equal(t, 0, h.player.Calls())
	assert.False(t, h.dash.Celebrating())
	assert.Equal(t, len(core.Groups), h.dash.Listeners())
	assert.Equal(t, int64(4), h.dash.Score(core.BoardJuniors, core.DayA))
}

func TestDashboardRemoteChangeCelebratesOnce(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Bpoints": int64(0)}))
	h := newHarness(t, store, func(o *DashboardOptions) { o.Day = core.DayB })
	h.await(t, len(core.Groups))

	ref := core.DocRef{Collection: DefaultPointsCollection, ID: string(core.BoardYouth)}
	require.NoError(t, store.Store.UpdateField(context.Background(), ref, "Bpoints", 3))

	got := h.await(t, 1)[0]
	assert.Equal(t, core.Classification{Board: core.BoardYouth, IsInitial: false, Changed: true}, got)
	assert.Equal(t, 1, h.player.Calls())
	assert.True(t, h.dash.Celebrating())
	assert.Equal(t, int64(3), h.dash.Series("").Points[3].Value)
	assert.Equal(t, 1, h.events.count(core.EventCelebrationStarted))
}

func TestDashboardLocalEditEchoIsNotAChange(t *testing.T) {
	docs := allBoards(core.Document{"Apoints": int64(0)})
	docs[core.BoardPrimary] = core.Document{"Apoints": int64(10)}
	store := seededStore(t, docs)
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	v, err := h.dash.ApplyDelta(context.Background(), core.BoardPrimary, core.DayA, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(15), v)
	assert.Equal(t, int64(15), h.dash.Score(core.BoardPrimary, core.DayA))
	assert.Equal(t, []string{"Apoints"}, store.Writes())

	stored, err := store.Get(context.Background(), core.DocRef{Collection: DefaultPointsCollection, ID: "primary"})
	require.NoError(t, err)
	assert.Equal(t, int64(15), stored.Int("Apoints"))

	echo := h.await(t, 1)[0]
	assert.Equal(t, core.BoardPrimary, echo.Board)
	assert.False(t, echo.IsInitial)
	assert.False(t, echo.Changed)
	assert.Equal(t, 0, h.player.Calls())
}

func TestDashboardRejectsNegativeScore(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(10)}))
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	_, err := h.dash.ApplyDelta(context.Background(), core.BoardYouth, core.DayA, -11)
	require.ErrorIs(t, err, core.ErrNegativeScore)
	assert.Equal(t, int64(10), h.dash.Score(core.BoardYouth, core.DayA))
	assert.Empty(t, store.Writes())

	v, err := h.dash.ApplyDelta(context.Background(), core.BoardYouth, core.DayA, -10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestDashboardValidatesInput(t *testing.T) {
	h := newHarness(t, seededStore(t, allBoards(core.Document{})), nil)
	_, err := h.dash.ApplyDelta(context.Background(), "seniors", core.DayA, 1)
	assert.ErrorIs(t, err, core.ErrUnknownBoard)
	_, err = h.dash.ApplyDelta(context.Background(), " Youth ", "Z", 1)
	assert.ErrorIs(t, err, core.ErrInvalidDay)
	assert.ErrorIs(t, h.dash.SelectDay(context.Background(), "Z"), core.ErrInvalidDay)
}

func TestDashboardWriteFailureKeepsOptimisticValue(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1)}))
	store.fail = errors.New("unavailable")
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	_, err := h.dash.ApplyDelta(context.Background(), core.BoardMiddlers, core.DayA, 2)
	var editErr *core.EditError
	require.ErrorAs(t, err, &editErr)
	assert.False(t, editErr.RolledBack)
	assert.Equal(t, int64(3), editErr.Value)
	assert.Equal(t, int64(3), h.dash.Score(core.BoardMiddlers, core.DayA))
	assert.Equal(t, 1, h.events.count(core.EventWriteFailed))
}

func TestDashboardWriteFailureRollback(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1)}))
	store.fail = errors.New("unavailable")
	h := newHarness(t, store, func(o *DashboardOptions) { o.RollbackOnWriteFailure = true })
	h.await(t, len(core.Groups))

	_, err := h.dash.ApplyDelta(context.Background(), core.BoardMiddlers, core.DayA, 2)
	var editErr *core.EditError
	require.ErrorAs(t, err, &editErr)
	assert.True(t, editErr.RolledBack)
	assert.Equal(t, int64(1), h.dash.Score(core.BoardMiddlers, core.DayA))

	// optimistic 3, then the restored 1 with a recomputed series
	changes := h.events.ofType(core.EventScoreChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, int64(3), changes[0].Value)
	last := changes[1]
	assert.Equal(t, core.BoardMiddlers, last.Board)
	assert.Equal(t, int64(1), last.Value)
	require.NotNil(t, last.Series)
	assert.Equal(t, int64(1), last.Series.Points[1].Value)
}

func TestDashboardRollbackOnOtherDayPublishesNothing(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1), "Bpoints": int64(1)}))
	store.fail = errors.New("unavailable")
	h := newHarness(t, store, func(o *DashboardOptions) { o.RollbackOnWriteFailure = true })
	h.await(t, len(core.Groups))

	// day B is not selected, so neither the edit nor the restore is published
	_, err := h.dash.ApplyDelta(context.Background(), core.BoardYouth, core.DayB, 2)
	require.Error(t, err)
	assert.Equal(t, int64(1), h.dash.Score(core.BoardYouth, core.DayB))
	assert.Equal(t, 0, h.events.count(core.EventScoreChanged))
}

// gatedStore holds the first write until release is closed.
type gatedStore struct {
	*mem.Store
	arrived chan struct{}
	release chan struct{}

	mu     sync.Mutex
	first  bool
	values []int64
}

func newGatedStore(t *testing.T, docs map[core.BoardID]core.Document) *gatedStore {
	return &gatedStore{
		Store:   seededStore(t, docs).Store,
		arrived: make(chan struct{}),
		release: make(chan struct{}),
		first:   true,
	}
}

func (s *gatedStore) UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error {
	s.mu.Lock()
	first := s.first
	s.first = false
	s.values = append(s.values, value.(int64))
	s.mu.Unlock()
	if first {
		close(s.arrived)
		<-s.release
	}
	return s.Store.UpdateField(ctx, ref, field, value)
}

func (s *gatedStore) Values() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.values...)
}

func TestDashboardConcurrentEditsWriteInOrder(t *testing.T) {
	docs := allBoards(core.Document{"Apoints": int64(0)})
	docs[core.BoardPrimary] = core.Document{"Apoints": int64(10)}
	store := newGatedStore(t, docs)

	events := &recorder{}
	player := &fakePlayer{}
	classes := make(chan core.Classification, 64)
	dash := NewDashboard(store, DashboardOptions{
		Day:       core.DayA,
		Publisher: events,
		Observer:  func(c core.Classification) { classes <- c },
		Celebration: NewCelebration(CelebrationOptions{
			Window: time.Minute, Asset: "/win.mp3", Player: player, Publisher: events,
		}),
	})
	require.NoError(t, dash.Start(context.Background()))
	t.Cleanup(dash.Close)
	for range core.Groups {
		<-classes
	}

	type result struct {
		v   int64
		err error
	}
	first := make(chan result, 1)
	go func() {
		v, err := dash.ApplyDelta(context.Background(), core.BoardPrimary, core.DayA, 5)
		first <- result{v, err}
	}()
	<-store.arrived

	second := make(chan result, 1)
	go func() {
		v, err := dash.ApplyDelta(context.Background(), core.BoardPrimary, core.DayA, 5)
		second <- result{v, err}
	}()

	// the second write waits behind the first
	select {
	case r := <-second:
		t.Fatalf("second edit finished while the first write was held: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, []int64{15}, store.Values())

	close(store.release)
	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, int64(15), r1.v)
	assert.Equal(t, int64(20), r2.v)
	assert.Equal(t, []int64{15, 20}, store.Values())

	stored, err := store.Get(context.Background(), core.DocRef{Collection: DefaultPointsCollection, ID: "primary"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), stored.Int("Apoints"))

	// every echo, including the stale 15, leaves the newest edit in place
	for {
		select {
		case c := <-classes:
			assert.False(t, c.Changed, "echo %+v counted as a change", c)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.Equal(t, int64(20), dash.Score(core.BoardPrimary, core.DayA))
	assert.Equal(t, 0, player.Calls())
	assert.False(t, dash.Celebrating())
}

func TestDashboardRemoteValueAfterStoredEditWins(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(0)}))
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	_, err := h.dash.ApplyDelta(context.Background(), core.BoardYouth, core.DayA, 5)
	require.NoError(t, err)
	assert.False(t, h.await(t, 1)[0].Changed)

	ref := core.DocRef{Collection: DefaultPointsCollection, ID: string(core.BoardYouth)}
	require.NoError(t, store.Store.UpdateField(context.Background(), ref, "Apoints", 9))
	c := h.await(t, 1)[0]
	assert.True(t, c.Changed)
	assert.Equal(t, int64(9), h.dash.Score(core.BoardYouth, core.DayA))
}

func TestDashboardSelectDayResetsInitialFlags(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1), "Cpoints": int64(2)}))
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	require.NoError(t, h.dash.SelectDay(context.Background(), core.DayC))
	assert.Equal(t, core.DayC, h.dash.Selection())
	for _, c := range h.await(t, len(core.Groups)) {
		assert.True(t, c.IsInitial, "board %s after re-attach", c.Board)
		assert.False(t, c.Changed)
	}
	assert.Equal(t, len(core.Groups), h.dash.Listeners())
	assert.Equal(t, 1, h.events.count(core.EventSelectionChanged))
	assert.Equal(t, "Wednesday", h.dash.Series("").Label)

	// selecting the same day is a no-op
	require.NoError(t, h.dash.SelectDay(context.Background(), core.DayC))
	h.quiet(t)
	assert.Equal(t, 0, h.player.Calls())
}

func TestDashboardDropsDeliveryQueuedBeforeReselect(t *testing.T) {
	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1)}))
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups))

	// A listener callback already queued a delivery when the selection changes
	// on the loop; the released handle must make it a no-op.
	err := h.dash.do(context.Background(), func() error {
		old := h.dash.att.Handles[core.BoardYouth]
		h.dash.deliveries <- Delivery{
			Board:    core.BoardYouth,
			Snapshot: core.Snapshot{Exists: true, Doc: core.Document{"Apoints": int64(99)}},
			Handle:   old,
		}
		_, changed, err := h.dash.reselect(core.DayB)
		assert.True(t, changed)
		assert.False(t, old.Active())
		return err
	})
	require.NoError(t, err)

	for _, c := range h.await(t, len(core.Groups)) {
		assert.True(t, c.IsInitial, "board %s", c.Board)
		assert.False(t, c.Changed, "board %s", c.Board)
	}
	h.quiet(t)
	assert.Equal(t, int64(1), h.dash.Score(core.BoardYouth, core.DayA))
	assert.Equal(t, 0, h.player.Calls())
}

func TestDashboardMissingDocument(t *testing.T) {
	docs := allBoards(core.Document{"Apoints": int64(0)})
	delete(docs, core.BoardJuniors)
	store := seededStore(t, docs)
	h := newHarness(t, store, nil)
	h.await(t, len(core.Groups)-1)

	require.Eventually(t, func() bool { return h.events.count(core.EventDocumentMissing) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.dash.ApplyDelta(context.Background(), core.BoardJuniors, core.DayA, 1)
	var editErr *core.EditError
	require.ErrorAs(t, err, &editErr)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// creation later is the first delivery for that board
	ref := core.DocRef{Collection: DefaultPointsCollection, ID: string(core.BoardJuniors)}
	require.NoError(t, store.Set(context.Background(), ref, core.Document{"Apoints": int64(7)}))
	c := h.await(t, 1)[0]
	assert.True(t, c.IsInitial)
	assert.Equal(t, 0, h.player.Calls())
}

func TestDashboardNotStarted(t *testing.T) {
	d := NewDashboard(mem.New(), DashboardOptions{})
	_, err := d.ApplyDelta(context.Background(), core.BoardYouth, core.DayA, 1)
	assert.ErrorIs(t, err, ErrNotStarted)
	d.Close()
}

func TestDashboardCloseReleasesListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := seededStore(t, allBoards(core.Document{"Apoints": int64(1)}))
	d := NewDashboard(store, DashboardOptions{Day: core.DayA})
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.SelectDay(context.Background(), core.DayB))
	d.Close()

	assert.Equal(t, 0, d.Listeners())
	for _, b := range core.Groups {
		assert.Equal(t, 0, store.ListenerCount(core.DocRef{Collection: DefaultPointsCollection, ID: string(b)}))
	}
	assert.ErrorIs(t, d.SelectDay(context.Background(), core.DayC), ErrClosed)
}
