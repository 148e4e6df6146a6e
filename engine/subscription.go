package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"dvbsboard/core"
)

// Handle owns exactly one store subscription for one board.
type Handle struct {
	board  core.BoardID
	ref    core.DocRef
	sub    core.Subscription
	active atomic.Bool
	done   chan struct{}
}

func (h *Handle) Board() core.BoardID { return h.board }

// Active reports whether the handle has not been released.
func (h *Handle) Active() bool { return h.active.Load() }

// Done is closed when the handle is released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel releases the subscription. Deliveries that race with Cancel are
// no-ops: consumers check Active before applying them.
func (h *Handle) Cancel() {
	if !h.active.CompareAndSwap(true, false) {
		return
	}
	close(h.done)
	if h.sub != nil {
		h.sub.Cancel()
	}
}

// Delivery is one routed listener callback.
type Delivery struct {
	Board    core.BoardID
	Snapshot core.Snapshot
	Handle   *Handle
}

// Attachment is the set of handles opened by one Attach call.
type Attachment struct {
	Handles map[core.BoardID]*Handle
}

// Boards returns the attached board ids.
func (a *Attachment) Boards() []core.BoardID {
	out := make([]core.BoardID, 0, len(a.Handles))
	for b := range a.Handles {
		out = append(out, b)
	}
	return out
}

// SubscriptionManager opens one listener per board against a collection.
type SubscriptionManager struct {
	store      DocumentStore
	collection string
	logger     *slog.Logger

	mu     sync.Mutex
	active map[core.BoardID]*Handle
}

func NewSubscriptionManager(store DocumentStore, collection string, logger *slog.Logger) *SubscriptionManager {
	if store == nil {
		panic("NewSubscriptionManager requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		store:      store,
		collection: collection,
		logger:     logger.With("collection", collection),
		active:     map[core.BoardID]*Handle{},
	}
}

func (m *SubscriptionManager) Collection() string { return m.collection }

// Attach opens a listener for each board and routes deliveries to onUpdate.
// Boards that still hold an active handle fail with core.ErrAlreadyAttached.
// If any listener fails to open, the ones already opened are released.
func (m *SubscriptionManager) Attach(ctx context.Context, boards []core.BoardID, onUpdate func(Delivery)) (*Attachment, error) {
	handles := make(map[core.BoardID]*Handle, len(boards))
	m.mu.Lock()
	for _, b := range boards {
		if _, ok := m.active[b]; ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", core.ErrAlreadyAttached, b)
		}
	}
	for _, b := range boards {
		if _, dup := handles[b]; dup {
			continue
		}
		h := &Handle{board: b, ref: core.DocRef{Collection: m.collection, ID: string(b)}, done: make(chan struct{})}
		h.active.Store(true)
		handles[b] = h
		m.active[b] = h
	}
	m.mu.Unlock()

	// Listeners outlive Attach, so they get ctx rather than an errgroup context.
	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			sub, err := m.store.Listen(ctx, h.ref, func(s core.Snapshot) {
				if !h.Active() {
					return
				}
				if !s.Exists {
					m.logger.Warn("document does not exist", "board", h.board)
				}
				onUpdate(Delivery{Board: h.board, Snapshot: s, Handle: h})
			})
			if err != nil {
				return fmt.Errorf("listen %s: %w", h.ref, err)
			}
			h.sub = sub
			return nil
		})
	}
	att := &Attachment{Handles: handles}
	if err := g.Wait(); err != nil {
		m.Detach(att)
		return nil, err
	}
	m.logger.Debug("listeners attached", "boards", len(handles))
	return att, nil
}

// Detach releases every handle of the attachment synchronously.
func (m *SubscriptionManager) Detach(a *Attachment) {
	if a == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for b, h := range a.Handles {
		h.Cancel()
		if m.active[b] == h {
			delete(m.active, b)
		}
	}
}

// ActiveCount returns the number of boards with a live listener.
func (m *SubscriptionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
