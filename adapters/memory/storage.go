package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"dvbsboard/core"
)

// Store is a concurrent in-memory document store with push listeners.
type Store struct {
	mu        sync.Mutex
	docs      map[core.DocRef]core.Document
	listeners map[core.DocRef]map[int64]*listener
	next      int64
	// onChange runs under mu after every successful mutation.
	onChange func()
}

func New() *Store {
	return &Store{
		docs:      map[core.DocRef]core.Document{},
		listeners: map[core.DocRef]map[int64]*listener{},
	}
}

// OnChange registers a hook called after each mutation while the store lock is
// held. The jsonfile adapter uses it to persist.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Listen delivers the current document, then every change, on a dedicated goroutine.
func (s *Store) Listen(ctx context.Context, ref core.DocRef, fn func(core.Snapshot)) (core.Subscription, error) {
	l := &listener{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.next++
	id := s.next
	if s.listeners[ref] == nil {
		s.listeners[ref] = map[int64]*listener{}
	}
	s.listeners[ref][id] = l
	l.push(s.snapshotLocked(ref))
	s.mu.Unlock()

	l.release = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if m := s.listeners[ref]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.listeners, ref)
			}
		}
	}
	go l.run(ctx)
	return l, nil
}

func (s *Store) Get(_ context.Context, ref core.DocRef) (core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, core.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *Store) UpdateField(_ context.Context, ref core.DocRef, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, core.ErrNotFound)
	}
	doc = doc.Clone()
	doc[field] = core.NormalizeValue(value)
	s.docs[ref] = doc
	s.changedLocked(ref)
	return nil
}

func (s *Store) Set(_ context.Context, ref core.DocRef, doc core.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := doc.Clone()
	if cp == nil {
		cp = core.Document{}
	}
	s.docs[ref] = cp.Normalize()
	s.changedLocked(ref)
	return nil
}

// Delete removes a document; listeners see a not-found snapshot.
func (s *Store) Delete(_ context.Context, ref core.DocRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[ref]; !ok {
		return nil
	}
	delete(s.docs, ref)
	s.changedLocked(ref)
	return nil
}

func (s *Store) List(_ context.Context, collection string) (map[string]core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]core.Document{}
	for ref, doc := range s.docs {
		if ref.Collection == collection {
			out[ref.ID] = doc.Clone()
		}
	}
	return out, nil
}

// Dump returns every document ordered by reference, for persistence.
func (s *Store) Dump() map[string]map[string]core.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dumpLocked()
}

// DumpLocked is Dump for use inside an OnChange hook.
func (s *Store) DumpLocked() map[string]map[string]core.Document { return s.dumpLocked() }

func (s *Store) dumpLocked() map[string]map[string]core.Document {
	refs := make([]core.DocRef, 0, len(s.docs))
	for ref := range s.docs {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	out := map[string]map[string]core.Document{}
	for _, ref := range refs {
		if out[ref.Collection] == nil {
			out[ref.Collection] = map[string]core.Document{}
		}
		out[ref.Collection][ref.ID] = s.docs[ref].Clone()
	}
	return out
}

// Load replaces every document without notifying listeners.
func (s *Store) Load(data map[string]map[string]core.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = map[core.DocRef]core.Document{}
	for coll, docs := range data {
		for id, doc := range docs {
			s.docs[core.DocRef{Collection: coll, ID: id}] = doc.Clone().Normalize()
		}
	}
}

// ListenerCount returns the number of live listeners on ref.
func (s *Store) ListenerCount(ref core.DocRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[ref])
}

func (s *Store) snapshotLocked(ref core.DocRef) core.Snapshot {
	doc, ok := s.docs[ref]
	return core.Snapshot{Ref: ref, Exists: ok, Doc: doc.Clone()}
}

func (s *Store) changedLocked(ref core.DocRef) {
	if s.onChange != nil {
		s.onChange()
	}
	snap := s.snapshotLocked(ref)
	for _, l := range s.listeners[ref] {
		l.push(core.Snapshot{Ref: snap.Ref, Exists: snap.Exists, Doc: snap.Doc.Clone()})
	}
}

// listener queues snapshots without bounding so writers never block on a
// slow consumer, and delivers them in order from its own goroutine.
type listener struct {
	fn      func(core.Snapshot)
	mu      sync.Mutex
	pending []core.Snapshot
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	release func()
}

func (l *listener) push(s core.Snapshot) {
	l.mu.Lock()
	l.pending = append(l.pending, s)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *listener) run(ctx context.Context) {
	defer l.Cancel()
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case <-l.signal:
		}
		for {
			l.mu.Lock()
			if len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			next := l.pending[0]
			l.pending = l.pending[1:]
			l.mu.Unlock()
			select {
			case <-l.done:
				return
			default:
			}
			l.fn(next)
		}
	}
}

func (l *listener) Cancel() {
	l.once.Do(func() {
		close(l.done)
		if l.release != nil {
			l.release()
		}
	})
}

var _ interface {
	Listen(context.Context, core.DocRef, func(core.Snapshot)) (core.Subscription, error)
	Get(context.Context, core.DocRef) (core.Document, error)
	UpdateField(context.Context, core.DocRef, string, any) error
	Set(context.Context, core.DocRef, core.Document) error
	List(context.Context, string) (map[string]core.Document, error)
} = (*Store)(nil)
