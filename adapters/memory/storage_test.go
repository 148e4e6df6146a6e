package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"dvbsboard/core"
)

func collect(t *testing.T, s *Store, ref core.DocRef) (<-chan core.Snapshot, core.Subscription) {
	t.Helper()
	ch := make(chan core.Snapshot, 16)
	sub, err := s.Listen(context.Background(), ref, func(snap core.Snapshot) { ch <- snap })
	if err != nil {
		t.Fatal(err)
	}
	return ch, sub
}

func next(t *testing.T, ch <-chan core.Snapshot) core.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
	}
	return core.Snapshot{}
}

func TestMemoryStoreListenDeliversCurrentThenChanges(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := core.DocRef{Collection: "points", ID: "youth"}
	if err := s.Set(ctx, ref, core.Document{"Bpoints": 0}); err != nil {
		t.Fatal(err)
	}

	ch, sub := collect(t, s, ref)
	defer sub.Cancel()

	first := next(t, ch)
	if !first.Exists || first.Doc["Bpoints"] != int64(0) {
		t.Fatalf("unexpected first snapshot %+v", first)
	}
	if err := s.UpdateField(ctx, ref, "Bpoints", 3); err != nil {
		t.Fatal(err)
	}
	second := next(t, ch)
	if second.Doc.Int("Bpoints") != 3 {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
}

func TestMemoryStoreMissingDocument(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := core.DocRef{Collection: "points", ID: "ghost"}

	if err := s.UpdateField(ctx, ref, "Apoints", 1); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, ref); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ch, sub := collect(t, s, ref)
	defer sub.Cancel()
	if snap := next(t, ch); snap.Exists {
		t.Fatal("expected missing snapshot")
	}
	// listener stays attached and sees the document once created
	if err := s.Set(ctx, ref, core.Document{"Apoints": 1}); err != nil {
		t.Fatal(err)
	}
	if snap := next(t, ch); !snap.Exists || snap.Doc.Int("Apoints") != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestMemoryStoreCancelStopsDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := core.DocRef{Collection: "points", ID: "primary"}
	_ = s.Set(ctx, ref, core.Document{"Apoints": 1})

	ch, sub := collect(t, s, ref)
	next(t, ch)
	sub.Cancel()
	sub.Cancel()
	if n := s.ListenerCount(ref); n != 0 {
		t.Fatalf("expected listener released, got %d", n)
	}
	_ = s.UpdateField(ctx, ref, "Apoints", 2)
	select {
	case snap := <-ch:
		t.Fatalf("unexpected delivery after cancel: %+v", snap)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestMemoryStoreListAndDump(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Set(ctx, core.DocRef{Collection: "dvbs", ID: "primary"}, core.Document{"priA": "08:00"})
	_ = s.Set(ctx, core.DocRef{Collection: "dvbs", ID: "youth"}, core.Document{})
	_ = s.Set(ctx, core.DocRef{Collection: "points", ID: "youth"}, core.Document{})

	docs, err := s.List(ctx, "dvbs")
	if err != nil || len(docs) != 2 {
		t.Fatalf("got %v %v", docs, err)
	}
	dump := s.Dump()
	restored := New()
	restored.Load(dump)
	if got, _ := restored.Get(ctx, core.DocRef{Collection: "dvbs", ID: "primary"}); got.String("priA") != "08:00" {
		t.Fatalf("unexpected restored doc %v", got)
	}
}
