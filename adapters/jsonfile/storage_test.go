package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dvbsboard/core"
)

func TestStorePersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	store, err := New(path, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ref := core.DocRef{Collection: "points", ID: "youth"}
	if err := store.Set(ctx, ref, core.Document{"Apoints": 0}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.UpdateField(ctx, ref, "Apoints", 12); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Set(ctx, core.DocRef{Collection: "dvbs", ID: "youth"}, core.Document{"youAname": "Ada"}); err != nil {
		t.Fatalf("set roster: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	// reload
	reloaded, err := New(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	doc, err := reloaded.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Int("Apoints") != 12 {
		t.Fatalf("expected points 12, got %v", doc["Apoints"])
	}
	roster, _ := reloaded.Get(ctx, core.DocRef{Collection: "dvbs", ID: "youth"})
	if roster.String("youAname") != "Ada" {
		t.Fatalf("expected roster name, got %v", roster)
	}
}

func TestStoreListenAfterReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	ref := core.DocRef{Collection: "points", ID: "juniors"}

	first, _ := New(path, nil)
	_ = first.Set(ctx, ref, core.Document{"Cpoints": 2})

	store, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	ch := make(chan core.Snapshot, 4)
	sub, _ := store.Listen(ctx, ref, func(s core.Snapshot) { ch <- s })
	defer sub.Cancel()

	select {
	case snap := <-ch:
		if !snap.Exists || snap.Doc.Int("Cpoints") != 2 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestStoreMissingDocument(t *testing.T) {
	store, _ := New(filepath.Join(t.TempDir(), "state.json"), nil)
	err := store.UpdateField(context.Background(), core.DocRef{Collection: "points", ID: "ghost"}, "Apoints", 1)
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, nil); err == nil {
		t.Fatal("expected decode error")
	}
}
