package engine

import (
	"context"

	"dvbsboard/core"
)

// DocumentStore abstracts the remote document database.
type DocumentStore interface {
	// Listen delivers the current state of ref, then every change, in order.
	// fn runs on a goroutine owned by the subscription, never inside Listen,
	// and may block. The subscription ends on Cancel or when ctx is done.
	Listen(ctx context.Context, ref core.DocRef, fn func(core.Snapshot)) (core.Subscription, error)
	Get(ctx context.Context, ref core.DocRef) (core.Document, error)
	// UpdateField applies a single-field partial update atomically.
	// It returns core.ErrNotFound when the document does not exist.
	UpdateField(ctx context.Context, ref core.DocRef, field string, value any) error
	// Set creates or replaces a whole document.
	Set(ctx context.Context, ref core.DocRef, doc core.Document) error
	// List returns every document of a collection keyed by id.
	List(ctx context.Context, collection string) (map[string]core.Document, error)
}

// Player plays a bounded local sound asset.
type Player interface {
	Play(ctx context.Context, asset string) error
}

// Publisher receives domain events.
type Publisher interface {
	Publish(ctx context.Context, ev core.Event)
}
