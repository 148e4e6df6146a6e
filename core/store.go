package core

// Snapshot is one delivery from a document listener.
// Exists is false when the targeted document is missing.
type Snapshot struct {
	Ref    DocRef
	Exists bool
	Doc    Document
}

// Subscription is a live listener on one document. Cancel stops further
// callbacks; it is safe to call more than once.
type Subscription interface {
	Cancel()
}
