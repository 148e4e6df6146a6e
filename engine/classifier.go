package engine

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"dvbsboard/core"
)

// Classifier separates the replay a listener sends on (re)attachment from live
// updates, and detects whether a payload differs from the cached snapshot.
type Classifier struct {
	mu        sync.Mutex
	delivered map[core.BoardID]bool
}

func NewClassifier() *Classifier {
	return &Classifier{delivered: map[core.BoardID]bool{}}
}

// Classify marks board as delivered. The first call after NewClassifier or
// Reset reports IsInitial.
func (c *Classifier) Classify(board core.BoardID, previous, incoming core.Document) core.Classification {
	c.mu.Lock()
	initial := !c.delivered[board]
	c.delivered[board] = true
	c.mu.Unlock()
	return core.Classification{
		Board:     board,
		IsInitial: initial,
		Changed:   !DocumentsEqual(previous, incoming),
	}
}

// Reset clears the delivered flag of every listed board.
func (c *Classifier) Reset(boards []core.BoardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range boards {
		delete(c.delivered, b)
	}
}

// Delivered reports whether board has delivered since the last Reset.
func (c *Classifier) Delivered(board core.BoardID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered[board]
}

// DocumentsEqual is a deep value comparison. A nil document equals an empty one;
// a missing field differs from a zero-valued field.
func DocumentsEqual(a, b core.Document) bool {
	return cmp.Equal(map[string]any(a), map[string]any(b), cmpopts.EquateEmpty())
}
