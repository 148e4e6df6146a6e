package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a targeted document that does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrNegativeScore rejects an edit that would take a score below zero.
	ErrNegativeScore = errors.New("score cannot go below zero")
	ErrUnknownBoard  = errors.New("unknown board")
	ErrInvalidDay    = errors.New("invalid day key")
	// ErrAlreadyAttached is returned when a board still holds an active listener.
	ErrAlreadyAttached = errors.New("board already has an active listener")
)

// EditError reports a rejected backing-store write for a local edit.
type EditError struct {
	Board      BoardID
	Field      string
	Value      int64
	RolledBack bool
	Err        error
}

func (e *EditError) Error() string {
	return fmt.Sprintf("write %s.%s=%d: %v", e.Board, e.Field, e.Value, e.Err)
}

func (e *EditError) Unwrap() error { return e.Err }

// PlaybackError reports a celebration sound that could not be played.
type PlaybackError struct {
	Asset string
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("play %s: %v", e.Asset, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
