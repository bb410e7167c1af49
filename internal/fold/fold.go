// Package fold derives current state from event history. Both domain engines
// replay their logs through the same left-fold, so a derived snapshot is
// always disposable: replaying the same sequence yields the same state.
package fold

import (
	"encoding/json"

	"github.com/example/assembly-panel/internal/domain"
)

// Iterator streams raw records in append order. The storage engine's
// IterateEvents satisfies this shape via a method value.
type Iterator func(fn func(json.RawMessage) error) error

// Fold reduces events left to right into a state value. reduce must be a pure
// function of its inputs for the idempotence contract to hold.
func Fold[S, E any](initial S, events []E, reduce func(S, E) S) S {
	state := initial
	for _, event := range events {
		state = reduce(state, event)
	}
	return state
}

// Decode drains an iterator into typed events, preserving append order.
// Records that fail to decode surface as CorruptionError.
func Decode[E any](it Iterator) ([]E, error) {
	var events []E
	err := it(func(raw json.RawMessage) error {
		var event E
		if err := json.Unmarshal(raw, &event); err != nil {
			return &domain.CorruptionError{Err: err}
		}
		events = append(events, event)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Replay decodes an iterator's records and folds them in one pass.
func Replay[S, E any](initial S, it Iterator, reduce func(S, E) S) (S, error) {
	events, err := Decode[E](it)
	if err != nil {
		return initial, err
	}
	return Fold(initial, events, reduce), nil
}
