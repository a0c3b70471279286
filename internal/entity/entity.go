// Package entity provides the generic event-sourcing machinery (C2) shared
// by internal/xpub and internal/signing: an append-only per-entity event log
// keyed by id with a monotonic sequence, and rehydration via a projection
// builder. Grounded in original_source's AccountXPub (src/xpub/entity.go) and
// SigningSession entities, which both follow this same
// "events vector + fold" shape in Rust; here it is expressed once as a
// generic rather than duplicated per entity.
package entity

import (
	"fmt"
)

// Event wraps a domain-specific event payload with its position in the
// entity's log. Sequence starts at 1 and has no gaps — spec.md §4.1.
type Event[T any] struct {
	Sequence int
	Payload  T
}

// EntityEvents is the ordered event log for one entity instance. New events
// are appended with Push inside the caller's ambient transaction; the
// in-memory log only reflects events already durably appended (or about to
// be, in the same transaction) — callers are responsible for persistence,
// this type only tracks ordering.
type EntityEvents[T any] struct {
	events []Event[T]
}

// NewEntityEvents builds an empty event log, used when initializing a new
// entity before its first event is pushed.
func NewEntityEvents[T any]() *EntityEvents[T] {
	return &EntityEvents[T]{}
}

// LoadEntityEvents reconstructs a log from events already read back from
// storage in sequence order. It fails if sequences are not strictly
// increasing starting at 1, per the no-gaps invariant.
func LoadEntityEvents[T any](events []Event[T]) (*EntityEvents[T], error) {
	for i, e := range events {
		want := i + 1
		if e.Sequence != want {
			return nil, fmt.Errorf("entity event log: expected sequence %d, got %d", want, e.Sequence)
		}
	}
	return &EntityEvents[T]{events: events}, nil
}

// Push appends a new event, assigning it the next sequence number.
func (e *EntityEvents[T]) Push(payload T) Event[T] {
	ev := Event[T]{Sequence: len(e.events) + 1, Payload: payload}
	e.events = append(e.events, ev)
	return ev
}

// All returns every event in sequence order. The slice is owned by the
// caller once returned and must not be mutated in place.
func (e *EntityEvents[T]) All() []Event[T] {
	return append([]Event[T](nil), e.events...)
}

// LastSequence returns the sequence number of the most recently pushed
// event, or 0 if the log is empty.
func (e *EntityEvents[T]) LastSequence() int {
	if len(e.events) == 0 {
		return 0
	}
	return e.events[len(e.events)-1].Sequence
}

// Builder folds an ordered event stream into a projection of type P. Each
// entity package (xpub, signing) implements Builder for its own event/state
// pair and calls Rehydrate to reconstruct current state from storage.
type Builder[T any, P any] interface {
	// Apply folds one event into the builder's accumulated state.
	Apply(payload T)
	// Build finalizes the projection. Called once, after every event has
	// been applied.
	Build() (P, error)
}

// Rehydrate applies every event in order to a fresh builder and returns the
// resulting projection — the rehydration described in spec.md §4.1 and
// mirrored by original_source's `TryFrom<EntityEvents<XPubEvent>> for
// AccountXPub`.
func Rehydrate[T any, P any](events []Event[T], newBuilder func() Builder[T, P]) (P, error) {
	var zero P
	if len(events) == 0 {
		return zero, fmt.Errorf("entity has no events: not addressable")
	}
	b := newBuilder()
	for _, e := range events {
		b.Apply(e.Payload)
	}
	return b.Build()
}
