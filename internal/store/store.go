// Package store holds the check-then-act upsert used to mirror snapshots
// into a keyed document collection, independent of the backing database.
package store

import (
	"context"
	"fmt"
)

// Document is a flat field map. Filters are Documents too: a document
// matches a filter when every filter field is present with an equal value.
type Document map[string]any

// Collection is the capability the synchronizer needs from a backend.
type Collection interface {
	Name() string
	// Exists reports whether at least one document matches filter.
	Exists(ctx context.Context, filter Document) (bool, error)
	Insert(ctx context.Context, doc Document) error
	// Update sets every field of fields on the first document matching
	// filter and leaves its other fields untouched.
	Update(ctx context.Context, filter, fields Document) error
}

// Error is returned for any failed backend round trip.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Upsert makes the document selected by filter match record: it inserts
// record when nothing matches, otherwise it merges record's fields into the
// existing document. It reports whether an insert happened.
//
// This is two round trips, not an atomic upsert. Concurrent writers on the
// same filter may insert a duplicate or lose an update; callers serialize
// events per guild.
func Upsert(ctx context.Context, col Collection, filter, record Document) (bool, error) {
	found, err := col.Exists(ctx, filter)
	if err != nil {
		return false, &Error{Op: "find", Collection: col.Name(), Err: err}
	}

	if !found {
		if err := col.Insert(ctx, record); err != nil {
			return false, &Error{Op: "insert", Collection: col.Name(), Err: err}
		}
		return true, nil
	}

	if err := col.Update(ctx, filter, record); err != nil {
		return false, &Error{Op: "update", Collection: col.Name(), Err: err}
	}
	return false, nil
}
