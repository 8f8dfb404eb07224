// Package buffer accumulates extracted records into per-group columnar
// batches up to a configured pack length.
package buffer

import (
	"fmt"
	"iter"
	"slices"

	"readport/internal/extract"
)

// Columns is a columnar batch: one value sequence per field name. All
// sequences in a bucket have the same length by construction.
type Columns map[string][]any

// SchemaDriftError reports a record whose field set differs from the fields
// already buffered for its group. The record is dropped; the bucket is left
// unmodified.
type SchemaDriftError struct {
	Key  any
	Want []string
	Got  []string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("group %v: cannot buffer the supplied fields: expected %v, got %v", e.Key, e.Want, e.Got)
}

// Buffer collects records separately for each group-key value. The zero
// group (records without a group key, or an ungrouped configuration) is
// bucketed under a nil key.
//
// Buffer is not safe for concurrent use; it is owned exclusively by the
// processing stage.
type Buffer struct {
	packLength int
	groupBy    string
	buckets    map[any]Columns
}

// New returns a Buffer that marks a group ready once packLength records
// have been buffered for it. groupBy is the field name whose value routes
// records to buckets; empty means a single unnamed bucket.
func New(packLength int, groupBy string) *Buffer {
	return &Buffer{
		packLength: packLength,
		groupBy:    groupBy,
		buckets:    make(map[any]Columns),
	}
}

// PackLength returns the configured batch size.
func (b *Buffer) PackLength() int { return b.packLength }

// Put appends the record's values to its group bucket. The first record
// buffered for a group defines the bucket's field set; subsequent records
// must carry exactly the same fields or the put fails with a
// *SchemaDriftError before anything is mutated.
//
// Calling Put on a bucket that has already reached the pack length is a
// programming error and panics: the caller must drain and clear ready
// buckets before refilling.
func (b *Buffer) Put(rec extract.Record) error {
	key := b.key(rec)

	cols, ok := b.buckets[key]
	if ok && len(cols[extract.TimeField]) > 0 {
		if err := b.checkDrift(key, cols, rec); err != nil {
			return err
		}
		if len(cols[extract.TimeField]) >= b.packLength {
			panic("buffer: put on a full bucket; drain and clear before refilling")
		}
	} else {
		// First record for this key (or first after a clear) defines the
		// field set.
		cols = make(Columns, len(rec))
		b.buckets[key] = cols
	}

	for name, value := range rec {
		cols[name] = append(cols[name], value)
	}
	return nil
}

// Len reports how many records are currently buffered for the given key.
func (b *Buffer) Len(key any) int {
	return len(b.buckets[key][extract.TimeField])
}

// Full iterates over the groups that have reached the pack length, yielding
// the group key and its columns. Buckets are not cleared; the caller flushes
// each one and then calls Clear. The yielded Columns are the live bucket and
// remain valid until the next Put or Clear for that key.
func (b *Buffer) Full() iter.Seq2[any, Columns] {
	return func(yield func(any, Columns) bool) {
		for key, cols := range b.buckets {
			if len(cols[extract.TimeField]) == b.packLength {
				if !yield(key, cols) {
					return
				}
			}
		}
	}
}

// Clear resets the sequences of one group to empty. The key stays known, so
// the group accumulates again from zero toward the next batch.
func (b *Buffer) Clear(key any) {
	cols := b.buckets[key]
	for name := range cols {
		cols[name] = cols[name][:0]
	}
}

// key extracts the routing key for a record. Records without a group-key
// value (ungrouped configuration, or a capture that did not participate)
// share the nil bucket.
func (b *Buffer) key(rec extract.Record) any {
	if b.groupBy == "" {
		return nil
	}
	return rec[b.groupBy]
}

func (b *Buffer) checkDrift(key any, cols Columns, rec extract.Record) error {
	if len(cols) == len(rec) {
		drift := false
		for name := range rec {
			if _, ok := cols[name]; !ok {
				drift = true
				break
			}
		}
		if !drift {
			return nil
		}
	}

	want := make([]string, 0, len(cols))
	for name := range cols {
		want = append(want, name)
	}
	got := make([]string, 0, len(rec))
	for name := range rec {
		got = append(got, name)
	}
	slices.Sort(want)
	slices.Sort(got)
	return &SchemaDriftError{Key: key, Want: want, Got: got}
}
