// Package feed consumes a remote change feed over HTTP long-polling. A
// subscription declares a "shape" (table, predicate, columns, primary key)
// and the server replays every change matching it, tagged with an
// insert/update/delete operation, followed by an up-to-date control message
// once the subscriber has caught up.
package feed

import (
	"context"
	"encoding/json"
	"sync"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ShapeRequest declares the subset of a table to replicate.
type ShapeRequest struct {
	Table      string
	Where      string
	Columns    []string
	PrimaryKey []string
}

// Message is one entry in a feed response batch: either a row change or a
// control message.
type Message struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Headers MessageHeaders  `json:"headers"`
}

type MessageHeaders struct {
	Operation Operation `json:"operation,omitempty"`
	Control   string    `json:"control,omitempty"`
}

// ControlUpToDate marks the point where the subscriber has replayed every
// change the server knows about.
const ControlUpToDate = "up-to-date"

// IsControl reports whether the message carries no row data.
func (m Message) IsControl() bool {
	return m.Headers.Control != ""
}

// Change is a decoded row mutation handed to a ChangeApplier. Value is nil
// for deletes; Key always holds the primary key.
type Change struct {
	Operation Operation
	Key       string
	Value     json.RawMessage
}

// ChangeApplier receives replicated changes, typically a local row store.
type ChangeApplier interface {
	ApplyChanges(ctx context.Context, changes []Change) error
}

// Stream fans raw message batches out to subscribers. The zero value is not
// usable; construct with NewStream.
type Stream struct {
	mu   sync.Mutex
	subs map[int]func([]Message)
	next int
}

func NewStream() *Stream {
	return &Stream{subs: make(map[int]func([]Message))}
}

// Subscribe registers fn for every published batch and returns a cancel
// function. Cancel is idempotent.
func (s *Stream) Subscribe(fn func([]Message)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Publish delivers a batch to all current subscribers. Callbacks run on the
// caller's goroutine, outside the stream lock.
func (s *Stream) Publish(msgs []Message) {
	s.mu.Lock()
	fns := make([]func([]Message), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msgs)
	}
}
