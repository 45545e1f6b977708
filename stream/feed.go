// Package stream - The ordered output feed of encoded frames and its
// multipart JPEG framing.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrFeedClosed is returned by Reader.Next once the feed is closed and the
// reader has consumed everything before the close.
var ErrFeedClosed = errors.New("feed closed")

// Item is one encoded frame.
type Item struct {
	Seq       uint64
	Data      []byte
	Timestamp time.Time
}

// Stats describes a feed.
type Stats struct {
	Appended uint64 `json:"appended"`
	Readers  int    `json:"readers"`
	Backlog  int    `json:"backlog"`
	Skipped  uint64 `json:"skipped"`
}

// Feed is an append-only sequence of encoded frames. Every reader sees the
// frames appended after it subscribed, in order, and is never rewound.
// Frames are released once every reader has passed them.
type Feed struct {
	mu      sync.Mutex
	items   []Item
	base    uint64
	next    uint64
	last    *Item
	cursors map[uint64]uint64
	readers uint64
	notify  chan struct{}
	closed  bool

	maxBacklog int
	skipped    uint64
}

// NewFeed creates a feed.
//
// Arguments:
//   - maxBacklog: The most frames retained for a lagging reader; 0 keeps
//     everything until it is read. A reader that falls further behind
//     continues from the oldest retained frame.
//
// Returns:
//   - *Feed: The feed.
func NewFeed(maxBacklog int) *Feed {
	if maxBacklog < 0 {
		maxBacklog = 0
	}
	return &Feed{
		cursors:    make(map[uint64]uint64),
		notify:     make(chan struct{}),
		maxBacklog: maxBacklog,
	}
}

// Append adds one frame and wakes waiting readers.
//
// Returns:
//   - uint64: The frame's sequence number in the feed.
func (f *Feed) Append(data []byte) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return f.next
	}

	item := Item{Seq: f.next, Data: data, Timestamp: time.Now()}
	f.items = append(f.items, item)
	f.last = &item
	f.next++

	if f.maxBacklog > 0 && len(f.items) > f.maxBacklog {
		drop := len(f.items) - f.maxBacklog
		f.items = append(f.items[:0:0], f.items[drop:]...)
		f.base += uint64(drop)
	}
	f.trim()

	close(f.notify)
	f.notify = make(chan struct{})
	return item.Seq
}

// trim drops frames every reader has passed. Callers hold mu.
func (f *Feed) trim() {
	min := f.next
	for _, c := range f.cursors {
		if c < min {
			min = c
		}
	}
	if min <= f.base {
		return
	}
	n := int(min - f.base)
	if n >= len(f.items) {
		f.items = f.items[:0:0]
	} else {
		f.items = append(f.items[:0:0], f.items[n:]...)
	}
	f.base = min
}

// Latest returns the most recently appended frame.
func (f *Feed) Latest() (Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return Item{}, false
	}
	return *f.last, true
}

// Subscribe returns a reader positioned after the last appended frame.
func (f *Feed) Subscribe() *Reader {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.readers++
	id := f.readers
	f.cursors[id] = f.next
	return &Reader{feed: f, id: id}
}

// Close wakes all readers; they drain what is left and then get
// ErrFeedClosed. Close is idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.notify)
}

// Stats returns a snapshot of the feed counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		Appended: f.next,
		Readers:  len(f.cursors),
		Backlog:  len(f.items),
		Skipped:  f.skipped,
	}
}

// Reader is one consumer's cursor into a Feed. A Reader is used by a single
// goroutine.
type Reader struct {
	feed *Feed
	id   uint64
}

// Next blocks until the next frame is available.
//
// Arguments:
//   - ctx: Cancels the wait.
//
// Returns:
//   - Item: The next frame in order.
//   - error: ctx.Err(), ErrFeedClosed, or an error if the reader was closed.
func (r *Reader) Next(ctx context.Context) (Item, error) {
	f := r.feed
	for {
		f.mu.Lock()
		cursor, ok := f.cursors[r.id]
		if !ok {
			f.mu.Unlock()
			return Item{}, errors.New("reader closed")
		}
		if cursor < f.base {
			f.skipped += f.base - cursor
			cursor = f.base
			f.cursors[r.id] = cursor
		}
		if cursor < f.next {
			item := f.items[cursor-f.base]
			f.cursors[r.id] = cursor + 1
			f.trim()
			f.mu.Unlock()
			return item, nil
		}
		if f.closed {
			f.mu.Unlock()
			return Item{}, ErrFeedClosed
		}
		wait := f.notify
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close releases the reader's cursor.
func (r *Reader) Close() {
	f := r.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cursors, r.id)
	f.trim()
}
