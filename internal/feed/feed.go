// Package feed is the live change feed: one append-only sequence, many
// independent listeners. Sequence numbers are assigned under a single
// short mutex, never while a resource lock is held. A listener that
// cannot drain its buffer is dropped with a terminal error instead of
// stalling writers.
package feed

import (
	"errors"
	"sync"

	"github.com/horaoen/reservation/internal/domain/models"
)

// ErrListenerLagged terminates a listener that fell behind the feed.
// Other listeners and writers are unaffected.
var ErrListenerLagged = errors.New("listener lagged behind the feed")

const defaultBufferSize = 64

type Feed struct {
	bufSize int
	onDrop  func()

	mu        sync.Mutex
	lastSeq   uint64
	nextID    uint64
	listeners map[uint64]*Listener
}

// New creates a feed whose listeners buffer up to bufSize undelivered
// events. onDrop, if non-nil, is invoked once per lag-dropped listener.
func New(bufSize int, onDrop func()) *Feed {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	return &Feed{
		bufSize:   bufSize,
		onDrop:    onDrop,
		listeners: make(map[uint64]*Listener),
	}
}

// Append assigns the next sequence number to ev and delivers it to
// every live listener. Events appended after a listener subscribed are
// delivered gap-free and duplicate-free until that listener is closed
// or dropped.
func (f *Feed) Append(ev models.ChangeEvent) models.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastSeq++
	ev.Sequence = f.lastSeq

	for id, l := range f.listeners {
		select {
		case l.events <- ev:
		default:
			// Buffer full: terminating the listener is the only way
			// to keep the no-silent-gaps contract without blocking
			// the writer.
			delete(f.listeners, id)
			l.terminate(ErrListenerLagged)
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}

	return ev
}

// Subscribe attaches a new listener receiving every event committed
// from this point on.
func (f *Feed) Subscribe() *Listener {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	l := &Listener{
		id:     f.nextID,
		feed:   f,
		events: make(chan models.ChangeEvent, f.bufSize),
	}
	f.listeners[l.id] = l
	return l
}

// Listener is one independent cursor over the feed. Its channel is
// closed when the listener is dropped or closed; Err distinguishes the
// two.
type Listener struct {
	id     uint64
	feed   *Feed
	events chan models.ChangeEvent

	mu     sync.Mutex
	closed bool
	err    error
}

// Events returns the ordered event stream. The channel is closed on
// Close or on lag termination.
func (l *Listener) Events() <-chan models.ChangeEvent {
	return l.events
}

// Err reports why the event channel was closed: nil after Close,
// ErrListenerLagged after a lag drop. It is meaningful only once the
// channel is closed.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close unsubscribes the listener. Undelivered buffered events are
// discarded and never re-delivered to a later subscription.
func (l *Listener) Close() {
	l.feed.mu.Lock()
	delete(l.feed.listeners, l.id)
	l.feed.mu.Unlock()

	l.terminate(nil)
}

func (l *Listener) terminate(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.err = err
	close(l.events)
}
