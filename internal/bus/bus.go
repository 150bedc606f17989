// Package bus provides a bounded, versioned ring-buffer broadcast channel.
//
// Every value sent on a channel is stamped with a version taken from a single
// counter shared by all senders, which gives one total order per channel.
// Receivers never consume messages: each keeps a private cursor (the last
// version it observed) and scans the ring for the next version after it.
//
// Catch-up policy: once more than capacity sends have happened since a
// receiver last read, the intermediate messages are gone. The receiver then
// resumes at the oldest message still retained, so it keeps moving forward,
// never sees a message twice and never stalls a producer.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// slot holds one message. The version is published with a release store only
// after the payload write completes, and readers load it with acquire
// semantics (sync/atomic is sequentially consistent), so a reader that sees a
// version also sees its payload.
type slot[T any] struct {
	version atomic.Uint64 // 0 = never written
	mu      sync.RWMutex
	payload T
}

// state is shared by every Sender and Receiver of one channel.
type state[T any] struct {
	slots   []slot[T]
	cursor  atomic.Uint64 // global write cursor
	version atomic.Uint64 // last version handed out
	wake    atomic.Pointer[chan struct{}]
}

// Sender publishes values on a channel. The zero value is not usable; copies
// share the same channel.
type Sender[T any] struct {
	s *state[T]
}

// Receiver reads values from a channel. Its cursor is private, so a Receiver
// must be owned by a single goroutine. Use Clone or Sender.Subscribe to give
// another goroutine its own view of the channel.
type Receiver[T any] struct {
	s      *state[T]
	cursor uint64
}

// New creates a channel with a fixed capacity and publishes initial as its
// first message, so a fresh receiver always observes it.
func New[T any](capacity int, initial T) (Sender[T], *Receiver[T]) {
	if capacity < 1 {
		panic("bus: capacity must be at least 1")
	}

	st := &state[T]{slots: make([]slot[T], capacity)}
	ch := make(chan struct{})
	st.wake.Store(&ch)

	tx := Sender[T]{s: st}
	tx.Send(initial)

	return tx, &Receiver[T]{s: st}
}

// Send publishes v. It never blocks on receivers; when the ring is full the
// oldest slot is overwritten.
func (tx Sender[T]) Send(v T) {
	st := tx.s
	index := (st.cursor.Add(1) - 1) % uint64(len(st.slots))
	version := st.version.Add(1)

	sl := &st.slots[index]
	sl.mu.Lock()
	sl.payload = v
	sl.version.Store(version)
	sl.mu.Unlock()

	st.notify()
}

// Subscribe returns a new Receiver on the same channel with its cursor at 0.
func (tx Sender[T]) Subscribe() *Receiver[T] {
	return &Receiver[T]{s: tx.s}
}

// Version returns the last version handed out on the channel.
func (tx Sender[T]) Version() uint64 {
	return tx.s.version.Load()
}

// Capacity returns the number of slots in the ring.
func (tx Sender[T]) Capacity() int {
	return len(tx.s.slots)
}

// notify wakes every goroutine blocked in Recv. Receivers grab the current
// wake channel before scanning, so a send that lands after their scan always
// closes a channel they are waiting on.
func (st *state[T]) notify() {
	next := make(chan struct{})
	prev := st.wake.Swap(&next)
	close(*prev)
}

// Clone returns a new Receiver on the same channel. The clone's cursor starts
// at 0, so it observes the full retained history.
func (rx *Receiver[T]) Clone() *Receiver[T] {
	return &Receiver[T]{s: rx.s}
}

// Cursor returns the last version this receiver observed.
func (rx *Receiver[T]) Cursor() uint64 {
	return rx.cursor
}

// Ready returns a channel that is closed by the next send. Grab it before
// calling TryRecv so that no send can slip in between a miss and the wait.
func (rx *Receiver[T]) Ready() <-chan struct{} {
	return *rx.s.wake.Load()
}

// TryRecv returns the next message after the receiver's cursor without
// blocking. It prefers the immediate successor; when that was overwritten it
// falls back to the oldest retained message newer than the cursor.
func (rx *Receiver[T]) TryRecv() (T, bool) {
	for {
		idx, version := rx.next()
		if idx < 0 {
			var zero T
			return zero, false
		}

		if v, ok := rx.s.slots[idx].read(version); ok {
			rx.cursor = version
			return v, true
		}
		// overwritten between scan and read, rescan
	}
}

// Recv blocks until a message newer than the cursor is available or ctx is
// done.
func (rx *Receiver[T]) Recv(ctx context.Context) (T, error) {
	for {
		ready := rx.Ready()
		if v, ok := rx.TryRecv(); ok {
			return v, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// next picks the slot to read. It returns -1 when nothing newer than the
// cursor is retained.
func (rx *Receiver[T]) next() (int, uint64) {
	want := rx.cursor + 1
	best, bestVersion := -1, uint64(0)

	for i := range rx.s.slots {
		v := rx.s.slots[i].version.Load()
		if v == want {
			return i, v
		}
		if v > rx.cursor && (best < 0 || v < bestVersion) {
			best, bestVersion = i, v
		}
	}

	return best, bestVersion
}

// read copies the payload if the slot still carries version.
func (sl *slot[T]) read(version uint64) (T, bool) {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if sl.version.Load() != version {
		var zero T
		return zero, false
	}

	return sl.payload, true
}
