package stream

import (
	"context"
	"errors"
	"sync"

	"backend-livetrack/internal/subject"
)

var (
	// ErrObserverClosed is returned by Next after Detach.
	ErrObserverClosed = errors.New("observer detached")
	// ErrObserverFinished is returned once the queue drains after the
	// observer's scoped session has ended.
	ErrObserverFinished = errors.New("observed session ended")
	// ErrObserverOverflow is returned when lifecycle frames alone overflow
	// the queue, i.e. the connection has stopped reading.
	ErrObserverOverflow = errors.New("observer queue overflow")
)

// Observer is one attached read-only connection. Its outbound queue is
// bounded: when full, the oldest queued point is dropped so the newest
// position always gets through. Snapshot and lifecycle frames are never
// dropped.
type Observer struct {
	id      uint64
	subject subject.Subject
	// scope restricts delivery to a single session (share-link observers).
	scope string
	max   int

	mu       sync.Mutex
	queue    []Frame
	notify   chan struct{}
	closed   bool
	finished bool
	overflow bool
	dropped  uint64

	// announced is the last session id this observer has seen go live.
	// Guarded by the owning room's lock.
	announced string
}

func newObserver(id uint64, s subject.Subject, scope string, max int) *Observer {
	if max < 1 {
		max = 1
	}
	return &Observer{
		id:      id,
		subject: s,
		scope:   scope,
		max:     max,
		notify:  make(chan struct{}, 1),
	}
}

func (o *Observer) ID() uint64               { return o.id }
func (o *Observer) Subject() subject.Subject { return o.subject }
func (o *Observer) Scope() string            { return o.scope }

// Dropped reports how many point frames were discarded for this observer.
func (o *Observer) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// accepts reports whether frames of sessionID are visible to this observer.
func (o *Observer) accepts(sessionID string) bool {
	return o.scope == "" || o.scope == sessionID
}

// enqueue appends f and reports whether a point had to be dropped.
func (o *Observer) enqueue(f Frame) bool {
	o.mu.Lock()
	if o.closed || o.finished || o.overflow {
		o.mu.Unlock()
		return false
	}
	dropped := false
	if len(o.queue) >= o.max {
		if i := o.oldestPoint(); i >= 0 {
			copy(o.queue[i:], o.queue[i+1:])
			o.queue[len(o.queue)-1] = Frame{}
			o.queue = o.queue[:len(o.queue)-1]
			o.dropped++
			dropped = true
		} else if len(o.queue) >= 2*o.max {
			o.overflow = true
			o.queue = nil
			o.mu.Unlock()
			o.wake()
			return false
		}
	}
	o.queue = append(o.queue, f)
	o.mu.Unlock()
	o.wake()
	return dropped
}

func (o *Observer) oldestPoint() int {
	for i, f := range o.queue {
		if f.Kind == KindPoint {
			return i
		}
	}
	return -1
}

func (o *Observer) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// finish lets the queue drain, after which Next reports ErrObserverFinished.
func (o *Observer) finish() {
	o.mu.Lock()
	o.finished = true
	o.mu.Unlock()
	o.wake()
}

func (o *Observer) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
	o.wake()
}

// Next blocks until a frame is available, the observer is closed or
// finished, or ctx is done. Frames are returned in enqueue order.
func (o *Observer) Next(ctx context.Context) (Frame, error) {
	for {
		o.mu.Lock()
		switch {
		case o.closed:
			o.mu.Unlock()
			return Frame{}, ErrObserverClosed
		case o.overflow:
			o.mu.Unlock()
			return Frame{}, ErrObserverOverflow
		case len(o.queue) > 0:
			f := o.queue[0]
			o.queue[0] = Frame{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return f, nil
		case o.finished:
			o.mu.Unlock()
			return Frame{}, ErrObserverFinished
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-o.notify:
		}
	}
}
