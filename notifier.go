package filequeue

import (
	"log/slog"
	"sync"
)

// NotificationSink observes every record status transition.
// Notify runs on a dispatcher goroutine and must not call back into the queue
// synchronously in a way that waits for the queue.
type NotificationSink interface {
	Notify(rec Record, previous Status)
}

// NotificationFunc adapts a function to NotificationSink.
type NotificationFunc func(rec Record, previous Status)

// Notify calls f(rec, previous).
func (f NotificationFunc) Notify(rec Record, previous Status) {
	f(rec, previous)
}

type transition struct {
	rec      Record
	previous Status
}

// notifier delivers transitions to a sink without blocking the caller.
// When the buffer is full the event is dropped and a warning is logged.
type notifier struct {
	sink   NotificationSink
	logger *slog.Logger
	events chan transition

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newNotifier(sink NotificationSink, buffer int, logger *slog.Logger) *notifier {
	if buffer <= 0 {
		buffer = 1
	}
	n := &notifier{
		sink:   sink,
		logger: logger,
		events: make(chan transition, buffer),
		done:   make(chan struct{}),
	}
	if sink == nil {
		close(n.done)
		n.closed = true
		return n
	}
	go n.dispatch()
	return n
}

func (n *notifier) dispatch() {
	defer close(n.done)
	for ev := range n.events {
		n.deliver(ev)
	}
}

func (n *notifier) deliver(ev transition) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notifier: sink panicked", "id", ev.rec.ID, "status", ev.rec.Status, "panic", r)
		}
	}()
	n.sink.Notify(ev.rec, ev.previous)
}

func (n *notifier) publish(rec *Record, previous Status) {
	if rec == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.events <- transition{rec: *rec, previous: previous}:
	default:
		n.logger.Warn("notifier: buffer full, dropping transition", "id", rec.ID, "from", previous, "to", rec.Status)
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	<-n.done
}
